// Package store holds the durable stores: orders, trades and accounts.
// Each store owns its prepared statements; statements used inside the
// matcher's per-order transaction have Tx variants.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"trading-backend/internal/errs"
	"trading-backend/internal/models"

	"github.com/shopspring/decimal"
)

const orderColumns = `id, user_id, account_id, symbol, side, price, quantity, remaining_qty, status, created_at, updated_at`

// OrderStore is the durable index of orders.
type OrderStore struct {
	db *sql.DB

	insertStmt           *sql.Stmt
	getStmt              *sql.Stmt
	updateRemainingStmt  *sql.Stmt
	updateStatusStmt     *sql.Stmt
	workingForUserStmt   *sql.Stmt
	groupedOrderbookStmt *sql.Stmt
}

// NewOrderStore prepares the order statements.
func NewOrderStore(db *sql.DB) (*OrderStore, error) {
	s := &OrderStore{db: db}

	var err error
	s.insertStmt, err = db.Prepare(`
		INSERT INTO orders (
			user_id, account_id, symbol, side, price,
			quantity, remaining_qty, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert order statement: %w", err)
	}

	s.getStmt, err = db.Prepare(`
		SELECT ` + orderColumns + `
		FROM orders
		WHERE id = ?
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare select order statement: %w", err)
	}

	// Terminal rows are frozen: the status guard makes updates on
	// FILLED/CANCELLED orders no-ops.
	s.updateRemainingStmt, err = db.Prepare(`
		UPDATE orders
		SET remaining_qty = ?, updated_at = ?
		WHERE id = ? AND status IN ('WORKING', 'PARTIAL')
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare update remaining statement: %w", err)
	}

	s.updateStatusStmt, err = db.Prepare(`
		UPDATE orders
		SET remaining_qty = ?, status = ?, updated_at = ?
		WHERE id = ? AND status IN ('WORKING', 'PARTIAL')
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare update status statement: %w", err)
	}

	s.workingForUserStmt, err = db.Prepare(`
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = ? AND status IN ('WORKING', 'PARTIAL')
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare working orders statement: %w", err)
	}

	s.groupedOrderbookStmt, err = db.Prepare(`
		SELECT side, price, SUM(remaining_qty) AS qty, COUNT(*) AS cnt
		FROM orders
		WHERE symbol = ? AND status IN ('WORKING', 'PARTIAL') AND remaining_qty > 0
		GROUP BY side, price
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare grouped orderbook statement: %w", err)
	}

	return s, nil
}

// Close releases the prepared statements.
func (s *OrderStore) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.insertStmt, s.getStmt, s.updateRemainingStmt,
		s.updateStatusStmt, s.workingForUserStmt, s.groupedOrderbookStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}

// Insert persists a fresh order and assigns its id. The row must arrive
// WORKING with remaining equal to quantity.
func (s *OrderStore) Insert(ctx context.Context, o *models.Order) (int64, error) {
	if !o.Quantity.IsPositive() {
		return 0, errs.New(errs.Validation, "order quantity must be positive")
	}
	if !o.RemainingQty.Equal(o.Quantity) {
		return 0, errs.New(errs.Validation, "new order remaining_qty must equal quantity")
	}
	if o.Status != models.StatusWorking {
		return 0, errs.New(errs.Validation, "new order status must be WORKING")
	}

	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	var id int64
	err := withRetry(ctx, func() error {
		res, err := s.insertStmt.ExecContext(ctx,
			o.UserID, o.AccountID, o.Symbol, o.Side, o.Price,
			o.Quantity, o.RemainingQty, o.Status, o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert order: %w", err)
	}
	o.ID = id
	return id, nil
}

// Get fetches an order by id.
func (s *OrderStore) Get(ctx context.Context, id int64) (*models.Order, error) {
	var o models.Order
	err := withRetry(ctx, func() error {
		return scanOrder(s.getStmt.QueryRowContext(ctx, id), &o)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.NotFound, "order %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %d: %w", id, err)
	}
	return &o, nil
}

// UpdateRemaining sets the remaining quantity and, when status is non-empty,
// the status. Updates against terminal rows are silently ignored.
func (s *OrderStore) UpdateRemaining(ctx context.Context, id int64, remaining decimal.Decimal, status models.Status) error {
	return withRetry(ctx, func() error {
		return s.execUpdateRemaining(ctx, nil, id, remaining, status)
	})
}

// UpdateRemainingTx is UpdateRemaining inside the caller's transaction.
func (s *OrderStore) UpdateRemainingTx(ctx context.Context, tx *sql.Tx, id int64, remaining decimal.Decimal, status models.Status) error {
	return s.execUpdateRemaining(ctx, tx, id, remaining, status)
}

func (s *OrderStore) execUpdateRemaining(ctx context.Context, tx *sql.Tx, id int64, remaining decimal.Decimal, status models.Status) error {
	now := time.Now().UTC()

	var err error
	if status == "" {
		stmt := s.updateRemainingStmt
		if tx != nil {
			stmt = tx.StmtContext(ctx, stmt)
		}
		_, err = stmt.ExecContext(ctx, remaining, now, id)
	} else {
		stmt := s.updateStatusStmt
		if tx != nil {
			stmt = tx.StmtContext(ctx, stmt)
		}
		_, err = stmt.ExecContext(ctx, remaining, status, now, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", id, err)
	}
	return nil
}

// CancelMany atomically moves WORKING/PARTIAL rows to CANCELLED with zero
// remaining and reports how many rows transitioned. Terminal rows are left
// untouched, so cancelling is idempotent.
func (s *OrderStore) CancelMany(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		UPDATE orders
		SET status = 'CANCELLED', remaining_qty = 0, updated_at = ?
		WHERE id IN (%s) AND status IN ('WORKING', 'PARTIAL')
	`, placeholders(len(ids)))

	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}

	var affected int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to cancel orders: %w", err)
	}
	return affected, nil
}

// OwnedBy returns, of the given ids, the orders belonging to userID.
func (s *OrderStore) OwnedBy(ctx context.Context, ids []int64, userID int64) ([]models.Order, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = ? AND id IN (%s)
	`, placeholders(len(ids)))

	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}

	var orders []models.Order
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		orders, err = collectOrders(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query owned orders: %w", err)
	}
	return orders, nil
}

// WorkingForUser lists the user's open orders, newest first.
func (s *OrderStore) WorkingForUser(ctx context.Context, userID int64, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 100
	}

	var orders []models.Order
	err := withRetry(ctx, func() error {
		rows, err := s.workingForUserStmt.QueryContext(ctx, userID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		orders, err = collectOrders(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query working orders: %w", err)
	}
	return orders, nil
}

// GroupedOrderBook aggregates live rows by (side, price): bids descending,
// asks ascending.
func (s *OrderStore) GroupedOrderBook(ctx context.Context, symbol string) (*models.GroupedBook, error) {
	book := &models.GroupedBook{Symbol: symbol}

	err := withRetry(ctx, func() error {
		rows, err := s.groupedOrderbookStmt.QueryContext(ctx, symbol)
		if err != nil {
			return err
		}
		defer rows.Close()

		book.Bids = book.Bids[:0]
		book.Asks = book.Asks[:0]
		for rows.Next() {
			var lvl models.BookLevel
			if err := rows.Scan(&lvl.Side, &lvl.Price, &lvl.Qty, &lvl.Count); err != nil {
				return err
			}
			if lvl.Side == models.SideBuy {
				book.Bids = append(book.Bids, lvl)
			} else {
				book.Asks = append(book.Asks, lvl)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query grouped orderbook: %w", err)
	}

	sortLevels(book.Bids, true)
	sortLevels(book.Asks, false)
	return book, nil
}

// OpenOrders returns every live limit order in arrival order, for rebuilding
// the in-memory books at startup.
func (s *OrderStore) OpenOrders(ctx context.Context) ([]models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status IN ('WORKING', 'PARTIAL') AND remaining_qty > 0 AND price > 0
		ORDER BY created_at ASC, id ASC
	`

	var orders []models.Order
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		orders, err = collectOrders(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	return orders, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner, o *models.Order) error {
	return row.Scan(
		&o.ID, &o.UserID, &o.AccountID, &o.Symbol, &o.Side,
		&o.Price, &o.Quantity, &o.RemainingQty, &o.Status,
		&o.CreatedAt, &o.UpdatedAt,
	)
}

func collectOrders(rows *sql.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		var o models.Order
		if err := scanOrder(rows, &o); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func sortLevels(levels []models.BookLevel, desc bool) {
	sort.Slice(levels, func(i, j int) bool {
		if desc {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
}
