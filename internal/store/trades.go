package store

import (
	"context"
	"database/sql"
	"fmt"

	"trading-backend/internal/models"
)

// TradeStore is the append-only trade log. Trades are inserted only inside
// the matcher's transaction and never updated or deleted.
type TradeStore struct {
	db *sql.DB

	insertStmt *sql.Stmt
	byUserStmt *sql.Stmt
}

// NewTradeStore prepares the trade statements.
func NewTradeStore(db *sql.DB) (*TradeStore, error) {
	s := &TradeStore{db: db}

	var err error
	s.insertStmt, err = db.Prepare(`
		INSERT INTO trades (buy_order_id, sell_order_id, symbol, price, quantity, trade_time)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert trade statement: %w", err)
	}

	// A trade belongs to the user's history when either referenced order is
	// theirs; the joined order tells us which side they were on.
	s.byUserStmt, err = db.Prepare(`
		SELECT
			a.account_no,
			t.symbol,
			CASE WHEN ob.user_id = ? THEN 'BUY' ELSE 'SELL' END AS side,
			t.price,
			t.quantity,
			t.trade_time
		FROM trades t
		JOIN orders ob ON t.buy_order_id = ob.id
		JOIN orders os ON t.sell_order_id = os.id
		JOIN accounts a ON (
			(ob.user_id = ? AND ob.account_id = a.id)
			OR (os.user_id = ? AND os.account_id = a.id)
		)
		WHERE ob.user_id = ? OR os.user_id = ?
		ORDER BY t.trade_time DESC, t.id DESC
		LIMIT ?
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare trades by user statement: %w", err)
	}

	return s, nil
}

// Close releases the prepared statements.
func (s *TradeStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.insertStmt, s.byUserStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}

// InsertTx appends a fill to the trade log inside the caller's transaction.
func (s *TradeStore) InsertTx(ctx context.Context, tx *sql.Tx, f *models.Fill) error {
	_, err := tx.StmtContext(ctx, s.insertStmt).ExecContext(ctx,
		f.BuyOrderID, f.SellOrderID, f.Symbol, f.Price, f.Quantity, f.TradeTime,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// ForUser returns the user's trade history, newest first.
func (s *TradeStore) ForUser(ctx context.Context, userID int64, limit int) ([]models.UserTrade, error) {
	if limit <= 0 {
		limit = 100
	}

	var trades []models.UserTrade
	err := withRetry(ctx, func() error {
		rows, err := s.byUserStmt.QueryContext(ctx, userID, userID, userID, userID, userID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		trades = trades[:0]
		for rows.Next() {
			var t models.UserTrade
			if err := rows.Scan(&t.AccountNo, &t.Symbol, &t.Side, &t.Price, &t.Quantity, &t.TradeTime); err != nil {
				return err
			}
			trades = append(trades, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query trades for user %d: %w", userID, err)
	}
	return trades, nil
}
