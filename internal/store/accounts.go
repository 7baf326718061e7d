package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trading-backend/internal/errs"
	"trading-backend/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountStore owns accounts (cash balances) and positions (per-symbol
// holdings with a buy-side VWAP cost basis).
type AccountStore struct {
	db *sql.DB

	creditStmt         *sql.Stmt
	debitStmt          *sql.Stmt
	getPositionStmt    *sql.Stmt
	insertPositionStmt *sql.Stmt
	updatePositionStmt *sql.Stmt
	deletePositionStmt *sql.Stmt
	balanceStmt        *sql.Stmt
	ownerStmt          *sql.Stmt
	positionsStmt      *sql.Stmt
	listStmt           *sql.Stmt
}

// NewAccountStore prepares the account and position statements.
func NewAccountStore(db *sql.DB) (*AccountStore, error) {
	s := &AccountStore{db: db}

	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.creditStmt, `UPDATE accounts SET balance = balance + ? WHERE id = ?`},
		// The guard keeps a BUY fill from driving the balance negative;
		// zero rows affected means the debit was refused.
		{&s.debitStmt, `UPDATE accounts SET balance = balance - ? WHERE id = ? AND balance >= ?`},
		{&s.getPositionStmt, `SELECT account_id, symbol, qty, avg_price, updated_at FROM positions WHERE account_id = ? AND symbol = ?`},
		{&s.insertPositionStmt, `INSERT INTO positions (account_id, symbol, qty, avg_price, updated_at) VALUES (?, ?, ?, ?, ?)`},
		{&s.updatePositionStmt, `UPDATE positions SET qty = ?, avg_price = ?, updated_at = ? WHERE account_id = ? AND symbol = ?`},
		{&s.deletePositionStmt, `DELETE FROM positions WHERE account_id = ? AND symbol = ?`},
		{&s.balanceStmt, `SELECT balance FROM accounts WHERE id = ?`},
		{&s.ownerStmt, `SELECT user_id FROM accounts WHERE id = ?`},
		{&s.positionsStmt, `SELECT account_id, symbol, qty, avg_price, updated_at FROM positions WHERE account_id = ? ORDER BY symbol`},
		{&s.listStmt, `SELECT id, user_id, account_no, balance, created_at FROM accounts WHERE user_id = ? ORDER BY id`},
	}
	for _, p := range stmts {
		stmt, err := db.Prepare(p.query)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to prepare account statement: %w", err)
		}
		*p.dst = stmt
	}

	return s, nil
}

// Close releases the prepared statements.
func (s *AccountStore) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.creditStmt, s.debitStmt, s.getPositionStmt, s.insertPositionStmt,
		s.updatePositionStmt, s.deletePositionStmt, s.balanceStmt,
		s.ownerStmt, s.positionsStmt, s.listStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}

// Open creates an account with zero balance. An empty accountNo gets a
// generated one.
func (s *AccountStore) Open(ctx context.Context, userID int64, accountNo string) (int64, error) {
	if accountNo == "" {
		accountNo = uuid.NewString()
	}

	var id int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO accounts (user_id, account_no, balance, created_at)
			VALUES (?, ?, 0, ?)
		`, userID, accountNo, time.Now().UTC())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to open account: %w", err)
	}
	return id, nil
}

// OwnerOf returns the user id owning the account.
func (s *AccountStore) OwnerOf(ctx context.Context, accountID int64) (int64, error) {
	var userID int64
	err := withRetry(ctx, func() error {
		return s.ownerStmt.QueryRowContext(ctx, accountID).Scan(&userID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errs.Newf(errs.NotFound, "account %d not found", accountID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up account owner: %w", err)
	}
	return userID, nil
}

// Balance returns the account's cash balance.
func (s *AccountStore) Balance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := withRetry(ctx, func() error {
		return s.balanceStmt.QueryRowContext(ctx, accountID).Scan(&balance)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, errs.Newf(errs.NotFound, "account %d not found", accountID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query balance: %w", err)
	}
	return balance, nil
}

// ListForUser returns all of the user's accounts.
func (s *AccountStore) ListForUser(ctx context.Context, userID int64) ([]models.Account, error) {
	var accounts []models.Account
	err := withRetry(ctx, func() error {
		rows, err := s.listStmt.QueryContext(ctx, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		accounts = accounts[:0]
		for rows.Next() {
			var a models.Account
			if err := rows.Scan(&a.ID, &a.UserID, &a.AccountNo, &a.Balance, &a.CreatedAt); err != nil {
				return err
			}
			accounts = append(accounts, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// Summary returns the account's balance and open positions.
func (s *AccountStore) Summary(ctx context.Context, accountID int64) (*models.AccountSummary, error) {
	balance, err := s.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}

	summary := &models.AccountSummary{Balance: balance, Positions: []models.Position{}}
	err = withRetry(ctx, func() error {
		rows, err := s.positionsStmt.QueryContext(ctx, accountID)
		if err != nil {
			return err
		}
		defer rows.Close()

		summary.Positions = summary.Positions[:0]
		for rows.Next() {
			var p models.Position
			if err := rows.Scan(&p.AccountID, &p.Symbol, &p.Qty, &p.AvgPrice, &p.UpdatedAt); err != nil {
				return err
			}
			summary.Positions = append(summary.Positions, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	return summary, nil
}

// Position returns the account's position in symbol, or nil when flat.
func (s *AccountStore) Position(ctx context.Context, accountID int64, symbol string) (*models.Position, error) {
	return s.position(ctx, nil, accountID, symbol)
}

// PositionTx is Position inside the caller's transaction.
func (s *AccountStore) PositionTx(ctx context.Context, tx *sql.Tx, accountID int64, symbol string) (*models.Position, error) {
	return s.position(ctx, tx, accountID, symbol)
}

func (s *AccountStore) position(ctx context.Context, tx *sql.Tx, accountID int64, symbol string) (*models.Position, error) {
	stmt := s.getPositionStmt
	if tx != nil {
		stmt = tx.StmtContext(ctx, stmt)
	}

	var p models.Position
	err := stmt.QueryRowContext(ctx, accountID, symbol).
		Scan(&p.AccountID, &p.Symbol, &p.Qty, &p.AvgPrice, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query position: %w", err)
	}
	return &p, nil
}

// CreditTx adds amount to the account's balance inside the transaction.
func (s *AccountStore) CreditTx(ctx context.Context, tx *sql.Tx, accountID int64, amount decimal.Decimal) error {
	_, err := tx.StmtContext(ctx, s.creditStmt).ExecContext(ctx, amount, accountID)
	if err != nil {
		return fmt.Errorf("failed to credit account %d: %w", accountID, err)
	}
	return nil
}

// DebitTx subtracts amount from the account's balance inside the transaction.
// The debit is refused when it would take the balance below zero.
func (s *AccountStore) DebitTx(ctx context.Context, tx *sql.Tx, accountID int64, amount decimal.Decimal) error {
	res, err := tx.StmtContext(ctx, s.debitStmt).ExecContext(ctx, amount, accountID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit account %d: %w", accountID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to debit account %d: %w", accountID, err)
	}
	if affected == 0 {
		return errs.Newf(errs.Precondition, "account %d has insufficient balance for debit %s", accountID, amount)
	}
	return nil
}

// UpsertPositionTx writes the position row inside the transaction, inserting
// when insert is true.
func (s *AccountStore) UpsertPositionTx(ctx context.Context, tx *sql.Tx, p *models.Position, insert bool) error {
	now := time.Now().UTC()
	var err error
	if insert {
		_, err = tx.StmtContext(ctx, s.insertPositionStmt).
			ExecContext(ctx, p.AccountID, p.Symbol, p.Qty, p.AvgPrice, now)
	} else {
		_, err = tx.StmtContext(ctx, s.updatePositionStmt).
			ExecContext(ctx, p.Qty, p.AvgPrice, now, p.AccountID, p.Symbol)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert position (%d, %s): %w", p.AccountID, p.Symbol, err)
	}
	return nil
}

// DeletePositionTx removes the position row inside the transaction. Closed
// positions are deleted, never kept at zero quantity.
func (s *AccountStore) DeletePositionTx(ctx context.Context, tx *sql.Tx, accountID int64, symbol string) error {
	_, err := tx.StmtContext(ctx, s.deletePositionStmt).ExecContext(ctx, accountID, symbol)
	if err != nil {
		return fmt.Errorf("failed to delete position (%d, %s): %w", accountID, symbol, err)
	}
	return nil
}
