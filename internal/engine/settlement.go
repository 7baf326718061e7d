package engine

import (
	"context"
	"database/sql"
	"fmt"

	"trading-backend/internal/errs"
	"trading-backend/internal/models"
	"trading-backend/internal/store"

	"github.com/shopspring/decimal"
)

// buyPositionAfter applies the buy-side VWAP rule: the cost basis is the
// volume-weighted average of the old position and the new fill.
func buyPositionAfter(old *models.Position, price, qty decimal.Decimal) (newQty, newAvg decimal.Decimal) {
	if old == nil {
		return qty, price
	}
	newQty = old.Qty.Add(qty)
	totalCost := old.Qty.Mul(old.AvgPrice).Add(qty.Mul(price))
	newAvg = totalCost.Div(newQty)
	return newQty, newAvg
}

// sellPositionAfter reduces the position; selling never changes the cost
// basis.
func sellPositionAfter(old *models.Position, qty decimal.Decimal) (newQty decimal.Decimal) {
	return old.Qty.Sub(qty)
}

// settler applies the per-fill settlement sequence inside the matcher's
// transaction: both balances move by the notional, then both positions are
// brought up to date.
type settler struct {
	accounts *store.AccountStore
}

// settleFill updates both sides of a fill. The two account rows are touched
// in ascending account-id order so concurrent settlements on different
// symbols cannot deadlock on row locks.
func (s *settler) settleFill(ctx context.Context, tx *sql.Tx, f *models.Fill) error {
	notional := f.Notional()

	legs := []func() error{
		func() error { return s.accounts.DebitTx(ctx, tx, f.BuyAccountID, notional) },
		func() error { return s.accounts.CreditTx(ctx, tx, f.SellAccountID, notional) },
	}
	if f.SellAccountID < f.BuyAccountID {
		legs[0], legs[1] = legs[1], legs[0]
	}
	for _, leg := range legs {
		if err := leg(); err != nil {
			return err
		}
	}

	if err := s.settleBuyPosition(ctx, tx, f); err != nil {
		return err
	}
	return s.settleSellPosition(ctx, tx, f)
}

func (s *settler) settleBuyPosition(ctx context.Context, tx *sql.Tx, f *models.Fill) error {
	pos, err := s.accounts.PositionTx(ctx, tx, f.BuyAccountID, f.Symbol)
	if err != nil {
		return err
	}

	newQty, newAvg := buyPositionAfter(pos, f.Price, f.Quantity)
	next := &models.Position{
		AccountID: f.BuyAccountID,
		Symbol:    f.Symbol,
		Qty:       newQty,
		AvgPrice:  newAvg,
	}
	if err := s.accounts.UpsertPositionTx(ctx, tx, next, pos == nil); err != nil {
		return fmt.Errorf("buy-side position: %w", err)
	}
	return nil
}

func (s *settler) settleSellPosition(ctx context.Context, tx *sql.Tx, f *models.Fill) error {
	pos, err := s.accounts.PositionTx(ctx, tx, f.SellAccountID, f.Symbol)
	if err != nil {
		return err
	}
	if pos == nil {
		// Short selling is rejected at order entry; a missing sell-side
		// position here means that check was bypassed.
		return errs.Newf(errs.Precondition, "account %d has no %s position to sell", f.SellAccountID, f.Symbol)
	}

	newQty := sellPositionAfter(pos, f.Quantity)
	if newQty.Sign() <= 0 {
		if err := s.accounts.DeletePositionTx(ctx, tx, f.SellAccountID, f.Symbol); err != nil {
			return fmt.Errorf("sell-side position: %w", err)
		}
		return nil
	}

	next := &models.Position{
		AccountID: f.SellAccountID,
		Symbol:    f.Symbol,
		Qty:       newQty,
		AvgPrice:  pos.AvgPrice,
	}
	if err := s.accounts.UpsertPositionTx(ctx, tx, next, false); err != nil {
		return fmt.Errorf("sell-side position: %w", err)
	}
	return nil
}
