package engine

import (
	"time"

	"trading-backend/internal/models"

	"github.com/shopspring/decimal"
)

// restingExec records what one fill does to a resting order: its remaining
// quantity and status after the fill is applied.
type restingExec struct {
	order     *models.Order
	remaining decimal.Decimal
	status    models.Status
}

// matchPlan is the outcome of crossing one incoming order against the book.
// Nothing has been mutated yet: the plan is persisted inside a transaction
// first and replayed onto the book only after commit, so a failed settlement
// leaves the in-memory book untouched.
type matchPlan struct {
	fills   []models.Fill
	resting []restingExec
	// incomingAfter[i] is the incoming order's remaining quantity after
	// fill i.
	incomingAfter []decimal.Decimal
	residual      decimal.Decimal
}

func (p *matchPlan) filled() bool {
	return len(p.fills) > 0
}

// incomingStatusAfter is the incoming order's persisted status after fill i.
func (p *matchPlan) incomingStatusAfter(i int) models.Status {
	if p.incomingAfter[i].IsZero() {
		return models.StatusFilled
	}
	return models.StatusPartial
}

// cross runs the crossing algorithm for one incoming order: walk the
// opposite side in price-time priority while the order is marketable,
// emitting a fill per resting order consumed. The trade price is always the
// resting (maker) order's price. Market orders skip the marketability test.
func cross(book *OrderBook, incoming *models.Order) *matchPlan {
	plan := &matchPlan{residual: incoming.RemainingQty}
	remaining := incoming.RemainingQty
	now := time.Now().UTC()

	book.scan(incoming.Side.Opposite(), func(resting *models.Order) bool {
		if remaining.IsZero() {
			return false
		}
		if !incoming.IsMarket() && !marketable(incoming, resting.Price) {
			return false
		}

		qty := decimal.Min(remaining, resting.RemainingQty)
		remaining = remaining.Sub(qty)

		fill := models.Fill{
			Symbol:    incoming.Symbol,
			Price:     resting.Price,
			Quantity:  qty,
			TradeTime: now,
		}
		if incoming.Side == models.SideBuy {
			fill.BuyOrderID, fill.BuyAccountID, fill.BuyUserID = incoming.ID, incoming.AccountID, incoming.UserID
			fill.SellOrderID, fill.SellAccountID, fill.SellUserID = resting.ID, resting.AccountID, resting.UserID
		} else {
			fill.BuyOrderID, fill.BuyAccountID, fill.BuyUserID = resting.ID, resting.AccountID, resting.UserID
			fill.SellOrderID, fill.SellAccountID, fill.SellUserID = incoming.ID, incoming.AccountID, incoming.UserID
		}

		exec := restingExec{order: resting, remaining: resting.RemainingQty.Sub(qty)}
		if exec.remaining.IsZero() {
			exec.status = models.StatusFilled
		} else {
			exec.status = models.StatusPartial
		}

		plan.fills = append(plan.fills, fill)
		plan.resting = append(plan.resting, exec)
		plan.incomingAfter = append(plan.incomingAfter, remaining)
		return true
	})

	plan.residual = remaining
	return plan
}

// marketable reports whether a limit order crosses a resting price:
// a BUY must bid at least the ask, a SELL must offer at most the bid.
func marketable(incoming *models.Order, restingPrice decimal.Decimal) bool {
	if incoming.Side == models.SideBuy {
		return incoming.Price.GreaterThanOrEqual(restingPrice)
	}
	return incoming.Price.LessThanOrEqual(restingPrice)
}
