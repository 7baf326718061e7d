// Package engine holds the continuous matcher: the per-symbol in-memory
// books, the crossing algorithm and the per-fill settlement fan-out.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"trading-backend/internal/models"
	"trading-backend/internal/store"

	"github.com/VictoriaMetrics/metrics"
	"github.com/sasha-s/go-deadlock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ordersProcessed  = metrics.NewCounter(`engine_orders_processed_total`)
	tradesExecuted   = metrics.NewCounter(`engine_trades_executed_total`)
	ordersCancelled  = metrics.NewCounter(`engine_orders_cancelled_total`)
	ordersRolledBack = metrics.NewCounter(`engine_orders_rolled_back_total`)
)

// Engine is the matching engine. It is the single writer per symbol: the
// symbol mutex is held across the whole of one order's processing (crossing,
// transaction, book mutation), so order B observes every fill of order A.
type Engine struct {
	db       *sql.DB
	log      *zap.Logger
	orders   *store.OrderStore
	trades   *store.TradeStore
	accounts *store.AccountStore
	settle   *settler

	books    map[string]*OrderBook
	symbolMu map[string]*deadlock.Mutex
	globalMu deadlock.RWMutex
}

// NewEngine wires the matcher to its stores.
func NewEngine(db *sql.DB, log *zap.Logger, orders *store.OrderStore, trades *store.TradeStore, accounts *store.AccountStore) *Engine {
	return &Engine{
		db:       db,
		log:      log,
		orders:   orders,
		trades:   trades,
		accounts: accounts,
		settle:   &settler{accounts: accounts},
		books:    make(map[string]*OrderBook),
		symbolMu: make(map[string]*deadlock.Mutex),
	}
}

// symbolMutex returns the per-symbol mutex, creating it on first use.
func (e *Engine) symbolMutex(symbol string) *deadlock.Mutex {
	e.globalMu.RLock()
	mu, ok := e.symbolMu[symbol]
	e.globalMu.RUnlock()
	if ok {
		return mu
	}

	e.globalMu.Lock()
	defer e.globalMu.Unlock()
	if mu, ok = e.symbolMu[symbol]; !ok {
		mu = &deadlock.Mutex{}
		e.symbolMu[symbol] = mu
	}
	return mu
}

// Book returns the in-memory book for a symbol, creating it on first use.
func (e *Engine) Book(symbol string) *OrderBook {
	e.globalMu.RLock()
	book, ok := e.books[symbol]
	e.globalMu.RUnlock()
	if ok {
		return book
	}

	e.globalMu.Lock()
	defer e.globalMu.Unlock()
	if book, ok = e.books[symbol]; !ok {
		book = NewOrderBook(symbol)
		e.books[symbol] = book
	}
	return book
}

// ProcessLimit crosses a limit order against the opposite side while it is
// marketable and rests any residual on its own side. Returns the fills in
// execution order.
func (e *Engine) ProcessLimit(ctx context.Context, order *models.Order) ([]models.Fill, error) {
	return e.process(ctx, order)
}

// ProcessMarket crosses a market order until the opposite side is exhausted;
// any residual is cancelled, never rested.
func (e *Engine) ProcessMarket(ctx context.Context, order *models.Order) ([]models.Fill, error) {
	return e.process(ctx, order)
}

func (e *Engine) process(ctx context.Context, order *models.Order) ([]models.Fill, error) {
	mu := e.symbolMutex(order.Symbol)
	mu.Lock()
	defer mu.Unlock()

	book := e.Book(order.Symbol)
	plan := cross(book, order)

	if err := e.persistPlan(ctx, order, plan); err != nil {
		ordersRolledBack.Inc()
		e.log.Error("order processing rolled back",
			zap.Int64("order_id", order.ID),
			zap.String("symbol", order.Symbol),
			zap.Error(err),
		)
		// The incoming order is cancelled on rollback; resting orders and
		// previously committed fills are unaffected.
		e.markCancelled(ctx, order)
		return nil, fmt.Errorf("order %d aborted: %w", order.ID, err)
	}

	e.applyPlan(book, order, plan)

	ordersProcessed.Inc()
	tradesExecuted.Add(len(plan.fills))
	e.log.Info("order processed",
		zap.Int64("order_id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("status", string(order.Status)),
		zap.Int("fills", len(plan.fills)),
	)
	return plan.fills, nil
}

// persistPlan runs the fill-settlement sequence for every fill inside one
// transaction: trade insert, both order updates, both balance updates, both
// position updates. Either every row of every fill commits or none does.
func (e *Engine) persistPlan(ctx context.Context, order *models.Order, plan *matchPlan) error {
	marketResidual := order.IsMarket() && plan.residual.IsPositive()
	if !plan.filled() && !marketResidual {
		// Nothing to persist: the order rests as inserted.
		return nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	for i := range plan.fills {
		fill := &plan.fills[i]
		exec := plan.resting[i]

		if err := e.trades.InsertTx(ctx, tx, fill); err != nil {
			tx.Rollback()
			return err
		}
		if err := e.orders.UpdateRemainingTx(ctx, tx, exec.order.ID, exec.remaining, exec.status); err != nil {
			tx.Rollback()
			return err
		}
		if err := e.orders.UpdateRemainingTx(ctx, tx, order.ID, plan.incomingAfter[i], plan.incomingStatusAfter(i)); err != nil {
			tx.Rollback()
			return err
		}
		if err := e.settle.settleFill(ctx, tx, fill); err != nil {
			tx.Rollback()
			return err
		}
	}

	if marketResidual {
		if err := e.orders.UpdateRemainingTx(ctx, tx, order.ID, decimal.Zero, models.StatusCancelled); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// applyPlan replays the committed plan onto the in-memory book and finalizes
// the incoming order's fields.
func (e *Engine) applyPlan(book *OrderBook, order *models.Order, plan *matchPlan) {
	for i := range plan.fills {
		book.DecrementFront(order.Side.Opposite(), plan.fills[i].Quantity)
	}

	order.RemainingQty = plan.residual
	switch {
	case plan.residual.IsZero():
		order.Status = models.StatusFilled
	case order.IsMarket():
		order.Status = models.StatusCancelled
		order.RemainingQty = decimal.Zero
	case plan.filled():
		order.Status = models.StatusPartial
	default:
		order.Status = models.StatusWorking
	}

	if !order.IsMarket() && plan.residual.IsPositive() {
		resting := *order
		book.Push(&resting)
	}
}

// markCancelled moves the incoming order to CANCELLED after a rollback.
// Best effort: it runs detached from the (possibly expired) request context.
func (e *Engine) markCancelled(ctx context.Context, order *models.Order) {
	order.Status = models.StatusCancelled
	order.RemainingQty = decimal.Zero

	if err := e.orders.UpdateRemaining(context.WithoutCancel(ctx), order.ID, decimal.Zero, models.StatusCancelled); err != nil {
		e.log.Error("failed to cancel aborted order", zap.Int64("order_id", order.ID), zap.Error(err))
	}
}

// Cancel moves the given orders to CANCELLED and drops them from their
// books. Symbol locks are taken in sorted order so concurrent cancels
// spanning the same symbols cannot deadlock. A cancel racing a match loses
// if the fill committed first: the store's status guard skips terminal rows.
func (e *Engine) Cancel(ctx context.Context, orders []models.Order) (int64, error) {
	if len(orders) == 0 {
		return 0, nil
	}

	symbols := make([]string, 0, len(orders))
	seen := make(map[string]bool, len(orders))
	for _, o := range orders {
		if !seen[o.Symbol] {
			seen[o.Symbol] = true
			symbols = append(symbols, o.Symbol)
		}
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		mu := e.symbolMutex(sym)
		mu.Lock()
		defer mu.Unlock()
	}

	ids := make([]int64, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	affected, err := e.orders.CancelMany(ctx, ids)
	if err != nil {
		return 0, err
	}

	for _, o := range orders {
		if o.IsMarket() {
			continue
		}
		e.Book(o.Symbol).Remove(o.ID, o.Side, o.Price)
	}

	ordersCancelled.Add(int(affected))
	e.log.Info("orders cancelled", zap.Int64("affected", affected), zap.Int("requested", len(ids)))
	return affected, nil
}

// LoadOpenOrders rebuilds the in-memory books from the durable live orders.
// Call once at startup, before serving traffic.
func (e *Engine) LoadOpenOrders(ctx context.Context) error {
	open, err := e.orders.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open orders: %w", err)
	}

	for i := range open {
		order := open[i]
		e.Book(order.Symbol).Push(&order)
	}

	e.log.Info("order books restored", zap.Int("orders", len(open)))
	return nil
}
