package engine

import (
	"sort"

	"trading-backend/internal/models"

	"github.com/sasha-s/go-deadlock"
	"github.com/shopspring/decimal"
)

// PriceLevel is a FIFO queue of live orders resting at one price.
type PriceLevel struct {
	Price  decimal.Decimal
	Orders []*models.Order
}

func (pl *PriceLevel) add(order *models.Order) {
	pl.Orders = append(pl.Orders, order)
}

func (pl *PriceLevel) remove(orderID int64) bool {
	for i, order := range pl.Orders {
		if order.ID == orderID {
			pl.Orders = append(pl.Orders[:i], pl.Orders[i+1:]...)
			return true
		}
	}
	return false
}

func (pl *PriceLevel) empty() bool {
	return len(pl.Orders) == 0
}

func (pl *PriceLevel) totalQty() decimal.Decimal {
	total := decimal.Zero
	for _, order := range pl.Orders {
		total = total.Add(order.RemainingQty)
	}
	return total
}

// OrderBook is the in-memory two-sided book for a single symbol. It holds
// only live limit orders; the authoritative row lives in the order store and
// is reconciled by id. The matcher is the sole mutator; reads for depth
// snapshots may run concurrently.
type OrderBook struct {
	Symbol string

	// Price levels keyed by price.String(), with cached sorted price
	// slices for iteration (bidPrices descending, askPrices ascending).
	bids      map[string]*PriceLevel
	asks      map[string]*PriceLevel
	bidPrices []decimal.Decimal
	askPrices []decimal.Decimal

	mu deadlock.RWMutex
}

// NewOrderBook constructs an empty book for the symbol.
func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		Symbol: symbol,
		bids:   make(map[string]*PriceLevel),
		asks:   make(map[string]*PriceLevel),
	}
}

// Push inserts a limit order at the tail of its price level. Market orders
// are never rested.
func (ob *OrderBook) Push(order *models.Order) {
	if order.IsMarket() {
		return
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	levels := ob.levels(order.Side)
	key := order.Price.String()
	lvl := levels[key]
	if lvl == nil {
		lvl = &PriceLevel{Price: order.Price}
		levels[key] = lvl
		ob.refreshPrices(order.Side)
	}
	lvl.add(order)
}

// PeekBest returns the oldest order at the best price of the given side,
// or nil when the side is empty.
func (ob *OrderBook) PeekBest(side models.Side) *models.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	lvl := ob.bestLevel(side)
	if lvl == nil {
		return nil
	}
	return lvl.Orders[0]
}

// PopFront removes and returns the oldest order at the best price.
func (ob *OrderBook) PopFront(side models.Side) *models.Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	lvl := ob.bestLevel(side)
	if lvl == nil {
		return nil
	}
	front := lvl.Orders[0]
	lvl.Orders = lvl.Orders[1:]
	if lvl.empty() {
		delete(ob.levels(side), lvl.Price.String())
		ob.refreshPrices(side)
	}
	return front
}

// DecrementFront reduces the remaining quantity of the front order on the
// given side, removing it once nothing remains. Returns the affected order.
func (ob *OrderBook) DecrementFront(side models.Side, qty decimal.Decimal) *models.Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	lvl := ob.bestLevel(side)
	if lvl == nil {
		return nil
	}
	front := lvl.Orders[0]
	front.RemainingQty = front.RemainingQty.Sub(qty)
	if front.RemainingQty.Sign() <= 0 {
		front.RemainingQty = decimal.Zero
		lvl.Orders = lvl.Orders[1:]
		if lvl.empty() {
			delete(ob.levels(side), lvl.Price.String())
			ob.refreshPrices(side)
		}
	}
	return front
}

// Remove deletes an order from the book by id, side and price.
func (ob *OrderBook) Remove(orderID int64, side models.Side, price decimal.Decimal) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	levels := ob.levels(side)
	key := price.String()
	lvl := levels[key]
	if lvl == nil {
		return false
	}
	if !lvl.remove(orderID) {
		return false
	}
	if lvl.empty() {
		delete(levels, key)
		ob.refreshPrices(side)
	}
	return true
}

// SnapshotGrouped aggregates the book by price level: total remaining
// quantity and order count per level, bids descending and asks ascending.
func (ob *OrderBook) SnapshotGrouped() *models.GroupedBook {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	book := &models.GroupedBook{
		Symbol: ob.Symbol,
		Bids:   make([]models.BookLevel, 0, len(ob.bidPrices)),
		Asks:   make([]models.BookLevel, 0, len(ob.askPrices)),
	}
	for _, price := range ob.bidPrices {
		if lvl := ob.bids[price.String()]; lvl != nil && !lvl.empty() {
			book.Bids = append(book.Bids, models.BookLevel{
				Side: models.SideBuy, Price: price, Qty: lvl.totalQty(), Count: int64(len(lvl.Orders)),
			})
		}
	}
	for _, price := range ob.askPrices {
		if lvl := ob.asks[price.String()]; lvl != nil && !lvl.empty() {
			book.Asks = append(book.Asks, models.BookLevel{
				Side: models.SideSell, Price: price, Qty: lvl.totalQty(), Count: int64(len(lvl.Orders)),
			})
		}
	}
	return book
}

// OrderCount returns the number of live orders per side.
func (ob *OrderBook) OrderCount() (bidCount, askCount int) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	for _, lvl := range ob.bids {
		bidCount += len(lvl.Orders)
	}
	for _, lvl := range ob.asks {
		askCount += len(lvl.Orders)
	}
	return bidCount, askCount
}

// scan walks the side's live orders in price-time priority (best price
// first, FIFO within a level) under a read lock, stopping when fn returns
// false. Used by the matcher's non-mutating crossing pass.
func (ob *OrderBook) scan(side models.Side, fn func(*models.Order) bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	prices := ob.bidPrices
	if side == models.SideSell {
		prices = ob.askPrices
	}
	for _, price := range prices {
		lvl := ob.levels(side)[price.String()]
		if lvl == nil {
			continue
		}
		for _, order := range lvl.Orders {
			if !fn(order) {
				return
			}
		}
	}
}

func (ob *OrderBook) levels(side models.Side) map[string]*PriceLevel {
	if side == models.SideBuy {
		return ob.bids
	}
	return ob.asks
}

func (ob *OrderBook) bestLevel(side models.Side) *PriceLevel {
	prices := ob.bidPrices
	if side == models.SideSell {
		prices = ob.askPrices
	}
	for _, price := range prices {
		if lvl := ob.levels(side)[price.String()]; lvl != nil && !lvl.empty() {
			return lvl
		}
	}
	return nil
}

// refreshPrices rebuilds the cached sorted price slice for the side:
// bids descending, asks ascending.
func (ob *OrderBook) refreshPrices(side models.Side) {
	levels := ob.levels(side)
	prices := make([]decimal.Decimal, 0, len(levels))
	for _, lvl := range levels {
		prices = append(prices, lvl.Price)
	}
	if side == models.SideBuy {
		sort.Slice(prices, func(i, j int) bool { return prices[i].GreaterThan(prices[j]) })
		ob.bidPrices = prices
		return
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	ob.askPrices = prices
}
