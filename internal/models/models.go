package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the side of an order (BUY or SELL).
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Status represents the lifecycle state of an order.
// FILLED and CANCELLED are terminal: rows in either state are never mutated again.
type Status string

const (
	StatusWorking   Status = "WORKING"
	StatusPartial   Status = "PARTIAL"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status permits no further transitions.
func (st Status) Terminal() bool {
	return st == StatusFilled || st == StatusCancelled
}

// Order is the durable order record. Price is zero if and only if the order
// is a market order; limit orders always carry a positive price.
type Order struct {
	ID           int64           `json:"id"`
	UserID       int64           `json:"user_id"`
	AccountID    int64           `json:"account_id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	RemainingQty decimal.Decimal `json:"remaining_qty"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IsMarket reports whether the order is a market order.
func (o *Order) IsMarket() bool {
	return o.Price.IsZero()
}

// Fill is a single execution produced by the matcher. The buy/sell account
// and user ids are carried for settlement and are not part of the wire shape.
type Fill struct {
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"qty"`
	BuyOrderID  int64           `json:"buy_order_id"`
	SellOrderID int64           `json:"sell_order_id"`
	TradeTime   time.Time       `json:"trade_time"`

	BuyAccountID  int64 `json:"-"`
	SellAccountID int64 `json:"-"`
	BuyUserID     int64 `json:"-"`
	SellUserID    int64 `json:"-"`
}

// Notional is the cash moved between buyer and seller for this fill.
func (f *Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}

// Trade is the persisted trade record.
type Trade struct {
	ID          int64           `json:"id"`
	BuyOrderID  int64           `json:"buy_order_id"`
	SellOrderID int64           `json:"sell_order_id"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	TradeTime   time.Time       `json:"trade_time"`
}

// UserTrade is the per-user trade history row: a trade joined back to the
// caller's order so the row carries the caller's side and account number.
type UserTrade struct {
	AccountNo string          `json:"account_no"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	TradeTime time.Time       `json:"trade_time"`
}

// Account holds a user's cash balance.
type Account struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	AccountNo string          `json:"account_no"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
}

// Position is a per-account holding in one symbol. AvgPrice is the buy-side
// VWAP cost basis; selling never changes it. A position with zero quantity
// is deleted, never stored.
type Position struct {
	AccountID int64           `json:"account_id,omitempty"`
	Symbol    string          `json:"symbol"`
	Qty       decimal.Decimal `json:"qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AccountSummary is the balance plus open positions of one account.
type AccountSummary struct {
	Balance   decimal.Decimal `json:"balance"`
	Positions []Position      `json:"positions"`
}

// BookLevel is one aggregated price level of a grouped book:
// total remaining quantity and number of live orders at that price.
type BookLevel struct {
	Side  Side            `json:"side,omitempty"`
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
	Count int64           `json:"cnt"`
}

// GroupedBook is the two-sided grouped view: bids descending, asks ascending.
type GroupedBook struct {
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
}

// DepthLevel is one external venue price level.
type DepthLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// DepthSnapshot is an external venue depth snapshot: bids descending,
// asks ascending, mid derived from the best of each side.
type DepthSnapshot struct {
	Symbol string          `json:"symbol"`
	Bids   []DepthLevel    `json:"bids"`
	Asks   []DepthLevel    `json:"asks"`
	Mid    decimal.Decimal `json:"mid"`
}

// MergedLevel is a venue price level annotated with local liquidity:
// Qty/Count come from the local grouped book, VenueQty is untouched.
type MergedLevel struct {
	Price    decimal.Decimal `json:"price"`
	VenueQty decimal.Decimal `json:"venue_qty"`
	Qty      decimal.Decimal `json:"qty"`
	Count    int64           `json:"cnt"`
}

// MergedBook overlays the local grouped book on the venue's price grid.
// Its price levels are exactly those of the venue snapshot.
type MergedBook struct {
	Symbol string          `json:"symbol"`
	Bids   []MergedLevel   `json:"bids"`
	Asks   []MergedLevel   `json:"asks"`
	Mid    decimal.Decimal `json:"mid"`
}

// LimitOrderRequest is the payload for POST /orders/limit.
type LimitOrderRequest struct {
	UserID    int64           `json:"user_id"`
	AccountID int64           `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
}

// MarketOrderRequest is the payload for POST /orders/market.
type MarketOrderRequest struct {
	UserID    int64           `json:"user_id"`
	AccountID int64           `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Qty       decimal.Decimal `json:"qty"`
}

// CancelRequest is the payload for POST /orders/cancel. UserID identifies
// the caller; only the caller's own orders are cancelled.
type CancelRequest struct {
	UserID   int64   `json:"user_id"`
	OrderIDs []int64 `json:"order_ids"`
}

// CancelResponse reports how many orders transitioned to CANCELLED.
type CancelResponse struct {
	Affected int64 `json:"affected"`
}

// PlaceOrderResponse is returned for both limit and market orders.
type PlaceOrderResponse struct {
	OrderID int64  `json:"order_id"`
	Fills   []Fill `json:"fills"`
}

// OpenAccountRequest is the payload for POST /account/open. AccountNo is
// optional; a fresh one is generated when empty.
type OpenAccountRequest struct {
	UserID    int64  `json:"user_id"`
	AccountNo string `json:"account_no,omitempty"`
}

// OpenAccountResponse returns the id of the newly opened account.
type OpenAccountResponse struct {
	AccountID int64 `json:"account_id"`
}
