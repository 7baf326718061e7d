// Package service is the public façade over stores and matcher: it
// validates, checks preconditions, persists and dispatches.
package service

import (
	"context"
	"strings"

	"trading-backend/internal/errs"
	"trading-backend/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderStorage is the slice of the order store the service needs.
type OrderStorage interface {
	Insert(ctx context.Context, o *models.Order) (int64, error)
	OwnedBy(ctx context.Context, ids []int64, userID int64) ([]models.Order, error)
	WorkingForUser(ctx context.Context, userID int64, limit int) ([]models.Order, error)
}

// AccountStorage is the slice of the account store the service needs for
// ownership and precondition checks.
type AccountStorage interface {
	OwnerOf(ctx context.Context, accountID int64) (int64, error)
	Balance(ctx context.Context, accountID int64) (decimal.Decimal, error)
	Position(ctx context.Context, accountID int64, symbol string) (*models.Position, error)
}

// Matcher is the matching engine contract the service dispatches to.
type Matcher interface {
	ProcessLimit(ctx context.Context, order *models.Order) ([]models.Fill, error)
	ProcessMarket(ctx context.Context, order *models.Order) ([]models.Fill, error)
	Cancel(ctx context.Context, orders []models.Order) (int64, error)
}

// OrderService validates and persists incoming orders, dispatches them to
// the matcher and applies the ownership filter on cancels.
type OrderService struct {
	log      *zap.Logger
	orders   OrderStorage
	accounts AccountStorage
	matcher  Matcher
}

// NewOrderService builds the façade.
func NewOrderService(log *zap.Logger, orders OrderStorage, accounts AccountStorage, matcher Matcher) *OrderService {
	return &OrderService{log: log, orders: orders, accounts: accounts, matcher: matcher}
}

// PlaceLimit validates, persists and matches a limit order.
func (s *OrderService) PlaceLimit(ctx context.Context, req *models.LimitOrderRequest) (*models.PlaceOrderResponse, error) {
	symbol, err := normalizeSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}
	if !req.Side.Valid() {
		return nil, errs.Newf(errs.Validation, "invalid side %q", req.Side)
	}
	if !req.Qty.IsPositive() {
		return nil, errs.New(errs.Validation, "qty must be positive")
	}
	if !req.Price.IsPositive() {
		return nil, errs.New(errs.Validation, "price must be positive for limit orders")
	}
	if err := s.checkOwnership(ctx, req.UserID, req.AccountID); err != nil {
		return nil, err
	}
	if err := s.checkPreconditions(ctx, req.AccountID, symbol, req.Side, req.Price, req.Qty); err != nil {
		return nil, err
	}

	order := &models.Order{
		UserID:       req.UserID,
		AccountID:    req.AccountID,
		Symbol:       symbol,
		Side:         req.Side,
		Price:        req.Price,
		Quantity:     req.Qty,
		RemainingQty: req.Qty,
		Status:       models.StatusWorking,
	}
	if _, err := s.orders.Insert(ctx, order); err != nil {
		return nil, err
	}

	fills, err := s.matcher.ProcessLimit(ctx, order)
	if err != nil {
		return nil, err
	}
	return &models.PlaceOrderResponse{OrderID: order.ID, Fills: fillsOrEmpty(fills)}, nil
}

// PlaceMarket validates, persists and matches a market order. Market orders
// carry price zero.
func (s *OrderService) PlaceMarket(ctx context.Context, req *models.MarketOrderRequest) (*models.PlaceOrderResponse, error) {
	symbol, err := normalizeSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}
	if !req.Side.Valid() {
		return nil, errs.Newf(errs.Validation, "invalid side %q", req.Side)
	}
	if !req.Qty.IsPositive() {
		return nil, errs.New(errs.Validation, "qty must be positive")
	}
	if err := s.checkOwnership(ctx, req.UserID, req.AccountID); err != nil {
		return nil, err
	}
	// A market BUY's cost is unknowable up front; its balance guard runs
	// per fill inside settlement. SELLs still need the position up front.
	if req.Side == models.SideSell {
		if err := s.checkSellPosition(ctx, req.AccountID, symbol, req.Qty); err != nil {
			return nil, err
		}
	}

	order := &models.Order{
		UserID:       req.UserID,
		AccountID:    req.AccountID,
		Symbol:       symbol,
		Side:         req.Side,
		Price:        decimal.Zero,
		Quantity:     req.Qty,
		RemainingQty: req.Qty,
		Status:       models.StatusWorking,
	}
	if _, err := s.orders.Insert(ctx, order); err != nil {
		return nil, err
	}

	fills, err := s.matcher.ProcessMarket(ctx, order)
	if err != nil {
		return nil, err
	}
	return &models.PlaceOrderResponse{OrderID: order.ID, Fills: fillsOrEmpty(fills)}, nil
}

// Cancel cancels the caller's orders among the given ids. Ids not owned by
// the caller are silently dropped before the store is touched.
func (s *OrderService) Cancel(ctx context.Context, userID int64, orderIDs []int64) (int64, error) {
	if len(orderIDs) == 0 {
		return 0, nil
	}

	owned, err := s.orders.OwnedBy(ctx, orderIDs, userID)
	if err != nil {
		return 0, err
	}
	if len(owned) == 0 {
		return 0, nil
	}
	return s.matcher.Cancel(ctx, owned)
}

// Working lists the caller's open orders, newest first.
func (s *OrderService) Working(ctx context.Context, userID int64, limit int) ([]models.Order, error) {
	return s.orders.WorkingForUser(ctx, userID, limit)
}

func (s *OrderService) checkOwnership(ctx context.Context, userID, accountID int64) error {
	owner, err := s.accounts.OwnerOf(ctx, accountID)
	if err != nil {
		return err
	}
	if owner != userID {
		return errs.Newf(errs.Validation, "account %d does not belong to user %d", accountID, userID)
	}
	return nil
}

func (s *OrderService) checkPreconditions(ctx context.Context, accountID int64, symbol string, side models.Side, price, qty decimal.Decimal) error {
	if side == models.SideSell {
		return s.checkSellPosition(ctx, accountID, symbol, qty)
	}

	balance, err := s.accounts.Balance(ctx, accountID)
	if err != nil {
		return err
	}
	if balance.LessThan(price.Mul(qty)) {
		return errs.Newf(errs.Precondition, "insufficient balance: have %s, need %s", balance, price.Mul(qty))
	}
	return nil
}

// checkSellPosition rejects sells exceeding the held quantity; short selling
// is not supported.
func (s *OrderService) checkSellPosition(ctx context.Context, accountID int64, symbol string, qty decimal.Decimal) error {
	pos, err := s.accounts.Position(ctx, accountID, symbol)
	if err != nil {
		return err
	}
	if pos == nil || pos.Qty.LessThan(qty) {
		held := decimal.Zero
		if pos != nil {
			held = pos.Qty
		}
		return errs.Newf(errs.Precondition, "insufficient position in %s: have %s, need %s", symbol, held, qty)
	}
	return nil
}

func normalizeSymbol(symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", errs.New(errs.Validation, "symbol is required")
	}
	return symbol, nil
}

func fillsOrEmpty(fills []models.Fill) []models.Fill {
	if fills == nil {
		return []models.Fill{}
	}
	return fills
}
