package service

import (
	"context"
	"testing"

	"trading-backend/internal/errs"
	"trading-backend/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubOrders struct {
	inserted *models.Order
	owned    []models.Order
	working  []models.Order
}

func (s *stubOrders) Insert(_ context.Context, o *models.Order) (int64, error) {
	o.ID = 42
	s.inserted = o
	return 42, nil
}

func (s *stubOrders) OwnedBy(_ context.Context, _ []int64, _ int64) ([]models.Order, error) {
	return s.owned, nil
}

func (s *stubOrders) WorkingForUser(_ context.Context, _ int64, _ int) ([]models.Order, error) {
	return s.working, nil
}

type stubAccounts struct {
	owner    int64
	balance  decimal.Decimal
	position *models.Position
}

func (s *stubAccounts) OwnerOf(_ context.Context, _ int64) (int64, error) {
	return s.owner, nil
}

func (s *stubAccounts) Balance(_ context.Context, _ int64) (decimal.Decimal, error) {
	return s.balance, nil
}

func (s *stubAccounts) Position(_ context.Context, _ int64, _ string) (*models.Position, error) {
	return s.position, nil
}

type stubMatcher struct {
	fills     []models.Fill
	cancelled []models.Order
	processed *models.Order
}

func (s *stubMatcher) ProcessLimit(_ context.Context, o *models.Order) ([]models.Fill, error) {
	s.processed = o
	return s.fills, nil
}

func (s *stubMatcher) ProcessMarket(_ context.Context, o *models.Order) ([]models.Fill, error) {
	s.processed = o
	return s.fills, nil
}

func (s *stubMatcher) Cancel(_ context.Context, orders []models.Order) (int64, error) {
	s.cancelled = orders
	return int64(len(orders)), nil
}

func newTestService(orders *stubOrders, accounts *stubAccounts, matcher *stubMatcher) *OrderService {
	return NewOrderService(zap.NewNop(), orders, accounts, matcher)
}

func limitReq(side models.Side, price, qty string) *models.LimitOrderRequest {
	return &models.LimitOrderRequest{
		UserID:    1,
		AccountID: 10,
		Symbol:    "btcusdt",
		Side:      side,
		Price:     decimal.RequireFromString(price),
		Qty:       decimal.RequireFromString(qty),
	}
}

func TestPlaceLimit_NormalizesAndDispatches(t *testing.T) {
	orders := &stubOrders{}
	accounts := &stubAccounts{owner: 1, balance: decimal.NewFromInt(1000)}
	matcher := &stubMatcher{}
	svc := newTestService(orders, accounts, matcher)

	resp, err := svc.PlaceLimit(context.Background(), limitReq(models.SideBuy, "100", "5"))
	require.NoError(t, err)

	assert.Equal(t, int64(42), resp.OrderID)
	assert.NotNil(t, resp.Fills, "fills must serialize as [] rather than null")
	require.NotNil(t, orders.inserted)
	assert.Equal(t, "BTCUSDT", orders.inserted.Symbol)
	assert.Equal(t, models.StatusWorking, orders.inserted.Status)
	assert.True(t, orders.inserted.RemainingQty.Equal(orders.inserted.Quantity))
	assert.Same(t, orders.inserted, matcher.processed)
}

func TestPlaceLimit_Validation(t *testing.T) {
	accounts := &stubAccounts{owner: 1, balance: decimal.NewFromInt(1000)}

	cases := []struct {
		name string
		req  *models.LimitOrderRequest
	}{
		{"empty symbol", &models.LimitOrderRequest{UserID: 1, AccountID: 10, Side: models.SideBuy, Price: decimal.NewFromInt(1), Qty: decimal.NewFromInt(1)}},
		{"bad side", &models.LimitOrderRequest{UserID: 1, AccountID: 10, Symbol: "X", Side: "HOLD", Price: decimal.NewFromInt(1), Qty: decimal.NewFromInt(1)}},
		{"zero qty", limitReq(models.SideBuy, "100", "0")},
		{"negative qty", limitReq(models.SideBuy, "100", "-1")},
		{"zero price", limitReq(models.SideBuy, "0", "5")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestService(&stubOrders{}, accounts, &stubMatcher{})
			_, err := svc.PlaceLimit(context.Background(), tc.req)
			require.Error(t, err)
			assert.Equal(t, errs.Validation, errs.KindOf(err))
		})
	}
}

func TestPlaceLimit_RejectsForeignAccount(t *testing.T) {
	accounts := &stubAccounts{owner: 99, balance: decimal.NewFromInt(1000)}
	svc := newTestService(&stubOrders{}, accounts, &stubMatcher{})

	_, err := svc.PlaceLimit(context.Background(), limitReq(models.SideBuy, "100", "5"))
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestPlaceLimit_BuyRequiresBalance(t *testing.T) {
	accounts := &stubAccounts{owner: 1, balance: decimal.NewFromInt(499)}
	orders := &stubOrders{}
	svc := newTestService(orders, accounts, &stubMatcher{})

	_, err := svc.PlaceLimit(context.Background(), limitReq(models.SideBuy, "100", "5"))
	require.Error(t, err)
	assert.Equal(t, errs.Precondition, errs.KindOf(err))
	assert.Nil(t, orders.inserted, "rejected orders must never be persisted")
}

func TestPlaceLimit_SellRequiresPosition(t *testing.T) {
	cases := []struct {
		name     string
		position *models.Position
	}{
		{"no position", nil},
		{"short position", &models.Position{Symbol: "BTCUSDT", Qty: decimal.NewFromInt(3)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			accounts := &stubAccounts{owner: 1, position: tc.position}
			svc := newTestService(&stubOrders{}, accounts, &stubMatcher{})

			_, err := svc.PlaceLimit(context.Background(), limitReq(models.SideSell, "100", "5"))
			require.Error(t, err)
			assert.Equal(t, errs.Precondition, errs.KindOf(err))
		})
	}
}

func TestPlaceMarket_ZeroPriceAndNoBuyBalanceCheck(t *testing.T) {
	orders := &stubOrders{}
	// Zero balance: a market BUY is still accepted, its balance guard runs
	// per fill during settlement.
	accounts := &stubAccounts{owner: 1, balance: decimal.Zero}
	svc := newTestService(orders, accounts, &stubMatcher{})

	resp, err := svc.PlaceMarket(context.Background(), &models.MarketOrderRequest{
		UserID: 1, AccountID: 10, Symbol: "ethusdt", Side: models.SideBuy, Qty: decimal.NewFromInt(2),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), resp.OrderID)
	require.NotNil(t, orders.inserted)
	assert.True(t, orders.inserted.Price.IsZero())
	assert.True(t, orders.inserted.IsMarket())
}

func TestPlaceMarket_SellStillRequiresPosition(t *testing.T) {
	accounts := &stubAccounts{owner: 1}
	svc := newTestService(&stubOrders{}, accounts, &stubMatcher{})

	_, err := svc.PlaceMarket(context.Background(), &models.MarketOrderRequest{
		UserID: 1, AccountID: 10, Symbol: "ETHUSDT", Side: models.SideSell, Qty: decimal.NewFromInt(2),
	})
	require.Error(t, err)
	assert.Equal(t, errs.Precondition, errs.KindOf(err))
}

func TestCancel_FiltersToOwnedOrders(t *testing.T) {
	owned := []models.Order{{ID: 5, UserID: 1, Symbol: "BTCUSDT", Side: models.SideBuy, Price: decimal.NewFromInt(10)}}
	orders := &stubOrders{owned: owned}
	matcher := &stubMatcher{}
	svc := newTestService(orders, &stubAccounts{owner: 1}, matcher)

	affected, err := svc.Cancel(context.Background(), 1, []int64{5, 6, 7})
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	assert.Equal(t, owned, matcher.cancelled)
}

func TestCancel_NothingOwnedIsNoop(t *testing.T) {
	matcher := &stubMatcher{}
	svc := newTestService(&stubOrders{}, &stubAccounts{owner: 1}, matcher)

	affected, err := svc.Cancel(context.Background(), 1, []int64{5})
	require.NoError(t, err)
	assert.Zero(t, affected)
	assert.Nil(t, matcher.cancelled)
}
