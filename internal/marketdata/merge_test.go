package marketdata

import (
	"context"
	"errors"
	"testing"

	"trading-backend/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubVenue struct {
	snapshot *models.DepthSnapshot
	err      error
}

func (s *stubVenue) Depth(_ context.Context, _ string) (*models.DepthSnapshot, error) {
	return s.snapshot, s.err
}

type stubLocal struct {
	book *models.GroupedBook
	err  error
}

func (s *stubLocal) GroupedOrderBook(_ context.Context, symbol string) (*models.GroupedBook, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.book != nil {
		return s.book, nil
	}
	return &models.GroupedBook{Symbol: symbol}, nil
}

func level(price, qty string) models.DepthLevel {
	return models.DepthLevel{
		Price: decimal.RequireFromString(price),
		Qty:   decimal.RequireFromString(qty),
	}
}

func TestMerger_OverlaysLocalLiquidity(t *testing.T) {
	venue := &stubVenue{snapshot: &models.DepthSnapshot{
		Symbol: "BTCUSDT",
		Bids:   []models.DepthLevel{level("101", "5"), level("100", "7")},
		Asks:   []models.DepthLevel{level("102", "4")},
		Mid:    decimal.RequireFromString("101.5"),
	}}
	local := &stubLocal{book: &models.GroupedBook{
		Symbol: "BTCUSDT",
		Bids: []models.BookLevel{
			{Side: models.SideBuy, Price: decimal.RequireFromString("100"), Qty: decimal.NewFromInt(3), Count: 2},
			// Local-only level: not on the venue grid, so never shown.
			{Side: models.SideBuy, Price: decimal.RequireFromString("99"), Qty: decimal.NewFromInt(9), Count: 1},
		},
		Asks: []models.BookLevel{
			{Side: models.SideSell, Price: decimal.RequireFromString("102"), Qty: decimal.NewFromInt(1), Count: 1},
		},
	}}
	merger := NewMerger(venue, local, zap.NewNop())

	merged, err := merger.Merged(context.Background(), "btcusdt")
	require.NoError(t, err)

	// The merged grid is exactly the venue's levels in the venue's order.
	require.Len(t, merged.Bids, 2)
	require.Len(t, merged.Asks, 1)
	assert.True(t, merged.Bids[0].Price.Equal(decimal.NewFromInt(101)))
	assert.True(t, merged.Bids[0].VenueQty.Equal(decimal.NewFromInt(5)))
	assert.True(t, merged.Bids[0].Qty.IsZero(), "no local liquidity at 101")
	assert.Zero(t, merged.Bids[0].Count)

	assert.True(t, merged.Bids[1].Qty.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, int64(2), merged.Bids[1].Count)
	assert.True(t, merged.Bids[1].VenueQty.Equal(decimal.NewFromInt(7)))

	assert.True(t, merged.Asks[0].Qty.Equal(decimal.NewFromInt(1)))
	assert.True(t, merged.Mid.Equal(decimal.RequireFromString("101.5")))
}

func TestMerger_VenueFailureDegradesToEmpty(t *testing.T) {
	venue := &stubVenue{err: errors.New("connection refused")}
	merger := NewMerger(venue, &stubLocal{}, zap.NewNop())

	merged, err := merger.Merged(context.Background(), "BTCUSDT")
	require.NoError(t, err, "a venue outage must not surface as an error")
	assert.Empty(t, merged.Bids)
	assert.Empty(t, merged.Asks)
	assert.NotNil(t, merged.Bids, "empty view still serializes as []")
	assert.NotNil(t, merged.Asks)
}

func TestMerger_LocalFailureSurfaces(t *testing.T) {
	venue := &stubVenue{snapshot: &models.DepthSnapshot{
		Symbol: "BTCUSDT",
		Bids:   []models.DepthLevel{level("100", "1")},
		Asks:   []models.DepthLevel{level("101", "1")},
	}}
	local := &stubLocal{err: errors.New("db down")}
	merger := NewMerger(venue, local, zap.NewNop())

	_, err := merger.Merged(context.Background(), "BTCUSDT")
	require.Error(t, err)
}

func TestMerger_PriceMatchIsExact(t *testing.T) {
	venue := &stubVenue{snapshot: &models.DepthSnapshot{
		Symbol: "BTCUSDT",
		Bids:   []models.DepthLevel{level("100.0", "1")},
	}}
	local := &stubLocal{book: &models.GroupedBook{
		Symbol: "BTCUSDT",
		Bids: []models.BookLevel{
			{Side: models.SideBuy, Price: decimal.RequireFromString("100"), Qty: decimal.NewFromInt(2), Count: 1},
		},
	}}
	merger := NewMerger(venue, local, zap.NewNop())

	merged, err := merger.Merged(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	// decimal normalizes 100.0 and 100 to the same canonical string.
	require.Len(t, merged.Bids, 1)
	assert.True(t, merged.Bids[0].Qty.Equal(decimal.NewFromInt(2)))
}
