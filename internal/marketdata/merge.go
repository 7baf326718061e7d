package marketdata

import (
	"context"
	"strings"

	"trading-backend/internal/models"

	"go.uber.org/zap"
)

// LocalBook supplies the local grouped book used as the merge overlay.
type LocalBook interface {
	GroupedOrderBook(ctx context.Context, symbol string) (*models.GroupedBook, error)
}

// Merger overlays local liquidity on the external venue's price grid. The
// merged view carries exactly the venue's price levels, in the venue's
// ordering, each annotated with the local quantity and order count at the
// same price.
type Merger struct {
	venue DepthClient
	local LocalBook
	log   *zap.Logger
}

// NewMerger builds a depth merger.
func NewMerger(venue DepthClient, local LocalBook, log *zap.Logger) *Merger {
	return &Merger{venue: venue, local: local, log: log}
}

type levelKey struct {
	side  models.Side
	price string
}

// Merged produces the merged view for a symbol. A venue failure degrades to
// an empty view rather than an error; only a local store failure surfaces.
func (m *Merger) Merged(ctx context.Context, symbol string) (*models.MergedBook, error) {
	symbol = strings.ToUpper(symbol)
	merged := &models.MergedBook{
		Symbol: symbol,
		Bids:   []models.MergedLevel{},
		Asks:   []models.MergedLevel{},
	}

	snapshot, err := m.venue.Depth(ctx, symbol)
	if err != nil {
		m.log.Warn("merged book degraded to empty view", zap.String("symbol", symbol), zap.Error(err))
		return merged, nil
	}

	grouped, err := m.local.GroupedOrderBook(ctx, symbol)
	if err != nil {
		return nil, err
	}

	overlay := make(map[levelKey]models.BookLevel, len(grouped.Bids)+len(grouped.Asks))
	for _, lvl := range grouped.Bids {
		overlay[levelKey{models.SideBuy, lvl.Price.String()}] = lvl
	}
	for _, lvl := range grouped.Asks {
		overlay[levelKey{models.SideSell, lvl.Price.String()}] = lvl
	}

	merged.Bids = mergeLevels(snapshot.Bids, models.SideBuy, overlay)
	merged.Asks = mergeLevels(snapshot.Asks, models.SideSell, overlay)
	merged.Mid = snapshot.Mid
	return merged, nil
}

// mergeLevels walks the venue levels in their given order and joins local
// liquidity by exact price; absent levels annotate as (0, 0). The venue's
// quantities are passed through untouched.
func mergeLevels(venue []models.DepthLevel, side models.Side, overlay map[levelKey]models.BookLevel) []models.MergedLevel {
	merged := make([]models.MergedLevel, 0, len(venue))
	for _, lvl := range venue {
		out := models.MergedLevel{
			Price:    lvl.Price,
			VenueQty: lvl.Qty,
		}
		if local, ok := overlay[levelKey{side, lvl.Price.String()}]; ok {
			out.Qty = local.Qty
			out.Count = local.Count
		}
		merged = append(merged, out)
	}
	return merged
}
