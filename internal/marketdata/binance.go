// Package marketdata fetches external venue depth and merges it with the
// local grouped book.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trading-backend/internal/errs"
	"trading-backend/internal/models"

	"github.com/VictoriaMetrics/metrics"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the public Binance REST endpoint.
	DefaultBaseURL = "https://api.binance.com"
	// DefaultDepthLimit is how many levels per side are requested.
	DefaultDepthLimit = 20

	snapshotTTL  = time.Second
	fetchTimeout = 2 * time.Second
)

var venueFetchFailures = metrics.NewCounter(`marketdata_venue_fetch_failures_total`)

// DepthClient retrieves an external venue depth snapshot for a symbol.
type DepthClient interface {
	Depth(ctx context.Context, symbol string) (*models.DepthSnapshot, error)
}

// BinanceClient fetches depth snapshots from a Binance-shaped REST API.
// Snapshots are cached briefly and the venue call sits behind a circuit
// breaker; callers treat any error as a degraded (empty) view.
type BinanceClient struct {
	baseURL string
	limit   int
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
	cache   *gocache.Cache
	log     *zap.Logger
}

// NewBinanceClient builds a depth client. Empty baseURL and non-positive
// limit fall back to the defaults.
func NewBinanceClient(baseURL string, limit int, log *zap.Logger) *BinanceClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if limit <= 0 {
		limit = DefaultDepthLimit
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "binance-depth",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &BinanceClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		limit:   limit,
		httpc:   &http.Client{Timeout: fetchTimeout},
		breaker: breaker,
		cache:   gocache.New(snapshotTTL, 10*snapshotTTL),
		log:     log,
	}
}

// rawDepth is the venue wire shape: price/qty pairs as decimal strings,
// bids descending and asks ascending.
type rawDepth struct {
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
}

// Depth returns the venue depth snapshot for the symbol.
func (c *BinanceClient) Depth(ctx context.Context, symbol string) (*models.DepthSnapshot, error) {
	symbol = strings.ToUpper(symbol)

	if cached, ok := c.cache.Get(symbol); ok {
		return cached.(*models.DepthSnapshot), nil
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.fetch(ctx, symbol)
	})
	if err != nil {
		venueFetchFailures.Inc()
		c.log.Warn("venue depth fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return nil, errs.Wrap(errs.External, "venue depth fetch failed", err)
	}

	snapshot := result.(*models.DepthSnapshot)
	c.cache.Set(symbol, snapshot, snapshotTTL)
	return snapshot, nil
}

func (c *BinanceClient) fetch(ctx context.Context, symbol string) (*models.DepthSnapshot, error) {
	endpoint := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d",
		c.baseURL, url.QueryEscape(symbol), c.limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("venue returned status %d", resp.StatusCode)
	}

	var raw rawDepth
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("malformed depth payload: %w", err)
	}

	snapshot := &models.DepthSnapshot{Symbol: symbol}
	if snapshot.Bids, err = parseLevels(raw.Bids); err != nil {
		return nil, fmt.Errorf("malformed bid level: %w", err)
	}
	if snapshot.Asks, err = parseLevels(raw.Asks); err != nil {
		return nil, fmt.Errorf("malformed ask level: %w", err)
	}
	snapshot.Mid = midPrice(snapshot.Bids, snapshot.Asks)
	return snapshot, nil
}

func parseLevels(raw [][2]string) ([]models.DepthLevel, error) {
	levels := make([]models.DepthLevel, 0, len(raw))
	for _, pair := range raw {
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", pair[0], err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("qty %q: %w", pair[1], err)
		}
		levels = append(levels, models.DepthLevel{Price: price, Qty: qty})
	}
	return levels, nil
}

// midPrice is the midpoint of the best bid and best ask, zero when either
// side is empty.
func midPrice(bids, asks []models.DepthLevel) decimal.Decimal {
	if len(bids) == 0 || len(asks) == 0 {
		return decimal.Zero
	}
	return bids[0].Price.Add(asks[0].Price).Div(decimal.NewFromInt(2))
}
