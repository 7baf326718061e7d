package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"trading-backend/internal/errs"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func depthServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/depth", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBinanceClient_Depth(t *testing.T) {
	srv := depthServer(t, http.StatusOK, `{
		"bids": [["101.5", "2"], ["101", "3"]],
		"asks": [["102.5", "1"], ["103", "4"]]
	}`)
	client := NewBinanceClient(srv.URL, 20, zap.NewNop())

	snapshot, err := client.Depth(context.Background(), "btcusdt")
	require.NoError(t, err)

	require.Len(t, snapshot.Bids, 2)
	require.Len(t, snapshot.Asks, 2)
	assert.True(t, snapshot.Bids[0].Price.Equal(decimal.RequireFromString("101.5")))
	assert.True(t, snapshot.Bids[0].Qty.Equal(decimal.NewFromInt(2)))
	assert.True(t, snapshot.Asks[0].Price.Equal(decimal.RequireFromString("102.5")))
	assert.True(t, snapshot.Mid.Equal(decimal.RequireFromString("102")), "mid = %s", snapshot.Mid)
	assert.Equal(t, "BTCUSDT", snapshot.Symbol)
}

func TestBinanceClient_DepthCaches(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"bids": [["100", "1"]], "asks": [["101", "1"]]}`))
	}))
	t.Cleanup(srv.Close)
	client := NewBinanceClient(srv.URL, 20, zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := client.Depth(context.Background(), "BTCUSDT")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, hits, "snapshots within the TTL must come from the cache")
}

func TestBinanceClient_DepthErrorStatus(t *testing.T) {
	srv := depthServer(t, http.StatusTeapot, `{}`)
	client := NewBinanceClient(srv.URL, 20, zap.NewNop())

	_, err := client.Depth(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.Equal(t, errs.External, errs.KindOf(err))
}

func TestBinanceClient_MalformedPayload(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `not json at all`},
		{"bad price", `{"bids": [["oops", "1"]], "asks": []}`},
		{"bad qty", `{"bids": [], "asks": [["100", "oops"]]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := depthServer(t, http.StatusOK, tc.body)
			client := NewBinanceClient(srv.URL, 20, zap.NewNop())

			_, err := client.Depth(context.Background(), "BTCUSDT")
			require.Error(t, err)
			assert.Equal(t, errs.External, errs.KindOf(err))
		})
	}
}

func TestMidPrice_EmptySide(t *testing.T) {
	srv := depthServer(t, http.StatusOK, `{"bids": [["100", "1"]], "asks": []}`)
	client := NewBinanceClient(srv.URL, 20, zap.NewNop())

	snapshot, err := client.Depth(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, snapshot.Mid.IsZero())
}
