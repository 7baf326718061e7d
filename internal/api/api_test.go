package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"trading-backend/internal/errs"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testContext(target string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestWriteError_StatusMapping(t *testing.T) {
	s := &Server{log: zap.NewNop()}

	cases := []struct {
		err    error
		status int
	}{
		{errs.New(errs.Validation, "bad"), http.StatusBadRequest},
		{errs.New(errs.Precondition, "broke"), http.StatusUnprocessableEntity},
		{errs.New(errs.NotFound, "missing"), http.StatusNotFound},
		{errs.New(errs.Conflict, "raced"), http.StatusConflict},
		{errs.New(errs.Transient, "flaky"), http.StatusServiceUnavailable},
		{errs.New(errs.External, "venue down"), http.StatusBadGateway},
		{errors.New("anything else"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		c, rec := testContext("/")
		require.NoError(t, s.writeError(c, tc.err))
		assert.Equal(t, tc.status, rec.Code, "error %v", tc.err)
		assert.Contains(t, rec.Body.String(), `"error"`)
	}
}

func TestQuerySymbol(t *testing.T) {
	c, _ := testContext("/orderbook?symbol=btcusdt")
	symbol, err := querySymbol(c)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", symbol)

	c, _ = testContext("/orderbook")
	_, err = querySymbol(c)
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestQueryInt64(t *testing.T) {
	c, _ := testContext("/trades/my?user_id=12")
	v, err := queryInt64(c, "user_id", true)
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)

	for _, target := range []string{"/x", "/x?user_id=abc", "/x?user_id=0", "/x?user_id=-4"} {
		c, _ := testContext(target)
		_, err := queryInt64(c, "user_id", true)
		require.Error(t, err, "target %s", target)
		assert.Equal(t, errs.Validation, errs.KindOf(err))
	}

	c, _ = testContext("/x")
	v, err = queryInt64(c, "user_id", false)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestQueryLimit(t *testing.T) {
	c, _ := testContext("/x?limit=50")
	v, err := queryLimit(c)
	require.NoError(t, err)
	assert.Equal(t, 50, v)

	c, _ = testContext("/x")
	v, err = queryLimit(c)
	require.NoError(t, err)
	assert.Zero(t, v)

	c, _ = testContext("/x?limit=-1")
	_, err = queryLimit(c)
	require.Error(t, err)
}
