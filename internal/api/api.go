// Package api exposes the HTTP surface: order entry, cancels, book views,
// trade history, accounts and the operational endpoints.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trading-backend/internal/engine"
	"trading-backend/internal/errs"
	"trading-backend/internal/marketdata"
	"trading-backend/internal/models"
	"trading-backend/internal/service"
	"trading-backend/internal/store"

	"github.com/VictoriaMetrics/metrics"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

const pingTimeout = 2 * time.Second

// Server bundles the handlers' dependencies and builds the router.
type Server struct {
	log      *zap.Logger
	db       *sql.DB
	svc      *service.OrderService
	matcher  *engine.Engine
	orders   *store.OrderStore
	trades   *store.TradeStore
	accounts *store.AccountStore
	venue    marketdata.DepthClient
	merger   *marketdata.Merger
}

// NewServer wires the handler set.
func NewServer(
	log *zap.Logger,
	db *sql.DB,
	svc *service.OrderService,
	matcher *engine.Engine,
	orders *store.OrderStore,
	trades *store.TradeStore,
	accounts *store.AccountStore,
	venue marketdata.DepthClient,
	merger *marketdata.Merger,
) *Server {
	return &Server{
		log:      log,
		db:       db,
		svc:      svc,
		matcher:  matcher,
		orders:   orders,
		trades:   trades,
		accounts: accounts,
		venue:    venue,
		merger:   merger,
	}
}

// Router builds the echo instance with all routes registered.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(s.countRequests)

	e.POST("/orders/limit", s.placeLimit)
	e.POST("/orders/market", s.placeMarket)
	e.POST("/orders/cancel", s.cancelOrders)
	e.GET("/orders/working", s.workingOrders)

	e.GET("/orderbook", s.orderbook)
	e.GET("/orderbook/local", s.orderbookLocal)
	e.GET("/orderbook/binance", s.orderbookVenue)
	e.GET("/orderbook/merged", s.orderbookMerged)

	e.GET("/trades/my", s.myTrades)

	e.POST("/account/open", s.openAccount)
	e.GET("/account/summary", s.accountSummary)
	e.GET("/account/list", s.accountList)

	e.GET("/health", s.health)
	e.GET("/metrics", s.metricsHandler)

	return e
}

// countRequests bumps a per-route counter for every request.
func (s *Server) countRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		path := c.Path()
		if path == "" {
			path = c.Request().URL.Path
		}
		metrics.GetOrCreateCounter(`http_requests_total{path=` + strconv.Quote(path) + `}`).Inc()
		return err
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.Validation:
		status = http.StatusBadRequest
	case errs.Precondition:
		status = http.StatusUnprocessableEntity
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.Conflict:
		status = http.StatusConflict
	case errs.Transient:
		status = http.StatusServiceUnavailable
	case errs.External:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.JSON(status, errorResponse{Error: err.Error()})
}

func (s *Server) placeLimit(c echo.Context) error {
	var req models.LimitOrderRequest
	if err := c.Bind(&req); err != nil {
		return s.writeError(c, errs.Wrap(errs.Validation, "malformed request body", err))
	}

	resp, err := s.svc.PlaceLimit(c.Request().Context(), &req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) placeMarket(c echo.Context) error {
	var req models.MarketOrderRequest
	if err := c.Bind(&req); err != nil {
		return s.writeError(c, errs.Wrap(errs.Validation, "malformed request body", err))
	}

	resp, err := s.svc.PlaceMarket(c.Request().Context(), &req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) cancelOrders(c echo.Context) error {
	var req models.CancelRequest
	if err := c.Bind(&req); err != nil {
		return s.writeError(c, errs.Wrap(errs.Validation, "malformed request body", err))
	}
	if req.UserID <= 0 {
		return s.writeError(c, errs.New(errs.Validation, "user_id is required"))
	}

	affected, err := s.svc.Cancel(c.Request().Context(), req.UserID, req.OrderIDs)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, models.CancelResponse{Affected: affected})
}

func (s *Server) workingOrders(c echo.Context) error {
	userID, err := queryInt64(c, "user_id", true)
	if err != nil {
		return s.writeError(c, err)
	}
	limit, err := queryLimit(c)
	if err != nil {
		return s.writeError(c, err)
	}

	orders, err := s.svc.Working(c.Request().Context(), userID, limit)
	if err != nil {
		return s.writeError(c, err)
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return c.JSON(http.StatusOK, orders)
}

// orderbook serves the in-memory grouped book maintained by the matcher.
func (s *Server) orderbook(c echo.Context) error {
	symbol, err := querySymbol(c)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, s.matcher.Book(symbol).SnapshotGrouped())
}

// orderbookLocal serves the grouped book aggregated from the durable orders.
func (s *Server) orderbookLocal(c echo.Context) error {
	symbol, err := querySymbol(c)
	if err != nil {
		return s.writeError(c, err)
	}

	book, err := s.orders.GroupedOrderBook(c.Request().Context(), symbol)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, book)
}

func (s *Server) orderbookVenue(c echo.Context) error {
	symbol, err := querySymbol(c)
	if err != nil {
		return s.writeError(c, err)
	}

	snapshot, err := s.venue.Depth(c.Request().Context(), symbol)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, snapshot)
}

func (s *Server) orderbookMerged(c echo.Context) error {
	symbol, err := querySymbol(c)
	if err != nil {
		return s.writeError(c, err)
	}

	merged, err := s.merger.Merged(c.Request().Context(), symbol)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, merged)
}

func (s *Server) myTrades(c echo.Context) error {
	userID, err := queryInt64(c, "user_id", true)
	if err != nil {
		return s.writeError(c, err)
	}
	limit, err := queryLimit(c)
	if err != nil {
		return s.writeError(c, err)
	}

	trades, err := s.trades.ForUser(c.Request().Context(), userID, limit)
	if err != nil {
		return s.writeError(c, err)
	}
	if trades == nil {
		trades = []models.UserTrade{}
	}
	return c.JSON(http.StatusOK, trades)
}

func (s *Server) openAccount(c echo.Context) error {
	var req models.OpenAccountRequest
	if err := c.Bind(&req); err != nil {
		return s.writeError(c, errs.Wrap(errs.Validation, "malformed request body", err))
	}
	if req.UserID <= 0 {
		return s.writeError(c, errs.New(errs.Validation, "user_id is required"))
	}

	id, err := s.accounts.Open(c.Request().Context(), req.UserID, req.AccountNo)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, models.OpenAccountResponse{AccountID: id})
}

func (s *Server) accountSummary(c echo.Context) error {
	userID, err := queryInt64(c, "user_id", true)
	if err != nil {
		return s.writeError(c, err)
	}
	accountID, err := queryInt64(c, "account_id", true)
	if err != nil {
		return s.writeError(c, err)
	}

	ctx := c.Request().Context()
	owner, err := s.accounts.OwnerOf(ctx, accountID)
	if err != nil {
		return s.writeError(c, err)
	}
	if owner != userID {
		return s.writeError(c, errs.Newf(errs.Validation, "account %d does not belong to user %d", accountID, userID))
	}

	summary, err := s.accounts.Summary(ctx, accountID)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) accountList(c echo.Context) error {
	userID, err := queryInt64(c, "user_id", true)
	if err != nil {
		return s.writeError(c, err)
	}

	accounts, err := s.accounts.ListForUser(c.Request().Context(), userID)
	if err != nil {
		return s.writeError(c, err)
	}
	if accounts == nil {
		accounts = []models.Account{}
	}
	return c.JSON(http.StatusOK, accounts)
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), pingTimeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "down", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) metricsHandler(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
	c.Response().WriteHeader(http.StatusOK)
	metrics.WritePrometheus(c.Response(), true)
	return nil
}

func querySymbol(c echo.Context) (string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(c.QueryParam("symbol")))
	if symbol == "" {
		return "", errs.New(errs.Validation, "symbol is required")
	}
	return symbol, nil
}

func queryInt64(c echo.Context, name string, required bool) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		if required {
			return 0, errs.Newf(errs.Validation, "%s is required", name)
		}
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, errs.Newf(errs.Validation, "%s must be a positive integer", name)
	}
	return v, nil
}

// queryLimit parses the optional limit parameter; zero means store default.
func queryLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errs.New(errs.Validation, "limit must be a non-negative integer")
	}
	return v, nil
}
