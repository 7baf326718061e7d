package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"trading-backend/internal/api"
	"trading-backend/internal/db"
	"trading-backend/internal/engine"
	"trading-backend/internal/marketdata"
	"trading-backend/internal/service"
	"trading-backend/internal/store"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const shutdownGrace = 10 * time.Second

func main() {
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	sqlDB, err := db.Connect()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	orders, err := store.NewOrderStore(sqlDB)
	if err != nil {
		return err
	}
	defer orders.Close()

	trades, err := store.NewTradeStore(sqlDB)
	if err != nil {
		return err
	}
	defer trades.Close()

	accounts, err := store.NewAccountStore(sqlDB)
	if err != nil {
		return err
	}
	defer accounts.Close()

	matcher := engine.NewEngine(sqlDB, log, orders, trades, accounts)
	if err := matcher.LoadOpenOrders(context.Background()); err != nil {
		return err
	}

	venue := marketdata.NewBinanceClient(
		os.Getenv("BINANCE_BASE_URL"),
		envInt("DEPTH_LIMIT", marketdata.DefaultDepthLimit),
		log,
	)
	merger := marketdata.NewMerger(venue, orders, log)

	svc := service.NewOrderService(log, orders, accounts, matcher)
	server := api.NewServer(log, sqlDB, svc, matcher, orders, trades, accounts, venue, merger)

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	router := server.Router()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
