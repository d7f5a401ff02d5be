// Prediction Exchange — an order-matching venue for binary prediction
// markets with full escrow and settlement.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires the stack, waits for SIGINT/SIGTERM
//	gateway/gateway.go   — order intake: validation, idempotent submission, query surface
//	engine/engine.go     — per-market actor workers: matching, slippage collar, self-trade policy
//	book/book.go         — in-memory price-time priority book per (market, outcome)
//	ledger/ledger.go     — escrow + settlement pipeline, one serializable transaction per submission
//	store/store.go       — bbolt persistence: orders, trades, balances, positions, audit log
//	bus/bus.go           — sequenced per-topic event fan-out with gap detection
//	api/server.go        — HTTP/WebSocket transport
//	risk/risk.go         — per-market position caps
//
// Where the money lives:
//
//	Cash enters via deposits and leaves only through resolution payouts.
//	A BUY escrows quantity x limit price before it can rest; a SELL is
//	collateralized by the shares it promises. Every fill moves escrowed
//	cash to the seller and shares to the buyer in one transaction, so the
//	sum of all balances plus position value at cost never drifts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"prediction-exchange/internal/api"
	"prediction-exchange/internal/bus"
	"prediction-exchange/internal/clock"
	"prediction-exchange/internal/config"
	"prediction-exchange/internal/engine"
	"prediction-exchange/internal/gateway"
	"prediction-exchange/internal/ledger"
	"prediction-exchange/internal/risk"
	"prediction-exchange/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("EXCH_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open store", "error", err, "path", cfg.Store.Path)
		os.Exit(1)
	}
	defer st.Close()

	clk := clock.NewSystem()
	led := ledger.New(st, clk, clk, risk.NewChecker(cfg.PositionCap()), logger)
	evbus := bus.New(clk, logger)
	eng := engine.NewManager(engine.Config{
		SlippageCollar:  cfg.SlippageCollar(),
		SelfTradePolicy: cfg.SelfTrade(),
		SubmitTimeout:   cfg.Exchange.SubmitTimeout,
	}, led, evbus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	gw := gateway.New(cfg, led, eng, logger)
	go gw.RunSweeper(ctx)
	if cfg.Exchange.HeartbeatInterval > 0 {
		go evbus.RunHeartbeat(ctx, cfg.Exchange.HeartbeatInterval)
	}

	apiServer := api.NewServer(cfg, gw, evbus, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
			cancel()
		}
	}()

	logger.Info("prediction exchange started",
		"url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
		"store", cfg.Store.Path,
		"tick_size", cfg.Exchange.TickSize,
		"self_trade_policy", cfg.Exchange.SelfTradePolicy,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	cancel()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
