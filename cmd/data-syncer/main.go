// Data Syncer - the market-data half of asv8. It keeps the candle store
// current against the venue's public kline endpoint, heals gaps after
// downtime, precomputes the indicator feature rows the strategy engine
// trades on, and archives aged rows on the Hong Kong day roll.
//
// Architecture:
//
//	main.go          - entry point: loads config, wires venue + syncer, waits for SIGINT/SIGTERM
//	syncer/syncer.go - sync loop: ingest, gap heal, archival, lag alerts, heartbeat
//	syncer/tasks.go  - precompute queue worker with bounded retries
//	features/        - indicator pipeline (ATR, ADX, squeeze, momentum, volume ratio)
//	exchange/        - Binance REST behind the adaptive rate limiter
//	store/           - Postgres persistence (candles, feature rows, precompute queue)
//
// The syncer writes only market data and never touches order endpoints, so
// it runs with no credentials; klines are public. One instance serves both
// live and paper trading.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"asv8/internal/clock"
	"asv8/internal/config"
	"asv8/internal/exchange"
	"asv8/internal/notify"
	"asv8/internal/ratelimit"
	"asv8/internal/store"
	"asv8/internal/syncer"
	"asv8/internal/telemetry"
	"asv8/pkg/types"
)

func main() {
	// Load config
	cfgPath := "config.yaml"
	if p := os.Getenv("ASV8_CONFIG"); p != "" {
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

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("service", types.ServiceDataSyncer)

	clk := clock.System
	met := telemetry.New(types.ServiceDataSyncer)

	// Open storage; migrations run inside Open.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	st, err := store.Open(bootCtx, cfg.Database, clk, logger)
	bootCancel()
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// The syncer only reads public market data, so the limiter needs no
	// breaker hooks; backoff still meters the kline pages.
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.MarketCeiling = cfg.Exchange.MarketWeightCeiling
	rlCfg.AccountCeiling = cfg.Exchange.AccountWeightCeiling
	rlCfg.OrderCeiling = cfg.Exchange.OrderCountCeiling
	rl := ratelimit.New(rlCfg, clk, met, ratelimit.Hooks{})

	binance := exchange.NewBinance(cfg.Exchange, rl, met, clk, logger)
	gw := exchange.NewGateway(binance, logger)

	notifier := notify.Multi{
		notify.NewSlog(clk, logger),
		notify.NewTelegram(cfg.Telegram, clk, logger),
	}

	s, err := syncer.New(cfg, st, gw, notifier, met, clk, logger)
	if err != nil {
		logger.Error("failed to create syncer", "error", err)
		os.Exit(1)
	}

	logger.Info("data syncer started",
		"symbols", cfg.Trading.Symbols,
		"timeframe", cfg.Trading.Timeframe,
		"venue", gw.Name(),
	)

	// Run until a shutdown signal lands
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	s.Run(ctx)
	logger.Info("shutdown complete")
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
