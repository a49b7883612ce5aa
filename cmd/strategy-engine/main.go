// Strategy Engine - the trading half of asv8. On every 15-minute bar close
// (Hong Kong clock) it reads precomputed features from Postgres, scores
// entry setups, sizes positions against live account equity, and works
// orders on Binance USDT-M futures through an adaptive rate limiter.
//
// Architecture:
//
//	main.go             - entry point: loads config, wires venue + engine, waits for SIGINT/SIGTERM
//	engine/engine.go    - orchestrator: bar-close tick loop, per-symbol worker pool
//	engine/pipeline.go  - entry pipeline: features -> signal -> AI gate -> sizing -> order -> stop
//	engine/exits.go     - open-position management: stop polling, take profit, emergency exit
//	engine/control.go   - operator command consumer (HALT/RESUME/EMERGENCY_EXIT/...)
//	engine/breaker.go   - circuit breaker: order failures, 429 storms, daily drawdown
//	engine/reconcile.go - sweeps stale active orders back into a terminal state
//	signal/             - deterministic setup detection on precomputed feature rows
//	risk/               - equity-fraction sizing and volatility-capped auto-leverage
//	ai/                 - online logistic scorer, weights persisted in Postgres
//	exchange/           - Binance REST + user stream, paper venue, rate limiter
//	store/              - Postgres persistence (candles, features, trades, order events)
//
// The engine places no orders until trading.enable_trading is set; it still
// runs the full pipeline each bar and logs the entries it would have made.
// With trading.paper_trading set it runs against an in-memory venue seeded
// with trading.paper_equity instead of Binance.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"asv8/internal/ai"
	"asv8/internal/clock"
	"asv8/internal/config"
	"asv8/internal/engine"
	"asv8/internal/exchange"
	"asv8/internal/lock"
	"asv8/internal/notify"
	"asv8/internal/ratelimit"
	"asv8/internal/store"
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
	logger := slog.New(handler).With("service", types.ServiceStrategyEngine)

	clk := clock.System
	met := telemetry.New(types.ServiceStrategyEngine)

	// Open storage; migrations run inside Open.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	st, err := store.Open(bootCtx, cfg.Database, clk, logger)
	bootCancel()
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Redis backs the per-symbol trade locks. Fail fast if it is down:
	// an engine that cannot lock must not trade.
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error("invalid redis url", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		logger.Error("redis unreachable", "error", err)
		os.Exit(1)
	}
	locker := lock.New(rdb, logger)

	// Rate limiter hooks feed the circuit breaker. The engine is constructed
	// further down, after the venue it depends on; eng is assigned before
	// Start, so the nil checks only cover the construction window.
	var eng *engine.Engine
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.MarketCeiling = cfg.Exchange.MarketWeightCeiling
	rlCfg.AccountCeiling = cfg.Exchange.AccountWeightCeiling
	rlCfg.OrderCeiling = cfg.Exchange.OrderCountCeiling
	rl := ratelimit.New(rlCfg, clk, met, ratelimit.Hooks{
		OnBackoff: func(g ratelimit.Group, wait time.Duration, status int) {
			if eng != nil {
				eng.NoteBackoff(string(g), wait, status)
			}
		},
		OnRateLimitWindow: func(g ratelimit.Group, countInWindow int) {
			if eng != nil {
				eng.NoteRateLimitWindow(string(g), countInWindow)
			}
		},
	})

	// Select the venue. Paper mode still points at the live kline endpoint
	// for market data; only execution is simulated.
	binance := exchange.NewBinance(cfg.Exchange, rl, met, clk, logger)

	var venue exchange.Venue
	var updates <-chan types.OrderUpdate
	streamCancel := func() {}
	if cfg.Trading.PaperTrading {
		venue = exchange.NewPaper(decimal.NewFromFloat(cfg.Trading.PaperEquity), binance, logger)
	} else {
		venue = binance

		stream := exchange.NewUserStream(binance, cfg.Exchange.WSBaseURL, logger)
		updates = stream.Updates()
		var streamCtx context.Context
		streamCtx, streamCancel = context.WithCancel(context.Background())
		go func() {
			if err := stream.Run(streamCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("user stream stopped", "error", err)
			}
		}()
	}
	gw := exchange.NewGateway(venue, logger)

	// Restore the AI model from its last persisted state.
	loadCtx, loadCancel := context.WithTimeout(context.Background(), 10*time.Second)
	model, err := ai.Load(loadCtx, st, cfg.AI, logger)
	loadCancel()
	if err != nil {
		logger.Error("failed to load ai model", "error", err)
		os.Exit(1)
	}

	notifier := notify.Multi{
		notify.NewSlog(clk, logger),
		notify.NewTelegram(cfg.Telegram, clk, logger),
	}

	// Create and start the engine
	eng, err = engine.New(cfg, st, gw, locker, model, notifier, updates, met, clk, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if !cfg.Trading.EnableTrading {
		logger.Warn("trading disabled: pipeline runs but no orders will be placed")
	}

	logger.Info("strategy engine started",
		"symbols", cfg.Trading.Symbols,
		"timeframe", cfg.Trading.Timeframe,
		"paper_trading", cfg.Trading.PaperTrading,
		"enable_trading", cfg.Trading.EnableTrading,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	streamCancel()
	eng.Stop()
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
