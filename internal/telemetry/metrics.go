// Package telemetry registers the Prometheus instruments shared by the
// services. Exposition is owned by the deployment, not this package; callers
// receive a populated registry and decide whether to serve it.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the full instrument set. The service name rides along as a
// constant label so both binaries can share one dashboard.
type Metrics struct {
	Registry *prometheus.Registry

	// Orders and trades.
	OrdersTotal      *prometheus.CounterVec // exchange, symbol, status
	TradesOpenTotal  *prometheus.CounterVec // symbol
	TradesCloseTotal *prometheus.CounterVec // symbol, close_reason_code
	TradeLastPnl     *prometheus.GaugeVec   // symbol

	// Exchange I/O.
	ExchangeRequestsTotal  *prometheus.CounterVec   // exchange, endpoint, status
	ExchangeLatencySeconds *prometheus.HistogramVec // exchange, endpoint
	RateLimit429Total      *prometheus.CounterVec   // group
	RateLimitWaitSeconds   *prometheus.CounterVec   // group
	RateLimitBackoffGauge  *prometheus.GaugeVec     // group

	// Data sync.
	DataSyncLagMs         *prometheus.GaugeVec // symbol
	DataSyncCyclesTotal   prometheus.Counter
	DataSyncErrorsTotal   prometheus.Counter
	DataSyncGapsTotal     *prometheus.CounterVec // symbol
	PrecomputeEnqueued    *prometheus.CounterVec // symbol
	PrecomputeProcessed   *prometheus.CounterVec // symbol
	PrecomputeErrorsTotal *prometheus.CounterVec // symbol

	// Strategy ticks.
	TickDurationSeconds *prometheus.HistogramVec // symbol
	TickErrorsTotal     *prometheus.CounterVec   // symbol
	LastTickSuccess     *prometheus.GaugeVec     // symbol

	// Reconciliation and archival.
	ReconcileRunsTotal  prometheus.Counter
	ReconcileFixedTotal *prometheus.CounterVec // symbol, final_status
	ArchiveRunsTotal    prometheus.Counter
	ArchiveRowsTotal    *prometheus.CounterVec // table_name
	ArchiveErrorsTotal  prometheus.Counter

	// Circuit breaker.
	BreakerTripsTotal *prometheus.CounterVec // reason_code

	// AI.
	AIPredictionsTotal *prometheus.CounterVec // symbol
	AITrainingTotal    *prometheus.CounterVec // symbol
	AIModelSeen        prometheus.Gauge
}

// New builds and registers the instrument set for one service process.
func New(service string) *Metrics {
	reg := prometheus.NewRegistry()
	con := prometheus.Labels{"service": service}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: con}, labels)
		reg.MustRegister(c)
		return c
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: con}, labels)
		reg.MustRegister(g)
		return g
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: con})
		reg.MustRegister(c)
		return c
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, ConstLabels: con, Buckets: buckets}, labels)
		reg.MustRegister(h)
		return h
	}

	m := &Metrics{
		Registry: reg,

		OrdersTotal:      counterVec("orders_total", "Orders by final status.", "exchange", "symbol", "status"),
		TradesOpenTotal:  counterVec("trades_open_total", "Trades opened.", "symbol"),
		TradesCloseTotal: counterVec("trades_close_total", "Trades closed.", "symbol", "close_reason_code"),
		TradeLastPnl:     gaugeVec("trade_last_pnl_usdt", "Realized pnl of the last closed trade.", "symbol"),

		ExchangeRequestsTotal:  counterVec("exchange_requests_total", "Exchange REST requests.", "exchange", "endpoint", "status"),
		ExchangeLatencySeconds: histogram("exchange_latency_seconds", "Exchange request latency.", nil, "exchange", "endpoint"),
		RateLimit429Total:      counterVec("rate_limit_429_total", "Rate-limited responses.", "group"),
		RateLimitWaitSeconds:   counterVec("rate_limit_wait_seconds_total", "Seconds spent waiting on limiter permits.", "group"),
		RateLimitBackoffGauge:  gaugeVec("rate_limit_backoff_seconds", "Current backoff window per group.", "group"),

		DataSyncLagMs:         gaugeVec("data_sync_lag_ms", "Gap between now and the latest closed bar.", "symbol"),
		DataSyncCyclesTotal:   counter("data_sync_cycles_total", "Sync passes completed."),
		DataSyncErrorsTotal:   counter("data_sync_errors_total", "Sync passes that errored."),
		DataSyncGapsTotal:     counterVec("data_sync_gaps_total", "Detected kline gaps.", "symbol"),
		PrecomputeEnqueued:    counterVec("precompute_tasks_enqueued_total", "Precompute tasks enqueued.", "symbol"),
		PrecomputeProcessed:   counterVec("precompute_tasks_processed_total", "Precompute tasks processed.", "symbol"),
		PrecomputeErrorsTotal: counterVec("precompute_errors_total", "Precompute task failures.", "symbol"),

		TickDurationSeconds: histogram("tick_duration_seconds", "Strategy tick duration.", []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20}, "symbol"),
		TickErrorsTotal:     counterVec("tick_errors_total", "Per-symbol tick failures.", "symbol"),
		LastTickSuccess:     gaugeVec("last_tick_success", "1 if the last tick for the symbol succeeded.", "symbol"),

		ReconcileRunsTotal:  counter("reconcile_runs_total", "Stale-order reconciliation sweeps."),
		ReconcileFixedTotal: counterVec("reconcile_fixed_total", "Orders resolved by reconciliation.", "symbol", "final_status"),
		ArchiveRunsTotal:    counter("archive_runs_total", "Daily archival runs."),
		ArchiveRowsTotal:    counterVec("archive_rows_total", "Rows moved to history tables.", "table_name"),
		ArchiveErrorsTotal:  counter("archive_errors_total", "Archival failures."),

		BreakerTripsTotal: counterVec("circuit_breaker_trips_total", "Circuit breaker activations.", "reason_code"),

		AIPredictionsTotal: counterVec("ai_predictions_total", "Scorer evaluations.", "symbol"),
		AITrainingTotal:    counterVec("ai_training_total", "Online model updates.", "symbol"),
		AIModelSeen:        prometheus.NewGauge(prometheus.GaugeOpts{Name: "ai_model_seen", Help: "Samples absorbed by the current model.", ConstLabels: con}),
	}
	reg.MustRegister(m.AIModelSeen)
	return m
}
