// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"binance-momentum-bot-go/internal/models"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "momentum_bot"

// Metrics holds all Prometheus metrics of the bot.
type Metrics struct {
	registry *prometheus.Registry

	// Tick metrics
	TicksTotal   *prometheus.CounterVec
	TickErrors   *prometheus.CounterVec
	TickDuration *prometheus.HistogramVec
	TicksSkipped *prometheus.CounterVec

	// Bot metrics
	ActiveBots    prometheus.Gauge
	OpenPositions prometheus.Gauge
	HaltedBots    prometheus.Gauge

	// Exchange metrics
	OrdersTotal   *prometheus.CounterVec
	RetriesTotal  *prometheus.CounterVec
	AdaptiveDelay prometheus.Gauge

	// Trade metrics
	TradesClosed *prometheus.CounterVec
	RealizedPnL  *prometheus.CounterVec

	// Reconciliation metrics
	ReconcileCorrections *prometheus.CounterVec
	ReconcileRuns        *prometheus.CounterVec
	LastReconcile        prometheus.Gauge

	// Task metrics
	TaskRestarts *prometheus.CounterVec
}

// NewMetrics creates the metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TicksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tick",
			Name:      "total",
			Help:      "Total number of symbol ticks run",
		}, []string{"symbol"}),
		TickErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tick",
			Name:      "errors_total",
			Help:      "Total number of ticks that returned an error, by error class",
		}, []string{"symbol", "class"}),
		TickDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tick",
			Name:      "duration_seconds",
			Help:      "Tick duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"symbol"}),
		TicksSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tick",
			Name:      "skipped_total",
			Help:      "Ticks skipped because the previous one was still running",
		}, []string{"symbol"}),

		ActiveBots: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bots",
			Name:      "active",
			Help:      "Number of running bots",
		}),
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bots",
			Name:      "open_positions",
			Help:      "Number of bots holding a position",
		}),
		HaltedBots: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bots",
			Name:      "halted",
			Help:      "Number of bots halted by a configuration error",
		}),

		OrdersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "orders_total",
			Help:      "Orders sent to the exchange by side, type and outcome",
		}, []string{"side", "type", "status"}),
		RetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "retries_total",
			Help:      "Retried exchange calls by operation and error class",
		}, []string{"op", "class"}),
		AdaptiveDelay: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "adaptive_delay_seconds",
			Help:      "Current adaptive base delay for rate-limit backoff",
		}),

		TradesClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trades",
			Name:      "closed_total",
			Help:      "Closed trades by symbol and close reason",
		}, []string{"symbol", "reason"}),
		RealizedPnL: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trades",
			Name:      "realized_pnl_quote_total",
			Help:      "Absolute realized PnL in quote currency, split by sign",
		}, []string{"symbol", "sign"}),

		ReconcileCorrections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "corrections_total",
			Help:      "Reconciliation corrections by kind",
		}, []string{"kind"}),
		ReconcileRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation passes by status",
		}, []string{"status"}),
		LastReconcile: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_reconcile_timestamp",
			Help:      "Unix timestamp of last successful reconciliation",
		}),

		TaskRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "task_restarts_total",
			Help:      "Background task restarts after an error or panic",
		}, []string{"task"}),
	}
}

// Registry returns the registry the metrics live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ObserveRetry implements exchange.RetryObserver.
func (m *Metrics) ObserveRetry(op, class string) {
	m.RetriesTotal.WithLabelValues(op, class).Inc()
}

// ObserveAdaptiveDelay implements exchange.RetryObserver.
func (m *Metrics) ObserveAdaptiveDelay(d time.Duration) {
	m.AdaptiveDelay.Set(d.Seconds())
}

// ObserveCorrection implements reconciler.Observer.
func (m *Metrics) ObserveCorrection(kind string) {
	m.ReconcileCorrections.WithLabelValues(kind).Inc()
}

// ObserveReconcile implements reconciler.Observer.
func (m *Metrics) ObserveReconcile(ok bool, at time.Time) {
	if !ok {
		m.ReconcileRuns.WithLabelValues("failed").Inc()
		return
	}
	m.ReconcileRuns.WithLabelValues("ok").Inc()
	m.LastReconcile.Set(float64(at.Unix()))
}

// ObserveTick records one finished tick.
func (m *Metrics) ObserveTick(symbol string, d time.Duration, err error) {
	m.TicksTotal.WithLabelValues(symbol).Inc()
	m.TickDuration.WithLabelValues(symbol).Observe(d.Seconds())
	if err != nil {
		m.TickErrors.WithLabelValues(symbol, ErrorClass(err)).Inc()
	}
}

// ObserveSkippedTick records a tick dropped because the previous one was running.
func (m *Metrics) ObserveSkippedTick(symbol string) {
	m.TicksSkipped.WithLabelValues(symbol).Inc()
}

// ObserveBots sets the bot gauges.
func (m *Metrics) ObserveBots(active, inPosition, halted int) {
	m.ActiveBots.Set(float64(active))
	m.OpenPositions.Set(float64(inPosition))
	m.HaltedBots.Set(float64(halted))
}

// ObserveTaskRestart records a background task restart.
func (m *Metrics) ObserveTaskRestart(task string) {
	m.TaskRestarts.WithLabelValues(task).Inc()
}

// ErrorClass maps an error onto its taxonomy label.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, models.ErrTransientNetwork):
		return "network"
	case errors.Is(err, models.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, models.ErrInstrumentRejected):
		return "instrument_rejected"
	case errors.Is(err, models.ErrQuantityTooSmall):
		return "quantity_too_small"
	case errors.Is(err, models.ErrExchangeStateConflict):
		return "state_conflict"
	case errors.Is(err, models.ErrConfiguration):
		return "configuration"
	case errors.Is(err, models.ErrUnknownOutcome):
		return "unknown_outcome"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "other"
}
