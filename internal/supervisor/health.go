package supervisor

import (
	"context"
	"time"
)

// Health is the liveness report of the process.
type Health struct {
	ExchangeOK     bool         `json:"exchange_ok"`
	ExchangeError  string       `json:"exchange_error,omitempty"`
	TradingEnabled bool         `json:"trading_enabled"`
	ActiveBots     int          `json:"active_bots"`
	OpenPositions  int          `json:"open_positions"`
	HaltedBots     int          `json:"halted_bots"`
	LastReconcile  time.Time    `json:"last_reconcile,omitempty"`
	ReconcileStale bool         `json:"reconcile_stale"`
	Tasks          []TaskStatus `json:"tasks"`
}

// Healthy reports whether the exchange answers and reconciliation is current.
func (h Health) Healthy() bool {
	return h.ExchangeOK && !h.ReconcileStale
}

// Health pings the exchange and summarizes bots, reconciliation and tasks.
// Reconciliation is stale when no pass succeeded within three intervals.
func (s *Supervisor) Health(ctx context.Context) Health {
	h := Health{TradingEnabled: s.TradingEnabled(), Tasks: s.Tasks()}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.deps.Exchange.Ping(pctx); err != nil {
		h.ExchangeError = err.Error()
	} else {
		h.ExchangeOK = true
	}

	for _, b := range s.ListBots() {
		if b.Running {
			h.ActiveBots++
		}
		if b.Side != "" {
			h.OpenPositions++
		}
		if b.Halted {
			h.HaltedBots++
		}
	}

	if s.deps.Reconciler != nil {
		h.LastReconcile = s.deps.Reconciler.LastSuccess()
		interval := 30 * time.Second
		if cfg := s.Current(); cfg != nil && cfg.ReconcileIntervalSec > 0 {
			interval = time.Duration(cfg.ReconcileIntervalSec) * time.Second
		}
		h.ReconcileStale = h.LastReconcile.IsZero() || s.now().Sub(h.LastReconcile) > 3*interval
	}
	return h
}
