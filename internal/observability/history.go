package observability

import (
	"binance-momentum-bot-go/internal/models"
	"context"
	"math"
)

// HistoryLogger records orders and closed trades.
type HistoryLogger interface {
	RecordTrade(ctx context.Context, trade models.ClosedTrade) error
	RecordOrder(ctx context.Context, side models.OrderSide, orderType models.OrderType, res models.OrderResult) error
}

// InstrumentedHistory counts orders and trades before handing them to the next logger.
type InstrumentedHistory struct {
	next    HistoryLogger
	metrics *Metrics
}

// WrapHistory returns next instrumented with m. next may be nil.
func (m *Metrics) WrapHistory(next HistoryLogger) *InstrumentedHistory {
	return &InstrumentedHistory{next: next, metrics: m}
}

// RecordTrade implements HistoryLogger.
func (h *InstrumentedHistory) RecordTrade(ctx context.Context, t models.ClosedTrade) error {
	h.metrics.TradesClosed.WithLabelValues(t.Symbol, t.Reason).Inc()
	sign := "profit"
	if t.PnL < 0 {
		sign = "loss"
	}
	h.metrics.RealizedPnL.WithLabelValues(t.Symbol, sign).Add(math.Abs(t.PnL))
	if h.next == nil {
		return nil
	}
	return h.next.RecordTrade(ctx, t)
}

// RecordOrder implements HistoryLogger.
func (h *InstrumentedHistory) RecordOrder(ctx context.Context, side models.OrderSide, orderType models.OrderType, res models.OrderResult) error {
	status := "ok"
	if !res.Success {
		status = "failed"
	}
	h.metrics.OrdersTotal.WithLabelValues(string(side), string(orderType), status).Inc()
	if h.next == nil {
		return nil
	}
	return h.next.RecordOrder(ctx, side, orderType, res)
}
