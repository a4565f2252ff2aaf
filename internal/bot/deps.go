package bot

import (
	"binance-momentum-bot-go/internal/models"
	"context"
	"time"
)

// StateStore is the per-symbol state API owned by the state manager.
type StateStore interface {
	Ensure(symbol string) *models.BotState
	Get(symbol string) (*models.BotState, bool)
	List() []*models.BotState
	Update(symbol string, fn func(*models.BotState) error) (*models.BotState, error)
}

// IndicatorFeed serves the latest indicator reading of a symbol.
type IndicatorFeed interface {
	Snapshot(symbol string) (models.IndicatorSnapshot, bool)
}

// ConfigProvider returns the configuration of the current reload cycle.
type ConfigProvider interface {
	Current() *models.Config
}

// HistoryLogger records orders and closed trades.
type HistoryLogger interface {
	RecordTrade(ctx context.Context, trade models.ClosedTrade) error
	RecordOrder(ctx context.Context, side models.OrderSide, orderType models.OrderType, res models.OrderResult) error
}

// Advice is a risk advisor's opinion on a prospective entry.
type Advice struct {
	StopLossPercent *float64
	Avoid           bool
	CooldownUntil   time.Time
	Reason          string
}

// RiskAdvisor may tighten the stop-loss or veto an entry.
type RiskAdvisor interface {
	Advise(ctx context.Context, symbol string, side models.PositionSide, candles []models.Candle) (Advice, error)
}

// NoopAdvisor approves every entry.
type NoopAdvisor struct{}

func (NoopAdvisor) Advise(context.Context, string, models.PositionSide, []models.Candle) (Advice, error) {
	return Advice{}, nil
}

// NopHistory discards everything.
type NopHistory struct{}

func (NopHistory) RecordTrade(context.Context, models.ClosedTrade) error { return nil }

func (NopHistory) RecordOrder(context.Context, models.OrderSide, models.OrderType, models.OrderResult) error {
	return nil
}
