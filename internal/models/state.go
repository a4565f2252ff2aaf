package models

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/jxskiss/base62"
)

// Status is the state of a symbol's position state machine.
type Status string

const (
	StatusIdle  Status = "IDLE"
	StatusLong  Status = "IN_POSITION_LONG"
	StatusShort Status = "IN_POSITION_SHORT"
	// StatusPaused freezes entries; protection of an open position keeps running.
	StatusPaused Status = "PAUSED"
)

// StatusFor returns the in-position status of a side.
func StatusFor(side PositionSide) Status {
	if side == Short {
		return StatusShort
	}
	return StatusLong
}

// Position is the exposure of one symbol as last confirmed by the exchange.
type Position struct {
	ID                string       `json:"id"` // binds protective memory to this position
	Symbol            string       `json:"symbol"`
	Side              PositionSide `json:"side"`
	Quantity          float64      `json:"quantity"`
	EntryPrice        float64      `json:"entry_price"`
	Leverage          int          `json:"leverage"`
	Margin            float64      `json:"margin"`
	RealizedFeeTotal  float64      `json:"realized_fee_total"`
	MaxProfitAchieved float64      `json:"max_profit_achieved"`
	OrderID           string       `json:"order_id"`
	OpenedAt          time.Time    `json:"opened_at"`
}

// ComputeMargin returns entry × quantity / leverage.
func (p *Position) ComputeMargin() float64 {
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	return p.EntryPrice * p.Quantity / float64(lev)
}

// UnrealizedPnL returns the profit in quote currency at price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	return (price - p.EntryPrice) * p.Quantity * p.Side.Sign()
}

// ProtectionMemory is the state of the protective mechanisms of one position.
// Only the symbol's own tick mutates it.
type ProtectionMemory struct {
	PositionID string `json:"position_id"`

	BreakEvenActivated bool    `json:"break_even_activated"`
	BreakEvenStopPrice float64 `json:"break_even_stop_price,omitempty"` // 0 means unset

	TrailingActive            bool    `json:"trailing_active"`
	TrailingMaxProfitQuote    float64 `json:"trailing_max_profit_quote"`
	TrailingLockedProfitQuote float64 `json:"trailing_locked_profit_quote"`
	TrailingStepQuote         float64 `json:"trailing_step_quote"`
	TrailingStepPrice         float64 `json:"trailing_step_price"`
	TrailingSteps             int     `json:"trailing_steps"`
	TrailingStopPrice         float64 `json:"trailing_stop_price,omitempty"`
}

// PendingLimitOrder is one outstanding rung of a laddered entry.
type PendingLimitOrder struct {
	OrderID     string    `json:"order_id"`
	Price       float64   `json:"price"`
	Quantity    float64   `json:"quantity"`
	QuoteAmount float64   `json:"quote_amount"`
	PercentStep float64   `json:"percent_step"`
	PlacedAt    time.Time `json:"placed_at"`
}

// BotOverrides are per-bot protection overrides set from the control surface.
type BotOverrides struct {
	StopLossPercent           *float64 `json:"stop_loss_percent,omitempty"`
	TrailingActivationPercent *float64 `json:"trailing_activation_percent,omitempty"`
	TrailingDistancePercent   *float64 `json:"trailing_distance_percent,omitempty"`
}

// Apply layers the overrides over p.
func (o BotOverrides) Apply(p ProtectionConfig) ProtectionConfig {
	if o.StopLossPercent != nil {
		p.StopLossPercent = *o.StopLossPercent
	}
	if o.TrailingActivationPercent != nil {
		p.TrailingActivationPercent = *o.TrailingActivationPercent
	}
	if o.TrailingDistancePercent != nil {
		p.TrailingDistancePercent = *o.TrailingDistancePercent
	}
	return p
}

// BotState is everything persisted for one symbol.
type BotState struct {
	Symbol     string    `json:"symbol"`
	Status     Status    `json:"status"`
	PausedFrom Status    `json:"paused_from,omitempty"`
	Position   *Position `json:"position,omitempty"`
	EntryTime  time.Time `json:"entry_time,omitempty"`
	EntryTrend Trend     `json:"entry_trend,omitempty"`
	// EntryAligned is true when the entry went with the trend.
	EntryAligned bool `json:"entry_aligned"`

	Protection      ProtectionMemory `json:"protection"`
	StopLossPrice   float64          `json:"stop_loss_price,omitempty"`
	TakeProfitPrice float64          `json:"take_profit_price,omitempty"`

	PendingLimitOrders []PendingLimitOrder `json:"pending_limit_orders,omitempty"`
	LadderSide         PositionSide        `json:"ladder_side,omitempty"`
	LadderReference    float64             `json:"ladder_reference,omitempty"`
	StopQuantity       float64             `json:"stop_quantity,omitempty"` // position size the stop-loss was last placed for
	FeeQuantity        float64             `json:"fee_quantity,omitempty"`  // position size whose fees are in RealizedFeeTotal

	Overrides         BotOverrides `json:"overrides"`
	RiskCooldownUntil time.Time    `json:"risk_cooldown_until,omitempty"`
	RiskStopLoss      *float64     `json:"risk_stop_loss,omitempty"`

	Halted          bool   `json:"halted"` // configuration error, ticks are skipped
	LastCloseReason string `json:"last_close_reason,omitempty"`
	LastError       string `json:"last_error,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBotState returns an IDLE state for symbol.
func NewBotState(symbol string) *BotState {
	now := time.Now()
	return &BotState{
		Symbol:    symbol,
		Status:    StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Paused reports whether the bot is paused.
func (s *BotState) Paused() bool {
	return s.Status == StatusPaused
}

// PositionStatus is the status the bot has or had before being paused.
func (s *BotState) PositionStatus() Status {
	if s.Status == StatusPaused {
		return s.PausedFrom
	}
	return s.Status
}

// SetPositionStatus updates the position-derived status, keeping a pause in place.
func (s *BotState) SetPositionStatus(st Status) {
	if s.Status == StatusPaused {
		s.PausedFrom = st
		return
	}
	s.Status = st
}

// OpenPosition sets a new position and zeroes protective memory. The
// position's RealizedFeeTotal is taken to cover its whole quantity.
func (s *BotState) OpenPosition(p *Position) {
	s.Position = p
	s.FeeQuantity = p.Quantity
	s.EntryTime = p.OpenedAt
	s.Protection = ProtectionMemory{PositionID: p.ID}
	s.StopLossPrice = 0
	s.TakeProfitPrice = 0
	s.SetPositionStatus(StatusFor(p.Side))
}

// ClearPosition resets the position and protective memory to the IDLE shape.
// Outstanding ladder rungs are left alone; see ClearLadder.
func (s *BotState) ClearPosition(reason string) {
	s.Position = nil
	s.EntryTime = time.Time{}
	s.Protection = ProtectionMemory{}
	s.StopLossPrice = 0
	s.TakeProfitPrice = 0
	s.StopQuantity = 0
	s.FeeQuantity = 0
	s.LastCloseReason = reason
	s.SetPositionStatus(StatusIdle)
	if len(s.PendingLimitOrders) == 0 {
		s.ClearLadder()
	}
}

// ClearLadder forgets every rung of a laddered entry.
func (s *BotState) ClearLadder() {
	s.PendingLimitOrders = nil
	s.LadderSide = ""
	s.LadderReference = 0
	if s.Position == nil {
		s.EntryTrend = ""
		s.EntryAligned = false
	}
}

// LadderActive reports whether rungs are outstanding.
func (s *BotState) LadderActive() bool {
	return len(s.PendingLimitOrders) > 0
}

// Clone returns a deep copy.
func (s *BotState) Clone() *BotState {
	if s == nil {
		return nil
	}
	c := *s
	if s.Position != nil {
		p := *s.Position
		c.Position = &p
	}
	if s.PendingLimitOrders != nil {
		c.PendingLimitOrders = make([]PendingLimitOrder, len(s.PendingLimitOrders))
		copy(c.PendingLimitOrders, s.PendingLimitOrders)
	}
	c.Overrides = BotOverrides{
		StopLossPercent:           clonePtr(s.Overrides.StopLossPercent),
		TrailingActivationPercent: clonePtr(s.Overrides.TrailingActivationPercent),
		TrailingDistancePercent:   clonePtr(s.Overrides.TrailingDistancePercent),
	}
	c.RiskStopLoss = clonePtr(s.RiskStopLoss)
	return &c
}

func clonePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}

// NewID returns a short random identifier used for positions and client order ids.
func NewID(prefix string) string {
	var b [10]byte
	binary.BigEndian.PutUint64(b[:8], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint16(b[8:], uint16(idSeq.Add(1)))
	return prefix + base62.EncodeToString(b[:])
}

var idSeq atomic.Uint32
