// Package protection computes stop-loss, break-even and trailing-stop targets.
// Every function is pure: inputs are a position, a mark price, the protective
// memory and the protection settings; nothing here performs I/O.
package protection

import (
	"binance-momentum-bot-go/internal/models"
	"math"
)

// Close reasons.
const (
	ReasonStopLoss     = "stop_loss"
	ReasonBreakEven    = "break_even"
	ReasonTrailingStop = "trailing_stop"
)

// StopLossPrice returns entry × (1 − pct/100) for LONG and entry × (1 + pct/100) for SHORT.
func StopLossPrice(entry float64, side models.PositionSide, lossPercent float64) float64 {
	return entry * (1 - side.Sign()*lossPercent/100)
}

// StopLossHit reports whether price crossed stop against the position.
func StopLossHit(price, stop float64, side models.PositionSide) bool {
	if stop <= 0 {
		return false
	}
	if side == models.Short {
		return price >= stop
	}
	return price <= stop
}

// Margin returns the position's margin, computing it when it was not recorded.
func Margin(pos *models.Position) float64 {
	if pos.Margin > 0 {
		return pos.Margin
	}
	return pos.ComputeMargin()
}

// ProfitPercent is unrealized profit as a percentage of margin.
func ProfitPercent(pos *models.Position, price float64) float64 {
	m := Margin(pos)
	if m <= 0 {
		return 0
	}
	return pos.UnrealizedPnL(price) / m * 100
}

// tighter returns whichever of a and b protects more profit for side; zero means unset.
func tighter(side models.PositionSide, a, b float64) float64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case side == models.Short:
		return math.Min(a, b)
	default:
		return math.Max(a, b)
	}
}

// BreakEvenStop is entry offset by fees × multiplier / quantity on the profit side.
func BreakEvenStop(pos *models.Position, multiplier float64) float64 {
	if pos.Quantity <= 0 {
		return pos.EntryPrice
	}
	buffer := pos.RealizedFeeTotal * multiplier / pos.Quantity
	return pos.EntryPrice + pos.Side.Sign()*buffer
}

// EvaluateBreakEven activates break-even once profit on margin reaches the
// trigger. An active break-even stop only ever tightens, and the position must
// be closed when profit falls back to zero or below.
func EvaluateBreakEven(pos *models.Position, price float64, mem models.ProtectionMemory, cfg models.ProtectionConfig) (models.ProtectionMemory, bool) {
	if !cfg.BreakEvenEnabled {
		return mem, false
	}
	if !mem.BreakEvenActivated {
		if ProfitPercent(pos, price) < cfg.BreakEvenTriggerPercent {
			return mem, false
		}
		mem.BreakEvenActivated = true
	}
	mem.BreakEvenStopPrice = tighter(pos.Side, mem.BreakEvenStopPrice, BreakEvenStop(pos, cfg.BreakEvenFeeMultiplier))
	return mem, pos.UnrealizedPnL(price) <= 0
}

// TrailingResult is the outcome of one trailing-stop evaluation.
type TrailingResult struct {
	Active       bool
	StopPrice    float64
	LockedProfit float64
	Steps        int
}

// EvaluateTrailing runs the margin-proportional staircase stop.
//
//	threshold = max(margin × activation%/100, fees × activationFeeMultiplier)
//	step      = margin × distance%/100
//	steps     = floor((maxProfit − threshold) / step), never decreasing
//	locked    = fees × lockFeeMultiplier + steps × step
//	stop      = entry ± locked / quantity, never regressing
//
// The stop ratchets only when the profit high climbs a whole step.
func EvaluateTrailing(pos *models.Position, price float64, mem models.ProtectionMemory, cfg models.ProtectionConfig) (TrailingResult, models.ProtectionMemory) {
	if !cfg.TrailingEnabled || pos.Quantity <= 0 {
		return TrailingResult{}, mem
	}
	margin := Margin(pos)
	fees := pos.RealizedFeeTotal

	profit := pos.UnrealizedPnL(price)
	if profit > mem.TrailingMaxProfitQuote {
		mem.TrailingMaxProfitQuote = profit
	}

	threshold := math.Max(margin*cfg.TrailingActivationPercent/100, fees*cfg.TrailingActivationFeeMultiplier)
	stepQuote := margin * cfg.TrailingDistancePercent / 100
	mem.TrailingStepQuote = stepQuote
	mem.TrailingStepPrice = stepQuote / pos.Quantity

	if !mem.TrailingActive {
		if mem.TrailingMaxProfitQuote <= threshold || stepQuote <= 0 {
			return TrailingResult{}, mem
		}
		mem.TrailingActive = true
	}

	steps := mem.TrailingSteps
	if stepQuote > 0 {
		if s := int(math.Floor((mem.TrailingMaxProfitQuote - threshold) / stepQuote)); s > steps {
			steps = s
		}
	}
	mem.TrailingSteps = steps

	locked := fees*cfg.TrailingLockFeeMultiplier + float64(steps)*stepQuote
	stop := pos.EntryPrice + pos.Side.Sign()*locked/pos.Quantity
	stop = tighter(pos.Side, mem.TrailingStopPrice, stop)
	if stop == mem.TrailingStopPrice {
		locked = math.Max(locked, mem.TrailingLockedProfitQuote)
	}
	mem.TrailingStopPrice = stop
	mem.TrailingLockedProfitQuote = locked

	return TrailingResult{Active: true, StopPrice: stop, LockedProfit: locked, Steps: steps}, mem
}

// TrailingTakeProfit moves a defensive take-profit further away as price moves
// favorably. It never moves back and never sits on the wrong side of stop.
func TrailingTakeProfit(side models.PositionSide, price, current, distancePercent, stop float64) float64 {
	candidate := price * (1 + side.Sign()*distancePercent/100)
	if stop > 0 && (candidate-stop)*side.Sign() <= 0 {
		return current
	}
	if current == 0 {
		return candidate
	}
	if side == models.Short {
		return math.Min(current, candidate)
	}
	return math.Max(current, candidate)
}

// Input is everything Evaluate needs for one tick.
type Input struct {
	Position *models.Position
	Price    float64
	Memory   models.ProtectionMemory
	Config   models.ProtectionConfig

	CurrentStopLoss   float64
	CurrentTakeProfit float64
}

// Decision is what the state machine should do after a tick.
type Decision struct {
	Close  bool
	Reason string

	Memory   models.ProtectionMemory
	Trailing TrailingResult

	// StopLoss is the most protective stop among stop-loss, break-even and trailing,
	// never looser than CurrentStopLoss.
	StopLoss   float64
	TakeProfit float64

	ProfitQuote   float64
	ProfitPercent float64
}

// StopAdvanced reports whether the recommended stop is tighter than current.
func (d Decision) StopAdvanced(side models.PositionSide, current float64) bool {
	return d.StopLoss > 0 && d.StopLoss != current && tighter(side, current, d.StopLoss) == d.StopLoss
}

// Evaluate applies stop-loss, break-even and trailing in that priority. Memory
// belonging to a different position is discarded first.
func Evaluate(in Input) Decision {
	pos := in.Position
	mem := in.Memory
	if mem.PositionID != pos.ID {
		mem = models.ProtectionMemory{PositionID: pos.ID}
	}

	d := Decision{
		ProfitQuote:   pos.UnrealizedPnL(in.Price),
		ProfitPercent: ProfitPercent(pos, in.Price),
	}

	baseStop := StopLossPrice(pos.EntryPrice, pos.Side, in.Config.StopLossPercent)
	if StopLossHit(in.Price, baseStop, pos.Side) {
		d.Close, d.Reason, d.Memory = true, ReasonStopLoss, mem
		d.StopLoss = tighter(pos.Side, in.CurrentStopLoss, baseStop)
		return d
	}

	var beClose bool
	mem, beClose = EvaluateBreakEven(pos, in.Price, mem, in.Config)

	trailing, mem := EvaluateTrailing(pos, in.Price, mem, in.Config)
	d.Memory = mem
	d.Trailing = trailing

	stop := tighter(pos.Side, baseStop, in.CurrentStopLoss)
	if mem.BreakEvenActivated {
		stop = tighter(pos.Side, stop, mem.BreakEvenStopPrice)
	}
	if trailing.Active {
		stop = tighter(pos.Side, stop, trailing.StopPrice)
	}
	d.StopLoss = stop

	switch {
	case beClose:
		d.Close, d.Reason = true, ReasonBreakEven
	case trailing.Active && StopLossHit(in.Price, trailing.StopPrice, pos.Side):
		d.Close, d.Reason = true, ReasonTrailingStop
	}

	d.TakeProfit = in.CurrentTakeProfit
	if in.Config.TrailingTakeProfitEnabled {
		d.TakeProfit = TrailingTakeProfit(pos.Side, in.Price, in.CurrentTakeProfit, in.Config.TrailingTakeProfitPercent, stop)
	}
	return d
}
