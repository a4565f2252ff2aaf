package bot

import (
	"binance-momentum-bot-go/internal/exchange"
	"binance-momentum-bot-go/internal/logger"
	"binance-momentum-bot-go/internal/models"
	"binance-momentum-bot-go/internal/protection"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const sizeEpsilon = 1e-9

// Close reasons besides the protection ones.
const (
	ReasonSignalExit   = "signal_exit"
	ReasonTrendFlip    = "trend_flip"
	ReasonForced       = "forced"
	ReasonExchangeFlat = "exchange_flat"
)

// errPositionChanged discards a state write whose position was replaced meanwhile.
var errPositionChanged = errors.New("position changed during tick")

// Deps are the collaborators shared by every symbol bot.
type Deps struct {
	Exchange   exchange.Exchange
	States     StateStore
	Indicators IndicatorFeed
	Risk       RiskAdvisor
	History    HistoryLogger
	Config     ConfigProvider
	Logger     *zap.Logger
}

// SymbolBot is the position state machine of one symbol. Tick, ForceClose and
// CancelLadder are serialized so transitions of a symbol never overlap.
type SymbolBot struct {
	symbol string
	deps   Deps
	logger *zap.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// New returns a bot for symbol.
func New(symbol string, deps Deps) *SymbolBot {
	if deps.Risk == nil {
		deps.Risk = NoopAdvisor{}
	}
	if deps.History == nil {
		deps.History = NopHistory{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &SymbolBot{
		symbol: symbol,
		deps:   deps,
		logger: logger.ForSymbol(deps.Logger, symbol),
		now:    time.Now,
	}
}

// Symbol returns the traded symbol.
func (b *SymbolBot) Symbol() string {
	return b.symbol
}

// Tick runs one decision cycle.
func (b *SymbolBot) Tick(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cfg := b.deps.Config.Current()
	state := b.deps.States.Ensure(b.symbol)
	if state.Halted {
		return nil
	}

	settings, err := b.settings(cfg, state)
	if err != nil {
		b.halt(err)
		return err
	}

	if state.Position != nil {
		if err := b.manage(ctx, settings, state); err != nil {
			return err
		}
		if state.LadderActive() {
			return b.watchLadder(ctx, settings)
		}
		return nil
	}
	if state.LadderActive() {
		return b.watchLadder(ctx, settings)
	}
	return b.tryEnter(ctx, cfg, settings, state)
}

// settings resolves the symbol's configuration plus bot and risk overrides.
func (b *SymbolBot) settings(cfg *models.Config, state *models.BotState) (models.SymbolSettings, error) {
	if cfg == nil {
		return models.SymbolSettings{}, fmt.Errorf("%w: no configuration loaded", models.ErrConfiguration)
	}
	s, err := cfg.ForSymbol(b.symbol)
	if err != nil {
		return s, err
	}
	if state.RiskStopLoss != nil && state.Position != nil {
		s.Protection.StopLossPercent = *state.RiskStopLoss
	}
	s.Protection = state.Overrides.Apply(s.Protection)
	return s, nil
}

func (b *SymbolBot) halt(err error) {
	b.logger.Error("Configuration error, halting symbol", zap.Error(err))
	b.update(func(s *models.BotState) error {
		s.Halted = true
		s.LastError = err.Error()
		return nil
	})
}

// update applies fn and logs failures; errPositionChanged is expected and quiet.
func (b *SymbolBot) update(fn func(*models.BotState) error) *models.BotState {
	s, err := b.deps.States.Update(b.symbol, fn)
	if err != nil {
		if !errors.Is(err, errPositionChanged) {
			b.logger.Error("Failed to update state", zap.Error(err))
		} else {
			b.logger.Debug("State moved on during tick, write skipped")
		}
		return nil
	}
	return s
}

// samePosition guards writes that belong to the position seen at tick start.
func samePosition(id string) func(*models.BotState) error {
	return func(s *models.BotState) error {
		if s.Position == nil || s.Position.ID != id {
			return errPositionChanged
		}
		return nil
	}
}

func (b *SymbolBot) recordError(err error) {
	b.update(func(s *models.BotState) error {
		s.LastError = err.Error()
		return nil
	})
}

// manage runs protection, exit checks and protective order maintenance.
func (b *SymbolBot) manage(ctx context.Context, settings models.SymbolSettings, state *models.BotState) error {
	pos := state.Position
	price, err := b.deps.Exchange.GetMarkPrice(ctx, b.symbol)
	if err != nil {
		return fmt.Errorf("mark price: %w", err)
	}

	// A size change (rung fill, adoption, partial close) gets exactly one fresh stop.
	resize := state.StopLossPrice == 0 || math.Abs(pos.Quantity-state.StopQuantity) > sizeEpsilon
	// Fees are accrued once per unit of size, independent of stop placement.
	if grown := pos.Quantity - state.FeeQuantity; grown > sizeEpsilon {
		pos.RealizedFeeTotal += grown * pos.EntryPrice * settings.Protection.EstimatedFeeRate
	}
	feeQty := pos.Quantity

	in := protection.Input{
		Position:          pos,
		Price:             price,
		Memory:            state.Protection,
		Config:            settings.Protection,
		CurrentStopLoss:   state.StopLossPrice,
		CurrentTakeProfit: state.TakeProfitPrice,
	}
	if resize {
		in.CurrentStopLoss = 0
	}
	d := protection.Evaluate(in)

	maxProfit := math.Max(pos.MaxProfitAchieved, d.ProfitQuote)
	b.update(func(s *models.BotState) error {
		if err := samePosition(pos.ID)(s); err != nil {
			return err
		}
		s.Protection = d.Memory
		s.Position.RealizedFeeTotal = pos.RealizedFeeTotal
		s.FeeQuantity = feeQty
		s.Position.MaxProfitAchieved = maxProfit
		return nil
	})

	if d.Close {
		b.logger.Info("Protection triggered close",
			zap.String("reason", d.Reason),
			zap.Float64("price", price),
			zap.Float64("profit", d.ProfitQuote),
			zap.Int("trailing_steps", d.Trailing.Steps))
		_, err := b.closePosition(ctx, state, d.Reason, price)
		return err
	}

	snap, haveSnap := b.deps.Indicators.Snapshot(b.symbol)
	if haveSnap && settings.Strategy.ExitOnTrendFlip && trendFlipped(state.EntryTrend, snap.Trend, pos.Side) {
		b.logger.Info("Trend flipped against position, forcing exit",
			zap.String("entry_trend", string(state.EntryTrend)), zap.String("trend", string(snap.Trend)))
		_, err := b.closePosition(ctx, state, ReasonTrendFlip, price)
		return err
	}
	if haveSnap && exitSignalled(settings.Strategy, state.EntryAligned, pos.Side, snap) {
		b.logger.Info("Exit signal", zap.Float64("value", snap.Value), zap.Bool("entry_aligned", state.EntryAligned))
		_, err := b.closePosition(ctx, state, ReasonSignalExit, price)
		return err
	}

	return b.maintainStops(ctx, settings, state, d, resize)
}

// trendFlipped reports a trend that turned against side after entry. Positions
// entered against the trend, or adopted without a recorded trend, never flip.
func trendFlipped(entry, now models.Trend, side models.PositionSide) bool {
	return entry != "" && now.Opposes(side) && !entry.Opposes(side)
}

// exitSignalled applies the aligned or counter-trend exit threshold, falling
// back to the feed's exit signal when no threshold is configured.
func exitSignalled(cfg models.StrategyConfig, aligned bool, side models.PositionSide, snap models.IndicatorSnapshot) bool {
	if side == models.Short {
		threshold := cfg.ExitShortCounterBelow
		if aligned {
			threshold = cfg.ExitShortAlignedBelow
		}
		if threshold > 0 {
			return snap.Value <= threshold
		}
		return snap.Signal == models.SignalExitShort
	}
	threshold := cfg.ExitLongCounterAbove
	if aligned {
		threshold = cfg.ExitLongAlignedAbove
	}
	if threshold > 0 {
		return snap.Value >= threshold
	}
	return snap.Signal == models.SignalExitLong
}

// maintainStops pushes the recommended stop-loss and take-profit when they advanced.
func (b *SymbolBot) maintainStops(ctx context.Context, settings models.SymbolSettings, state *models.BotState, d protection.Decision, resize bool) error {
	pos := state.Position
	stop := state.StopLossPrice
	stopQty := state.StopQuantity
	var errs []error

	if resize || d.StopAdvanced(pos.Side, state.StopLossPrice) {
		if err := b.deps.Exchange.UpdateStopLoss(ctx, b.symbol, pos.Side, d.StopLoss); err != nil {
			errs = append(errs, fmt.Errorf("update stop-loss: %w", err))
		} else {
			b.logger.Info("Stop-loss moved",
				zap.Float64("from", state.StopLossPrice), zap.Float64("to", d.StopLoss),
				zap.Bool("resized", resize))
			stop, stopQty = d.StopLoss, pos.Quantity
		}
	}

	tp := state.TakeProfitPrice
	if tp == 0 && settings.Protection.TakeProfitPercent > 0 {
		want := pos.EntryPrice * (1 + pos.Side.Sign()*settings.Protection.TakeProfitPercent/100)
		if err := b.deps.Exchange.UpdateTakeProfit(ctx, b.symbol, pos.Side, want); err != nil {
			errs = append(errs, fmt.Errorf("place take-profit: %w", err))
		} else {
			tp = want
		}
	} else if settings.Protection.TrailingTakeProfitEnabled && d.TakeProfit > 0 && d.TakeProfit != tp {
		if err := b.deps.Exchange.UpdateTakeProfit(ctx, b.symbol, pos.Side, d.TakeProfit); err != nil {
			errs = append(errs, fmt.Errorf("trail take-profit: %w", err))
		} else {
			tp = d.TakeProfit
		}
	}

	err := errors.Join(errs...)
	b.update(func(s *models.BotState) error {
		if err := samePosition(pos.ID)(s); err != nil {
			return err
		}
		s.StopLossPrice = stop
		s.StopQuantity = stopQty
		s.TakeProfitPrice = tp
		if err != nil {
			s.LastError = err.Error()
		} else {
			s.LastError = ""
		}
		return nil
	})
	return err
}

// ForceClose closes the symbol's position immediately.
func (b *SymbolBot) ForceClose(ctx context.Context) (*models.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.deps.States.Get(b.symbol)
	if !ok || state.Position == nil {
		return &models.OrderResult{Symbol: b.symbol, Reason: "no open position"},
			fmt.Errorf("%w: no open position for %s", models.ErrNotFound, b.symbol)
	}
	return b.closePosition(ctx, state, ReasonForced, 0)
}

// closePosition closes the whole position. State is cleared only when the
// exchange reports nothing left; a failed close leaves it untouched.
func (b *SymbolBot) closePosition(ctx context.Context, state *models.BotState, reason string, price float64) (*models.OrderResult, error) {
	pos := state.Position
	res, err := b.deps.Exchange.ClosePosition(ctx, b.symbol, pos.Side, 0)
	if res != nil {
		b.recordOrder(ctx, pos.Side.CloseOrderSide(), models.Market, *res)
	}

	if err != nil {
		if errors.Is(err, models.ErrExchangeStateConflict) {
			b.logger.Warn("Exchange has no position to close, clearing local state", zap.Error(err))
			b.clearAfterClose(ctx, pos, ReasonExchangeFlat, nil)
			return res, nil
		}
		b.logger.Error("Close failed, state left unchanged", zap.String("reason", reason), zap.Error(err))
		b.update(func(s *models.BotState) error {
			if err := samePosition(pos.ID)(s); err != nil {
				return err
			}
			s.LastError = fmt.Sprintf("close (%s) failed: %v", reason, err)
			return nil
		})
		return res, fmt.Errorf("close %s: %w", b.symbol, err)
	}

	if res.Remaining > sizeEpsilon {
		b.logger.Warn("Position partially closed", zap.Float64("remaining", res.Remaining))
		b.update(func(s *models.BotState) error {
			if err := samePosition(pos.ID)(s); err != nil {
				return err
			}
			s.Position.Quantity = res.Remaining
			s.Position.Margin = s.Position.ComputeMargin()
			s.Position.RealizedFeeTotal += res.Fee
			s.FeeQuantity = math.Min(s.FeeQuantity, res.Remaining)
			s.LastError = fmt.Sprintf("close (%s) left %v open", reason, res.Remaining)
			return nil
		})
		return res, nil
	}

	exit := res.FillPrice
	if exit <= 0 {
		exit = price
	}
	fees := pos.RealizedFeeTotal + res.Fee
	trade := models.ClosedTrade{
		PositionID: pos.ID,
		Symbol:     b.symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exit,
		Leverage:   pos.Leverage,
		Margin:     protection.Margin(pos),
		PnL:        pos.UnrealizedPnL(exit) - fees,
		Fees:       fees,
		Reason:     reason,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   b.now(),
	}
	b.logger.Info("Position closed",
		zap.String("reason", reason),
		zap.String("side", string(pos.Side)),
		zap.Float64("entry", pos.EntryPrice),
		zap.Float64("exit", exit),
		zap.Float64("pnl", trade.PnL))
	b.clearAfterClose(ctx, pos, reason, &trade)
	return res, nil
}

// clearAfterClose resets the state, withdraws leftover rungs and protective
// orders, and records the trade.
func (b *SymbolBot) clearAfterClose(ctx context.Context, pos *models.Position, reason string, trade *models.ClosedTrade) {
	b.update(func(s *models.BotState) error {
		if err := samePosition(pos.ID)(s); err != nil {
			return err
		}
		s.ClearPosition(reason)
		s.RiskStopLoss = nil
		s.LastError = ""
		return nil
	})

	if _, err := b.cancelLadder(ctx); err != nil {
		b.logger.Warn("Failed to cancel remaining ladder rungs", zap.Error(err))
	}
	b.cancelProtective(ctx)

	if trade != nil {
		if err := b.deps.History.RecordTrade(ctx, *trade); err != nil {
			b.logger.Warn("Failed to record trade", zap.Error(err))
		}
	}
}

// cancelProtective removes close-position orders left behind by a close.
func (b *SymbolBot) cancelProtective(ctx context.Context) {
	orders, err := b.deps.Exchange.GetOpenOrders(ctx, b.symbol)
	if err != nil {
		b.logger.Warn("Failed to list open orders after close", zap.Error(err))
		return
	}
	for _, o := range orders {
		if !o.ClosePosition {
			continue
		}
		if err := b.deps.Exchange.CancelOrder(ctx, b.symbol, o.OrderID); err != nil && !errors.Is(err, models.ErrExchangeStateConflict) {
			b.logger.Warn("Failed to cancel protective order", zap.String("order_id", o.OrderID), zap.Error(err))
		}
	}
}

func (b *SymbolBot) recordOrder(ctx context.Context, side models.OrderSide, t models.OrderType, res models.OrderResult) {
	if err := b.deps.History.RecordOrder(ctx, side, t, res); err != nil {
		b.logger.Warn("Failed to record order", zap.Error(err))
	}
}
