package bot

import (
	"binance-momentum-bot-go/internal/models"
	"binance-momentum-bot-go/internal/protection"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

func entrySide(sig models.Signal) (models.PositionSide, bool) {
	switch sig {
	case models.SignalEnterLong:
		return models.Long, true
	case models.SignalEnterShort:
		return models.Short, true
	}
	return "", false
}

// tryEnter opens a position when every entry guard passes. The remote check
// runs last: it is the only guard that costs an API call.
func (b *SymbolBot) tryEnter(ctx context.Context, cfg *models.Config, settings models.SymbolSettings, state *models.BotState) error {
	snap, ok := b.deps.Indicators.Snapshot(b.symbol)
	if !ok {
		return nil
	}
	side, ok := entrySide(snap.Signal)
	if !ok || !snap.FiltersPassed {
		return nil
	}
	if !cfg.TradingEnabled || state.Paused() {
		b.logger.Debug("Entry signal ignored, trading paused", zap.String("signal", string(snap.Signal)))
		return nil
	}
	if b.now().Before(state.RiskCooldownUntil) {
		return nil
	}

	remote, err := b.deps.Exchange.GetPositions(ctx)
	if err != nil {
		b.recordError(fmt.Errorf("entry blocked, remote check failed: %w", err))
		return fmt.Errorf("entry blocked, remote position check failed: %w", err)
	}
	for _, p := range remote {
		if p.Symbol == b.symbol {
			b.logger.Warn("Remote position exists without local state, waiting for reconciliation",
				zap.String("side", string(p.Side)), zap.Float64("size", p.Size))
			return nil
		}
	}
	if cfg.MaxOpenPositions > 0 && len(remote) >= cfg.MaxOpenPositions {
		b.logger.Debug("Entry skipped, open position limit reached", zap.Int("open", len(remote)))
		return nil
	}

	advice, err := b.deps.Risk.Advise(ctx, b.symbol, side, snap.Candles)
	if err != nil {
		b.logger.Warn("Risk advisor failed, using configured stop-loss", zap.Error(err))
		advice = Advice{}
	}
	if advice.Avoid {
		b.logger.Info("Risk advisor vetoed entry",
			zap.String("reason", advice.Reason), zap.Time("cooldown_until", advice.CooldownUntil))
		b.update(func(s *models.BotState) error {
			s.RiskCooldownUntil = advice.CooldownUntil
			return nil
		})
		return nil
	}
	stopPct := settings.Protection.StopLossPercent
	if advice.StopLossPercent != nil && state.Overrides.StopLossPercent == nil {
		stopPct = *advice.StopLossPercent
	}

	b.logger.Info("Entry signal accepted",
		zap.String("side", string(side)),
		zap.Float64("value", snap.Value),
		zap.String("trend", string(snap.Trend)),
		zap.Bool("ladder", settings.Ladder.Enabled))

	if settings.Ladder.Enabled && len(settings.Ladder.Rungs) > 0 {
		return b.enterLadder(ctx, settings, side, snap, advice.StopLossPercent, stopPct)
	}
	pos, err := b.marketEntry(ctx, side, settings.QuoteAmount, settings)
	if err != nil {
		return err
	}
	b.adoptEntry(ctx, pos, side, snap, advice.StopLossPercent, stopPct, settings, nil)
	return nil
}

// marketEntry places a market order and turns the fill into a Position.
func (b *SymbolBot) marketEntry(ctx context.Context, side models.PositionSide, quote float64, settings models.SymbolSettings) (*models.Position, error) {
	res, err := b.deps.Exchange.PlaceOrder(ctx, models.OrderRequest{
		Symbol:        b.symbol,
		Side:          side,
		QuoteAmount:   quote,
		Type:          models.Market,
		Leverage:      settings.Leverage,
		ClientOrderID: models.NewID("mb"),
	})
	if res != nil {
		b.recordOrder(ctx, side.EntryOrderSide(), models.Market, *res)
	}
	if err != nil {
		if errors.Is(err, models.ErrUnknownOutcome) {
			b.logger.Warn("Entry outcome unknown, reconciliation will adopt it if it filled", zap.Error(err))
		} else {
			b.logger.Error("Entry order failed", zap.Error(err))
		}
		b.recordError(fmt.Errorf("entry failed: %w", err))
		return nil, fmt.Errorf("enter %s %s: %w", b.symbol, side, err)
	}

	entry := res.FillPrice
	if entry <= 0 {
		entry, err = b.deps.Exchange.GetMarkPrice(ctx, b.symbol)
		if err != nil {
			b.logger.Warn("Fill price unknown, waiting for reconciliation", zap.Error(err))
			return nil, nil
		}
	}
	fee := res.Fee
	if fee <= 0 {
		fee = entry * res.Quantity * settings.Protection.EstimatedFeeRate
	}
	pos := &models.Position{
		ID:               models.NewID("p"),
		Symbol:           b.symbol,
		Side:             side,
		Quantity:         res.Quantity,
		EntryPrice:       entry,
		Leverage:         res.Leverage,
		RealizedFeeTotal: fee,
		OrderID:          res.OrderID,
		OpenedAt:         b.now(),
	}
	pos.Margin = pos.ComputeMargin()
	b.logger.Info("Position opened",
		zap.String("side", string(side)),
		zap.Float64("qty", pos.Quantity),
		zap.Float64("entry", pos.EntryPrice),
		zap.Int("leverage", pos.Leverage),
		zap.Float64("margin", pos.Margin))
	return pos, nil
}

// adoptEntry stores the new position and places its initial stop-loss (and
// take-profit when configured). pos may be nil for a ladder without a market rung.
func (b *SymbolBot) adoptEntry(ctx context.Context, pos *models.Position, side models.PositionSide, snap models.IndicatorSnapshot,
	riskStop *float64, stopPct float64, settings models.SymbolSettings, ladder func(*models.BotState)) {
	b.update(func(s *models.BotState) error {
		if pos != nil {
			s.OpenPosition(pos)
		}
		s.EntryTrend = snap.Trend
		s.EntryAligned = snap.Trend.Agrees(side)
		s.RiskStopLoss = riskStop
		s.LastError = ""
		if ladder != nil {
			ladder(s)
		}
		return nil
	})
	if pos == nil {
		return
	}

	stop := protection.StopLossPrice(pos.EntryPrice, side, stopPct)
	if err := b.deps.Exchange.UpdateStopLoss(ctx, b.symbol, side, stop); err != nil {
		b.logger.Error("Initial stop-loss failed, retrying next tick", zap.Float64("stop", stop), zap.Error(err))
		b.recordError(fmt.Errorf("initial stop-loss: %w", err))
		return
	}
	var tp float64
	if pct := settings.Protection.TakeProfitPercent; pct > 0 {
		want := pos.EntryPrice * (1 + side.Sign()*pct/100)
		if err := b.deps.Exchange.UpdateTakeProfit(ctx, b.symbol, side, want); err != nil {
			b.logger.Warn("Initial take-profit failed", zap.Error(err))
		} else {
			tp = want
		}
	}
	b.update(func(s *models.BotState) error {
		if err := samePosition(pos.ID)(s); err != nil {
			return err
		}
		s.StopLossPrice = stop
		s.StopQuantity = pos.Quantity
		s.TakeProfitPrice = tp
		return nil
	})
}
