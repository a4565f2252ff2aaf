package bot

import (
	"binance-momentum-bot-go/internal/models"
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// enterLadder splits an entry into rungs offset from the mark price. A 0% rung
// fills at market first; the rest rest as limit orders whose fills the
// reconciler folds into the position.
func (b *SymbolBot) enterLadder(ctx context.Context, settings models.SymbolSettings, side models.PositionSide,
	snap models.IndicatorSnapshot, riskStop *float64, stopPct float64) error {
	ref, err := b.deps.Exchange.GetMarkPrice(ctx, b.symbol)
	if err != nil {
		return fmt.Errorf("ladder reference price: %w", err)
	}

	rungs := append([]models.LadderRung(nil), settings.Ladder.Rungs...)
	sort.SliceStable(rungs, func(i, j int) bool { return rungs[i].OffsetPercent < rungs[j].OffsetPercent })

	var pos *models.Position
	var pending []models.PendingLimitOrder
	var errs []error
	for _, r := range rungs {
		if r.OffsetPercent == 0 {
			p, err := b.marketEntry(ctx, side, r.QuoteAmount, settings)
			if err != nil {
				// Without the market rung the ladder would run unprotected.
				return err
			}
			pos = p
			continue
		}

		price := ref * (1 - side.Sign()*r.OffsetPercent/100)
		res, err := b.deps.Exchange.PlaceOrder(ctx, models.OrderRequest{
			Symbol:        b.symbol,
			Side:          side,
			QuoteAmount:   r.QuoteAmount,
			Type:          models.Limit,
			Price:         price,
			Leverage:      settings.Leverage,
			ClientOrderID: models.NewID("ml"),
		})
		if res != nil {
			b.recordOrder(ctx, side.EntryOrderSide(), models.Limit, *res)
		}
		if err != nil {
			b.logger.Warn("Ladder rung failed", zap.Float64("offset_percent", r.OffsetPercent), zap.Error(err))
			errs = append(errs, fmt.Errorf("rung %v%%: %w", r.OffsetPercent, err))
			continue
		}
		pending = append(pending, models.PendingLimitOrder{
			OrderID:     res.OrderID,
			Price:       price,
			Quantity:    res.Quantity,
			QuoteAmount: r.QuoteAmount,
			PercentStep: r.OffsetPercent,
			PlacedAt:    b.now(),
		})
	}

	b.logger.Info("Ladder placed",
		zap.String("side", string(side)),
		zap.Float64("reference", ref),
		zap.Bool("market_rung", pos != nil),
		zap.Int("limit_rungs", len(pending)))

	b.adoptEntry(ctx, pos, side, snap, riskStop, stopPct, settings, func(s *models.BotState) {
		s.PendingLimitOrders = pending
		if len(pending) > 0 {
			s.LadderSide = side
			s.LadderReference = ref
		}
	})

	if err := errors.Join(errs...); err != nil {
		b.recordError(err)
		return err
	}
	return nil
}

// watchLadder cancels outstanding rungs once the indicator leaves the accumulation zone.
func (b *SymbolBot) watchLadder(ctx context.Context, settings models.SymbolSettings) error {
	lo, hi := settings.Ladder.ZoneLow, settings.Ladder.ZoneHigh
	if lo == 0 && hi == 0 {
		return nil
	}
	snap, ok := b.deps.Indicators.Snapshot(b.symbol)
	if !ok || (snap.Value >= lo && snap.Value <= hi) {
		return nil
	}
	b.logger.Info("Indicator left the accumulation zone, cancelling ladder",
		zap.Float64("value", snap.Value), zap.Float64("zone_low", lo), zap.Float64("zone_high", hi))
	_, err := b.cancelLadder(ctx)
	return err
}

// CancelLadder withdraws every outstanding rung and returns how many were removed.
// The position, if any, is left alone.
func (b *SymbolBot) CancelLadder(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelLadder(ctx)
}

func (b *SymbolBot) cancelLadder(ctx context.Context) (int, error) {
	state, ok := b.deps.States.Get(b.symbol)
	if !ok || !state.LadderActive() {
		return 0, nil
	}

	removed := make(map[string]bool)
	var errs []error
	for _, o := range state.PendingLimitOrders {
		err := b.deps.Exchange.CancelOrder(ctx, b.symbol, o.OrderID)
		switch {
		case err == nil:
			removed[o.OrderID] = true
		case errors.Is(err, models.ErrExchangeStateConflict):
			// Already filled or cancelled on the exchange.
			removed[o.OrderID] = true
		default:
			errs = append(errs, fmt.Errorf("cancel rung %s: %w", o.OrderID, err))
		}
	}

	b.update(func(s *models.BotState) error {
		kept := s.PendingLimitOrders[:0]
		for _, o := range s.PendingLimitOrders {
			if !removed[o.OrderID] {
				kept = append(kept, o)
			}
		}
		s.PendingLimitOrders = kept
		if len(kept) == 0 {
			s.ClearLadder()
		}
		return nil
	})

	b.logger.Info("Ladder rungs cancelled", zap.Int("removed", len(removed)), zap.Int("failed", len(errs)))
	return len(removed), errors.Join(errs...)
}
