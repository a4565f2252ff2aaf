package indicator

import (
	"binance-momentum-bot-go/internal/models"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// KlineSource is the part of the exchange client the feed needs.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// KlineFeed polls klines and keeps the latest snapshot per symbol.
type KlineFeed struct {
	src         KlineSource
	maxAge      time.Duration
	concurrency int
	logger      *zap.Logger

	mu    sync.RWMutex
	snaps map[string]models.IndicatorSnapshot

	now func() time.Time
}

// NewKlineFeed returns a feed whose snapshots expire after maxAge; zero never expires.
func NewKlineFeed(src KlineSource, maxAge time.Duration, logger *zap.Logger) *KlineFeed {
	return &KlineFeed{
		src:         src,
		maxAge:      maxAge,
		concurrency: 4,
		logger:      logger,
		snaps:       make(map[string]models.IndicatorSnapshot),
		now:         time.Now,
	}
}

// Snapshot returns the latest fresh snapshot.
func (f *KlineFeed) Snapshot(symbol string) (models.IndicatorSnapshot, bool) {
	f.mu.RLock()
	s, ok := f.snaps[symbol]
	f.mu.RUnlock()
	if !ok {
		return models.IndicatorSnapshot{}, false
	}
	if f.maxAge > 0 && f.now().Sub(s.UpdatedAt) > f.maxAge {
		return models.IndicatorSnapshot{}, false
	}
	return s, true
}

// Refresh recomputes every symbol. A symbol that fails keeps its previous
// snapshot (which then ages out) and does not stop the others.
func (f *KlineFeed) Refresh(ctx context.Context, settings []models.SymbolSettings) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	for _, s := range settings {
		s := s
		g.Go(func() error {
			limit := s.Strategy.KlineLimit
			if min := s.Strategy.EMASlow + 1; limit < min {
				limit = min
			}
			candles, err := f.src.GetKlines(ctx, s.Symbol, s.Strategy.Interval, limit)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				f.logger.Warn("Failed to fetch klines", zap.String("symbol", s.Symbol), zap.Error(err))
				return nil
			}
			snap, err := Compute(s.Symbol, candles, s.Strategy, f.now())
			if err != nil {
				f.logger.Warn("Failed to compute indicator", zap.String("symbol", s.Symbol), zap.Error(err))
				return nil
			}
			f.Set(snap)
			f.logger.Debug("Indicator updated",
				zap.String("symbol", s.Symbol),
				zap.Float64("rsi", snap.Value),
				zap.String("trend", string(snap.Trend)),
				zap.String("signal", string(snap.Signal)),
				zap.Bool("filters", snap.FiltersPassed))
			return nil
		})
	}
	return g.Wait()
}

// Set stores a snapshot.
func (f *KlineFeed) Set(s models.IndicatorSnapshot) {
	f.mu.Lock()
	f.snaps[s.Symbol] = s
	f.mu.Unlock()
}

// StaticFeed serves snapshots pushed from outside.
type StaticFeed struct {
	mu    sync.RWMutex
	snaps map[string]models.IndicatorSnapshot
}

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{snaps: make(map[string]models.IndicatorSnapshot)}
}

func (f *StaticFeed) Set(s models.IndicatorSnapshot) {
	f.mu.Lock()
	f.snaps[s.Symbol] = s
	f.mu.Unlock()
}

func (f *StaticFeed) Delete(symbol string) {
	f.mu.Lock()
	delete(f.snaps, symbol)
	f.mu.Unlock()
}

func (f *StaticFeed) Snapshot(symbol string) (models.IndicatorSnapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.snaps[symbol]
	return s, ok
}
