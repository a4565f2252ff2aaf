package indicator

import (
	"binance-momentum-bot-go/internal/models"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRSI_KnownSeries(t *testing.T) {
	// Wilder's original worked example, 14 periods.
	closes := []float64{
		44.34, 44.09, 44.15, 43.61, 44.33, 44.83, 45.10, 45.42, 45.84, 46.08,
		45.89, 46.03, 45.61, 46.28, 46.28,
	}
	rsi, err := RSI(closes, 14)
	require.NoError(t, err)
	assert.InDelta(t, 70.46, rsi, 0.01)
}

func TestRSI_Extremes(t *testing.T) {
	up := []float64{1, 2, 3, 4, 5}
	rsi, err := RSI(up, 3)
	require.NoError(t, err)
	assert.Equal(t, 100.0, rsi)

	flat := []float64{5, 5, 5, 5}
	rsi, err = RSI(flat, 3)
	require.NoError(t, err)
	assert.Equal(t, 50.0, rsi)

	_, err = RSI([]float64{1, 2}, 3)
	assert.ErrorIs(t, err, ErrNotEnoughData)
}

func TestEMA(t *testing.T) {
	ema, err := EMA([]float64{2, 4, 6}, 3)
	require.NoError(t, err)
	assert.InDelta(t, 4, ema, 1e-12, "seed is the simple average")

	ema, err = EMA([]float64{2, 4, 6, 8}, 3)
	require.NoError(t, err)
	assert.InDelta(t, 6, ema, 1e-12)
}

func TestTrendOf(t *testing.T) {
	assert.Equal(t, models.TrendUp, TrendOf(101, 100))
	assert.Equal(t, models.TrendDown, TrendOf(99, 100))
	assert.Equal(t, models.TrendFlat, TrendOf(100.01, 100))
}

func testStrategy() models.StrategyConfig {
	return models.StrategyConfig{
		RSIPeriod:             3,
		LongEntryBelow:        30,
		ShortEntryAbove:       70,
		ExitLongAlignedAbove:  75,
		ExitLongCounterAbove:  65,
		ExitShortAlignedBelow: 25,
		ExitShortCounterBelow: 35,
	}
}

func TestSignalFor(t *testing.T) {
	cfg := testStrategy()
	assert.Equal(t, models.SignalEnterLong, SignalFor(20, cfg))
	assert.Equal(t, models.SignalEnterShort, SignalFor(80, cfg))
	assert.Equal(t, models.SignalExitLong, SignalFor(66, cfg))
	assert.Equal(t, models.SignalExitShort, SignalFor(34, cfg))
	assert.Equal(t, models.SignalNeutral, SignalFor(50, cfg))
}

func candles(closes ...float64) []models.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Candle, len(closes))
	for i, c := range closes {
		out[i] = models.Candle{OpenTime: start.Add(time.Duration(i) * 5 * time.Minute), Open: c, High: c + 1, Low: c - 1, Close: c}
	}
	return out
}

func TestFiltersPass(t *testing.T) {
	cfg := testStrategy()
	cfg.TrendAgreement = true
	cs := candles(10, 9, 8, 7, 8)

	assert.False(t, FiltersPass(models.SignalEnterLong, models.TrendDown, cs, cfg), "counter-trend entry")
	assert.True(t, FiltersPass(models.SignalEnterLong, models.TrendFlat, cs, cfg))
	assert.True(t, FiltersPass(models.SignalExitLong, models.TrendDown, cs, cfg), "exits are never filtered")

	cfg.MaxBarsSinceExtreme = 0
	assert.Equal(t, 1, BarsSinceExtreme(cs, models.Long))
	assert.Equal(t, 4, BarsSinceExtreme(cs, models.Short))

	cfg.MaxBarsSinceExtreme = 2
	assert.True(t, FiltersPass(models.SignalEnterLong, models.TrendUp, cs, cfg))
	assert.False(t, FiltersPass(models.SignalEnterShort, models.TrendDown, cs, cfg), "high is four bars old")
}

type fakeKlines struct {
	data map[string][]models.Candle
	err  error
}

func (f *fakeKlines) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data[symbol], nil
}

func TestKlineFeed_RefreshAndExpiry(t *testing.T) {
	src := &fakeKlines{data: map[string][]models.Candle{
		"BTCUSDT": candles(10, 9, 8, 7, 6, 5),
		"ETHUSDT": candles(1),
	}}
	feed := NewKlineFeed(src, time.Minute, zap.NewNop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feed.now = func() time.Time { return now }

	settings := []models.SymbolSettings{
		{Symbol: "BTCUSDT", Strategy: testStrategy()},
		{Symbol: "ETHUSDT", Strategy: testStrategy()},
	}
	require.NoError(t, feed.Refresh(context.Background(), settings))

	snap, ok := feed.Snapshot("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 0.0, snap.Value, "only losses")
	assert.Equal(t, models.SignalEnterLong, snap.Signal)
	assert.Equal(t, 5.0, snap.Price)

	_, ok = feed.Snapshot("ETHUSDT")
	assert.False(t, ok, "too few candles is skipped, not fatal")

	now = now.Add(2 * time.Minute)
	_, ok = feed.Snapshot("BTCUSDT")
	assert.False(t, ok, "stale snapshot")

	src.err = errors.New("boom")
	require.NoError(t, feed.Refresh(context.Background(), settings))
}

func TestStaticFeed(t *testing.T) {
	f := NewStaticFeed()
	f.Set(models.IndicatorSnapshot{Symbol: "BTCUSDT", Value: 25})
	s, ok := f.Snapshot("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 25.0, s.Value)

	f.Delete("BTCUSDT")
	_, ok = f.Snapshot("BTCUSDT")
	assert.False(t, ok)
}
