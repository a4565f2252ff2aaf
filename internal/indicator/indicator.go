// Package indicator turns klines into the momentum snapshot the bots trade on.
package indicator

import (
	"binance-momentum-bot-go/internal/models"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNotEnoughData is returned when there are fewer candles than the longest lookback.
var ErrNotEnoughData = errors.New("not enough candles")

// flatBand is the relative EMA distance under which the trend is FLAT.
const flatBand = 0.0005

// RSI is Wilder's relative strength index over the last period changes.
func RSI(closes []float64, period int) (float64, error) {
	if period < 1 || len(closes) < period+1 {
		return 0, ErrNotEnoughData
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, nil
		}
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

// EMA is seeded with the simple average of the first period values.
func EMA(values []float64, period int) (float64, error) {
	if period < 1 || len(values) < period {
		return 0, ErrNotEnoughData
	}
	var sum float64
	for _, v := range values[:period] {
		sum += v
	}
	ema := sum / float64(period)
	k := 2 / float64(period+1)
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
	}
	return ema, nil
}

// TrendOf compares the fast and slow EMA.
func TrendOf(fast, slow float64) models.Trend {
	if slow == 0 {
		return models.TrendFlat
	}
	diff := (fast - slow) / slow
	switch {
	case diff > flatBand:
		return models.TrendUp
	case diff < -flatBand:
		return models.TrendDown
	default:
		return models.TrendFlat
	}
}

// BarsSinceExtreme counts candles since the lowest low (LONG) or highest high (SHORT).
func BarsSinceExtreme(candles []models.Candle, side models.PositionSide) int {
	if len(candles) == 0 {
		return 0
	}
	idx := 0
	for i, c := range candles {
		if side == models.Short {
			if c.High >= candles[idx].High {
				idx = i
			}
		} else if c.Low <= candles[idx].Low {
			idx = i
		}
	}
	return len(candles) - 1 - idx
}

// Compute builds a snapshot from candles, oldest first.
func Compute(symbol string, candles []models.Candle, cfg models.StrategyConfig, now time.Time) (models.IndicatorSnapshot, error) {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	rsi, err := RSI(closes, cfg.RSIPeriod)
	if err != nil {
		return models.IndicatorSnapshot{}, fmt.Errorf("%s rsi(%d) over %d candles: %w", symbol, cfg.RSIPeriod, len(closes), err)
	}

	trend := models.TrendFlat
	if cfg.EMAFast > 0 && cfg.EMASlow > 0 {
		fast, err := EMA(closes, cfg.EMAFast)
		if err != nil {
			return models.IndicatorSnapshot{}, fmt.Errorf("%s ema(%d): %w", symbol, cfg.EMAFast, err)
		}
		slow, err := EMA(closes, cfg.EMASlow)
		if err != nil {
			return models.IndicatorSnapshot{}, fmt.Errorf("%s ema(%d): %w", symbol, cfg.EMASlow, err)
		}
		trend = TrendOf(fast, slow)
	}

	signal := SignalFor(rsi, cfg)
	return models.IndicatorSnapshot{
		Symbol:        symbol,
		Value:         rsi,
		Trend:         trend,
		Signal:        signal,
		FiltersPassed: FiltersPass(signal, trend, candles, cfg),
		Price:         closes[len(closes)-1],
		Candles:       candles,
		UpdatedAt:     now,
	}, nil
}

// SignalFor maps the momentum value to a signal. Entry thresholds win over exits.
func SignalFor(value float64, cfg models.StrategyConfig) models.Signal {
	switch {
	case cfg.LongEntryBelow > 0 && value < cfg.LongEntryBelow:
		return models.SignalEnterLong
	case cfg.ShortEntryAbove > 0 && value > cfg.ShortEntryAbove:
		return models.SignalEnterShort
	case exitLongAt(cfg) > 0 && value >= exitLongAt(cfg):
		return models.SignalExitLong
	case exitShortAt(cfg) > 0 && value <= exitShortAt(cfg):
		return models.SignalExitShort
	default:
		return models.SignalNeutral
	}
}

// exitLongAt is the earliest of the two long exit thresholds.
func exitLongAt(cfg models.StrategyConfig) float64 {
	a, b := cfg.ExitLongAlignedAbove, cfg.ExitLongCounterAbove
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	}
	return math.Min(a, b)
}

func exitShortAt(cfg models.StrategyConfig) float64 {
	return math.Max(cfg.ExitShortAlignedBelow, cfg.ExitShortCounterBelow)
}

// FiltersPass applies the entry filters. Non-entry signals always pass.
func FiltersPass(signal models.Signal, trend models.Trend, candles []models.Candle, cfg models.StrategyConfig) bool {
	var side models.PositionSide
	switch signal {
	case models.SignalEnterLong:
		side = models.Long
	case models.SignalEnterShort:
		side = models.Short
	default:
		return true
	}

	if cfg.TrendAgreement && trend.Opposes(side) {
		return false
	}
	if cfg.MaxBarsSinceExtreme > 0 && BarsSinceExtreme(candles, side) > cfg.MaxBarsSinceExtreme {
		return false
	}
	return true
}
