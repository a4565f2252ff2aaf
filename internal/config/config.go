package config

import (
	"binance-momentum-bot-go/internal/models"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// LoadConfig reads the JSON config file at path.
// Missing options take their defaults; the result is validated.
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	seedDefaults(config)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", models.ErrConfiguration, path, err)
	}

	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// seedDefaults sets the options whose zero or false value is meaningful, so
// that only an absent key takes the default.
func seedDefaults(c *models.Config) {
	c.TradingEnabled = true
	c.Strategy.ExitOnTrendFlip = true
	c.Protection.EstimatedFeeRate = 0.0005
	c.Retry.NetworkRetries = 3
	c.Retry.MaxRateLimitRetries = 10
	c.Retry.CooldownSec = 120
	c.Paper.TakerFeeRate = 0.0005
	c.Paper.MakerFeeRate = 0.0002
}

// ApplyDefaults fills zero options with their defaults. Zero is not a usable
// value for any of them; options where it is are seeded by LoadConfig instead.
func ApplyDefaults(c *models.Config) {
	if c.Mode == "" {
		c.Mode = "live"
	}
	if c.Persistence.Driver == "" {
		c.Persistence.Driver = "badger"
	}
	if c.Persistence.Path == "" {
		c.Persistence.Path = "data/state"
	}
	if c.HistoryDB == "" {
		c.HistoryDB = "data/history.db"
	}
	if c.LiveWSURL == "" {
		c.LiveWSURL = "wss://fstream.binance.com"
	}
	if c.TestnetWSURL == "" {
		c.TestnetWSURL = "wss://stream.binancefuture.com"
	}
	defaultInt(&c.TickIntervalSec, 5)
	defaultInt(&c.TickTimeoutSec, 30)
	defaultInt(&c.WorkerPoolSize, 4)
	defaultInt(&c.ReconcileIntervalSec, 30)
	defaultInt(&c.CacheCleanupIntervalSec, 60)
	defaultInt(&c.ConfigReloadIntervalSec, 10)
	defaultInt(&c.RulesCacheTTLSec, 300)
	defaultInt(&c.PriceStaleAfterSec, 10)
	defaultInt(&c.WebSocketPingIntervalSec, 54)
	defaultInt(&c.WebSocketPongTimeoutSec, 60)

	defaultInt(&c.Trading.Leverage, 10)

	p := &c.Protection
	defaultFloat(&p.StopLossPercent, 5)
	defaultFloat(&p.BreakEvenTriggerPercent, 50)
	defaultFloat(&p.BreakEvenFeeMultiplier, 2.5)
	defaultFloat(&p.TrailingActivationPercent, 300)
	defaultFloat(&p.TrailingDistancePercent, 150)
	defaultFloat(&p.TrailingActivationFeeMultiplier, 4)
	defaultFloat(&p.TrailingLockFeeMultiplier, 3)
	defaultFloat(&p.TrailingTakeProfitPercent, 2)

	s := &c.Strategy
	if s.Interval == "" {
		s.Interval = "5m"
	}
	defaultInt(&s.KlineLimit, 200)
	defaultInt(&s.FeedIntervalSec, 15)
	defaultInt(&s.RSIPeriod, 14)
	defaultInt(&s.EMAFast, 50)
	defaultInt(&s.EMASlow, 200)
	defaultFloat(&s.LongEntryBelow, 30)
	defaultFloat(&s.ShortEntryAbove, 70)
	defaultFloat(&s.ExitLongAlignedAbove, 75)
	defaultFloat(&s.ExitLongCounterAbove, 65)
	defaultFloat(&s.ExitShortAlignedBelow, 25)
	defaultFloat(&s.ExitShortCounterBelow, 35)

	r := &c.Retry
	defaultInt(&r.BaseDelayMs, 500)
	defaultInt(&r.MaxDelayMs, 8000)
	defaultInt(&r.RateLimitWindowSec, 60)
	defaultInt(&r.RateLimitThreshold, 3)
	defaultInt(&r.CallTimeoutMs, 10000)
	defaultFloat(&r.RequestsPerSecond, 10)

	pp := &c.Paper
	defaultFloat(&pp.InitialBalance, 1000)
	defaultInt(&pp.MaxLeverage, 50)

	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.LogConfig.Output == "" {
		c.LogConfig.Output = "console"
	}
}

// Validate checks the process-wide options and every configured symbol.
func Validate(c *models.Config) error {
	switch c.Mode {
	case "live", "paper":
	default:
		return fmt.Errorf("%w: unknown mode %q", models.ErrConfiguration, c.Mode)
	}
	switch strings.ToLower(c.Persistence.Driver) {
	case "badger", "file":
	default:
		return fmt.Errorf("%w: unknown persistence driver %q", models.ErrConfiguration, c.Persistence.Driver)
	}
	if c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		return fmt.Errorf("%w: retry max_delay_ms below base_delay_ms", models.ErrConfiguration)
	}
	if c.MaxConcurrentBots < 0 || c.MaxOpenPositions < 0 {
		return fmt.Errorf("%w: negative concurrency limit", models.ErrConfiguration)
	}
	// Symbol-level problems are reported by ForSymbol and only halt that symbol.
	return nil
}

func defaultInt(v *int, d int) {
	if *v == 0 {
		*v = d
	}
}

func defaultFloat(v *float64, d float64) {
	if *v == 0 {
		*v = d
	}
}
