package config

import (
	"binance-momentum-bot-go/internal/models"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{
		"mode": "paper",
		"symbols": ["BTCUSDT"],
		"trading": {"quote_amount": 20}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "paper", cfg.Mode)
	assert.True(t, cfg.TradingEnabled)
	assert.True(t, cfg.Strategy.ExitOnTrendFlip)
	assert.Equal(t, 10, cfg.Trading.Leverage)
	assert.Equal(t, 20.0, cfg.Trading.QuoteAmount)
	assert.Equal(t, 5.0, cfg.Protection.StopLossPercent)
	assert.Equal(t, 2.5, cfg.Protection.BreakEvenFeeMultiplier)
	assert.Equal(t, 4.0, cfg.Protection.TrailingActivationFeeMultiplier)
	assert.Equal(t, 3.0, cfg.Protection.TrailingLockFeeMultiplier)
	assert.Equal(t, "badger", cfg.Persistence.Driver)
	assert.Equal(t, 3, cfg.Retry.NetworkRetries)
	assert.Equal(t, "5m", cfg.Strategy.Interval)
}

func TestLoadConfig_ExplicitFalseFlagsSurvive(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{
		"trading_enabled": false,
		"strategy": {"exit_on_trend_flip": false},
		"trading": {"quote_amount": 10}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.TradingEnabled)
	assert.False(t, cfg.Strategy.ExitOnTrendFlip)
}

func TestLoadConfig_ExplicitZeroSurvives(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(writeConfig(t, dir, `{
		"trading": {"quote_amount": 10},
		"protection": {"estimated_fee_rate": 0},
		"retry": {"network_retries": 0, "max_rate_limit_retries": 0, "cooldown_sec": 0},
		"paper": {"taker_fee_rate": 0, "maker_fee_rate": 0}
	}`))
	require.NoError(t, err)
	assert.Zero(t, cfg.Protection.EstimatedFeeRate)
	assert.Zero(t, cfg.Retry.NetworkRetries)
	assert.Zero(t, cfg.Retry.MaxRateLimitRetries)
	assert.Zero(t, cfg.Retry.CooldownSec)
	assert.Zero(t, cfg.Paper.TakerFeeRate)
	assert.Zero(t, cfg.Paper.MakerFeeRate)

	cfg, err = LoadConfig(writeConfig(t, dir, `{"trading": {"quote_amount": 10}}`))
	require.NoError(t, err)
	assert.Equal(t, 0.0005, cfg.Protection.EstimatedFeeRate)
	assert.Equal(t, 10, cfg.Retry.MaxRateLimitRetries)
	assert.Equal(t, 120, cfg.Retry.CooldownSec)
	assert.Equal(t, 0.0002, cfg.Paper.MakerFeeRate)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(writeConfig(t, dir, `{"mode": "backtest"}`))
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	_, err = LoadConfig(writeConfig(t, dir, `{"persistence": {"driver": "redis"}}`))
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	_, err = LoadConfig(writeConfig(t, dir, `{"retry": {"base_delay_ms": 900, "max_delay_ms": 100}}`))
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	_, err = LoadConfig(writeConfig(t, dir, `{"mode": `))
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestForSymbol_OverridesAndValidation(t *testing.T) {
	cfg := &models.Config{Trading: models.TradingConfig{QuoteAmount: 10}}
	ApplyDefaults(cfg)
	lev, sl := 3, 2.0
	cfg.SymbolOverrides = map[string]models.SymbolOverride{
		"ETHUSDT":  {Leverage: &lev, StopLossPercent: &sl},
		"DOGEUSDT": {Ladder: &models.LadderConfig{Enabled: true}},
	}

	btc, err := cfg.ForSymbol("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 10, btc.Leverage)
	assert.Equal(t, 5.0, btc.Protection.StopLossPercent)

	eth, err := cfg.ForSymbol("ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 3, eth.Leverage)
	assert.Equal(t, 2.0, eth.Protection.StopLossPercent)
	assert.Equal(t, 10.0, eth.QuoteAmount)

	_, err = cfg.ForSymbol("DOGEUSDT")
	assert.True(t, errors.Is(err, models.ErrConfiguration), "ladder without rungs only fails its own symbol")
}

func TestSymbolAllowed(t *testing.T) {
	cfg := &models.Config{AllowSymbols: []string{"BTCUSDT", "ETHUSDT"}, DenySymbols: []string{"ethusdt"}}

	assert.True(t, cfg.SymbolAllowed("BTCUSDT"))
	assert.False(t, cfg.SymbolAllowed("ETHUSDT"), "deny wins")
	assert.False(t, cfg.SymbolAllowed("SOLUSDT"))

	assert.True(t, (&models.Config{}).SymbolAllowed("SOLUSDT"), "empty allow list allows everything")
}

func TestProvider_ReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"trading": {"quote_amount": 10}}`)
	p, err := NewProvider(path, zap.NewNop())
	require.NoError(t, err)

	var seen []*models.Config
	p.OnChange(func(c *models.Config) { seen = append(seen, c) })

	changed, err := p.Reload()
	require.NoError(t, err)
	assert.False(t, changed, "untouched file")

	writeConfig(t, dir, `{"trading": {"quote_amount": 25}}`)
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	changed, err = p.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 25.0, p.Current().Trading.QuoteAmount)
	require.Len(t, seen, 1)
	assert.Same(t, p.Current(), seen[0])
}

func TestProvider_InvalidReloadKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"trading": {"quote_amount": 10}}`)
	p, err := NewProvider(path, zap.NewNop())
	require.NoError(t, err)

	writeConfig(t, dir, `{"mode": "nonsense"}`)
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	changed, err := p.Reload()
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, 10.0, p.Current().Trading.QuoteAmount)

	changed, err = p.Reload()
	assert.NoError(t, err, "the broken file is not retried until it changes again")
	assert.False(t, changed)
}

func TestStaticProvider(t *testing.T) {
	cfg := &models.Config{Mode: "paper"}
	p := NewStaticProvider(cfg)

	changed, err := p.Reload()
	assert.NoError(t, err)
	assert.False(t, changed)
	assert.Same(t, cfg, p.Current())
}
