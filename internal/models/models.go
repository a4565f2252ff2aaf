package models

import (
	"fmt"
	"strings"
	"time"
)

// Config holds every runtime option of the bot. It is decoded from a JSON file
// and may be replaced wholesale by a hot reload.
type Config struct {
	Mode         string            `json:"mode"` // "live" or "paper"
	IsTestnet    bool              `json:"is_testnet"`
	Persistence  PersistenceConfig `json:"persistence"`
	HistoryDB    string            `json:"history_db_path"` // sqlite file for closed trades
	LiveWSURL    string            `json:"live_ws_url"`
	TestnetWSURL string            `json:"testnet_ws_url"`

	Symbols           []string `json:"symbols"`             // bots created at startup
	AllowSymbols      []string `json:"allow_symbols"`       // empty means every symbol is allowed
	DenySymbols       []string `json:"deny_symbols"`
	MaxConcurrentBots int      `json:"max_concurrent_bots"` // 0 disables the limit
	MaxOpenPositions  int      `json:"max_open_positions"`  // 0 disables the limit
	TradingEnabled    bool     `json:"trading_enabled"`     // global run flag for new entries

	TickIntervalSec         int `json:"tick_interval_sec"`
	TickTimeoutSec          int `json:"tick_timeout_sec"`
	WorkerPoolSize          int `json:"worker_pool_size"`
	ReconcileIntervalSec    int `json:"reconcile_interval_sec"`
	CacheCleanupIntervalSec int `json:"cache_cleanup_interval_sec"`
	ConfigReloadIntervalSec int `json:"config_reload_interval_sec"`
	RulesCacheTTLSec        int `json:"rules_cache_ttl_sec"`
	PriceStaleAfterSec      int `json:"price_stale_after_sec"`

	WebSocketPingIntervalSec int `json:"websocket_ping_interval_sec,omitempty"`
	WebSocketPongTimeoutSec  int `json:"websocket_pong_timeout_sec,omitempty"`

	Trading         TradingConfig             `json:"trading"`
	Protection      ProtectionConfig          `json:"protection"`
	Strategy        StrategyConfig            `json:"strategy"`
	Ladder          LadderConfig              `json:"ladder"`
	Retry           RetryConfig               `json:"retry"`
	Paper           PaperConfig               `json:"paper"`
	Metrics         MetricsConfig             `json:"metrics"`
	SymbolOverrides map[string]SymbolOverride `json:"symbol_overrides"`
	LogConfig       LogConfig                 `json:"log"`
}

// PersistenceConfig selects the state store.
type PersistenceConfig struct {
	Driver string `json:"driver"` // "badger" or "file"
	Path   string `json:"path"`
}

// TradingConfig is the default position sizing.
type TradingConfig struct {
	QuoteAmount float64 `json:"quote_amount"` // margin committed per entry, in quote currency
	Leverage    int     `json:"leverage"`
}

// ProtectionConfig drives stop-loss, break-even and trailing logic.
type ProtectionConfig struct {
	StopLossPercent   float64 `json:"stop_loss_percent"`
	TakeProfitPercent float64 `json:"take_profit_percent"` // initial defensive take-profit, 0 disables it

	BreakEvenEnabled        bool    `json:"break_even_enabled"`
	BreakEvenTriggerPercent float64 `json:"break_even_trigger_percent"` // profit on margin
	BreakEvenFeeMultiplier  float64 `json:"break_even_fee_multiplier"`

	TrailingEnabled                 bool    `json:"trailing_enabled"`
	TrailingActivationPercent       float64 `json:"trailing_activation_percent"` // of margin
	TrailingDistancePercent         float64 `json:"trailing_distance_percent"`   // of margin, one step
	TrailingActivationFeeMultiplier float64 `json:"trailing_activation_fee_multiplier"`
	TrailingLockFeeMultiplier       float64 `json:"trailing_lock_fee_multiplier"`

	TrailingTakeProfitEnabled bool    `json:"trailing_take_profit_enabled"`
	TrailingTakeProfitPercent float64 `json:"trailing_take_profit_percent"` // distance from mark price, 0 takes the default

	// EstimatedFeeRate is used to accrue fees when the exchange does not report them.
	EstimatedFeeRate float64 `json:"estimated_fee_rate"`
}

// StrategyConfig holds indicator parameters and thresholds.
type StrategyConfig struct {
	Interval        string `json:"interval"` // kline interval, e.g. "5m"
	KlineLimit      int    `json:"kline_limit"`
	FeedIntervalSec int    `json:"feed_interval_sec"`
	RSIPeriod       int    `json:"rsi_period"`
	EMAFast         int    `json:"ema_fast"`
	EMASlow         int    `json:"ema_slow"`

	LongEntryBelow  float64 `json:"long_entry_below"`
	ShortEntryAbove float64 `json:"short_entry_above"`

	// Exit thresholds depend on whether the entry agreed with the trend.
	ExitLongAlignedAbove  float64 `json:"exit_long_aligned_above"`
	ExitLongCounterAbove  float64 `json:"exit_long_counter_above"`
	ExitShortAlignedBelow float64 `json:"exit_short_aligned_below"`
	ExitShortCounterBelow float64 `json:"exit_short_counter_below"`

	TrendAgreement      bool `json:"trend_agreement"`        // only enter with the trend
	MaxBarsSinceExtreme int  `json:"max_bars_since_extreme"` // 0 disables the filter
	ExitOnTrendFlip     bool `json:"exit_on_trend_flip"`
}

// LadderConfig describes a laddered entry.
type LadderConfig struct {
	Enabled  bool         `json:"enabled"`
	Rungs    []LadderRung `json:"rungs"`
	ZoneLow  float64      `json:"zone_low"`  // indicator bounds of the accumulation zone
	ZoneHigh float64      `json:"zone_high"`
}

// LadderRung is one limit order of a ladder, offset from the reference price.
type LadderRung struct {
	OffsetPercent float64 `json:"offset_percent"`
	QuoteAmount   float64 `json:"quote_amount"`
}

// RetryConfig drives the process-wide retry policy of the exchange client.
type RetryConfig struct {
	BaseDelayMs         int     `json:"base_delay_ms"`
	MaxDelayMs          int     `json:"max_delay_ms"`
	NetworkRetries      int     `json:"network_retries"`
	MaxRateLimitRetries int     `json:"max_rate_limit_retries"`
	RateLimitWindowSec  int     `json:"rate_limit_window_sec"`
	RateLimitThreshold  int     `json:"rate_limit_threshold"`
	CooldownSec         int     `json:"cooldown_sec"`
	CallTimeoutMs       int     `json:"call_timeout_ms"`
	RequestsPerSecond   float64 `json:"requests_per_second"`
}

// PaperConfig configures the in-memory exchange used by paper mode.
type PaperConfig struct {
	InitialBalance float64            `json:"initial_balance"`
	TakerFeeRate   float64            `json:"taker_fee_rate"`
	MakerFeeRate   float64            `json:"maker_fee_rate"`
	SlippageRate   float64            `json:"slippage_rate"`
	MaxLeverage    int                `json:"max_leverage"`
	UseLiveMarket  bool               `json:"use_live_market"` // read prices and rules from the public API
	Prices         map[string]float64 `json:"prices"`
}

// MetricsConfig enables the prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `json:"listen"`
}

// SymbolOverride replaces selected defaults for one symbol.
type SymbolOverride struct {
	QuoteAmount               *float64      `json:"quote_amount,omitempty"`
	Leverage                  *int          `json:"leverage,omitempty"`
	StopLossPercent           *float64      `json:"stop_loss_percent,omitempty"`
	TakeProfitPercent         *float64      `json:"take_profit_percent,omitempty"`
	TrailingActivationPercent *float64      `json:"trailing_activation_percent,omitempty"`
	TrailingDistancePercent   *float64      `json:"trailing_distance_percent,omitempty"`
	BreakEvenTriggerPercent   *float64      `json:"break_even_trigger_percent,omitempty"`
	Ladder                    *LadderConfig `json:"ladder,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `json:"level"`  // "debug", "info", "warn", "error"
	Output     string `json:"output"` // "console", "file", "both"
	File       string `json:"file"`
	MaxSize    int    `json:"max_size"` // MB
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"` // days
	Compress   bool   `json:"compress"`
}

// SymbolSettings is the typed, fully resolved configuration of a single bot.
type SymbolSettings struct {
	Symbol      string
	QuoteAmount float64
	Leverage    int
	Protection  ProtectionConfig
	Strategy    StrategyConfig
	Ladder      LadderConfig
}

// ForSymbol layers the per-symbol override over the defaults and validates the result.
// A failure is an ErrConfiguration that concerns this symbol only.
func (c *Config) ForSymbol(symbol string) (SymbolSettings, error) {
	s := SymbolSettings{
		Symbol:      symbol,
		QuoteAmount: c.Trading.QuoteAmount,
		Leverage:    c.Trading.Leverage,
		Protection:  c.Protection,
		Strategy:    c.Strategy,
		Ladder:      c.Ladder,
	}
	if o, ok := c.SymbolOverrides[symbol]; ok {
		if o.QuoteAmount != nil {
			s.QuoteAmount = *o.QuoteAmount
		}
		if o.Leverage != nil {
			s.Leverage = *o.Leverage
		}
		if o.StopLossPercent != nil {
			s.Protection.StopLossPercent = *o.StopLossPercent
		}
		if o.TakeProfitPercent != nil {
			s.Protection.TakeProfitPercent = *o.TakeProfitPercent
		}
		if o.TrailingActivationPercent != nil {
			s.Protection.TrailingActivationPercent = *o.TrailingActivationPercent
		}
		if o.TrailingDistancePercent != nil {
			s.Protection.TrailingDistancePercent = *o.TrailingDistancePercent
		}
		if o.BreakEvenTriggerPercent != nil {
			s.Protection.BreakEvenTriggerPercent = *o.BreakEvenTriggerPercent
		}
		if o.Ladder != nil {
			s.Ladder = *o.Ladder
		}
	}
	if err := s.Validate(); err != nil {
		return SymbolSettings{}, err
	}
	return s, nil
}

// Validate checks the settings of one symbol.
func (s SymbolSettings) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s: %s", ErrConfiguration, s.Symbol, fmt.Sprintf(format, args...))
	}
	if s.QuoteAmount <= 0 && !s.Ladder.Enabled {
		return fail("quote_amount must be positive, got %v", s.QuoteAmount)
	}
	if s.Leverage < 1 {
		return fail("leverage must be at least 1, got %d", s.Leverage)
	}
	if s.Protection.StopLossPercent <= 0 || s.Protection.StopLossPercent >= 100 {
		return fail("stop_loss_percent must be in (0, 100), got %v", s.Protection.StopLossPercent)
	}
	if s.Protection.TrailingEnabled && s.Protection.TrailingDistancePercent <= 0 {
		return fail("trailing_distance_percent must be positive")
	}
	if s.Ladder.Enabled {
		if len(s.Ladder.Rungs) == 0 {
			return fail("ladder enabled without rungs")
		}
		for i, r := range s.Ladder.Rungs {
			if r.QuoteAmount <= 0 || r.OffsetPercent < 0 || r.OffsetPercent >= 100 {
				return fail("invalid ladder rung %d: %+v", i, r)
			}
		}
		if s.Ladder.ZoneHigh < s.Ladder.ZoneLow {
			return fail("ladder zone_high below zone_low")
		}
	}
	return nil
}

// SymbolAllowed applies the allow and deny lists.
func (c *Config) SymbolAllowed(symbol string) bool {
	for _, d := range c.DenySymbols {
		if strings.EqualFold(d, symbol) {
			return false
		}
	}
	if len(c.AllowSymbols) == 0 {
		return true
	}
	for _, a := range c.AllowSymbols {
		if strings.EqualFold(a, symbol) {
			return true
		}
	}
	return false
}

// PositionSide is the direction of a position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// Sign is +1 for LONG and -1 for SHORT.
func (s PositionSide) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// EntryOrderSide is the order side that opens a position in this direction.
func (s PositionSide) EntryOrderSide() OrderSide {
	if s == Short {
		return Sell
	}
	return Buy
}

// CloseOrderSide is the order side that reduces a position in this direction.
func (s PositionSide) CloseOrderSide() OrderSide {
	if s == Short {
		return Buy
	}
	return Sell
}

// Valid reports whether s is LONG or SHORT.
func (s PositionSide) Valid() bool {
	return s == Long || s == Short
}

// OrderSide is the side of an order.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType is the execution type of an entry order.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// InstrumentRules are the venue's trading constraints for one symbol.
type InstrumentRules struct {
	Symbol       string    `json:"symbol"`
	QuantityStep float64   `json:"quantity_step"`
	MinQty       float64   `json:"min_qty"`
	MaxQty       float64   `json:"max_qty"`
	MinNotional  float64   `json:"min_notional"`
	TickSize     float64   `json:"tick_size"`
	Leverage     int       `json:"leverage"`
	MaxLeverage  int       `json:"max_leverage"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// RemotePosition is a non-zero position as reported by the exchange.
type RemotePosition struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Size          float64      `json:"size"`
	AvgPrice      float64      `json:"avg_price"`
	Leverage      int          `json:"leverage"`
	RealizedPnL   float64      `json:"realized_pnl"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	MarkPrice     float64      `json:"mark_price"`
}

// OrderInfo is an open order on the exchange.
type OrderInfo struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          string    `json:"type"`
	Price         float64   `json:"price"`
	StopPrice     float64   `json:"stop_price"`
	Quantity      float64   `json:"quantity"`
	ExecutedQty   float64   `json:"executed_qty"`
	Status        string    `json:"status"`
	ReduceOnly    bool      `json:"reduce_only"`
	ClosePosition bool      `json:"close_position"`
}

// OrderRequest is an entry intent. Exactly one of QuoteAmount and BaseQuantity is set;
// QuoteAmount is margin, so the notional is QuoteAmount × Leverage.
type OrderRequest struct {
	Symbol        string
	Side          PositionSide
	QuoteAmount   float64
	BaseQuantity  float64
	Type          OrderType
	Price         float64 // limit price, ignored for market orders
	Leverage      int     // 0 keeps the current leverage
	ClientOrderID string
}

// OrderResult is the structured outcome of an order operation.
type OrderResult struct {
	Success       bool      `json:"success"`
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Status        string    `json:"status"`
	FillPrice     float64   `json:"fill_price"`
	Quantity      float64   `json:"quantity"`
	Remaining     float64   `json:"remaining"` // position size left after a close
	Fee           float64   `json:"fee"`
	Leverage      int       `json:"leverage"`
	Reason        string    `json:"reason"`
	Time          time.Time `json:"time"`
}

// Candle is one kline.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Trend is the prevailing direction reported by the indicator feed.
type Trend string

const (
	TrendUp   Trend = "UP"
	TrendDown Trend = "DOWN"
	TrendFlat Trend = "FLAT"
)

// Agrees reports whether a position in direction side goes with the trend.
func (t Trend) Agrees(side PositionSide) bool {
	return (t == TrendUp && side == Long) || (t == TrendDown && side == Short)
}

// Opposes reports whether the trend points against side.
func (t Trend) Opposes(side PositionSide) bool {
	return (t == TrendDown && side == Long) || (t == TrendUp && side == Short)
}

// Signal is the indicator's trading suggestion.
type Signal string

const (
	SignalEnterLong  Signal = "ENTER_LONG"
	SignalEnterShort Signal = "ENTER_SHORT"
	SignalExitLong   Signal = "EXIT_LONG"
	SignalExitShort  Signal = "EXIT_SHORT"
	SignalNeutral    Signal = "NEUTRAL"
)

// IndicatorSnapshot is the latest indicator reading of one symbol.
type IndicatorSnapshot struct {
	Symbol        string    `json:"symbol"`
	Value         float64   `json:"value"`
	Trend         Trend     `json:"trend"`
	Signal        Signal    `json:"signal"`
	FiltersPassed bool      `json:"filters_passed"`
	Price         float64   `json:"price"`
	Candles       []Candle  `json:"-"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ClosedTrade is the record written to the trade history when a position closes.
type ClosedTrade struct {
	PositionID string       `json:"position_id"`
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Quantity   float64      `json:"quantity"`
	EntryPrice float64      `json:"entry_price"`
	ExitPrice  float64      `json:"exit_price"`
	Leverage   int          `json:"leverage"`
	Margin     float64      `json:"margin"`
	PnL        float64      `json:"pnl"`
	Fees       float64      `json:"fees"`
	Reason     string       `json:"reason"`
	OpenedAt   time.Time    `json:"opened_at"`
	ClosedAt   time.Time    `json:"closed_at"`
}
