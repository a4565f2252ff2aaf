package supervisor

import (
	"binance-momentum-bot-go/internal/bot"
	"binance-momentum-bot-go/internal/models"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrBotExists        = errors.New("bot already exists")
	ErrSymbolNotAllowed = errors.New("symbol not allowed")
	ErrTooManyBots      = errors.New("maximum number of bots reached")
	ErrPositionOpen     = errors.New("bot holds a position or pending entry orders")
	ErrInvalidOverrides = errors.New("invalid overrides")

	errUnknownBot = fmt.Errorf("%w: bot", models.ErrNotFound)
)

// BotInfo is the control-surface view of one bot.
type BotInfo struct {
	Symbol          string              `json:"symbol"`
	Running         bool                `json:"running"`
	Status          models.Status       `json:"status"`
	Side            models.PositionSide `json:"side,omitempty"`
	Quantity        float64             `json:"quantity,omitempty"`
	EntryPrice      float64             `json:"entry_price,omitempty"`
	MarkPrice       float64             `json:"mark_price,omitempty"`
	UnrealizedPnL   float64             `json:"unrealized_pnl,omitempty"`
	StopLossPrice   float64             `json:"stop_loss_price,omitempty"`
	TakeProfitPrice float64             `json:"take_profit_price,omitempty"`
	PendingRungs    int                 `json:"pending_rungs,omitempty"`
	Halted          bool                `json:"halted"`
	LastCloseReason string              `json:"last_close_reason,omitempty"`
	LastError       string              `json:"last_error,omitempty"`
	LastTickAt      time.Time           `json:"last_tick_at,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (s *Supervisor) hasBot(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bots[normalize(symbol)]
	return ok
}

func (s *Supervisor) entry(symbol string) (*botEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.bots[normalize(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w %s", errUnknownBot, normalize(symbol))
	}
	return e, nil
}

// ListBots returns every bot ordered by symbol.
func (s *Supervisor) ListBots() []BotInfo {
	s.mu.RLock()
	entries := make(map[string]*botEntry, len(s.bots))
	for sym, e := range s.bots {
		entries[sym] = e
	}
	s.mu.RUnlock()

	out := make([]BotInfo, 0, len(entries))
	for sym, e := range entries {
		info := BotInfo{Symbol: sym, Running: e.running.Load()}
		if ns := e.lastTick.Load(); ns > 0 {
			info.LastTickAt = time.Unix(0, ns)
		}
		if st, ok := s.deps.States.Get(sym); ok {
			info.Status = st.Status
			info.StopLossPrice = st.StopLossPrice
			info.TakeProfitPrice = st.TakeProfitPrice
			info.PendingRungs = len(st.PendingLimitOrders)
			info.Halted = st.Halted
			info.LastCloseReason = st.LastCloseReason
			info.LastError = st.LastError
			info.UpdatedAt = st.UpdatedAt
			if p := st.Position; p != nil {
				info.Side = p.Side
				info.Quantity = p.Quantity
				info.EntryPrice = p.EntryPrice
				if s.deps.Prices != nil {
					if price, ok := s.deps.Prices.Price(sym); ok {
						info.MarkPrice = price
						info.UnrealizedPnL = p.UnrealizedPnL(price)
					}
				}
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// CreateBot registers a stopped bot for symbol after checking the allow and
// deny lists, the bot limit and the symbol's resolved settings.
func (s *Supervisor) CreateBot(symbol string) error {
	sym := normalize(symbol)
	if sym == "" {
		return fmt.Errorf("%w: empty symbol", models.ErrConfiguration)
	}
	cfg := s.Current()
	if cfg == nil {
		return fmt.Errorf("%w: no configuration loaded", models.ErrConfiguration)
	}
	if !cfg.SymbolAllowed(sym) {
		return fmt.Errorf("%w: %s", ErrSymbolNotAllowed, sym)
	}
	if _, err := cfg.ForSymbol(sym); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.bots[sym]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBotExists, sym)
	}
	if cfg.MaxConcurrentBots > 0 && len(s.bots) >= cfg.MaxConcurrentBots {
		s.mu.Unlock()
		return fmt.Errorf("%w (%d)", ErrTooManyBots, cfg.MaxConcurrentBots)
	}

	s.deps.States.Ensure(sym)
	b := bot.New(sym, bot.Deps{
		Exchange:   s.deps.Exchange,
		States:     s.deps.States,
		Indicators: s.deps.Indicators,
		Risk:       s.deps.Risk,
		History:    s.deps.History,
		Config:     s,
		Logger:     s.deps.Logger,
	})
	s.bots[sym] = &botEntry{bot: b}
	s.mu.Unlock()

	s.logger.Info("Bot created", zap.String("symbol", sym))
	s.refreshPriceSymbols()
	return nil
}

// StartBot lets the bot tick again. A bot halted by a configuration error is
// released so the next tick re-validates its settings.
func (s *Supervisor) StartBot(symbol string) error {
	e, err := s.entry(symbol)
	if err != nil {
		return err
	}
	if _, err := s.deps.States.Update(e.bot.Symbol(), func(st *models.BotState) error {
		st.Halted = false
		return nil
	}); err != nil {
		return err
	}
	e.running.Store(true)
	s.logger.Info("Bot started", zap.String("symbol", e.bot.Symbol()))
	return nil
}

// StopBot stops ticking. An open position keeps its exchange-side stop orders
// but is no longer managed.
func (s *Supervisor) StopBot(symbol string) error {
	e, err := s.entry(symbol)
	if err != nil {
		return err
	}
	e.running.Store(false)
	if st, ok := s.deps.States.Get(e.bot.Symbol()); ok && st.Position != nil {
		s.logger.Warn("Bot stopped with an open position", zap.String("symbol", e.bot.Symbol()))
	} else {
		s.logger.Info("Bot stopped", zap.String("symbol", e.bot.Symbol()))
	}
	return nil
}

// PauseBot freezes new entries. Protection of an open position keeps running.
func (s *Supervisor) PauseBot(symbol string) error {
	e, err := s.entry(symbol)
	if err != nil {
		return err
	}
	_, err = s.deps.States.Update(e.bot.Symbol(), func(st *models.BotState) error {
		if st.Paused() {
			return nil
		}
		st.PausedFrom = st.Status
		st.Status = models.StatusPaused
		return nil
	})
	return err
}

// ResumeBot restores the status held before the pause and clears a halt.
func (s *Supervisor) ResumeBot(symbol string) error {
	e, err := s.entry(symbol)
	if err != nil {
		return err
	}
	_, err = s.deps.States.Update(e.bot.Symbol(), func(st *models.BotState) error {
		if st.Paused() {
			st.Status = st.PausedFrom
			if st.Status == "" {
				st.Status = models.StatusIdle
			}
			st.PausedFrom = ""
		}
		st.Halted = false
		return nil
	})
	return err
}

// DeleteBot removes a bot and its persisted state. A bot with a position or
// pending rungs is refused unless closeFirst is set, in which case the
// position is closed and the rungs cancelled before deletion.
func (s *Supervisor) DeleteBot(ctx context.Context, symbol string, closeFirst bool) error {
	e, err := s.entry(symbol)
	if err != nil {
		return err
	}
	sym := e.bot.Symbol()
	if st, ok := s.deps.States.Get(sym); ok && (st.Position != nil || st.LadderActive()) {
		if !closeFirst {
			return fmt.Errorf("%w: %s", ErrPositionOpen, sym)
		}
		if st.LadderActive() {
			if _, err := e.bot.CancelLadder(ctx); err != nil {
				return fmt.Errorf("cancel ladder of %s: %w", sym, err)
			}
		}
		if st.Position != nil {
			if _, err := e.bot.ForceClose(ctx); err != nil && !errors.Is(err, models.ErrNotFound) {
				return fmt.Errorf("close %s: %w", sym, err)
			}
		}
		// A partial close or a rung that could not be cancelled keeps the bot.
		if st, ok := s.deps.States.Get(sym); ok && (st.Position != nil || st.LadderActive()) {
			return fmt.Errorf("%w: %s still open after close", ErrPositionOpen, sym)
		}
	}

	e.running.Store(false)
	s.mu.Lock()
	delete(s.bots, sym)
	s.mu.Unlock()
	if err := s.deps.States.Delete(sym); err != nil {
		return fmt.Errorf("delete state of %s: %w", sym, err)
	}
	s.refreshPriceSymbols()
	s.logger.Info("Bot deleted", zap.String("symbol", sym))
	return nil
}

// UpdateOverrides replaces the bot's protection overrides.
func (s *Supervisor) UpdateOverrides(symbol string, o models.BotOverrides) error {
	e, err := s.entry(symbol)
	if err != nil {
		return err
	}
	if v := o.StopLossPercent; v != nil && (*v <= 0 || *v >= 100) {
		return fmt.Errorf("%w: stop_loss_percent must be in (0, 100)", ErrInvalidOverrides)
	}
	if v := o.TrailingActivationPercent; v != nil && *v <= 0 {
		return fmt.Errorf("%w: trailing_activation_percent must be positive", ErrInvalidOverrides)
	}
	if v := o.TrailingDistancePercent; v != nil && *v <= 0 {
		return fmt.Errorf("%w: trailing_distance_percent must be positive", ErrInvalidOverrides)
	}
	_, err = s.deps.States.Update(e.bot.Symbol(), func(st *models.BotState) error {
		st.Overrides = o
		return nil
	})
	return err
}

// ForceClose closes the bot's position at market.
func (s *Supervisor) ForceClose(ctx context.Context, symbol string) (*models.OrderResult, error) {
	e, err := s.entry(symbol)
	if err != nil {
		return nil, err
	}
	return e.bot.ForceClose(ctx)
}

// CancelLadder cancels the bot's outstanding ladder rungs.
func (s *Supervisor) CancelLadder(ctx context.Context, symbol string) (int, error) {
	e, err := s.entry(symbol)
	if err != nil {
		return 0, err
	}
	return e.bot.CancelLadder(ctx)
}

// SetTrading switches new entries on or off for every bot, overriding the
// configured flag until the process restarts.
func (s *Supervisor) SetTrading(enabled bool) {
	s.trading.Store(&enabled)
	s.logger.Info("Trading switched", zap.Bool("enabled", enabled))
}

// TradingEnabled reports the effective trading flag.
func (s *Supervisor) TradingEnabled() bool {
	cfg := s.Current()
	return cfg != nil && cfg.TradingEnabled
}
