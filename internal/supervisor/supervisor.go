package supervisor

import (
	"binance-momentum-bot-go/internal/bot"
	"binance-momentum-bot-go/internal/config"
	"binance-momentum-bot-go/internal/exchange"
	"binance-momentum-bot-go/internal/models"
	"binance-momentum-bot-go/internal/reconciler"
	"binance-momentum-bot-go/internal/statemanager"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Names of the background tasks.
const (
	TaskAutoBot       = "auto-bot"
	TaskReconciler    = "reconciler"
	TaskCacheCleanup  = "cache-cleanup"
	TaskIndicatorFeed = "indicator-feed"
	TaskConfigReload  = "config-reload"
	TaskPriceStream   = "price-stream"
)

// FeedRefresher recomputes indicator snapshots for a set of symbols.
type FeedRefresher interface {
	Refresh(ctx context.Context, settings []models.SymbolSettings) error
}

// PriceStreamer keeps a live price cache for the subscribed symbols.
type PriceStreamer interface {
	SetSymbols(symbols []string)
	Run(ctx context.Context) error
	Price(symbol string) (float64, bool)
}

// CacheCleaner drops expired cache entries and returns how many went.
type CacheCleaner interface {
	CleanupExpired() int
}

// Observer receives supervisor events, e.g. for metrics.
type Observer interface {
	ObserveTick(symbol string, d time.Duration, err error)
	ObserveSkippedTick(symbol string)
	ObserveBots(active, inPosition, halted int)
	ObserveTaskRestart(task string)
}

// Deps are the collaborators of the supervisor. Feed, Prices, Cache and
// Observer may be nil.
type Deps struct {
	Exchange   exchange.Exchange
	States     *statemanager.StateManager
	Config     *config.Provider
	Indicators bot.IndicatorFeed
	Feed       FeedRefresher
	Risk       bot.RiskAdvisor
	History    bot.HistoryLogger
	Reconciler *reconciler.Reconciler
	Prices     PriceStreamer
	Cache      CacheCleaner
	Observer   Observer
	Logger     *zap.Logger
}

type botEntry struct {
	bot      *bot.SymbolBot
	running  atomic.Bool
	busy     atomic.Bool
	lastTick atomic.Int64
}

// Supervisor owns the symbol bots, the worker pool that ticks them and the
// named background tasks.
type Supervisor struct {
	deps   Deps
	logger *zap.Logger

	mu   sync.RWMutex
	bots map[string]*botEntry

	pool     *semaphore.Weighted
	inflight sync.WaitGroup

	trading atomic.Pointer[bool]

	tasksMu sync.Mutex
	tasks   map[string]*task
	ctx     context.Context
	cancel  context.CancelFunc

	now func() time.Time
}

// New creates a supervisor. Nothing runs until Start.
func New(deps Deps) *Supervisor {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	size := 4
	if cfg := deps.Config.Current(); cfg != nil && cfg.WorkerPoolSize > 0 {
		size = cfg.WorkerPoolSize
	}
	s := &Supervisor{
		deps:   deps,
		logger: deps.Logger,
		bots:   make(map[string]*botEntry),
		pool:   semaphore.NewWeighted(int64(size)),
		tasks:  make(map[string]*task),
		now:    time.Now,
	}
	s.registerTasks()
	return s
}

// Current implements bot.ConfigProvider: the loaded configuration with the
// runtime trading switch applied.
func (s *Supervisor) Current() *models.Config {
	cfg := s.deps.Config.Current()
	if v := s.trading.Load(); v != nil && cfg != nil && cfg.TradingEnabled != *v {
		c := *cfg
		c.TradingEnabled = *v
		return &c
	}
	return cfg
}

// Start creates and starts bots for the configured and persisted symbols, then
// launches every background task.
func (s *Supervisor) Start(ctx context.Context) error {
	s.tasksMu.Lock()
	if s.ctx != nil {
		s.tasksMu.Unlock()
		return errors.New("supervisor already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.tasksMu.Unlock()

	cfg := s.Current()
	if cfg == nil {
		return fmt.Errorf("%w: no configuration loaded", models.ErrConfiguration)
	}
	s.syncConfiguredBots(cfg)
	for _, sym := range s.deps.States.Symbols() {
		if s.hasBot(sym) {
			continue
		}
		if err := s.CreateBot(sym); err != nil {
			s.logger.Warn("Persisted bot not restored", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		_ = s.StartBot(sym)
	}
	s.refreshPriceSymbols()

	for _, name := range s.TaskNames() {
		if err := s.StartTask(name); err != nil {
			s.logger.Warn("Task not started", zap.String("task", name), zap.Error(err))
		}
	}
	s.logger.Info("Supervisor started", zap.Int("bots", len(s.ListBots())))
	return nil
}

// Stop cancels every task, waits for in-flight ticks and leaves positions and
// their exchange-side protection in place.
func (s *Supervisor) Stop() {
	s.tasksMu.Lock()
	cancel := s.cancel
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.tasksMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	for _, t := range tasks {
		t.wait()
	}
	s.inflight.Wait()
	s.logger.Info("Supervisor stopped")
}

// syncConfiguredBots creates and starts bots for configured symbols that have none yet.
func (s *Supervisor) syncConfiguredBots(cfg *models.Config) {
	for _, sym := range cfg.Symbols {
		if s.hasBot(sym) {
			continue
		}
		if err := s.CreateBot(sym); err != nil {
			s.logger.Error("Configured bot not created", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		_ = s.StartBot(sym)
	}
}

// TickAll dispatches one tick to every running bot. A bot whose previous tick
// is still in flight is skipped. The pool bounds how many ticks hit the
// exchange at once.
func (s *Supervisor) TickAll(ctx context.Context) {
	s.mu.RLock()
	entries := make([]*botEntry, 0, len(s.bots))
	for _, e := range s.bots {
		if e.running.Load() {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].bot.Symbol() < entries[j].bot.Symbol() })

	for _, e := range entries {
		if !e.busy.CompareAndSwap(false, true) {
			s.logger.Debug("Previous tick still running, skipped", zap.String("symbol", e.bot.Symbol()))
			if s.deps.Observer != nil {
				s.deps.Observer.ObserveSkippedTick(e.bot.Symbol())
			}
			continue
		}
		e := e
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			defer e.busy.Store(false)
			if err := s.pool.Acquire(ctx, 1); err != nil {
				return
			}
			defer s.pool.Release(1)
			s.tickOne(ctx, e)
		}()
	}
	s.observeBots()
}

// tickOne runs one tick under a timeout. Panics are contained to the symbol.
func (s *Supervisor) tickOne(ctx context.Context, e *botEntry) {
	sym := e.bot.Symbol()
	timeout := 30 * time.Second
	if cfg := s.Current(); cfg != nil && cfg.TickTimeoutSec > 0 {
		timeout = time.Duration(cfg.TickTimeoutSec) * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := s.now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in tick: %v", r)
			s.logger.Error("Bot tick panicked",
				zap.String("symbol", sym), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			_, _ = s.deps.States.Update(sym, func(st *models.BotState) error {
				st.LastError = err.Error()
				return nil
			})
		}
		e.lastTick.Store(s.now().UnixNano())
		if s.deps.Observer != nil {
			s.deps.Observer.ObserveTick(sym, s.now().Sub(start), err)
		}
	}()

	err = e.bot.Tick(tctx)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrConfiguration):
		s.logger.Error("Bot halted by configuration error", zap.String("symbol", sym), zap.Error(err))
	case ctx.Err() != nil:
	default:
		s.logger.Warn("Tick failed", zap.String("symbol", sym), zap.Error(err))
	}
}

func (s *Supervisor) observeBots() {
	if s.deps.Observer == nil {
		return
	}
	var active, inPos, halted int
	for _, b := range s.ListBots() {
		if b.Running {
			active++
		}
		if b.Side != "" {
			inPos++
		}
		if b.Halted {
			halted++
		}
	}
	s.deps.Observer.ObserveBots(active, inPos, halted)
}

// symbolSettings resolves the settings of every running bot, skipping symbols
// whose configuration is invalid.
func (s *Supervisor) symbolSettings(cfg *models.Config) []models.SymbolSettings {
	var out []models.SymbolSettings
	for _, sym := range s.runningSymbols() {
		st, err := cfg.ForSymbol(sym)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

func (s *Supervisor) runningSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.bots))
	for sym, e := range s.bots {
		if e.running.Load() {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Supervisor) refreshPriceSymbols() {
	if s.deps.Prices == nil {
		return
	}
	s.mu.RLock()
	syms := make([]string, 0, len(s.bots))
	for sym := range s.bots {
		syms = append(syms, sym)
	}
	s.mu.RUnlock()
	sort.Strings(syms)
	s.deps.Prices.SetSymbols(syms)
}
