package supervisor

import (
	"binance-momentum-bot-go/internal/models"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// TaskStatus describes one background task.
type TaskStatus struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

type task struct {
	name string
	run  func(ctx context.Context) error

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	restarts  int
	lastErr   string
	startedAt time.Time
}

func (t *task) wait() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (t *task) status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := TaskStatus{Name: t.name, Restarts: t.restarts, LastError: t.lastErr, StartedAt: t.startedAt}
	if t.done != nil {
		select {
		case <-t.done:
		default:
			st.Running = true
		}
	}
	return st
}

func (s *Supervisor) registerTasks() {
	s.addTask(TaskAutoBot, func(ctx context.Context) error {
		return s.every(ctx, func(c *models.Config) int { return c.TickIntervalSec }, 5, s.TickAll)
	})
	if s.deps.Reconciler != nil {
		s.addTask(TaskReconciler, func(ctx context.Context) error {
			interval := 30 * time.Second
			if cfg := s.Current(); cfg != nil && cfg.ReconcileIntervalSec > 0 {
				interval = time.Duration(cfg.ReconcileIntervalSec) * time.Second
			}
			return s.deps.Reconciler.Run(ctx, interval)
		})
	}
	if s.deps.Cache != nil {
		s.addTask(TaskCacheCleanup, func(ctx context.Context) error {
			return s.every(ctx, func(c *models.Config) int { return c.CacheCleanupIntervalSec }, 60, func(context.Context) {
				if n := s.deps.Cache.CleanupExpired(); n > 0 {
					s.logger.Debug("Expired cache entries removed", zap.Int("count", n))
				}
			})
		})
	}
	if s.deps.Feed != nil {
		s.addTask(TaskIndicatorFeed, func(ctx context.Context) error {
			return s.every(ctx, func(c *models.Config) int { return c.Strategy.FeedIntervalSec }, 30, func(ctx context.Context) {
				cfg := s.Current()
				if cfg == nil {
					return
				}
				if err := s.deps.Feed.Refresh(ctx, s.symbolSettings(cfg)); err != nil && ctx.Err() == nil {
					s.logger.Warn("Indicator refresh incomplete", zap.Error(err))
				}
			})
		})
	}
	s.addTask(TaskConfigReload, func(ctx context.Context) error {
		return s.every(ctx, func(c *models.Config) int { return c.ConfigReloadIntervalSec }, 30, func(context.Context) {
			changed, err := s.deps.Config.Reload()
			if err != nil {
				s.logger.Error("Configuration reload rejected, keeping current", zap.Error(err))
				return
			}
			if changed {
				s.syncConfiguredBots(s.Current())
				s.refreshPriceSymbols()
			}
		})
	})
	if s.deps.Prices != nil {
		s.addTask(TaskPriceStream, s.deps.Prices.Run)
	}
}

func (s *Supervisor) addTask(name string, run func(ctx context.Context) error) {
	s.tasks[name] = &task{name: name, run: run}
}

// TaskNames lists the registered tasks.
func (s *Supervisor) TaskNames() []string {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tasks reports the status of every task.
func (s *Supervisor) Tasks() []TaskStatus {
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, name := range s.TaskNames() {
		s.tasksMu.Lock()
		t := s.tasks[name]
		s.tasksMu.Unlock()
		out = append(out, t.status())
	}
	return out
}

func (s *Supervisor) lookupTask(name string) (*task, context.Context, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return nil, nil, fmt.Errorf("unknown task %q", name)
	}
	if s.ctx == nil {
		return nil, nil, errors.New("supervisor not started")
	}
	return t, s.ctx, nil
}

// StartTask launches a task. Starting a running task is a no-op.
func (s *Supervisor) StartTask(name string) error {
	t, parent, err := s.lookupTask(name)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		select {
		case <-t.done:
		default:
			return nil
		}
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.startedAt = s.now()
	go s.supervise(ctx, t, t.done)
	s.logger.Info("Task started", zap.String("task", name))
	return nil
}

// StopTask cancels a task and waits for it to return.
func (s *Supervisor) StopTask(name string) error {
	t, _, err := s.lookupTask(name)
	if err != nil {
		return err
	}
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.wait()
	s.logger.Info("Task stopped", zap.String("task", name))
	return nil
}

// RestartTask stops and starts a task.
func (s *Supervisor) RestartTask(name string) error {
	if err := s.StopTask(name); err != nil {
		return err
	}
	return s.StartTask(name)
}

// supervise runs t until ctx ends, restarting it with backoff when it returns
// an error or panics.
func (s *Supervisor) supervise(ctx context.Context, t *task, done chan struct{}) {
	defer close(done)
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for {
		err := s.runTask(ctx, t)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("task returned")
		}
		t.mu.Lock()
		t.restarts++
		t.lastErr = err.Error()
		t.mu.Unlock()
		if s.deps.Observer != nil {
			s.deps.Observer.ObserveTaskRestart(t.name)
		}
		delay := b.Duration()
		s.logger.Error("Task failed, restarting", zap.String("task", t.name), zap.Error(err), zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) runTask(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("Task panicked", zap.String("task", t.name), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	return t.run(ctx)
}

// every calls fn on a timer whose period is re-read from the configuration
// each round, so a reload takes effect on the next round.
func (s *Supervisor) every(ctx context.Context, seconds func(*models.Config) int, fallback int, fn func(context.Context)) error {
	for {
		period := fallback
		if cfg := s.Current(); cfg != nil {
			if v := seconds(cfg); v > 0 {
				period = v
			}
		}
		timer := time.NewTimer(time.Duration(period) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			fn(ctx)
		}
	}
}
