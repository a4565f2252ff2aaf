package exchange

import (
	"binance-momentum-bot-go/internal/models"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryObserver receives retry events, e.g. for metrics.
type RetryObserver interface {
	ObserveRetry(op, class string)
	ObserveAdaptiveDelay(d time.Duration)
}

// Retrier is the process-wide retry policy shared by every symbol.
//
// Rate-limit errors back off exponentially from an adaptive base delay. The base
// doubles when RateLimitThreshold rate-limit errors land within RateLimitWindowSec
// and halves again after CooldownSec without one. Network errors get
// NetworkRetries attempts with linear backoff; rate-limit retries do not consume
// that budget. Everything else is returned immediately.
type Retrier struct {
	cfg      models.RetryConfig
	limiter  *rate.Limiter
	logger   *zap.Logger
	observer RetryObserver

	mu            sync.Mutex
	adaptiveBase  time.Duration
	recentLimits  []time.Time
	lastRateLimit time.Time
	lastDecay     time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier from cfg.
func NewRetrier(cfg models.RetryConfig, logger *zap.Logger) *Retrier {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Retrier{
		cfg:          cfg,
		limiter:      rate.NewLimiter(limit, burst),
		logger:       logger,
		adaptiveBase: ms(cfg.BaseDelayMs),
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// SetObserver attaches a metrics observer.
func (r *Retrier) SetObserver(o RetryObserver) {
	r.observer = o
}

// CurrentDelay returns the adaptive base delay now in effect.
func (r *Retrier) CurrentDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decayLocked()
	return r.adaptiveBase
}

// Do runs fn under the retry policy. Every attempt gets its own timeout. When a
// mutating attempt times out the outcome is unknown and ErrUnknownOutcome is
// returned without retrying.
func (r *Retrier) Do(ctx context.Context, op string, mutating bool, fn func(ctx context.Context) error) error {
	netAttempts, limitAttempts := 0, 0
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout())
		err := fn(callCtx)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			if mutating {
				return fmt.Errorf("%s: %w: %v", op, models.ErrUnknownOutcome, err)
			}
			err = fmt.Errorf("%w: %s timed out: %v", models.ErrTransientNetwork, op, err)
		}

		var delay time.Duration
		switch {
		case errors.Is(err, models.ErrRateLimited):
			limitAttempts++
			r.recordRateLimit()
			if limitAttempts > r.cfg.MaxRateLimitRetries {
				return err
			}
			delay = r.rateLimitDelay(limitAttempts)
			r.observe(op, "rate_limited")
		case errors.Is(err, models.ErrTransientNetwork):
			netAttempts++
			if netAttempts > r.cfg.NetworkRetries {
				return err
			}
			delay = time.Duration(netAttempts) * ms(r.cfg.BaseDelayMs)
			r.observe(op, "network")
		default:
			return err
		}

		r.logger.Debug("Retrying exchange call",
			zap.String("op", op),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (r *Retrier) callTimeout() time.Duration {
	if r.cfg.CallTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return ms(r.cfg.CallTimeoutMs)
}

// rateLimitDelay is the exponential delay for the n-th consecutive rate-limit retry.
func (r *Retrier) rateLimitDelay(n int) time.Duration {
	r.mu.Lock()
	r.decayLocked()
	base := r.adaptiveBase
	r.mu.Unlock()
	b := &backoff.Backoff{Min: base, Max: ms(r.cfg.MaxDelayMs), Factor: 2}
	return b.ForAttempt(float64(n - 1))
}

func (r *Retrier) recordRateLimit() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.lastRateLimit = now
	window := time.Duration(r.cfg.RateLimitWindowSec) * time.Second
	kept := r.recentLimits[:0]
	for _, t := range r.recentLimits {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	r.recentLimits = append(kept, now)

	if len(r.recentLimits) >= r.cfg.RateLimitThreshold {
		next := r.adaptiveBase * 2
		if max := ms(r.cfg.MaxDelayMs); next > max {
			next = max
		}
		if next != r.adaptiveBase {
			r.logger.Warn("Rate limit pressure, raising base delay",
				zap.Duration("from", r.adaptiveBase),
				zap.Duration("to", next))
		}
		r.adaptiveBase = next
		r.recentLimits = r.recentLimits[:0]
		if r.observer != nil {
			r.observer.ObserveAdaptiveDelay(next)
		}
	}
}

// decayLocked halves the adaptive base once per cooldown without rate-limit errors.
func (r *Retrier) decayLocked() {
	base := ms(r.cfg.BaseDelayMs)
	if r.adaptiveBase <= base {
		return
	}
	cooldown := time.Duration(r.cfg.CooldownSec) * time.Second
	now := r.now()
	since := r.lastRateLimit
	if r.lastDecay.After(since) {
		since = r.lastDecay
	}
	for r.adaptiveBase > base && now.Sub(since) >= cooldown {
		r.adaptiveBase /= 2
		if r.adaptiveBase < base {
			r.adaptiveBase = base
		}
		since = since.Add(cooldown)
		r.lastDecay = since
	}
	if r.observer != nil {
		r.observer.ObserveAdaptiveDelay(r.adaptiveBase)
	}
}

func (r *Retrier) observe(op, class string) {
	if r.observer != nil {
		r.observer.ObserveRetry(op, class)
	}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
