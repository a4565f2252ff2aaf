package exchange

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

var (
	errRateLimited = &models.Error{Code: -1003, Msg: "Too many requests.", Kind: models.ErrRateLimited}
	errNetwork     = errors.Join(models.ErrTransientNetwork, errors.New("connection reset by peer"))
	errBadRequest  = &models.Error{Code: -1102, Msg: "Mandatory parameter missing."}
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testRetryConfig() models.RetryConfig {
	return models.RetryConfig{
		BaseDelayMs:         100,
		MaxDelayMs:          1000,
		NetworkRetries:      3,
		MaxRateLimitRetries: 10,
		RateLimitWindowSec:  60,
		RateLimitThreshold:  2,
		CooldownSec:         120,
		CallTimeoutMs:       1000,
	}
}

// newTestRetrier returns a retrier that records delays instead of sleeping.
func newTestRetrier(cfg models.RetryConfig) (*Retrier, *[]time.Duration, *fakeClock) {
	r := NewRetrier(cfg, zap.NewNop())
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var delays []time.Duration
	r.now = clock.now
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return r, &delays, clock
}

func scripted(errs ...error) (func(ctx context.Context) error, *int) {
	calls := 0
	return func(ctx context.Context) error {
		calls++
		if calls <= len(errs) {
			return errs[calls-1]
		}
		return nil
	}, &calls
}

func TestRetrier_NetworkErrorsUseLinearBackoffAndBoundedBudget(t *testing.T) {
	r, delays, _ := newTestRetrier(testRetryConfig())
	fn, calls := scripted(errNetwork, errNetwork, errNetwork, errNetwork, errNetwork)

	err := r.Do(context.Background(), "positions", false, fn)

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrTransientNetwork))
	assert.Equal(t, 4, *calls, "one call plus three retries")
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, *delays)
}

func TestRetrier_RateLimitsDoNotConsumeNetworkBudget(t *testing.T) {
	r, _, _ := newTestRetrier(testRetryConfig())
	fn, calls := scripted(errRateLimited, errRateLimited, errRateLimited, errRateLimited,
		errNetwork, errNetwork, errNetwork)

	err := r.Do(context.Background(), "positions", false, fn)

	require.NoError(t, err)
	assert.Equal(t, 8, *calls)
}

func TestRetrier_OtherErrorsPropagateImmediately(t *testing.T) {
	r, delays, _ := newTestRetrier(testRetryConfig())
	fn, calls := scripted(errBadRequest)

	err := r.Do(context.Background(), "submit_order", true, fn)

	require.Error(t, err)
	assert.Equal(t, 1, *calls)
	assert.Empty(t, *delays)
	assert.False(t, models.Retryable(err))
}

func TestRetrier_MutatingTimeoutIsUnknownOutcome(t *testing.T) {
	cfg := testRetryConfig()
	cfg.CallTimeoutMs = 20
	r, _, _ := newTestRetrier(cfg)
	calls := 0

	err := r.Do(context.Background(), "submit_order", true, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrUnknownOutcome))
	assert.Equal(t, 1, calls, "an order that may have gone through must not be resent")
}

func TestRetrier_ReadTimeoutIsRetried(t *testing.T) {
	cfg := testRetryConfig()
	cfg.CallTimeoutMs = 20
	r, _, _ := newTestRetrier(cfg)
	calls := 0

	err := r.Do(context.Background(), "positions", false, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetrier_AdaptiveDelayGrowsAndDecays(t *testing.T) {
	r, delays, clock := newTestRetrier(testRetryConfig())
	assert.Equal(t, 100*time.Millisecond, r.CurrentDelay())

	fn, _ := scripted(errRateLimited, errRateLimited)
	require.NoError(t, r.Do(context.Background(), "positions", false, fn))

	// Two rate limits inside the window double the base.
	assert.Equal(t, 200*time.Millisecond, r.CurrentDelay())
	require.Len(t, *delays, 2)
	assert.Equal(t, 100*time.Millisecond, (*delays)[0])
	assert.Equal(t, 400*time.Millisecond, (*delays)[1], "second retry backs off exponentially from the raised base")

	clock.advance(119 * time.Second)
	assert.Equal(t, 200*time.Millisecond, r.CurrentDelay())

	clock.advance(2 * time.Second)
	assert.Equal(t, 100*time.Millisecond, r.CurrentDelay(), "base halves after a quiet cooldown")
}

func TestRetrier_RateLimitRetriesAreCapped(t *testing.T) {
	cfg := testRetryConfig()
	cfg.MaxRateLimitRetries = 2
	r, _, _ := newTestRetrier(cfg)
	fn, calls := scripted(errRateLimited, errRateLimited, errRateLimited, errRateLimited)

	err := r.Do(context.Background(), "positions", false, fn)

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrRateLimited))
	assert.Equal(t, 3, *calls)
}

func TestRetrier_StopsOnContextCancel(t *testing.T) {
	r, _, _ := newTestRetrier(testRetryConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Do(ctx, "positions", false, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
