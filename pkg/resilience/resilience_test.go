package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "fleet", MaxFailures: 3})
	boom := errors.New("upstream down")

	for i := 0; i < 3; i++ {
		require.Error(t, cb.Execute(func() error { return boom }))
	}
	require.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	require.Error(t, err)
	require.Contains(t, err.Error(), "open")
}

func TestCircuitBreaker_ProbeClosesOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})
	require.Error(t, cb.Execute(func() error { return errors.New("boom") }))
	require.Equal(t, CircuitOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(func() error { return nil }))
	require.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})
	require.Error(t, cb.Execute(func() error { return errors.New("boom") }))

	time.Sleep(20 * time.Millisecond)
	require.Error(t, cb.Execute(func() error { return errors.New("still down") }))
	require.Equal(t, CircuitOpen, cb.State())
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond

	calls := 0
	err := Retry(context.Background(), cfg, func(attempt int) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}
	boom := errors.New("permanent")

	err := Retry(context.Background(), cfg, func(int) error { return boom })
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "max retries")
}

func TestRetry_NonRetryableReturnsImmediately(t *testing.T) {
	fatal := errors.New("bad request")
	cfg := RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		RetryableErr: func(err error) bool { return !errors.Is(err, fatal) },
	}

	calls := 0
	err := Retry(context.Background(), cfg, func(int) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
}

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	require.True(t, rl.Allow())
	require.True(t, rl.Allow())
	require.False(t, rl.Allow())
}

func TestRateLimiter_WaitHonorsContext(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	require.True(t, rl.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, rl.Wait(ctx), context.DeadlineExceeded)
}

func TestParseRetryAfter_Seconds(t *testing.T) {
	require.Equal(t, 5*time.Second, ParseRetryAfter("5", time.Second))
}

func TestParseRetryAfter_HTTPDate(t *testing.T) {
	future := time.Now().Add(90 * time.Second).UTC().Format(time.RFC1123)
	got := ParseRetryAfter(future, time.Second)
	require.Greater(t, got, time.Duration(0))
	require.LessOrEqual(t, got, 90*time.Second)
}

func TestParseRetryAfter_FallsBack(t *testing.T) {
	def := 7 * time.Second
	require.Equal(t, def, ParseRetryAfter("", def))
	require.Equal(t, def, ParseRetryAfter("not-a-date", def))
	require.Equal(t, def, ParseRetryAfter("-5", def))

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC1123)
	require.Equal(t, def, ParseRetryAfter(past, def))
}

func TestPipeline_RetriesThroughBreaker(t *testing.T) {
	retry := DefaultRetryConfig()
	retry.InitialDelay = time.Millisecond

	p := NewPipeline(nil,
		WithCircuitBreaker(NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 10})),
		WithRateLimit(NewRateLimiter(1000, 10)),
		WithRetry(retry),
	)

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestPipeline_BreakerRejectionSurfaces(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "fleet", MaxFailures: 1, ResetTimeout: time.Hour})
	require.Error(t, cb.Execute(func() error { return errors.New("boom") }))

	p := NewPipeline(nil, WithCircuitBreaker(cb))
	err := p.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.Error(t, err)
	require.Contains(t, err.Error(), "open")
}
