// Package resilience wraps the gateway's single outbound dependency, the
// upstream fleet API: a circuit breaker so a flapping provider stops
// receiving traffic, bounded retry with jittered exponential backoff, a
// token-bucket limiter matching the provider's per-account rate limits,
// and Retry-After parsing for its 429 responses. The fleet API client
// composes these into one Pipeline around every request.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ParseRetryAfter parses an HTTP Retry-After header, which the upstream
// API sends either as a number of seconds or an HTTP-date. It falls back
// to def when the header is empty, unparseable, negative, or already in
// the past.
func ParseRetryAfter(header string, def time.Duration) time.Duration {
	if header == "" {
		return def
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return def
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return def
}

// CircuitState is the breaker's position.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // passing traffic
	CircuitOpen                         // rejecting traffic
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a CircuitBreaker. Zero values take the
// defaults noted per field.
type CircuitBreakerConfig struct {
	Name             string
	MaxFailures      int           // consecutive failures before opening; default 5
	ResetTimeout     time.Duration // open duration before a probe is allowed; default 30s
	HalfOpenMaxCalls int           // concurrent probes while half-open; default 1
	OnStateChange    func(name string, from, to CircuitState)
}

// CircuitBreaker rejects calls outright after MaxFailures consecutive
// failures, then lets a limited number of probes through once
// ResetTimeout has elapsed. A probe success closes the breaker; a probe
// failure re-opens it.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int
	openedAt  time.Time
	probes    int
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn if the breaker admits the call, recording the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// State reports the breaker's current position, promoting open to
// half-open once the reset timeout has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cfg.ResetTimeout {
		cb.moveTo(CircuitHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cfg.ResetTimeout {
		cb.moveTo(CircuitHalfOpen)
	}

	switch cb.state {
	case CircuitOpen:
		return fmt.Errorf("resilience: circuit breaker %s is open", cb.cfg.Name)
	case CircuitHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxCalls {
			return fmt.Errorf("resilience: circuit breaker %s is probing", cb.cfg.Name)
		}
		cb.probes++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state == CircuitHalfOpen {
			cb.moveTo(CircuitClosed)
		}
		cb.failures = 0
		return
	}

	cb.failures++
	cb.openedAt = time.Now()
	if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.MaxFailures {
		cb.moveTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) moveTo(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.probes = 0
	if from != to && cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// RetryConfig tunes Retry. Zero values take the defaults noted per field.
type RetryConfig struct {
	MaxAttempts  int              // default 3
	InitialDelay time.Duration    // default 100ms
	MaxDelay     time.Duration    // backoff cap; default 30s
	Multiplier   float64          // default 2.0
	JitterFrac   float64          // ± fraction of each delay; default 0.1
	RetryableErr func(error) bool // nil retries every error
}

// DefaultRetryConfig is the retry shape the fleet API client uses.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFrac:   0.1,
	}
}

// Retry runs fn up to MaxAttempts times, sleeping a jittered exponential
// backoff between attempts. A non-retryable error (per RetryableErr)
// returns immediately; exhausting the attempts wraps the last error.
func Retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFrac <= 0 {
		cfg.JitterFrac = 0.1
	}

	delay := cfg.InitialDelay
	var err error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if cfg.RetryableErr != nil && !cfg.RetryableErr(err) {
			return err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		sleep := delay + time.Duration(float64(delay)*cfg.JitterFrac*(rand.Float64()*2-1))
		if sleep > cfg.MaxDelay {
			sleep = cfg.MaxDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
	}
	return fmt.Errorf("resilience: max retries (%d) exceeded: %w", cfg.MaxAttempts, err)
}

// RateLimiter is a token bucket: rate tokens per second, up to burst
// banked. The fleet API client sizes it to the provider's per-account
// request budget so 429s become the exception rather than the steady
// state.
type RateLimiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a full bucket.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{rate: rate, burst: float64(burst), tokens: float64(burst), last: time.Now()}
}

// Allow consumes a token if one is banked.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.tokens += now.Sub(rl.last).Seconds() * rl.rate
	rl.last = now
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}

// Wait blocks until a token is available or ctx is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(float64(time.Second) / rl.rate)):
		}
	}
}

// Pipeline composes the limiter, breaker, and retry around one call, in
// that order: the limiter gates admission, the breaker guards each
// attempt, and the retry loop wraps the breaker so a breaker rejection
// counts as a (retryable) failed attempt.
type Pipeline struct {
	breaker *CircuitBreaker
	limiter *RateLimiter
	retry   *RetryConfig
	logger  *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithCircuitBreaker guards every attempt with cb.
func WithCircuitBreaker(cb *CircuitBreaker) PipelineOption {
	return func(p *Pipeline) { p.breaker = cb }
}

// WithRateLimit gates admission on rl.
func WithRateLimit(rl *RateLimiter) PipelineOption {
	return func(p *Pipeline) { p.limiter = rl }
}

// WithRetry wraps the call in Retry with cfg.
func WithRetry(cfg RetryConfig) PipelineOption {
	return func(p *Pipeline) { p.retry = &cfg }
}

// NewPipeline builds a Pipeline from opts.
func NewPipeline(logger *slog.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs fn through the configured stages.
func (p *Pipeline) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("resilience: rate limited: %w", err)
		}
	}

	attempt := func() error {
		if p.breaker != nil {
			return p.breaker.Execute(func() error { return fn(ctx) })
		}
		return fn(ctx)
	}

	if p.retry == nil {
		return attempt()
	}
	return Retry(ctx, *p.retry, func(n int) error {
		if n > 0 && p.logger != nil {
			p.logger.Debug("resilience: retrying upstream call", "attempt", n)
		}
		return attempt()
	})
}
