package resilience

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// LimiterConfig configures a RateLimiter.
type LimiterConfig struct {
	// Name identifies the protected client in stats and errors.
	Name string
	// RateLimit is the maximum number of requests issued in any rolling second.
	RateLimit int
	// MaxRetries is the default attempt budget for ExecuteWithRetry.
	MaxRetries int
	// BaseDelay is the first backoff step.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff sleep.
	MaxDelay time.Duration
	// MaxLockout caps how long the internal circuit stays open.
	MaxLockout time.Duration
}

// DefaultLimiterConfig returns conservative limits for the advertising API.
func DefaultLimiterConfig(name string) LimiterConfig {
	return LimiterConfig{
		Name:       name,
		RateLimit:  10,
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		MaxLockout: 300 * time.Second,
	}
}

// UsageTracker receives per-endpoint request counts. Implementations must not
// block and must swallow their own failures.
type UsageTracker interface {
	RecordRequest(endpoint string)
	RecordRateLimit(endpoint string)
}

// LimiterStats is a point-in-time snapshot for health endpoints.
type LimiterStats struct {
	Name                string     `json:"name"`
	RateLimit           int        `json:"rate_limit"`
	RequestsInWindow    int        `json:"requests_in_window"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CircuitOpen         bool       `json:"circuit_open"`
	CircuitOpenUntil    *time.Time `json:"circuit_open_until,omitempty"`
	TotalRequests       int64      `json:"total_requests"`
	RateLimitHits       int64      `json:"rate_limit_hits"`
}

// RateLimiter throttles calls with a sliding one-second window, retries
// rate-limited calls with jittered exponential backoff, and locks out callers
// for a while once retries are exhausted.
type RateLimiter struct {
	cfg     LimiterConfig
	tracker UsageTracker

	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	jitter func() time.Duration

	mu                  sync.Mutex
	window              []time.Time
	consecutiveFailures int
	circuitOpenUntil    time.Time
	totalRequests       int64
	rateLimitHits       int64
}

// NewRateLimiter creates a limiter. tracker may be nil.
func NewRateLimiter(cfg LimiterConfig, tracker UsageTracker) *RateLimiter {
	def := DefaultLimiterConfig(cfg.Name)
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxLockout <= 0 {
		cfg.MaxLockout = def.MaxLockout
	}
	return &RateLimiter{
		cfg:     cfg,
		tracker: tracker,
		now:     time.Now,
		sleep:   sleepContext,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(time.Second)))
		},
	}
}

// Name returns the limiter name.
func (l *RateLimiter) Name() string { return l.cfg.Name }

// Do runs op under the limiter. maxAttempts <= 0 uses the configured MaxRetries.
func (l *RateLimiter) Do(ctx context.Context, op func(context.Context) error, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = l.cfg.MaxRetries
	}
	if err := l.checkCircuit(); err != nil {
		return err
	}

	endpoint := EndpointFrom(ctx)
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := l.acquireSlot(ctx); err != nil {
			return err
		}
		if l.tracker != nil {
			l.tracker.RecordRequest(endpoint)
		}

		err := op(ctx)
		if err == nil {
			l.mu.Lock()
			l.consecutiveFailures = 0
			l.mu.Unlock()
			return nil
		}

		retryAfter, retry := retryHint(err)
		if !retry {
			return err
		}
		lastErr = err

		l.mu.Lock()
		l.consecutiveFailures++
		if errors.Is(err, ErrRateLimited) {
			l.rateLimitHits++
		}
		l.mu.Unlock()
		if l.tracker != nil && errors.Is(err, ErrRateLimited) {
			l.tracker.RecordRateLimit(endpoint)
		}

		if attempt == maxAttempts-1 {
			break
		}
		if err := l.sleep(ctx, l.backoff(attempt, retryAfter)); err != nil {
			return err
		}
	}

	l.openCircuit()
	return lastErr
}

// ExecuteWithRetry is the value-returning form of Do.
func ExecuteWithRetry[T any](ctx context.Context, l *RateLimiter, op func(context.Context) (T, error), maxAttempts int) (T, error) {
	var result T
	err := l.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	}, maxAttempts)
	return result, err
}

// backoff returns min(base*2^attempt + jitter, max), or the server hint when it
// is longer. The hint is bounded by MaxLockout.
func (l *RateLimiter) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := l.cfg.BaseDelay*time.Duration(int64(1)<<attempt) + l.jitter()
	if delay > l.cfg.MaxDelay || delay < 0 {
		delay = l.cfg.MaxDelay
	}
	if retryAfter > delay {
		delay = retryAfter
		if delay > l.cfg.MaxLockout {
			delay = l.cfg.MaxLockout
		}
	}
	return delay
}

func (l *RateLimiter) checkCircuit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.circuitOpenUntil.IsZero() {
		return nil
	}
	now := l.now()
	if now.Before(l.circuitOpenUntil) {
		return &CircuitOpenError{Name: l.cfg.Name, Remaining: l.circuitOpenUntil.Sub(now)}
	}
	l.circuitOpenUntil = time.Time{}
	return nil
}

func (l *RateLimiter) openCircuit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp := l.consecutiveFailures
	if exp > 10 {
		exp = 10
	}
	lockout := l.cfg.BaseDelay * time.Duration(int64(1)<<exp)
	if lockout > l.cfg.MaxLockout {
		lockout = l.cfg.MaxLockout
	}
	l.circuitOpenUntil = l.now().Add(lockout)
}

// acquireSlot blocks until the window has room and reserves a slot.
func (l *RateLimiter) acquireSlot(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		cutoff := now.Add(-time.Second)
		i := 0
		for i < len(l.window) && !l.window[i].After(cutoff) {
			i++
		}
		l.window = l.window[i:]
		if len(l.window) < l.cfg.RateLimit {
			l.window = append(l.window, now)
			l.totalRequests++
			l.mu.Unlock()
			return nil
		}
		wait := l.window[0].Add(time.Second).Sub(now)
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Reset closes the internal circuit and clears the failure streak.
func (l *RateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.circuitOpenUntil = time.Time{}
	l.consecutiveFailures = 0
}

// Stats returns a snapshot of the limiter.
func (l *RateLimiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	inWindow := 0
	cutoff := now.Add(-time.Second)
	for _, t := range l.window {
		if t.After(cutoff) {
			inWindow++
		}
	}
	s := LimiterStats{
		Name:                l.cfg.Name,
		RateLimit:           l.cfg.RateLimit,
		RequestsInWindow:    inWindow,
		ConsecutiveFailures: l.consecutiveFailures,
		TotalRequests:       l.totalRequests,
		RateLimitHits:       l.rateLimitHits,
	}
	if now.Before(l.circuitOpenUntil) {
		until := l.circuitOpenUntil
		s.CircuitOpen = true
		s.CircuitOpenUntil = &until
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type endpointKey struct{}

// WithEndpoint labels calls made with ctx for usage tracking.
func WithEndpoint(ctx context.Context, endpoint string) context.Context {
	return context.WithValue(ctx, endpointKey{}, endpoint)
}

// EndpointFrom returns the endpoint label carried by ctx, or "unknown".
func EndpointFrom(ctx context.Context) string {
	if v, ok := ctx.Value(endpointKey{}).(string); ok && v != "" {
		return v
	}
	return "unknown"
}
