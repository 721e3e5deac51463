// Package resilience provides the circuit breaker and retrying rate limiter
// that guard every call to the advertising API and the token endpoint.
package resilience

import (
	"context"
	"sort"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a trial call.
	RecoveryTimeout time.Duration
	// IsFailure decides which errors count against the breaker. Errors it
	// rejects are passed through without touching the counters. Nil counts
	// every error.
	IsFailure func(error) bool
}

// DefaultBreakerConfig returns the thresholds used for upstream endpoints.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// BreakerStats is a point-in-time snapshot for health endpoints.
type BreakerStats struct {
	Name             string        `json:"name"`
	State            State         `json:"state"`
	FailureCount     int           `json:"failure_count"`
	SuccessCount     int64         `json:"success_count"`
	TotalCalls       int64         `json:"total_calls"`
	LastFailureTime  *time.Time    `json:"last_failure_time,omitempty"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
}

// CircuitBreaker is a three-state guard around a fallible call. The open to
// half-open transition is evaluated lazily when the next call arrives.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int64
	totalCalls    int64
	lastFailure   time.Time
	trialInFlight bool
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string { return b.name }

// State returns the current state without triggering the lazy transition.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op if the circuit allows it. When the circuit is open, fallback
// is invoked with the CircuitOpenError if given; otherwise that error is returned.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error, fallback func(context.Context, error) error) error {
	trial, openErr := b.acquire()
	if openErr != nil {
		if fallback != nil {
			return fallback(ctx, openErr)
		}
		return openErr
	}

	return b.run(ctx, op, trial)
}

// run invokes op and records its outcome. A panic counts as a failure and is
// re-raised after the trial slot is released.
func (b *CircuitBreaker) run(ctx context.Context, op func(context.Context) error, trial bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.recordFailure(trial)
			panic(r)
		}
	}()
	err = op(ctx)
	b.record(err, trial)
	return err
}

// Call is the value-returning form of Execute.
func Call[T any](ctx context.Context, b *CircuitBreaker, op func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, error) {
	var result T
	var fb func(context.Context, error) error
	if fallback != nil {
		fb = func(ctx context.Context, openErr error) error {
			var err error
			result, err = fallback(ctx, openErr)
			return err
		}
	}
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	}, fb)
	return result, err
}

// acquire admits a call or returns the open-circuit error. trial is true when
// the admitted call is the single half-open probe.
func (b *CircuitBreaker) acquire() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		elapsed := b.now().Sub(b.lastFailure)
		if elapsed < b.cfg.RecoveryTimeout {
			return false, &CircuitOpenError{Name: b.name, Remaining: b.cfg.RecoveryTimeout - elapsed}
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return true, nil
	default: // half-open
		if b.trialInFlight {
			return false, &CircuitOpenError{Name: b.name}
		}
		b.trialInFlight = true
		return true, nil
	}
}

func (b *CircuitBreaker) record(err error, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	}

	if err != nil && (b.cfg.IsFailure == nil || b.cfg.IsFailure(err)) {
		b.failLocked()
		return
	}
	if err != nil {
		// Not a breaker failure; a half-open probe stays half-open.
		return
	}

	b.successCount++
	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
	}
}

func (b *CircuitBreaker) recordFailure(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.trialInFlight = false
	}
	b.failLocked()
}

func (b *CircuitBreaker) failLocked() {
	b.failureCount++
	b.lastFailure = b.now()
	if b.state == StateHalfOpen || b.failureCount >= b.cfg.FailureThreshold {
		b.state = StateOpen
	}
}

// Reset forces the breaker closed with zeroed counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.totalCalls = 0
	b.lastFailure = time.Time{}
	b.trialInFlight = false
}

// Stats returns a snapshot of the breaker.
func (b *CircuitBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BreakerStats{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		TotalCalls:       b.totalCalls,
		FailureThreshold: b.cfg.FailureThreshold,
		RecoveryTimeout:  b.cfg.RecoveryTimeout,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureTime = &t
	}
	return s
}

// BreakerRegistry hands out one breaker per protected operation.
type BreakerRegistry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates a registry whose breakers share cfg.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewCircuitBreaker(name, r.cfg)
	r.breakers[name] = b
	return b
}

// Reset resets the named breaker. It reports false if no such breaker exists.
func (r *BreakerRegistry) Reset(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Stats returns snapshots of all breakers ordered by name.
func (r *BreakerRegistry) Stats() []BreakerStats {
	r.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	stats := make([]BreakerStats, 0, len(list))
	for _, b := range list {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
