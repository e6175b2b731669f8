// Package breaker guards calls to external boundaries (storage, records,
// payment provider) with a circuit breaker so a failing collaborator is
// rejected fast instead of holding a submission open.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/carewizard/internal/config"
)

// ErrOpen is returned by Do when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the current state of a circuit breaker.
type State int

const (
	// Closed allows all calls through. Failures are counted.
	Closed State = iota
	// HalfOpen lets trial calls through.
	HalfOpen
	// Open rejects all calls immediately.
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minErrorRateSamples is the minimum number of calls in a window before the
// error rate threshold is evaluated.
const minErrorRateSamples = 10

// Breaker trips on either consecutive failures or the error rate inside a
// tumbling window. It is safe for concurrent use.
type Breaker struct {
	name string

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time

	errorRateThreshold float64
	errorRateWindow    time.Duration
	windowStart        time.Time
	windowTotal        int
	windowFailures     int

	// IsFailure decides whether an error returned by a guarded call counts
	// against the breaker. Nil counts every error except context
	// cancellation.
	IsFailure func(error) bool
	// OnStateChange is called, outside the lock, after every transition.
	OnStateChange func(name string, from, to State)

	now func() time.Time
}

// New creates a breaker for the named boundary from configuration, filling
// zero thresholds with defaults.
func New(name string, cfg config.CircuitBreakerConfig) *Breaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	successThreshold := cfg.SuccessThreshold
	if successThreshold < 1 {
		successThreshold = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b := &Breaker{
		name:               name,
		state:              Closed,
		failureThreshold:   failureThreshold,
		successThreshold:   successThreshold,
		timeout:            timeout,
		errorRateThreshold: cfg.ErrorRateThreshold,
		errorRateWindow:    cfg.ErrorRateWindow,
		now:                time.Now,
	}
	b.windowStart = b.now()
	return b
}

// Name returns the boundary name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// Do runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && b.countsAsFailure(err) {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return err
}

func (b *Breaker) countsAsFailure(err error) bool {
	if b.IsFailure != nil {
		return b.IsFailure(err)
	}
	return !errors.Is(err, context.Canceled)
}

// Allow reports whether a call may proceed. It returns ErrOpen while the
// breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from := b.state
	if b.state == Open {
		if b.now().Sub(b.openedAt) <= b.timeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.successes = 0
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return nil
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case Closed:
		b.failures = 0
		b.recordWindowCall(false)
	case HalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
			b.resetWindow()
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case Closed:
		b.failures++
		b.recordWindowCall(true)
		if b.failures >= b.failureThreshold || b.errorRateExceeded() {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.openedAt) > b.timeout {
		return HalfOpen
	}
	return b.state
}

// HealthCheck reports the breaker as unhealthy while it is open.
func (b *Breaker) HealthCheck(_ context.Context) error {
	if b.State() == Open {
		return ErrOpen
	}
	return nil
}

// trip opens the breaker. Must be called with lock held.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.successes = 0
	b.resetWindow()
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.OnStateChange != nil {
		b.OnStateChange(b.name, from, to)
	}
}

// recordWindowCall tracks a call in the tumbling window. Must be called with lock held.
func (b *Breaker) recordWindowCall(isFailure bool) {
	if b.errorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.errorRateWindow {
		b.resetWindow()
	}
	b.windowTotal++
	if isFailure {
		b.windowFailures++
	}
}

// resetWindow clears the window counters. Must be called with lock held.
func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailures = 0
}

// errorRateExceeded must be called with lock held.
func (b *Breaker) errorRateExceeded() bool {
	if b.errorRateThreshold <= 0 || b.errorRateWindow <= 0 {
		return false
	}
	if b.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.errorRateThreshold
}
