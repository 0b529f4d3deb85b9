// Package breaker provides a rolling-window circuit breaker for calls to
// external dependencies.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrOpen is matched by every *OpenError.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of the circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// OpenError is returned without invoking the wrapped call while the breaker
// rejects traffic.
type OpenError struct {
	Name            string
	NextAttemptTime time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open until %s", e.Name, e.NextAttemptTime.UTC().Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Config configures a circuit breaker.
type Config struct {
	// FailureThreshold is the failure percentage (0-100) that opens the circuit.
	FailureThreshold float64
	// ResetTimeout is how long the circuit stays open before a trial call.
	ResetTimeout time.Duration
	// MonitoringPeriod clears the window when no call happened for this long.
	MonitoringPeriod time.Duration
	// MinimumThroughput is the number of calls required before the ratio counts.
	MinimumThroughput int
	// IsFailure reports whether err counts against the breaker. Errors it
	// rejects are recorded as successes.
	IsFailure func(err error) bool
	// OnStateChange is called with the breaker lock released.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a default circuit breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  50,
		ResetTimeout:      60 * time.Second,
		MonitoringPeriod:  2 * time.Minute,
		MinimumThroughput: 5,
	}
}

type retryable interface {
	IsRetryable() bool
}

// IsRetryableFailure is the default classifier: only errors that declare
// themselves retryable count as failures.
func IsRetryableFailure(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name            string     `json:"name"`
	State           State      `json:"state"`
	TotalCalls      int        `json:"totalCalls"`
	FailedCalls     int        `json:"failedCalls"`
	SuccessfulCalls int        `json:"successfulCalls"`
	FailureRate     float64    `json:"failureRate"`
	NextAttemptTime *time.Time `json:"nextAttemptTime,omitempty"`
	StateChangeTime time.Time  `json:"stateChangeTime"`
	LastCallTime    *time.Time `json:"lastCallTime,omitempty"`
}

// Breaker implements the circuit breaker pattern over a rolling call window.
type Breaker struct {
	name   string
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger

	mu              sync.Mutex
	state           State
	total           int
	failed          int
	succeeded       int
	nextAttempt     time.Time
	stateChangeTime time.Time
	lastCall        time.Time
	trialInFlight   bool
}

// New creates a breaker. Zero config fields take DefaultConfig values.
func New(name string, cfg Config, clock clockwork.Clock, logger zerolog.Logger) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.MonitoringPeriod <= 0 {
		cfg.MonitoringPeriod = def.MonitoringPeriod
	}
	if cfg.MinimumThroughput <= 0 {
		cfg.MinimumThroughput = def.MinimumThroughput
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = IsRetryableFailure
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Breaker{
		name:            name,
		cfg:             cfg,
		clock:           clock,
		logger:          logger,
		state:           StateClosed,
		stateChangeTime: clock.Now(),
	}
}

func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the circuit is open. While open it returns an
// *OpenError and fn is not invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	changed, err := b.beforeCall()
	b.notify(changed)
	if err != nil {
		return err
	}

	callErr := fn(ctx)

	b.notify(b.afterCall(callErr))
	return callErr
}

// Do is Execute for calls that return a value.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

type transition struct {
	from, to State
}

func (b *Breaker) beforeCall() (*transition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if b.state == StateClosed && !b.lastCall.IsZero() && now.Sub(b.lastCall) > b.cfg.MonitoringPeriod {
		b.resetWindow()
	}

	var changed *transition
	switch b.state {
	case StateOpen:
		if now.Before(b.nextAttempt) {
			return nil, &OpenError{Name: b.name, NextAttemptTime: b.nextAttempt}
		}
		changed = b.transitionTo(StateHalfOpen, now)
		b.trialInFlight = true
	case StateHalfOpen:
		// Only one trial call at a time.
		if b.trialInFlight {
			return nil, &OpenError{Name: b.name, NextAttemptTime: b.nextAttempt}
		}
		b.trialInFlight = true
	}
	b.lastCall = now
	return changed, nil
}

func (b *Breaker) afterCall(err error) *transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	failure := err != nil && b.cfg.IsFailure(err)

	b.total++
	if failure {
		b.failed++
	} else {
		b.succeeded++
	}

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		if failure {
			return b.open(now)
		}
		t := b.transitionTo(StateClosed, now)
		b.resetWindow()
		return t
	case StateClosed:
		if failure && b.total >= b.cfg.MinimumThroughput && b.failureRate() >= b.cfg.FailureThreshold {
			return b.open(now)
		}
	}
	return nil
}

func (b *Breaker) open(now time.Time) *transition {
	b.nextAttempt = now.Add(b.cfg.ResetTimeout)
	b.trialInFlight = false
	return b.transitionTo(StateOpen, now)
}

func (b *Breaker) transitionTo(to State, now time.Time) *transition {
	if b.state == to {
		return nil
	}
	from := b.state
	b.state = to
	b.stateChangeTime = now
	if to == StateClosed {
		b.nextAttempt = time.Time{}
	}
	return &transition{from: from, to: to}
}

func (b *Breaker) resetWindow() {
	b.total, b.failed, b.succeeded = 0, 0, 0
}

func (b *Breaker) failureRate() float64 {
	if b.total == 0 {
		return 0
	}
	return float64(b.failed) / float64(b.total) * 100
}

func (b *Breaker) notify(t *transition) {
	if t == nil {
		return
	}
	ev := b.logger.Info()
	if t.to == StateOpen {
		ev = b.logger.Warn()
	}
	ev.Str("breaker", b.name).Str("from", t.from.String()).Str("to", t.to.String()).Msg("breaker: state changed")
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, t.from, t.to)
	}
}

// State returns the current state without evaluating the reset timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the current window.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Name:            b.name,
		State:           b.state,
		TotalCalls:      b.total,
		FailedCalls:     b.failed,
		SuccessfulCalls: b.succeeded,
		FailureRate:     b.failureRate(),
		StateChangeTime: b.stateChangeTime,
	}
	if !b.nextAttempt.IsZero() {
		t := b.nextAttempt
		s.NextAttemptTime = &t
	}
	if !b.lastCall.IsZero() {
		t := b.lastCall
		s.LastCallTime = &t
	}
	return s
}

// ForceOpen opens the circuit for one reset timeout regardless of the window.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	t := b.open(b.clock.Now())
	b.mu.Unlock()
	b.notify(t)
}

// Reset closes the circuit and clears the window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	t := b.transitionTo(StateClosed, b.clock.Now())
	b.resetWindow()
	b.trialInFlight = false
	b.mu.Unlock()
	b.notify(t)
}
