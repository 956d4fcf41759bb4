// Package breaker guards outbound exchange calls with the circuit breaker
// pattern: after repeated failures the breaker opens and sheds load instead
// of queueing against a dead dependency. One breaker instance exists per
// logical call target so an outage in one call type does not trip another.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexium/tradecore/pkg/metrics"
)

// ErrOpen is returned immediately when the breaker rejects a call. Callers
// distinguish it from the guarded operation's own failures with errors.Is.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state machine.
type State int32

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

// Config tunes a breaker. Zero values fall back to the defaults.
type Config struct {
	Name             string        `mapstructure:"name"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"min=1"`
	FailureWindow    time.Duration `mapstructure:"failure_window" validate:"min=1s"`
	Cooldown         time.Duration `mapstructure:"cooldown" validate:"min=1s"`
}

// DefaultConfig returns the 5 failures / 60s window / 30s cooldown defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		Cooldown:         30 * time.Second,
	}
}

// Metrics is an observability snapshot of a breaker.
type Metrics struct {
	State             State     `json:"state"`
	FailureCount      int64     `json:"failure_count"`
	SuccessCount      int64     `json:"success_count"`
	LastFailureAt     time.Time `json:"last_failure_at"`
	LastStateChangeAt time.Time `json:"last_state_change_at"`
}

// Breaker is a three-state circuit breaker with a rolling failure window.
// It mutates its own state only, under its own lock.
type Breaker struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu                sync.Mutex
	state             State
	failures          []time.Time
	failureCount      int64
	successCount      int64
	lastFailureAt     time.Time
	lastStateChangeAt time.Time
	probeInFlight     bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a breaker in the closed state.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	b := &Breaker{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastStateChangeAt = b.now()
	return b
}

// Call executes op if the state permits, otherwise fails immediately with
// ErrOpen. The operation's result feeds the state machine.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) error) error {
	if !b.allow() {
		return fmt.Errorf("%s: %w", b.cfg.Name, ErrOpen)
	}
	err := op(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// allow admits the call and performs the open -> half-open transition once
// the cooldown since the last state change has elapsed. Half-open admits
// exactly one probe.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastStateChangeAt) >= b.cfg.Cooldown {
			b.setState(StateHalfOpen)
			b.probeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++
	switch b.state {
	case StateHalfOpen:
		// One successful probe closes the breaker.
		b.probeInFlight = false
		b.failures = b.failures[:0]
		b.failureCount = 0
		b.setState(StateClosed)
	case StateClosed:
		// Successes do not shrink the window; stale failures age out.
		b.pruneLocked()
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failureCount++
	b.lastFailureAt = now

	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked()
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		// A failed probe reopens and restarts the cooldown clock.
		b.probeInFlight = false
		b.setState(StateOpen)
	}
}

// pruneLocked drops failures outside the rolling window.
func (b *Breaker) pruneLocked() {
	cutoff := b.now().Add(-b.cfg.FailureWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// setState must be called with the lock held.
func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.lastStateChangeAt = b.now()
	metrics.BreakerState.WithLabelValues(b.cfg.Name).Set(float64(next))
	b.logger.Info("circuit breaker state changed",
		zap.String("name", b.cfg.Name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
		zap.Int("window_failures", len(b.failures)))
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed. Manual override for operational recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
	b.failureCount = 0
	b.successCount = 0
	b.probeInFlight = false
	b.setState(StateClosed)
	b.logger.Info("circuit breaker reset", zap.String("name", b.cfg.Name))
}

// Metrics returns an observability snapshot.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		State:             b.state,
		FailureCount:      b.failureCount,
		SuccessCount:      b.successCount,
		LastFailureAt:     b.lastFailureAt,
		LastStateChangeAt: b.lastStateChangeAt,
	}
}
