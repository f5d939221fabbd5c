// Package circuitbreaker implements the three-state breaker (CLOSED,
// OPEN, HALF_OPEN) guarding calls to the payment oracle and, with a
// looser threshold, the store. Configuration is per target.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is one of the breaker's three states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config bounds when a breaker trips and how long it stays open.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// OracleDefaults matches spec defaults for the payment oracle target.
func OracleDefaults() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 30 * time.Second}
}

// StoreDefaults matches spec defaults for the store target.
func StoreDefaults() Config {
	return Config{FailureThreshold: 10, SuccessThreshold: 3, Timeout: 60 * time.Second}
}

// OpenError is returned by Call while the breaker is open. Callers
// must treat it as transient and non-incrementing for retry bookkeeping.
type OpenError struct {
	Target string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuitbreaker: %s circuit open", e.Target)
}

// IsOpen reports whether err is an OpenError for any target.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// Stats is the read-only snapshot exposed to callers and health checks.
type Stats struct {
	State              State
	ConsecutiveFailures int
	ConsecutiveSuccesses int
	TotalFailures      int64
	TotalSuccesses     int64
	LastFailureAt      time.Time
	OpenedAt           time.Time
}

// Breaker guards calls to a single named target.
type Breaker struct {
	target string
	cfg    Config

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	totalFailures        int64
	totalSuccesses       int64
	lastFailureAt        time.Time
	openedAt             time.Time
	halfOpenProbeInFlight bool
}

func New(target string, cfg Config) *Breaker {
	return &Breaker{target: target, cfg: cfg, state: Closed}
}

// Call executes fn if the breaker allows it, recording the outcome.
func (b *Breaker) Call(fn func() error) error {
	if !b.allow() {
		return &OpenError{Target: b.target}
	}
	err := fn()
	b.recordResult(err == nil)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cfg.Timeout {
			b.state = HalfOpen
			b.consecutiveSuccesses = 0
			b.halfOpenProbeInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if b.halfOpenProbeInFlight {
			return false
		}
		b.halfOpenProbeInFlight = true
		return true
	default:
		return false
	}
}

func (b *Breaker) recordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.halfOpenProbeInFlight = false

	if success {
		b.totalSuccesses++
		b.consecutiveSuccesses++
		b.consecutiveFailures = 0
		if b.state == HalfOpen && b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.state = Closed
		}
		return
	}

	b.totalFailures++
	b.consecutiveFailures++
	b.consecutiveSuccesses = 0
	b.lastFailureAt = time.Now()

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = time.Now()
	case Closed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = time.Now()
		}
	}
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		TotalFailures:        b.totalFailures,
		TotalSuccesses:       b.totalSuccesses,
		LastFailureAt:        b.lastFailureAt,
		OpenedAt:             b.openedAt,
	}
}

// Reset manually forces the breaker back to closed, clearing the
// consecutive failure/success counters; lifetime totals are kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenProbeInFlight = false
}
