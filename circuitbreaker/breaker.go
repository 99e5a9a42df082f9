// Package circuitbreaker implements a per-endpoint three-state circuit
// breaker guarding outbound association attempts against cascading failure.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// CircuitOpen is returned by Execute when the breaker is Open and the reset
// timeout has not yet elapsed.
type CircuitOpen struct {
	Host       string
	Port       int
	RetryAfter time.Duration
}

func (e *CircuitOpen) Error() string {
	return fmt.Sprintf("circuit open for %s:%d, retry after %s", e.Host, e.Port, e.RetryAfter)
}

// Config holds the thresholds governing one breaker's transitions. Every
// field has a documented default applied by NewBreaker when zero.
type Config struct {
	FailureThreshold    int           // Closed -> Open after this many failures in the window
	SuccessThreshold    int           // HalfOpen -> Closed after this many consecutive successes
	ResetTimeout        time.Duration // Open -> HalfOpen after this much time has elapsed
	FailureWindow       time.Duration // sliding window used to count recent failures
}

// DefaultConfig returns {5, 2, 30s, 60s}, this package's baseline preset.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: 30 * time.Second, FailureWindow: 60 * time.Second}
}

// AggressiveConfig returns {3, 1, 15s, 30s}: trips sooner, recovers sooner.
func AggressiveConfig() Config {
	return Config{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: 15 * time.Second, FailureWindow: 30 * time.Second}
}

// ConservativeConfig returns {10, 3, 60s, 120s}: tolerates more failures
// before tripping and takes longer to trust recovery.
func ConservativeConfig() Config {
	return Config{FailureThreshold: 10, SuccessThreshold: 3, ResetTimeout: 60 * time.Second, FailureWindow: 120 * time.Second}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = 2
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 60 * time.Second
	}
	return c
}

// Stats is a point-in-time snapshot of a breaker's counters. Total counters
// persist across resets; the operational state does not.
type Stats struct {
	State              State
	TotalSuccesses      uint64
	TotalFailures       uint64
	RecentFailures      int
	ConsecutiveSuccesses int
	TimesOpened         uint64
	OpenedAt            time.Time
}

// Breaker is a single-endpoint circuit breaker. It is an exclusive-lock
// actor: all state transitions happen under its own mutex, so callers never
// need external synchronization.
type Breaker struct {
	host string
	port int
	cfg  Config

	mu                   sync.Mutex
	state                State
	failureTimestamps    []time.Time
	consecutiveSuccesses int
	openedAt             time.Time
	totalSuccesses       uint64
	totalFailures        uint64
	timesOpened          uint64
}

// NewBreaker creates a Closed breaker for the given host:port endpoint.
func NewBreaker(host string, port int, cfg Config) *Breaker {
	return &Breaker{
		host: host,
		port: port,
		cfg:  cfg.withDefaults(),
		state: Closed,
	}
}

// Execute checks the breaker's state, invokes op if permitted, and records
// the outcome. If the breaker is Open and the reset timeout has not
// elapsed, op is never called and CircuitOpen is returned instead.
func (b *Breaker) Execute(op func() error) error {
	b.mu.Lock()
	b.pruneLocked(time.Now())

	if b.state == Open {
		now := time.Now()
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.cfg.ResetTimeout {
			retryAfter := b.cfg.ResetTimeout - elapsed
			b.mu.Unlock()
			return &CircuitOpen{Host: b.host, Port: b.port, RetryAfter: retryAfter}
		}
		b.state = HalfOpen
		b.consecutiveSuccesses = 0
	}
	b.mu.Unlock()

	err := op()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		var circuitOpen *CircuitOpen
		if errors.As(err, &circuitOpen) {
			return err
		}
		b.recordFailureLocked(time.Now())
		return err
	}

	b.recordSuccessLocked()
	return nil
}

// recordFailureLocked must be called with mu held.
func (b *Breaker) recordFailureLocked(at time.Time) {
	b.totalFailures++
	b.failureTimestamps = append(b.failureTimestamps, at)

	switch b.state {
	case HalfOpen:
		b.openLocked(at)
	case Closed:
		b.pruneLocked(at)
		if len(b.failureTimestamps) >= b.cfg.FailureThreshold {
			b.openLocked(at)
		}
	}
}

// recordSuccessLocked must be called with mu held.
func (b *Breaker) recordSuccessLocked() {
	b.totalSuccesses++

	switch b.state {
	case HalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.consecutiveSuccesses = 0
			b.failureTimestamps = nil
		}
	case Closed:
		// no-op: recent-failure window already prunes on its own schedule
	}
}

func (b *Breaker) openLocked(at time.Time) {
	b.state = Open
	b.openedAt = at
	b.timesOpened++
}

// pruneLocked drops failure timestamps older than the sliding window. Must
// be called with mu held.
func (b *Breaker) pruneLocked(now time.Time) {
	if len(b.failureTimestamps) == 0 {
		return
	}
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := b.failureTimestamps[:0]
	for _, ts := range b.failureTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failureTimestamps = kept
}

// State returns the breaker's current operational state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.pruneLocked(now)
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = HalfOpen
		b.consecutiveSuccesses = 0
	}
	return b.state
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(time.Now())
	return Stats{
		State:                b.state,
		TotalSuccesses:       b.totalSuccesses,
		TotalFailures:        b.totalFailures,
		RecentFailures:       len(b.failureTimestamps),
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		TimesOpened:          b.timesOpened,
		OpenedAt:             b.openedAt,
	}
}

// ForceOpen administratively trips the breaker, for testing or operator
// override.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openLocked(time.Now())
}

// ForceClose administratively resets the breaker to Closed, clearing the
// recent-failure window. Total counters are untouched.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveSuccesses = 0
	b.failureTimestamps = nil
}
