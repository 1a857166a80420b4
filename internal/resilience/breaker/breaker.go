// Package breaker implements a per-dependency circuit breaker. A breaker
// wraps calls to one unreliable remote service, fails fast after repeated
// failures, and periodically probes for recovery.
package breaker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// State is the gate position of a breaker.
type State string

const (
	// StateClosed allows calls through and counts failures.
	StateClosed State = "closed"
	// StateOpen fails calls fast without invoking the operation.
	StateOpen State = "open"
	// StateHalfOpen allows a single probe call to test recovery.
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned when the breaker rejects a call without invoking it.
var ErrOpen = errors.New("circuit breaker is open")

// historyLimit bounds the retained state transition records per breaker.
const historyLimit = 32

// Transition records one state change for diagnostics.
type Transition struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Config controls breaker behavior. Fields are fixed after construction.
type Config struct {
	// Name identifies the protected dependency in logs and stats.
	Name string
	// FailureThreshold is the consecutive failure count that opens the
	// breaker from closed.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before allowing
	// a recovery probe.
	RecoveryTimeout time.Duration
	// IsFailure reports whether an operation error counts against the
	// breaker. Errors it rejects pass through without affecting state.
	// Nil counts every non-nil error.
	IsFailure func(error) bool
	// Clock overrides time.Now, used by tests.
	Clock func() time.Time
}

// Stats is a point-in-time snapshot of breaker counters.
type Stats struct {
	Name            string
	State           State
	Failures        int
	Successes       int
	TotalCalls      int
	LastFailureTime time.Time
	LastSuccessTime time.Time
	Transitions     []Transition
}

// Breaker is a failure gate for one dependency. The zero value is not
// usable; construct with New.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	totalCalls  int
	lastFailure time.Time
	lastSuccess time.Time
	probing     bool
	history     []Transition
}

// New constructs a closed breaker. Name is required; zero thresholds get
// conservative defaults.
func New(cfg Config) (*Breaker, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, errors.New("breaker name is required")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Breaker{cfg: cfg, state: StateClosed}, nil
}

// Do executes op under breaker protection. When the breaker is open the
// operation is never invoked and Do returns ErrOpen. In half-open state only
// the probe caller invokes op; concurrent callers still observe ErrOpen
// until the probe settles.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if b == nil {
		return errors.New("breaker is not configured")
	}
	probe, err := b.admit()
	if err != nil {
		return err
	}

	opErr := op(ctx)
	b.settle(probe, opErr)
	return opErr
}

// admit decides whether the call may proceed, claiming the half-open probe
// slot when the recovery timeout has elapsed.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock()
	switch b.state {
	case StateOpen:
		if now.Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			return false, ErrOpen
		}
		b.transition(StateHalfOpen, now)
		b.probing = true
		return true, nil
	case StateHalfOpen:
		// Reached when the previous probe returned an error the failure
		// matcher rejected: the slot frees up for the next single caller.
		if !b.probing {
			b.probing = true
			return true, nil
		}
		// A probe is already in flight; callers keep failing fast.
		return false, ErrOpen
	default:
		return false, nil
	}
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(probe bool, opErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock()
	b.totalCalls++
	if probe {
		b.probing = false
	}

	if opErr == nil {
		b.successes++
		b.lastSuccess = now
		if b.state == StateHalfOpen {
			b.transition(StateClosed, now)
			b.failures = 0
		}
		return
	}

	if b.cfg.IsFailure != nil && !b.cfg.IsFailure(opErr) {
		// Not a dependency failure; pass through untripped.
		return
	}

	b.failures++
	b.lastFailure = now
	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen, now)
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen, now)
		}
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State, at time.Time) {
	b.history = append(b.history, Transition{
		Name: b.cfg.Name,
		From: b.state,
		To:   to,
		At:   at,
	})
	if len(b.history) > historyLimit {
		b.history = b.history[len(b.history)-historyLimit:]
	}
	b.state = to
}

// State returns the current gate position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of counters and recent transitions.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	transitions := make([]Transition, len(b.history))
	copy(transitions, b.history)
	return Stats{
		Name:            b.cfg.Name,
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		TotalCalls:      b.totalCalls,
		LastFailureTime: b.lastFailure,
		LastSuccessTime: b.lastSuccess,
		Transitions:     transitions,
	}
}

// Reset clears all counters and forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transition(StateClosed, b.cfg.Clock())
	}
	b.failures = 0
	b.successes = 0
	b.totalCalls = 0
	b.lastFailure = time.Time{}
	b.lastSuccess = time.Time{}
	b.probing = false
}
