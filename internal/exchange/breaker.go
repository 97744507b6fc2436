package exchange

import (
	"sync"
	"time"

	"github.com/proxyhifi-dev/lords/internal/metrics"
	"github.com/proxyhifi-dev/lords/internal/utils"
)

// CircuitState is the breaker state of one endpoint group.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	case CircuitOpen:
		return "OPEN"
	}
	return "UNKNOWN"
}

// BreakerSnapshot is a point-in-time copy of a breaker.
type BreakerSnapshot struct {
	Group       Group        `json:"group"`
	State       CircuitState `json:"-"`
	StateName   string       `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"last_failure"`
	OpenedAt    time.Time    `json:"opened_at"`
	Opens       int          `json:"opens"`
}

// CircuitBreaker fails calls fast after threshold consecutive failures. After cooldown
// it lets exactly one probe through; the probe's outcome closes or reopens it.
type CircuitBreaker struct {
	mu          sync.Mutex
	group       Group
	threshold   int
	cooldown    time.Duration
	state       CircuitState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	probing     bool
	opens       int
	now         func() time.Time
}

func NewCircuitBreaker(group Group, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	b := &CircuitBreaker{
		group:     group,
		threshold: threshold,
		cooldown:  cooldown,
		state:     CircuitClosed,
		now:       time.Now,
	}
	metrics.BreakerState.WithLabelValues(string(group)).Set(float64(CircuitClosed))
	return b
}

// Allow admits a call or returns *CircuitOpenError. A call admitted in HALF_OPEN is the
// probe and must be followed by Success, Failure or Abort.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if elapsed := now.Sub(b.openedAt); elapsed < b.cooldown {
			return &CircuitOpenError{Group: b.group, RetryAfter: b.cooldown - elapsed}
		}
		b.setState(CircuitHalfOpen)
		b.probing = true
		return nil
	case CircuitHalfOpen:
		if b.probing {
			return &CircuitOpenError{Group: b.group}
		}
		b.probing = true
		return nil
	}
	return nil
}

// Success records a call that reached a live endpoint.
func (b *CircuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitHalfOpen:
		b.probing = false
		b.failures = 0
		b.setState(CircuitClosed)
		utils.WithComponent("breaker").Infof("CircuitBreaker | %s probe succeeded, circuit closed", b.group)
	case CircuitClosed:
		b.failures = 0
	}
}

// Failure records a transient failure.
func (b *CircuitBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures++
	b.lastFailure = now

	switch b.state {
	case CircuitHalfOpen:
		b.probing = false
		b.trip(now)
	case CircuitClosed:
		if b.failures >= b.threshold {
			b.trip(now)
		}
	}
}

// Abort releases a probe slot without a verdict, e.g. when the caller's context ended.
func (b *CircuitBreaker) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitHalfOpen {
		b.probing = false
	}
}

// Reset forces the breaker closed.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.setState(CircuitClosed)
}

// State reports the effective state: an open breaker whose cooldown has elapsed reads
// as HALF_OPEN.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveState()
}

func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.effectiveState()
	return BreakerSnapshot{
		Group:       b.group,
		State:       s,
		StateName:   s.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
		Opens:       b.opens,
	}
}

func (b *CircuitBreaker) effectiveState() CircuitState {
	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

func (b *CircuitBreaker) trip(now time.Time) {
	b.openedAt = now
	b.opens++
	b.setState(CircuitOpen)
	utils.WithComponent("breaker").Warnf("CircuitBreaker | %s circuit opened after %d failures, cooling down for %s",
		b.group, b.failures, b.cooldown)
}

// setState must be called with mu held.
func (b *CircuitBreaker) setState(s CircuitState) {
	b.state = s
	metrics.BreakerState.WithLabelValues(string(b.group)).Set(float64(s))
}
