package botapi

import (
	"sync"
	"time"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// breaker is a consecutive-failure circuit breaker:
//   - closed: calls pass; threshold consecutive failures open the circuit.
//   - open: calls are rejected until timeout elapses.
//   - half-open: exactly one trial call passes; success closes the circuit,
//     failure re-opens it (the timeout restarts).
type breaker struct {
	mu sync.Mutex

	threshold int
	timeout   time.Duration

	state       BreakerState
	fails       int
	lastFailure time.Time
	openedAt    time.Time
	probing     bool

	now func() time.Time // test hook
}

func newBreaker(threshold int, timeout time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &breaker{threshold: threshold, timeout: timeout, now: time.Now}
}

// allow reports whether a call may proceed right now.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		// Only one in-flight probe.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.probing = false
		if err == nil {
			b.state = BreakerClosed
			b.fails = 0
			return
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.lastFailure = b.openedAt
		return
	}

	if err == nil {
		b.fails = 0
		return
	}

	b.fails++
	b.lastFailure = b.now()
	if b.fails >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.lastFailure
	}
}

// Snapshot is a point-in-time view for diagnostics.
type BreakerSnapshot struct {
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

func (b *breaker) snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:       b.state.String(),
		Failures:    b.fails,
		LastFailure: b.lastFailure,
	}
}
