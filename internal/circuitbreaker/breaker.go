// Package circuitbreaker tracks hosts that keep failing at the network level so
// optional lookups against them can be skipped. Each host moves
// closed → open → half-open independently.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/mbd888/agentdir/internal/metrics"
)

// State is a host's circuit state.
type State int

const (
	StateClosed   State = iota // probes flow
	StateOpen                  // probes are short-circuited
	StateHalfOpen              // one trial probe is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type hostState struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive network failures per host. After threshold
// failures the host is open for cooldown, then a single trial probe decides
// whether it closes again.
type Breaker struct {
	mu        sync.Mutex
	hosts     map[string]*hostState
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and a
// 10 minute cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Minute
	}
	return &Breaker{
		hosts:     make(map[string]*hostState),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock overrides time.Now (for tests).
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// Allow reports whether host may be probed now.
func (b *Breaker) Allow(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.hosts[host]
	if !ok {
		return true
	}
	switch h.state {
	case StateOpen:
		if b.now().Sub(h.openedAt) < b.cooldown {
			return false
		}
		b.transition(h, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// Success records a probe that reached the host. Any HTTP response counts.
func (b *Breaker) Success(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.hosts[host]
	if !ok {
		return
	}
	b.transition(h, StateClosed)
	h.failures = 0
}

// Failure records a probe that never got a response.
func (b *Breaker) Failure(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.hosts[host]
	if !ok {
		h = &hostState{}
		b.hosts[host] = h
	}
	h.failures++

	if h.state == StateHalfOpen || (h.state == StateClosed && h.failures >= b.threshold) {
		h.openedAt = b.now()
		b.transition(h, StateOpen)
	}
}

// State returns the host's current state; unknown hosts are closed.
func (b *Breaker) State(host string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.hosts[host]; ok {
		return h.state
	}
	return StateClosed
}

// caller holds b.mu
func (b *Breaker) transition(h *hostState, to State) {
	if h.state == to {
		return
	}
	metrics.BreakerTransitionsTotal.WithLabelValues(h.state.String(), to.String()).Inc()
	h.state = to
}
