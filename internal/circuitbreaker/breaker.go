// Package circuitbreaker guards calls to external services the settlement
// flow depends on (the wallet-signing service, chain RPC). A service that
// keeps failing is cut off for a cooldown period so in-flight settlements
// fail fast instead of stacking up behind long client timeouts.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do while the circuit is rejecting calls.
var ErrOpen = errors.New("circuit open")

// State of the circuit for one service.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected until the cooldown passes
	StateHalfOpen              // a single probe call is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "claimpay",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by service, from-state, and to-state.",
}, []string{"service", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks one circuit per service name. It opens a circuit after
// threshold consecutive failures, and after cooldown allows one probe; a
// successful probe closes the circuit, a failed one re-opens it.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
}

// New creates a breaker. Non-positive arguments fall back to 5 failures
// and a 30 second cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Do runs fn under the named circuit. Returns ErrOpen without calling fn
// when the circuit is rejecting; otherwise fn's error is recorded and
// returned unchanged.
func (b *Breaker) Do(service string, fn func() error) error {
	if !b.Allow(service) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(service)
		return err
	}
	b.RecordSuccess(service)
	return nil
}

// Allow reports whether a call to the service may proceed. While open, the
// first call after the cooldown moves the circuit to half-open and is let
// through as the probe.
func (b *Breaker) Allow(service string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[service]
	if !ok {
		return true
	}

	switch c.state {
	case StateOpen:
		if time.Since(c.lastFailure) >= b.cooldown {
			b.transition(c, service, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		// probe already in flight
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[service]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.transition(c, service, StateClosed)
	}
	c.failures = 0
}

// RecordFailure counts a failed call, opening the circuit at the threshold.
// A failed probe re-opens immediately.
func (b *Breaker) RecordFailure(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[service]
	if !ok {
		c = &circuit{}
		b.circuits[service] = c
	}

	c.failures++
	c.lastFailure = time.Now()

	switch {
	case c.state == StateHalfOpen:
		b.transition(c, service, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		b.transition(c, service, StateOpen)
	}
}

// State returns the circuit state for a service. Unknown services are closed.
func (b *Breaker) State(service string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[service]; ok {
		return c.state
	}
	return StateClosed
}

// transition must be called with b.mu held.
func (b *Breaker) transition(c *circuit, service string, to State) {
	if c.state == to {
		return
	}
	stateTransitions.WithLabelValues(service, c.state.String(), to.String()).Inc()
	c.state = to
}
