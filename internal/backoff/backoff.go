// Package backoff implements the §7 transport-error policy: exponential
// reconnect backoff with a circuit breaker that trips after too many
// consecutive failures of the same kind.
package backoff

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
)

// DefaultMin/DefaultMax are the §7 transport-error backoff bounds (base
// 5s, cap 120s).
const (
	DefaultMin = 5 * time.Second
	DefaultMax = 120 * time.Second
)

// CircuitBreakThreshold is how many consecutive DB errors trip the
// breaker (§7).
const CircuitBreakThreshold = 10

// Policy wraps jpillora/backoff with a named label (for logging) and a
// consecutive-failure counter that can trip a circuit breaker.
type Policy struct {
	mu   sync.Mutex
	name string
	b    *backoff.Backoff

	consecutive int
	threshold   int
	tripped     bool
}

// New constructs a Policy using the §7 default bounds.
func New(name string) *Policy {
	return NewWithBounds(name, DefaultMin, DefaultMax, CircuitBreakThreshold)
}

// NewWithBounds constructs a Policy with explicit bounds, for callers
// whose retry cadence differs from the default transport-error policy.
func NewWithBounds(name string, min, max time.Duration, threshold int) *Policy {
	return &Policy{
		name:      name,
		b:         &backoff.Backoff{Min: min, Max: max, Factor: 2, Jitter: true},
		threshold: threshold,
	}
}

// NextDelay records a failure and returns how long to wait before
// retrying. Once the consecutive-failure count reaches the configured
// threshold, Tripped reports true until a Success call resets it.
func (p *Policy) NextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutive++
	if p.consecutive >= p.threshold {
		p.tripped = true
	}

	d := p.b.Duration()
	log.Warn().Str("policy", p.name).Dur("delay", d).
		Int("consecutive_failures", p.consecutive).Bool("tripped", p.tripped).
		Msg("transport error; backing off")
	return d
}

// Success resets the backoff and the consecutive-failure counter,
// clearing a tripped circuit breaker.
func (p *Policy) Success() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.consecutive > 0 {
		log.Info().Str("policy", p.name).Msg("transport recovered; backoff reset")
	}
	p.b.Reset()
	p.consecutive = 0
	p.tripped = false
}

// Tripped reports whether the circuit breaker is currently open.
func (p *Policy) Tripped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tripped
}

// ConsecutiveFailures returns the current run length of failures.
func (p *Policy) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutive
}
