package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Decision is the reconnection policy's verdict after a failure.
type Decision struct {
	Delay  time.Duration
	GiveUp bool
}

// Policy decides how long to wait before re-dialing a dropped connection.
// Delays double from base up to ceiling and drop back to base after a
// successful open. The policy never gives up on its own; only an explicit
// Close ends the retry loop.
type Policy struct {
	b *backoff.ExponentialBackOff
}

// NewPolicy creates a policy with the given base delay and ceiling.
func NewPolicy(base, ceiling time.Duration) *Policy {
	if ceiling < base {
		ceiling = base
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = ceiling
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &Policy{b: b}
}

// Decide returns the delay before the next attempt.
func (p *Policy) Decide() Decision {
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return Decision{GiveUp: true}
	}
	return Decision{Delay: d}
}

// Reset returns the delay to the base value. Called on every successful open.
func (p *Policy) Reset() {
	p.b.Reset()
}
