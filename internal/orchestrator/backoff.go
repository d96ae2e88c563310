package orchestrator

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const defaultJitter = 0.25

// Backoff yields retry delays: base, 2*base, 4*base... capped at max, each
// raised by up to 25% chosen uniformly. It is not safe for concurrent use.
type Backoff struct {
	exp    *backoff.ExponentialBackOff
	jitter float64
	rand   func() float64
}

func NewBackoff(base, max time.Duration, rnd func() float64) *Backoff {
	if rnd == nil {
		rnd = rand.Float64
	}
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
	}
	exp.Reset()
	return &Backoff{exp: exp, jitter: defaultJitter, rand: rnd}
}

// Next returns the delay before the next retry and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	return d + time.Duration(b.rand()*b.jitter*float64(d))
}

// Reset restarts the sequence at base.
func (b *Backoff) Reset() {
	b.exp.Reset()
}
