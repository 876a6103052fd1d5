package anchoring

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how quickly a record is retried
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the randomization factor applied to each delay, 0 disables it
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 8,
		BaseDelay:   2 * time.Second,
		MaxDelay:    5 * time.Minute,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

func (p Policy) backoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.Reset()
	return b
}

// Delay returns how long to wait after the given failed attempt (1-based)
func (p Policy) Delay(attempt int) time.Duration {
	b := p.backoff()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Exhausted reports whether no attempt is left after attempts have been made
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
