package supervisor

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

type BackoffPolicy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// Delay returns the wait before restart attempt n (1-based). The first
// attempt is immediate; attempt n>=2 waits min(Base*Factor^(n-2), Max).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.Base <= 0 {
		return 0
	}

	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	ceiling := p.Max
	if ceiling <= 0 {
		ceiling = p.Base
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: 0,
		Multiplier:          factor,
		MaxInterval:         ceiling,
	}
	b.Reset()

	var d time.Duration
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}
