package supervisor

import "time"

// CircuitBreaker counts crashes that follow each other within a window.
// Once open it stays open until Reset; nothing clears it on a timer.
type CircuitBreaker struct {
	IsOpen            bool
	RapidFailureCount int
	LastFailureAt     time.Time
	OpenedAt          time.Time
}

// RecordFailure registers a crash at now and reports whether the breaker
// is open afterwards. It opens when the rapid count exceeds maxRestarts,
// so the window permits exactly maxRestarts automatic restarts.
func (b *CircuitBreaker) RecordFailure(now time.Time, window time.Duration, maxRestarts int) bool {
	if !b.LastFailureAt.IsZero() && now.Sub(b.LastFailureAt) <= window {
		b.RapidFailureCount++
	} else {
		b.RapidFailureCount = 1
	}
	b.LastFailureAt = now

	if !b.IsOpen && b.RapidFailureCount > maxRestarts {
		b.IsOpen = true
		b.OpenedAt = now
	}
	return b.IsOpen
}

func (b *CircuitBreaker) Reset() {
	*b = CircuitBreaker{}
}
