package connection

import "time"

// ReconnectPolicy decides whether and when the next reconnect attempt runs.
// Attempt numbering starts at 1. A false second return value means the
// attempt budget is exhausted and the caller must degrade.
type ReconnectPolicy interface {
	Next(attempt int) (time.Duration, bool)
}

// FixedDelay waits the same delay before every attempt, up to MaxAttempts.
// A MaxAttempts of zero exhausts immediately.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

func (p FixedDelay) Next(attempt int) (time.Duration, bool) {
	if attempt > p.MaxAttempts {
		return 0, false
	}
	return p.Delay, true
}
