// Package backoff provides the delay policies used between fetch retries.
package backoff

import "time"

// Policy returns the delay before retrying a failed attempt.
// attempt is zero-based: Delay(0) is the pause before the first retry.
type Policy interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same duration before every retry.
type Fixed time.Duration

func (f Fixed) Delay(int) time.Duration { return time.Duration(f) }

// Exponential grows the delay by Factor per attempt, capped at Max.
type Exponential struct {
	Initial time.Duration
	Factor  int
	Max     time.Duration
}

// Default is the policy used when none is configured: 100ms, x3, capped
// at 2s (so 100ms, 300ms, 900ms, 2s, 2s, ...).
func Default() Exponential {
	return Exponential{Initial: 100 * time.Millisecond, Factor: 3, Max: 2 * time.Second}
}

func (e Exponential) Delay(attempt int) time.Duration {
	d := e.Initial
	for i := 0; i < attempt && d < e.Max; i++ {
		d *= time.Duration(e.Factor)
		if d > e.Max {
			d = e.Max
		}
	}
	if d > e.Max {
		d = e.Max
	}
	return d
}
