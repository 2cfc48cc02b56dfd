package querycache

import "time"

// Defaults applied by New when the corresponding Options field is zero.
const (
	defaultStaleAfter = 30 * time.Second
	defaultRetention  = 5 * time.Minute
	defaultRetries    = 3
	defaultSweep      = time.Minute
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
