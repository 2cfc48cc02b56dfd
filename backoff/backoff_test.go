package backoff

import (
	"testing"
	"time"
)

func TestExponentialDelays(t *testing.T) {
	pol := Default()
	want := []time.Duration{
		100 * time.Millisecond,
		300 * time.Millisecond,
		900 * time.Millisecond,
		2 * time.Second, // capped (2.7s -> 2s)
		2 * time.Second,
	}
	for attempt, w := range want {
		if got := pol.Delay(attempt); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestFixed(t *testing.T) {
	pol := Fixed(50 * time.Millisecond)
	for attempt := 0; attempt < 4; attempt++ {
		if got := pol.Delay(attempt); got != 50*time.Millisecond {
			t.Fatalf("Delay(%d) = %v, want 50ms", attempt, got)
		}
	}
}
