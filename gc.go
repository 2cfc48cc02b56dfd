package querycache

import (
	"sync"
	"time"
)

// collector periodically evicts entries with zero observers past their
// retention window. Best-effort and non-blocking: a key whose mutation lock
// is held is skipped and picked up by a later sweep.
type collector[V any] struct {
	st    *store[V]
	locks *keyLocks
	now   func() time.Time

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newCollector[V any](st *store[V], locks *keyLocks, interval time.Duration, now func() time.Time) *collector[V] {
	g := &collector[V]{st: st, locks: locks, now: now}
	if interval > 0 {
		g.ticker = time.NewTicker(interval)
		g.stopCh = make(chan struct{})
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			for {
				select {
				case <-g.ticker.C:
					g.sweep()
				case <-g.stopCh:
					return
				}
			}
		}()
	}
	return g
}

func (g *collector[V]) sweep() {
	now := g.now()
	for _, ck := range g.st.sweepCandidates(now) {
		k := ck.String()
		l, ok := g.locks.tryAcquire(k)
		if !ok {
			continue // mutation mid-flight on this key
		}
		// eligibility is re-checked under the store lock; a subscriber or
		// write that raced the candidate scan wins.
		g.st.evict(ck, now)
		g.locks.release(k, l)
	}
}

func (g *collector[V]) stop() {
	if g.stopCh != nil {
		close(g.stopCh)
		g.ticker.Stop()
		g.wg.Wait()
	}
}
