// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/querycache"
//	"github.com/unkn0wn-root/querycache/hooks/async"
//	"github.com/unkn0wn-root/querycache/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    FetchRetryEvery: 10, // sample logs: ~every 10th retry
//	    EvictEvery:      1,  // log every eviction
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	cache, _ := querycache.New[Todo](querycache.Options[Todo]{
//	    Hooks: hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/querycache"
)

type Hooks struct {
	inner querycache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ querycache.Hooks = (*Hooks)(nil)

func New(inner querycache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) FetchStarted(k string, id uint64) { h.try(func() { h.inner.FetchStarted(k, id) }) }
func (h *Hooks) FetchJoined(k string)             { h.try(func() { h.inner.FetchJoined(k) }) }
func (h *Hooks) FetchRetry(k string, attempt int, err error) {
	h.try(func() { h.inner.FetchRetry(k, attempt, err) })
}
func (h *Hooks) FetchFailed(k string, attempts int, err error) {
	h.try(func() { h.inner.FetchFailed(k, attempts, err) })
}
func (h *Hooks) FetchSuperseded(k string, id uint64) {
	h.try(func() { h.inner.FetchSuperseded(k, id) })
}
func (h *Hooks) OptimisticApplied(n int) { h.try(func() { h.inner.OptimisticApplied(n) }) }
func (h *Hooks) RollbackApplied(n int, err error) {
	h.try(func() { h.inner.RollbackApplied(n, err) })
}
func (h *Hooks) EntryEvicted(k string) { h.try(func() { h.inner.EntryEvicted(k) }) }
