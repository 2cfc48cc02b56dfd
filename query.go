package querycache

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/querycache/backoff"
	"github.com/unkn0wn-root/querycache/key"
)

// queryExecutor orchestrates fetch-or-serve-from-cache. Concurrent logical
// requests for one key share a single flight; retries happen inside the
// flight so the request identity never changes mid-key.
type queryExecutor[V any] struct {
	st      *store[V]
	sf      singleflight.Group
	reqID   atomic.Uint64
	backoff backoff.Policy
	now     func() time.Time
	log     Logger
	hooks   Hooks
}

func (q *queryExecutor[V]) run(ctx context.Context, ck key.Canonical, fetch Fetcher[V], opts QueryOptions) (Result[V], error) {
	k := ck.String()

	// per-key option overrides and fetcher recording; configuration only,
	// no observable state change.
	q.st.update(ck, func(e *entry[V]) bool {
		if opts.StaleAfter != 0 {
			e.staleAfter = opts.StaleAfter
		}
		if opts.Retention != 0 {
			e.retention = opts.Retention
		}
		if opts.RetryCount != 0 {
			e.retryCount = retriesFor(opts.RetryCount)
		}
		if opts.RefetchOnFocus {
			e.refetchOnFocus = true
		}
		if opts.RefetchOnReconnect {
			e.refetchOnReconnect = true
		}
		e.fetch = fetch
		return false
	})

	now := q.now()
	v := q.st.view(ck)
	if v.exists && !staleState(v.state, v.staleAfter, now) {
		// fresh: served without any network call.
		return resultOf(v.state), nil
	}

	if v.state.HasData && !opts.WaitForFresh {
		// stale-while-revalidate: hand back the last good value right away
		// and refresh behind the caller's back. Observers see the refresh.
		joined := v.inFlight != 0
		q.kick(ctx, ck, fetch, v.retryCount)
		if joined {
			q.hooks.FetchJoined(k)
		}
		res := resultOf(v.state)
		res.Status = StatusLoading
		return res, nil
	}

	ch := q.sf.DoChan(k, func() (any, error) {
		return q.flight(context.WithoutCancel(ctx), ck, fetch, v.retryCount), nil
	})
	select {
	case <-ctx.Done():
		// the flight keeps running; its late result is written back for
		// whoever asks next.
		return resultOf(q.st.view(ck).state), ctx.Err()
	case r := <-ch:
		if r.Shared {
			q.hooks.FetchJoined(k)
		}
		return r.Val.(Result[V]), nil
	}
}

// kick starts a background revalidation unless one is already in flight.
// A second kick racing past the inFlight check is harmless: singleflight
// collapses it onto the running call.
func (q *queryExecutor[V]) kick(ctx context.Context, ck key.Canonical, fetch Fetcher[V], retries int) {
	bg := context.WithoutCancel(ctx)
	go func() {
		// DoChan's channel is buffered; dropping it leaks nothing.
		_ = q.sf.DoChan(ck.String(), func() (any, error) {
			return q.flight(bg, ck, fetch, retries), nil
		})
	}()
}

// revalidate refetches ck with its recorded fetcher when someone is
// watching. Used by invalidation and the focus/reconnect signals.
func (q *queryExecutor[V]) revalidate(ctx context.Context, ck key.Canonical) {
	v := q.st.view(ck)
	if !v.exists || v.fetch == nil || v.observers == 0 || v.inFlight != 0 {
		return
	}
	q.kick(ctx, ck, v.fetch, v.retryCount)
}

// flight is one deduplicated fetch: at most one per key at a time.
// Transient failures are retried with the same request identity; only after
// retries are exhausted does the entry transition to error.
func (q *queryExecutor[V]) flight(ctx context.Context, ck key.Canonical, fetch Fetcher[V], retries int) Result[V] {
	k := ck.String()
	id := q.reqID.Add(1)

	var obsGen uint64
	q.st.update(ck, func(e *entry[V]) bool {
		obsGen = e.state.Gen
		e.inFlight = id
		e.state = transition(e.state, action[V]{kind: actFetchStart})
		return true
	})
	q.hooks.FetchStarted(k, id)

	var (
		v        V
		err      error
		attempts int
	)
	for attempt := 0; ; attempt++ {
		attempts = attempt + 1
		v, err = fetch(ctx)
		if err == nil || attempt >= retries || !retryable(err) {
			break
		}
		q.hooks.FetchRetry(k, attempts, err)
		q.log.Debug("fetch retry", Fields{"key": k, "attempt": attempts, "err": err})
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(q.backoff.Delay(attempt)):
			continue
		}
		break
	}

	if err != nil {
		q.st.update(ck, func(e *entry[V]) bool {
			if e.inFlight == id {
				e.inFlight = 0
			}
			e.state = transition(e.state, action[V]{kind: actFetchError, err: err})
			return true
		})
		q.hooks.FetchFailed(k, attempts, err)
		q.log.Warn("fetch failed", Fields{"key": k, "attempts": attempts, "err": err})
		return resultOf(q.st.view(ck).state)
	}

	now := q.now()
	var superseded bool
	q.st.update(ck, func(e *entry[V]) bool {
		if e.inFlight == id {
			e.inFlight = 0
		}
		// the write is stamped with the generation observed at flight
		// start; if the entry rolled over meanwhile the data still lands
		// (a late arriver benefits) but stays revalidatable.
		e.state = transition(e.state, action[V]{kind: actFetchSuccess, data: v, at: now, gen: obsGen})
		superseded = e.state.Gen != obsGen
		return true
	})
	if superseded {
		q.hooks.FetchSuperseded(k, id)
	}
	return resultOf(q.st.view(ck).state)
}

// staleState is the freshness rule: data exists, was written under the
// current generation, and is no older than staleAfter. Strictly greater
// per contract: an entry is fresh for exactly staleAfter.
func staleState[V any](st entryState[V], staleAfter time.Duration, now time.Time) bool {
	if !st.HasData || st.Status != StatusSuccess {
		return true
	}
	if st.ValidGen != st.Gen {
		return true
	}
	return now.Sub(st.LastUpdated) > staleAfter
}

func resultOf[V any](st entryState[V]) Result[V] {
	return Result[V]{Data: st.Data, HasData: st.HasData, Status: st.Status, Err: st.Err}
}

// retriesFor maps the QueryOptions convention (0 inherit, negative none)
// onto an attempt budget.
func retriesFor(configured int) int {
	if configured < 0 {
		return 0
	}
	return configured
}
