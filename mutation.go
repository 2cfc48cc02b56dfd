package querycache

import (
	"context"
	"sort"
	"sync"

	"github.com/unkn0wn-root/querycache/key"
)

// keyLocks serializes mutations (and excludes GC sweeps) per key.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks { return &keyLocks{m: make(map[string]*keyLock)} }

func (l *keyLocks) acquire(k string) *keyLock {
	l.mu.Lock()
	e, ok := l.m[k]
	if !ok {
		e = &keyLock{}
		l.m[k] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return e
}

func (l *keyLocks) release(k string, e *keyLock) {
	e.mu.Unlock()
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, k)
	}
	l.mu.Unlock()
}

// tryAcquire is the GC's non-blocking variant: it must never wait on a
// mutation mid-flight.
func (l *keyLocks) tryAcquire(k string) (*keyLock, bool) {
	l.mu.Lock()
	e, ok := l.m[k]
	if !ok {
		e = &keyLock{}
		l.m[k] = e
	}
	e.refs++
	l.mu.Unlock()

	if !e.mu.TryLock() {
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, k)
		}
		l.mu.Unlock()
		return nil, false
	}
	return e, true
}

// snapshotEntry is one touched key's pre-mutation state. Data is kept as the
// codec's bytes so the restore decodes exactly what was captured.
type snapshotEntry[V any] struct {
	ck        key.Canonical
	existed   bool
	dataBytes []byte // nil when the entry had no data
	state     entryState[V]
	gen       uint64 // generation at snapshot time; moved-gen detection
}

// mutationContext holds the snapshots for one Trigger call. It is created
// per invocation and discarded after reconciliation; never shared.
type mutationContext[V any] struct {
	snaps []snapshotEntry[V]
}

type mutation[V any] struct {
	c    *client[V]
	fn   MutationFunc
	opts MutationOptions[V]
}

var _ Mutator = (*mutation[int])(nil)

// Trigger runs the optimistic update protocol:
//
//	snapshot -> speculative apply -> dispatch -> reconcile | rollback
//
// Per-key locks are held across the whole sequence, so two mutations on the
// same key never interleave their snapshot/apply steps and GC cannot sweep
// a touched key mid-mutation. Dispatch is the only suspension point.
func (m *mutation[V]) Trigger(ctx context.Context, input any) (any, error) {
	var keys []key.Key
	if m.opts.Touches != nil {
		keys = m.opts.Touches(input)
	}

	// canonicalize before any cache interaction; EncodingError fails fast.
	cks := make([]key.Canonical, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		ck, err := k.Canonicalize()
		if err != nil {
			return nil, err
		}
		// Touches may name the same key twice; the per-key lock is not
		// reentrant, so duplicates are collapsed before acquisition.
		if _, dup := seen[ck.String()]; dup {
			continue
		}
		seen[ck.String()] = struct{}{}
		cks = append(cks, ck)
	}

	if m.c.disabled {
		return m.dispatch(ctx, input)
	}

	// lock in sorted order so overlapping mutations can't deadlock.
	sorted := make([]string, len(cks))
	for i, ck := range cks {
		sorted[i] = ck.String()
	}
	sort.Strings(sorted)
	held := make([]*keyLock, len(sorted))
	for i, k := range sorted {
		held[i] = m.c.locks.acquire(k)
	}
	defer func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			m.c.locks.release(sorted[i], held[i])
		}
	}()

	mctx, err := m.snapshot(cks)
	if err != nil {
		return nil, err
	}

	if m.opts.OnMutate != nil {
		if err := m.opts.OnMutate(ctx, input); err != nil {
			// speculative apply aborted; restore whatever it already wrote.
			m.rollback(mctx, err)
			return nil, err
		}
		m.c.hooks.OptimisticApplied(len(cks))
	}

	result, err := m.dispatch(ctx, input)
	if err != nil {
		m.rollback(mctx, err)
		if m.opts.OnError != nil {
			m.opts.OnError(ctx, err, input)
		}
		return nil, err
	}

	// sample generation movement before reconciliation: invalidations that
	// raced the dispatch are the caller's signal, reconcile writes are not.
	moved := m.movedKeys(mctx)

	if m.opts.OnSuccess != nil {
		if rerr := m.opts.OnSuccess(ctx, result, input); rerr != nil {
			return result, rerr
		}
	} else {
		// no reconciler: hand authority back to the server via refetch.
		for _, ck := range cks {
			m.c.invalidateOne(ctx, ck)
		}
	}

	if len(moved) > 0 {
		return result, &StaleWriteError{Keys: moved}
	}
	return result, nil
}

// dispatch never retries: a remote write is not known to be idempotent.
func (m *mutation[V]) dispatch(ctx context.Context, input any) (any, error) {
	return m.fn(ctx, input)
}

func (m *mutation[V]) snapshot(cks []key.Canonical) (*mutationContext[V], error) {
	mctx := &mutationContext[V]{snaps: make([]snapshotEntry[V], 0, len(cks))}
	for _, ck := range cks {
		v := m.c.st.view(ck)
		snap := snapshotEntry[V]{ck: ck, existed: v.exists, state: v.state, gen: v.state.Gen}
		if v.exists && v.state.HasData {
			b, err := m.c.snapshotCodec.Encode(v.state.Data)
			if err != nil {
				return nil, err
			}
			snap.dataBytes = b
		}
		mctx.snaps = append(mctx.snaps, snap)
	}
	return mctx, nil
}

// rollback restores every touched entry to its pre-mutation snapshot,
// field-for-field and byte-for-byte for the data, then notifies observers.
// Notification is unconditional: when OnMutate never wrote a touched key the
// restore is a no-op and its listeners see one duplicate result.
// Entries created by the optimistic write are removed again unless someone
// subscribed in the meantime.
func (m *mutation[V]) rollback(mctx *mutationContext[V], cause error) {
	for _, snap := range mctx.snaps {
		if !snap.existed {
			v := m.c.st.view(snap.ck)
			if v.exists && v.observers == 0 {
				m.c.st.remove(snap.ck)
				continue
			}
		}
		m.c.st.update(snap.ck, func(e *entry[V]) bool {
			restored := snap.state
			if snap.dataBytes != nil {
				data, err := m.c.snapshotCodec.Decode(snap.dataBytes)
				if err != nil {
					// decode of our own encoding failing means the codec is
					// broken; keep the captured in-memory copy.
					m.c.log.Error("rollback decode failed; restoring captured value",
						Fields{"key": snap.ck.String(), "err": err})
					data = snap.state.Data
				}
				restored.Data = data
			}
			// Gen is monotonic supersede metadata, not cached state: keep
			// the live counter so an invalidation that raced the mutation
			// still holds after the restore.
			restored.Gen = e.state.Gen
			if m.c.rollbackMarksStale {
				restored.Gen++
			}
			e.state = restored
			return true
		})
	}
	m.c.hooks.RollbackApplied(len(mctx.snaps), cause)
	m.c.log.Debug("mutation rolled back", Fields{"touched": len(mctx.snaps), "err": cause})
}

// movedKeys reports touched keys whose generation advanced between snapshot
// and reconciliation (someone invalidated or rolled them mid-mutation).
func (m *mutation[V]) movedKeys(mctx *mutationContext[V]) []string {
	var out []string
	for _, snap := range mctx.snaps {
		if v := m.c.st.view(snap.ck); v.exists && v.state.Gen != snap.gen {
			out = append(out, snap.ck.String())
		}
	}
	return out
}
