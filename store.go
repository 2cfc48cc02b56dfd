package querycache

import (
	"sync"
	"time"

	"github.com/unkn0wn-root/querycache/key"
)

// store owns every cache entry. All mutation flows through update/remove so
// observer notification has exactly one commit point; nothing outside this
// file touches an entry in place.
type store[V any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[V]
	subs    map[string]map[uint64]*subscriber[V]
	nextSub uint64

	defaultStaleAfter time.Duration
	defaultRetention  time.Duration
	defaultRetries    int

	now   func() time.Time
	log   Logger
	hooks Hooks
}

func newStore[V any](staleAfter, retention time.Duration, retries int, now func() time.Time, log Logger, hooks Hooks) *store[V] {
	return &store[V]{
		entries:           make(map[string]*entry[V]),
		subs:              make(map[string]map[uint64]*subscriber[V]),
		defaultStaleAfter: staleAfter,
		defaultRetention:  retention,
		defaultRetries:    retries,
		now:               now,
		log:               log,
		hooks:             hooks,
	}
}

// view is a copy of an entry's consumer-relevant state, safe to use outside
// the store lock.
type view[V any] struct {
	state      entryState[V]
	staleAfter time.Duration
	retryCount int
	inFlight   uint64
	observers  int
	fetch      Fetcher[V]
	exists     bool
}

func (s *store[V]) view(ck key.Canonical) view[V] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[ck.String()]
	if !ok {
		return view[V]{}
	}
	return view[V]{
		state:      e.state,
		staleAfter: e.staleAfter,
		retryCount: e.retryCount,
		inFlight:   e.inFlight,
		observers:  e.observers,
		fetch:      e.fetch,
		exists:     true,
	}
}

// refetchTargets lists observed, stale entries that opted into the given
// external signal.
func (s *store[V]) refetchTargets(now time.Time, focus bool) []key.Canonical {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []key.Canonical
	for _, e := range s.entries {
		opted := e.refetchOnReconnect
		if focus {
			opted = e.refetchOnFocus
		}
		if opted && e.observers > 0 && staleState(e.state, e.staleAfter, now) {
			out = append(out, e.ck)
		}
	}
	return out
}

// update gets or creates the entry for ck and applies mutate under the
// store lock. When mutate reports a change, observers are notified after
// the lock is released, so the committed state is never torn and listeners
// may safely reenter the cache.
func (s *store[V]) update(ck key.Canonical, mutate func(e *entry[V]) bool) {
	s.mu.Lock()
	e := s.ensureLocked(ck)
	changed := mutate(e)
	var pending []func()
	if changed {
		pending = s.collectLocked(ck.String(), e)
	}
	s.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

func (s *store[V]) ensureLocked(ck key.Canonical) *entry[V] {
	k := ck.String()
	e, ok := s.entries[k]
	if !ok {
		e = &entry[V]{
			ck:         ck,
			staleAfter: s.defaultStaleAfter,
			retention:  s.defaultRetention,
			retryCount: s.defaultRetries,
			// retention clock starts at creation; successful writes
			// restart it via LastUpdated.
			state: entryState[V]{LastUpdated: s.now()},
		}
		s.entries[k] = e
	}
	return e
}

// remove drops an entry. Used by the garbage collector and by explicit
// invalidation-with-eviction only.
func (s *store[V]) remove(ck key.Canonical) bool {
	k := ck.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[k]; !ok {
		return false
	}
	delete(s.entries, k)
	if subs, ok := s.subs[k]; ok && len(subs) == 0 {
		delete(s.subs, k)
	}
	return true
}

// findByPrefix returns the canonical keys of every live entry the prefix
// reaches (itself included).
func (s *store[V]) findByPrefix(prefix key.Canonical) []key.Canonical {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []key.Canonical
	for _, e := range s.entries {
		if prefix.IsPrefixOf(e.ck) {
			out = append(out, e.ck)
		}
	}
	return out
}

func (s *store[V]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *store[V]) keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}

// sweepCandidates returns keys eligible for eviction at now: zero observers
// and past their retention window since the last successful write.
func (s *store[V]) sweepCandidates(now time.Time) []key.Canonical {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []key.Canonical
	for _, e := range s.entries {
		if e.observers == 0 && now.Sub(e.state.LastUpdated) > e.retention {
			out = append(out, e.ck)
		}
	}
	return out
}

// evict re-checks eligibility under the write lock and deletes. The GC calls
// this only while holding the key's mutation lock, so it can never interleave
// with a mutation's snapshot/apply on the same key.
func (s *store[V]) evict(ck key.Canonical, now time.Time) bool {
	k := ck.String()
	s.mu.Lock()
	e, ok := s.entries[k]
	if !ok || e.observers > 0 || now.Sub(e.state.LastUpdated) <= e.retention || e.inFlight != 0 {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, k)
	delete(s.subs, k)
	s.mu.Unlock()

	s.hooks.EntryEvicted(k)
	s.log.Debug("entry evicted", Fields{"key": k})
	return true
}
