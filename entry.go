package querycache

import (
	"time"

	"github.com/unkn0wn-root/querycache/key"
)

// Status is the lifecycle state of a cache entry.
type Status uint8

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// entryState is the part of an entry the pure transition function owns.
// Generations implement invalidation without coordinating with in-flight
// work: invalidate bumps Gen, a write stamps ValidGen with the generation
// observed when its fetch started, and the entry is trusted only while the
// two match. A late write from a superseded flight therefore lands already
// stale instead of masking the invalidation.
type entryState[V any] struct {
	Data        V
	HasData     bool
	Status      Status
	Err         error
	LastUpdated time.Time
	Gen         uint64
	ValidGen    uint64
}

type actionKind uint8

const (
	actFetchStart actionKind = iota
	actFetchSuccess
	actFetchError
	actInvalidate
	actWrite // direct snapshot write (SetSnapshot / optimistic apply / rollback restore)
)

type action[V any] struct {
	kind actionKind
	data V
	err  error
	at   time.Time
	gen  uint64 // generation observed when the fetch started (actFetchSuccess)
}

// transition is the pure state machine for one entry. It performs no I/O
// and no notification; callers commit the returned state under the store
// lock and notify observers afterwards, so no consumer can observe a torn
// intermediate.
func transition[V any](s entryState[V], a action[V]) entryState[V] {
	switch a.kind {
	case actFetchStart:
		// previous Data/Err retained: consumers keep the last good value
		// while the refetch runs.
		s.Status = StatusLoading
	case actFetchSuccess:
		s.Status = StatusSuccess
		s.Data = a.data
		s.HasData = true
		s.Err = nil
		s.LastUpdated = a.at
		s.ValidGen = a.gen
	case actFetchError:
		// last known good Data remains available on error.
		s.Status = StatusError
		s.Err = a.err
	case actInvalidate:
		s.Gen++
	case actWrite:
		s.Status = StatusSuccess
		s.Data = a.data
		s.HasData = true
		s.Err = nil
		s.LastUpdated = a.at
		s.ValidGen = s.Gen
	}
	return s
}

// entry is a live cache record. Owned exclusively by the store; all access
// goes through store methods under its lock.
type entry[V any] struct {
	ck    key.Canonical
	state entryState[V]

	staleAfter time.Duration
	retention  time.Duration
	retryCount int

	observers int
	inFlight  uint64 // requestID of the executing fetch, 0 when none

	refetchOnFocus     bool
	refetchOnReconnect bool

	// last fetcher seen for this key; used when an invalidation or a
	// focus/reconnect signal triggers a refetch without a caller present.
	fetch Fetcher[V]
}

func (e *entry[V]) result() Result[V] {
	return Result[V]{
		Data:    e.state.Data,
		HasData: e.state.HasData,
		Status:  e.state.Status,
		Err:     e.state.Err,
	}
}
