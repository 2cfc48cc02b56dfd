package querycache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/querycache/backoff"
	"github.com/unkn0wn-root/querycache/codec"
	"github.com/unkn0wn-root/querycache/key"
)

// Fetcher performs the remote read for one key. It is an injected
// capability: the cache never talks to a transport itself. Wrap transient
// failures with Network(...) to make them retryable.
type Fetcher[V any] func(ctx context.Context) (V, error)

// MutationFunc performs the remote write of a mutation.
type MutationFunc func(ctx context.Context, input any) (any, error)

// Selector projects the part of a value a subscriber cares about.
// It must be pure. Subscribers with a selector are notified only when the
// projection changes by value (compared via deterministic encoding), so
// unrelated fields changing never wakes them.
type Selector[V any] func(V) any

// Listener receives entry changes for a subscribed key.
type Listener[V any] func(Result[V])

// Result is the consumer-visible view of a cache entry.
// While Status is StatusLoading or StatusError, Data still carries the last
// known good value when one exists (HasData reports that).
type Result[V any] struct {
	Data    V
	HasData bool
	Status  Status
	Err     error
}

// QueryOptions tune a single Query call. Zero values inherit the cache
// defaults from Options.
type QueryOptions struct {
	// StaleAfter is how long a successful write stays fresh.
	StaleAfter time.Duration
	// Retention is how long the entry survives with zero observers.
	Retention time.Duration
	// RetryCount caps transient-failure retries. 0 inherits the cache
	// default; negative disables retrying.
	RetryCount int
	// RefetchOnFocus / RefetchOnReconnect opt the entry into refetching
	// when NotifyFocus / NotifyReconnect fire and the entry is stale.
	RefetchOnFocus     bool
	RefetchOnReconnect bool
	// WaitForFresh makes Query block for the revalidation result even
	// when a previous value exists. By default a stale value is served
	// immediately and revalidated in the background
	// (stale-while-revalidate); subscribers see the refresh land.
	WaitForFresh bool
}

// MutationOptions configure one mutation's optimistic protocol.
type MutationOptions[V any] struct {
	// Touches declares every key the optimistic update may write.
	// Those entries are snapshotted before OnMutate runs and restored
	// byte-for-byte if the remote write fails.
	Touches func(input any) []key.Key

	// OnMutate applies the speculative values, normally via SetSnapshot.
	// Writes to keys outside Touches are not rolled back.
	OnMutate func(ctx context.Context, input any) error

	// OnSuccess reconciles the authoritative server result into the cache
	// (replace, don't merge: the server value wins for what it returns).
	// When nil, every touched key is invalidated instead so the next
	// access refetches.
	OnSuccess func(ctx context.Context, result, input any) error

	// OnError observes the failure after rollback has completed and
	// observers were notified.
	OnError func(ctx context.Context, err error, input any)
}

// Mutator triggers a configured mutation.
type Mutator interface {
	// Trigger runs snapshot -> speculative apply -> remote write ->
	// reconcile-or-rollback and returns the server result. Mutations on
	// overlapping keys are serialized: a second Trigger does not start
	// its snapshot until the first finished reconciling or rolling back.
	Trigger(ctx context.Context, input any) (any, error)
}

// Cache is the public surface of one cache instance. Instances are
// independent: create one per test or per logical scope and pass it
// explicitly to whatever consumes it.
type Cache[V any] interface {
	// Query returns the entry for k, fetching when absent or stale.
	// Fresh entries are served without any network call. Concurrent
	// queries for the same key share a single fetch.
	Query(ctx context.Context, k key.Key, fetch Fetcher[V], opts QueryOptions) (Result[V], error)

	// NewMutation builds a reusable optimistic mutation around fn.
	NewMutation(fn MutationFunc, opts MutationOptions[V]) Mutator

	// Invalidate marks every entry matching keyOrPrefix (the key itself
	// and all hierarchical children) stale and refetches those with
	// active observers.
	Invalidate(ctx context.Context, keyOrPrefix key.Key) error

	// GetSnapshot reads the current value without touching staleness or
	// issuing fetches.
	GetSnapshot(k key.Key) (V, bool, error)

	// SetSnapshot writes v directly as a fresh successful value,
	// notifying observers. Escape hatch used by reconciliation logic.
	SetSnapshot(ctx context.Context, k key.Key, v V) error

	// Subscribe registers interest in k. sel may be nil for plain
	// notification on every change. The returned func unsubscribes;
	// calling it more than once is safe.
	Subscribe(k key.Key, sel Selector[V], fn Listener[V]) (func(), error)

	// NotifyFocus / NotifyReconnect refetch stale observed entries that
	// opted in via QueryOptions. They are the explicit analogue of a UI
	// layer's focus/reconnect events.
	NotifyFocus(ctx context.Context)
	NotifyReconnect(ctx context.Context)

	// Len reports the number of live entries.
	Len() int
	// Keys returns the canonical form of every live key.
	Keys() []string

	// Close stops the garbage collector. The cache stays readable.
	Close(ctx context.Context) error
}

// Options tune a cache instance. All fields are optional.
type Options[V any] struct {
	// Snapshot en/decodes values for mutation snapshots and rollback.
	// nil => deterministic CBOR.
	Snapshot codec.Codec[V]

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	StaleAfter    time.Duration  // default freshness window; 0 => 30s
	Retention     time.Duration  // unobserved-entry retention; 0 => 5m
	RetryCount    int            // fetch retries; 0 => 3, negative => none
	SweepInterval time.Duration  // GC cadence; 0 => 1m
	Backoff       backoff.Policy // retry delays; nil => exponential 100ms x3 cap 2s

	// RollbackMarksStale additionally invalidates touched keys after a
	// rollback, forcing revalidation against the server. Rollback itself
	// is always byte-exact; this only changes freshness afterwards.
	RollbackMarksStale bool

	// Disabled short-circuits the cache: every Query goes to the fetcher,
	// mutations dispatch without optimistic writes. For debugging.
	Disabled bool
}

// BackoffFixed returns a constant retry delay policy.
func BackoffFixed(d time.Duration) backoff.Policy { return backoff.Fixed(d) }

// New creates an independent cache instance.
func New[V any](opts Options[V]) (Cache[V], error) {
	return newClient[V](opts)
}
