// Package querycache implements an observable, instance-scoped data cache
// with staleness tracking, deduplicated fetching, retention-based garbage
// collection and optimistic mutation with byte-exact rollback.
//
// Components:
//   - key: hierarchical keys with a deterministic canonical form; a prefix
//     match denotes parent/child and drives bulk invalidation.
//   - store: single source of truth; every change commits through one point
//     and notifies observers, so no consumer sees a torn state.
//   - query executor: fresh entries are served without any network call;
//     stale entries keep their last good value while one shared flight
//     revalidates (at most one in-flight fetch per key).
//   - mutation executor: snapshot -> speculative apply -> dispatch ->
//     reconcile on success, byte-for-byte rollback on failure. Mutations on
//     the same key are serialized.
//   - garbage collector: interval sweep of entries with zero observers past
//     their retention window; never evicts an observed entry.
//
// Staleness via generations:
//
//	Invalidate bumps the per-entry generation. A fetch stamps its write with
//	the generation observed when it started, and the entry is trusted only
//	while the two match, so a late result from a superseded flight lands
//	already stale instead of masking the invalidation.
//
// The cache never owns a transport: fetchers and mutation functions are
// injected capabilities. Wrap transient fetch failures with Network(...) to
// opt them into retrying.
package querycache
