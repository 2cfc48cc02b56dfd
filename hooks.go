package querycache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// A fetch was started for a key. requestID is unique per flight.
	FetchStarted(storageKey string, requestID uint64)

	// A logical request attached to an already in-flight fetch instead
	// of issuing a duplicate call.
	FetchJoined(storageKey string)

	// A transient fetch failure will be retried. attempt is 1-based.
	FetchRetry(storageKey string, attempt int, err error)

	// A fetch exhausted its retries (or failed non-retryably).
	FetchFailed(storageKey string, attempts int, err error)

	// A fetch completed after its entry's generation moved (invalidate or
	// rollback mid-flight). The result was written but recorded stale.
	FetchSuperseded(storageKey string, requestID uint64)

	// A mutation wrote speculative values for n touched keys.
	OptimisticApplied(n int)

	// A failed mutation restored its touched keys from snapshot.
	RollbackApplied(n int, err error)

	// The garbage collector removed an unobserved entry past retention.
	EntryEvicted(storageKey string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) FetchStarted(string, uint64)      {}
func (NopHooks) FetchJoined(string)               {}
func (NopHooks) FetchRetry(string, int, error)    {}
func (NopHooks) FetchFailed(string, int, error)   {}
func (NopHooks) FetchSuperseded(string, uint64)   {}
func (NopHooks) OptimisticApplied(int)            {}
func (NopHooks) RollbackApplied(int, error)       {}
func (NopHooks) EntryEvicted(string)              {}
