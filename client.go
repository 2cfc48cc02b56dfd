package querycache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/querycache/backoff"
	"github.com/unkn0wn-root/querycache/codec"
	"github.com/unkn0wn-root/querycache/key"
)

type client[V any] struct {
	st    *store[V]
	q     *queryExecutor[V]
	gc    *collector[V]
	locks *keyLocks

	snapshotCodec codec.Codec[V]
	log           Logger
	hooks         Hooks

	disabled           bool
	rollbackMarksStale bool
	now                func() time.Time
}

func newClient[V any](opts Options[V]) (*client[V], error) {
	c := &client[V]{
		disabled:           opts.Disabled,
		rollbackMarksStale: opts.RollbackMarksStale,
		now:                time.Now,
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.snapshotCodec = opts.Snapshot
	if c.snapshotCodec == nil {
		cb, err := codec.NewCBOR[V](true)
		if err != nil {
			return nil, err
		}
		c.snapshotCodec = cb
	}

	staleAfter := coalesce(opts.StaleAfter, defaultStaleAfter)
	retention := coalesce(opts.Retention, defaultRetention)
	retries := retriesFor(coalesce(opts.RetryCount, defaultRetries))
	sweep := coalesce(opts.SweepInterval, defaultSweep)

	pol := opts.Backoff
	if pol == nil {
		pol = backoff.Default()
	}

	c.locks = newKeyLocks()
	c.st = newStore[V](staleAfter, retention, retries, func() time.Time { return c.now() }, c.log, c.hooks)
	c.q = &queryExecutor[V]{
		st:      c.st,
		backoff: pol,
		now:     func() time.Time { return c.now() },
		log:     c.log,
		hooks:   c.hooks,
	}
	c.gc = newCollector(c.st, c.locks, sweep, func() time.Time { return c.now() })
	return c, nil
}

func (c *client[V]) Query(ctx context.Context, k key.Key, fetch Fetcher[V], opts QueryOptions) (Result[V], error) {
	ck, err := k.Canonicalize()
	if err != nil {
		return Result[V]{}, err
	}
	if c.disabled {
		// pass-through: no cache interaction at all.
		v, ferr := fetch(ctx)
		if ferr != nil {
			return Result[V]{Status: StatusError, Err: ferr}, nil
		}
		return Result[V]{Data: v, HasData: true, Status: StatusSuccess}, nil
	}
	return c.q.run(ctx, ck, fetch, opts)
}

func (c *client[V]) NewMutation(fn MutationFunc, opts MutationOptions[V]) Mutator {
	return &mutation[V]{c: c, fn: fn, opts: opts}
}

func (c *client[V]) Invalidate(ctx context.Context, keyOrPrefix key.Key) error {
	ck, err := keyOrPrefix.Canonicalize()
	if err != nil {
		return err
	}
	if c.disabled {
		return nil
	}
	for _, match := range c.st.findByPrefix(ck) {
		c.invalidateOne(ctx, match)
	}
	return nil
}

// invalidateOne bumps the entry's generation (marking it stale regardless
// of age) and refetches when the entry has active observers.
func (c *client[V]) invalidateOne(ctx context.Context, ck key.Canonical) {
	c.st.update(ck, func(e *entry[V]) bool {
		e.state = transition(e.state, action[V]{kind: actInvalidate})
		return true
	})
	c.q.revalidate(ctx, ck)
}

func (c *client[V]) GetSnapshot(k key.Key) (V, bool, error) {
	var zero V
	ck, err := k.Canonicalize()
	if err != nil {
		return zero, false, err
	}
	v := c.st.view(ck)
	if !v.exists || !v.state.HasData {
		return zero, false, nil
	}
	return v.state.Data, true, nil
}

func (c *client[V]) SetSnapshot(ctx context.Context, k key.Key, value V) error {
	ck, err := k.Canonicalize()
	if err != nil {
		return err
	}
	if c.disabled {
		return nil
	}
	now := c.now()
	c.st.update(ck, func(e *entry[V]) bool {
		e.state = transition(e.state, action[V]{kind: actWrite, data: value, at: now})
		return true
	})
	return nil
}

func (c *client[V]) Subscribe(k key.Key, sel Selector[V], fn Listener[V]) (func(), error) {
	ck, err := k.Canonicalize()
	if err != nil {
		return nil, err
	}
	return c.st.subscribe(ck, sel, fn), nil
}

func (c *client[V]) NotifyFocus(ctx context.Context) { c.signal(ctx, true) }

func (c *client[V]) NotifyReconnect(ctx context.Context) { c.signal(ctx, false) }

func (c *client[V]) signal(ctx context.Context, focus bool) {
	if c.disabled {
		return
	}
	for _, ck := range c.st.refetchTargets(c.now(), focus) {
		c.q.revalidate(ctx, ck)
	}
}

func (c *client[V]) Len() int       { return c.st.len() }
func (c *client[V]) Keys() []string { return c.st.keys() }

func (c *client[V]) Close(context.Context) error {
	c.gc.stop()
	return nil
}
