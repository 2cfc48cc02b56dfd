package querycache

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/querycache/key"
)

// ==============================
// Rollback exactness
// ==============================

// A failed mutation restores every touched entry to the exact pre-mutation
// state: the central property of the optimistic protocol.
func TestMutationRollbackExact(t *testing.T) {
	ctx := context.Background()
	cc, _ := newTestCache[[]todo](t, nil)

	k := key.New("todos")
	orig := []todo{{ID: 1, Title: "a"}, {ID: 2, Title: "b"}}
	if err := cc.SetSnapshot(ctx, k, orig); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cause := errors.New("rejected")
	var onErrSeen error
	m := cc.NewMutation(
		func(context.Context, any) (any, error) { return nil, Validation(cause) },
		MutationOptions[[]todo]{
			Touches: func(any) []key.Key { return []key.Key{k} },
			OnMutate: func(ctx context.Context, input any) error {
				cur, _, _ := cc.GetSnapshot(k)
				next := append([]todo{{ID: 0, Title: input.(string)}}, cur...)
				return cc.SetSnapshot(ctx, k, next)
			},
			OnError: func(_ context.Context, err error, _ any) { onErrSeen = err },
		},
	)

	_, err := m.Trigger(ctx, "X")
	if err == nil {
		t.Fatalf("Trigger should surface the dispatch failure")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if onErrSeen == nil {
		t.Fatalf("OnError was not invoked")
	}

	got, ok, gerr := cc.GetSnapshot(k)
	if gerr != nil || !ok {
		t.Fatalf("GetSnapshot after rollback: ok=%v err=%v", ok, gerr)
	}
	if !reflect.DeepEqual(got, orig) {
		t.Fatalf("rollback not exact:\n got  %v\n want %v", got, orig)
	}
}

// A mutation touching a key that did not exist removes the speculative
// entry again on failure.
func TestMutationRollbackRemovesCreatedEntry(t *testing.T) {
	ctx := context.Background()
	cc, _ := newTestCache[[]todo](t, nil)

	k := key.New("todos", "draft")
	m := cc.NewMutation(
		func(context.Context, any) (any, error) { return nil, Network(errors.New("down")) },
		MutationOptions[[]todo]{
			Touches: func(any) []key.Key { return []key.Key{k} },
			OnMutate: func(ctx context.Context, _ any) error {
				return cc.SetSnapshot(ctx, k, []todo{{ID: 0, Title: "draft"}})
			},
		},
	)

	if _, err := m.Trigger(ctx, nil); err == nil {
		t.Fatalf("Trigger should fail")
	}
	if _, ok, _ := cc.GetSnapshot(k); ok {
		t.Fatalf("entry created by the optimistic write should be gone")
	}
	if cc.Len() != 0 {
		t.Fatalf("Len = %d after rollback of created entry", cc.Len())
	}
}

// ==============================
// Reconciliation
// ==============================

// On success the speculative record is replaced by the authoritative server
// value: the placeholder id never survives.
func TestMutationSuccessReconcilesServerValue(t *testing.T) {
	ctx := context.Background()
	cc, _ := newTestCache[[]todo](t, nil)

	k := key.New("todos")
	if err := cc.SetSnapshot(ctx, k, []todo{{ID: 1, Title: "a"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m := cc.NewMutation(
		func(_ context.Context, input any) (any, error) {
			return todo{ID: 42, Title: input.(string)}, nil
		},
		MutationOptions[[]todo]{
			Touches: func(any) []key.Key { return []key.Key{k} },
			OnMutate: func(ctx context.Context, input any) error {
				cur, _, _ := cc.GetSnapshot(k)
				return cc.SetSnapshot(ctx, k, append([]todo{{ID: 0, Title: input.(string)}}, cur...))
			},
			OnSuccess: func(ctx context.Context, result, _ any) error {
				srv := result.(todo)
				cur, _, _ := cc.GetSnapshot(k)
				out := make([]todo, 0, len(cur))
				for _, td := range cur {
					if td.ID == 0 {
						td = srv // server value wins
					}
					out = append(out, td)
				}
				return cc.SetSnapshot(ctx, k, out)
			},
		},
	)

	res, err := m.Trigger(ctx, "X")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if res.(todo).ID != 42 {
		t.Fatalf("caller should receive the server result, got %v", res)
	}

	got, _, _ := cc.GetSnapshot(k)
	for _, td := range got {
		if td.ID == 0 {
			t.Fatalf("speculative record survived reconciliation: %v", got)
		}
	}
	if got[0] != (todo{ID: 42, Title: "X"}) {
		t.Fatalf("server value missing after reconciliation: %v", got)
	}
}

// Without a reconciler, touched keys are invalidated so observed entries
// refetch the authoritative state.
func TestMutationWithoutReconcilerInvalidates(t *testing.T) {
	ctx := context.Background()
	cc, _ := newTestCache[[]todo](t, nil)

	var calls atomic.Int32
	fetch := func(context.Context) ([]todo, error) {
		calls.Add(1)
		return []todo{{ID: 1, Title: "a"}}, nil
	}

	k := key.New("todos")
	unsub, err := cc.Subscribe(k, nil, func(Result[[]todo]) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if _, err := cc.Query(ctx, k, fetch, QueryOptions{StaleAfter: time.Hour}); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	m := cc.NewMutation(
		func(context.Context, any) (any, error) { return nil, nil },
		MutationOptions[[]todo]{
			Touches: func(any) []key.Key { return []key.Key{k} },
		},
	)
	if _, err := m.Trigger(ctx, nil); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	waitFor(t, func() bool { return calls.Load() == 2 })
}

// ==============================
// Serialization / concurrency
// ==============================

// A second mutation on the same key may not start its snapshot/apply until
// the first finished reconciling.
func TestMutationsSerializedPerKey(t *testing.T) {
	ctx := context.Background()
	cc, _ := newTestCache[[]todo](t, nil)

	k := key.New("todos")
	entered := make(chan struct{})
	release := make(chan struct{})

	m1 := cc.NewMutation(
		func(context.Context, any) (any, error) {
			close(entered)
			<-release
			return nil, nil
		},
		MutationOptions[[]todo]{
			Touches:   func(any) []key.Key { return []key.Key{k} },
			OnSuccess: func(context.Context, any, any) error { return nil },
		},
	)

	var secondApplied atomic.Bool
	m2 := cc.NewMutation(
		func(context.Context, any) (any, error) { return nil, nil },
		MutationOptions[[]todo]{
			Touches: func(any) []key.Key { return []key.Key{k} },
			OnMutate: func(context.Context, any) error {
				secondApplied.Store(true)
				return nil
			},
			OnSuccess: func(context.Context, any, any) error { return nil },
		},
	)

	done1 := make(chan struct{})
	go func() { defer close(done1); _, _ = m1.Trigger(ctx, nil) }()
	<-entered

	done2 := make(chan struct{})
	go func() { defer close(done2); _, _ = m2.Trigger(ctx, nil) }()

	time.Sleep(50 * time.Millisecond)
	if secondApplied.Load() {
		t.Fatalf("second mutation applied while first still dispatching")
	}

	close(release)
	<-done1
	<-done2
	if !secondApplied.Load() {
		t.Fatalf("second mutation never ran")
	}
}

// Touches may report the same key more than once (or two Key values that
// canonicalize equal); the mutation must collapse them instead of blocking
// on a per-key lock it already holds.
func TestMutationDuplicateTouchedKey(t *testing.T) {
	ctx := context.Background()
	cc, _ := newTestCache[[]todo](t, nil)

	k := key.New("todos")
	orig := []todo{{ID: 1, Title: "a"}}
	if err := cc.SetSnapshot(ctx, k, orig); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m := cc.NewMutation(
		func(context.Context, any) (any, error) { return nil, Network(errors.New("down")) },
		MutationOptions[[]todo]{
			Touches: func(any) []key.Key { return []key.Key{k, key.New("todos")} },
			OnMutate: func(ctx context.Context, _ any) error {
				return cc.SetSnapshot(ctx, k, []todo{{ID: 0, Title: "dup"}})
			},
		},
	)

	done := make(chan error, 1)
	go func() {
		_, err := m.Trigger(ctx, nil)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("Trigger should surface the dispatch failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Trigger blocked on a key it already holds")
	}

	got, ok, _ := cc.GetSnapshot(k)
	if !ok || !reflect.DeepEqual(got, orig) {
		t.Fatalf("rollback after duplicate touch not exact: %v", got)
	}

	// the lock must be free again for the next mutation on the key.
	m2 := cc.NewMutation(
		func(context.Context, any) (any, error) { return nil, nil },
		MutationOptions[[]todo]{
			Touches:   func(any) []key.Key { return []key.Key{k} },
			OnSuccess: func(context.Context, any, any) error { return nil },
		},
	)
	if _, err := m2.Trigger(ctx, nil); err != nil {
		t.Fatalf("follow-up Trigger: %v", err)
	}
}

// An invalidation racing a successful dispatch surfaces as StaleWriteError
// alongside the result.
func TestMutationReportsStaleWrite(t *testing.T) {
	ctx := context.Background()
	cc, _ := newTestCache[[]todo](t, nil)

	k := key.New("todos")
	if err := cc.SetSnapshot(ctx, k, []todo{{ID: 1, Title: "a"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	m := cc.NewMutation(
		func(context.Context, any) (any, error) {
			close(entered)
			<-release
			return "ok", nil
		},
		MutationOptions[[]todo]{
			Touches:   func(any) []key.Key { return []key.Key{k} },
			OnSuccess: func(context.Context, any, any) error { return nil },
		},
	)

	type out struct {
		res any
		err error
	}
	done := make(chan out, 1)
	go func() {
		r, err := m.Trigger(ctx, nil)
		done <- out{r, err}
	}()
	<-entered

	if err := cc.Invalidate(ctx, k); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	close(release)

	got := <-done
	var swe *StaleWriteError
	if !errors.As(got.err, &swe) {
		t.Fatalf("expected StaleWriteError, got %v", got.err)
	}
	if got.res != "ok" {
		t.Fatalf("result must still be returned alongside the stale-write signal, got %v", got.res)
	}
}

// ==============================
// Fast-fail / edges
// ==============================

func TestMutationEncodingErrorBeforeDispatch(t *testing.T) {
	ctx := context.Background()
	cc, _ := newTestCache[[]todo](t, nil)

	var dispatched atomic.Bool
	m := cc.NewMutation(
		func(context.Context, any) (any, error) {
			dispatched.Store(true)
			return nil, nil
		},
		MutationOptions[[]todo]{
			Touches: func(any) []key.Key { return []key.Key{key.New("bad", func() {})} },
		},
	)

	_, err := m.Trigger(ctx, nil)
	var ee *key.EncodingError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EncodingError, got %v", err)
	}
	if dispatched.Load() {
		t.Fatalf("dispatch must not run for a malformed key")
	}
	if cc.Len() != 0 {
		t.Fatalf("malformed mutation must not touch the cache")
	}
}

// Rollback restores the full entry record, not only the data: a pre-mutation
// error state comes back as an error state.
func TestRollbackRestoresStatusAndError(t *testing.T) {
	ctx := context.Background()
	cc, _ := newTestCache[string](t, nil)

	boom := errors.New("fetch broke")
	k := key.New("volatile")
	fetch := func(context.Context) (string, error) { return "", boom }
	if _, err := cc.Query(ctx, k, fetch, QueryOptions{RetryCount: -1}); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	impl := mustImpl(t, cc)
	before := impl.st.view(k.MustCanonicalize())
	if before.state.Status != StatusError {
		t.Fatalf("setup: expected error status, got %v", before.state.Status)
	}

	m := cc.NewMutation(
		func(context.Context, any) (any, error) { return nil, Network(errors.New("down")) },
		MutationOptions[string]{
			Touches: func(any) []key.Key { return []key.Key{k} },
			OnMutate: func(ctx context.Context, _ any) error {
				return cc.SetSnapshot(ctx, k, "speculative")
			},
		},
	)
	if _, err := m.Trigger(ctx, nil); err == nil {
		t.Fatalf("Trigger should fail")
	}

	after := impl.st.view(k.MustCanonicalize())
	if after.state.Status != StatusError || !errors.Is(after.state.Err, boom) {
		t.Fatalf("status/error not restored: %+v", after.state)
	}
	if after.state.HasData {
		t.Fatalf("rollback resurrected data that was never there")
	}
}
