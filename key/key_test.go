package key

import (
	"errors"
	"testing"
)

func TestCanonicalizeDeterministic(t *testing.T) {
	a := New("users", 7, "posts").MustCanonicalize()
	b := New("users", 7, "posts").MustCanonicalize()
	if !a.Equal(b) {
		t.Fatalf("equal keys canonicalized differently: %q vs %q", a, b)
	}
	if a.String() != b.String() {
		t.Fatalf("canonical strings differ: %q vs %q", a.String(), b.String())
	}
}

func TestMapSegmentOrderInsensitive(t *testing.T) {
	// deterministic encoding sorts map keys, so insertion order is irrelevant.
	a := New("todos", map[string]any{"done": false, "page": 2}).MustCanonicalize()
	b := New("todos", map[string]any{"page": 2, "done": false}).MustCanonicalize()
	if !a.Equal(b) {
		t.Fatalf("map segments with same content should canonicalize equal")
	}
}

func TestDistinctKeysDiffer(t *testing.T) {
	cases := []struct {
		name string
		a, b Key
	}{
		{"different segment", New("todos"), New("users")},
		{"extra segment", New("users"), New("users", 7)},
		{"number vs string", New("users", 7), New("users", "7")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ca := tc.a.MustCanonicalize()
			cb := tc.b.MustCanonicalize()
			if ca.Equal(cb) {
				t.Fatalf("%v and %v should differ", tc.a, tc.b)
			}
		})
	}
}

func TestIsPrefixOf(t *testing.T) {
	users := New("users").MustCanonicalize()
	posts := New("users", 7, "posts").MustCanonicalize()
	todos := New("todos").MustCanonicalize()

	if !users.IsPrefixOf(posts) {
		t.Fatalf("[users] should be a prefix of [users 7 posts]")
	}
	if !users.IsPrefixOf(users) {
		t.Fatalf("a key is a prefix of itself")
	}
	if posts.IsPrefixOf(users) {
		t.Fatalf("child must not be a prefix of its parent")
	}
	if users.IsPrefixOf(todos) {
		t.Fatalf("[users] is not a prefix of [todos]")
	}
	// empty key is a prefix of everything
	if !(Canonical{}).IsPrefixOf(posts) {
		t.Fatalf("empty key should prefix every key")
	}
}

func TestAppendDoesNotMutateReceiver(t *testing.T) {
	base := New("users", 7)
	child := base.Append("posts")
	if len(base) != 2 {
		t.Fatalf("Append mutated receiver: %v", base)
	}
	if len(child) != 3 {
		t.Fatalf("Append result wrong length: %v", child)
	}
	if !base.MustCanonicalize().IsPrefixOf(child.MustCanonicalize()) {
		t.Fatalf("parent should prefix appended child")
	}
}

func TestEncodingError(t *testing.T) {
	_, err := New("jobs", func() {}).Canonicalize()
	if err == nil {
		t.Fatalf("func segment should not canonicalize")
	}
	var ee *EncodingError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *EncodingError, got %T: %v", err, err)
	}
	if ee.Segment != 1 {
		t.Fatalf("expected offending segment 1, got %d", ee.Segment)
	}
}
