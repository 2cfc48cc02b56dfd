// Package key implements hierarchical cache keys with a deterministic
// canonical form.
//
// A Key is an ordered sequence of segments (strings, numbers, or plain
// structured values). Two keys are equal iff their canonical segment
// encodings are equal. A key is a prefix of another when every one of its
// segments matches the other's leading segments; prefix relationships drive
// bulk invalidation (invalidating ["users"] reaches ["users", 7, "posts"]).
//
// Segments are encoded with RFC 8949 core deterministic CBOR, so map
// segments compare independently of insertion order and architecture.
// Struct segments compare by their declared field layout: two struct types
// with the same fields in a different order canonicalize differently.
// Identity is over the encoding, not semantic intent.
package key

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Key is an uncanonicalized sequence of key segments.
type Key []any

// New builds a Key from its segments.
//
//	key.New("todos")
//	key.New("users", 7, "posts")
//	key.New("todos", map[string]any{"done": false, "page": 2})
func New(segments ...any) Key { return Key(segments) }

// Append returns a child key with extra trailing segments. The receiver is
// not modified.
func (k Key) Append(segments ...any) Key {
	out := make(Key, 0, len(k)+len(segments))
	out = append(out, k...)
	out = append(out, segments...)
	return out
}

// EncodingError reports a segment that could not be canonicalized
// (channels, funcs, cyclic values, ...). It is returned before any cache
// interaction takes place.
type EncodingError struct {
	Segment int // zero-based index of the offending segment
	Err     error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("key: cannot canonicalize segment %d: %v", e.Segment, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// Canonical is the comparable form of a Key. The zero value is the empty
// key, which is a prefix of every key.
type Canonical struct {
	segs   []string
	joined string
}

// core deterministic encoding (RFC 8949) gives byte-for-byte stable
// segment encodings across processes and architectures.
var deterministic = func() cbor.EncMode {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Canonicalize encodes every segment deterministically. It is pure: equal
// inputs always produce equal Canonical values. Malformed segments yield an
// *EncodingError.
func (k Key) Canonicalize() (Canonical, error) {
	segs := make([]string, len(k))
	for i, seg := range k {
		b, err := deterministic.Marshal(seg)
		if err != nil {
			return Canonical{}, &EncodingError{Segment: i, Err: err}
		}
		segs[i] = fmt.Sprintf("%x", b)
	}
	// hex segments contain only [0-9a-f], so "/" is unambiguous and the
	// joined form preserves the segment-prefix property.
	return Canonical{segs: segs, joined: strings.Join(segs, "/")}, nil
}

// MustCanonicalize is Canonicalize for keys known to be well-formed.
// Handy for package-level variables in tests/examples.
func (k Key) MustCanonicalize() Canonical {
	c, err := k.Canonicalize()
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the canonical storage form.
func (c Canonical) String() string { return c.joined }

// Len returns the number of segments.
func (c Canonical) Len() int { return len(c.segs) }

// Equal reports whether both keys canonicalized to the same segments.
func (c Canonical) Equal(o Canonical) bool { return c.joined == o.joined }

// IsPrefixOf reports whether every segment of c matches the leading
// segments of o. A key is a prefix of itself.
func (c Canonical) IsPrefixOf(o Canonical) bool {
	if len(c.segs) > len(o.segs) {
		return false
	}
	for i, s := range c.segs {
		if o.segs[i] != s {
			return false
		}
	}
	return true
}
