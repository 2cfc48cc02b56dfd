// Package codec provides pluggable (de)serialization of cached values.
//
// querycache uses a Codec for snapshot deep-copies: the mutation executor
// encodes an entry's value before an optimistic write and decodes those
// exact bytes again on rollback, so restored state is byte-for-byte what
// was captured.
package codec

// Codec encodes/decodes values V to []byte.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Clone deep-copies v by round-tripping it through c. The copy shares no
// mutable state with the original as long as the codec covers all of V's
// reachable fields.
func Clone[V any](c Codec[V], v V) (V, error) {
	b, err := c.Encode(v)
	if err != nil {
		var zero V
		return zero, err
	}
	return c.Decode(b)
}
