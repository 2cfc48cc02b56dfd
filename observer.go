package querycache

import (
	"bytes"

	"github.com/fxamacker/cbor/v2"
	"github.com/unkn0wn-root/querycache/key"
)

// subscriber is one registered interest in a key. Selector subscribers keep
// the deterministic encoding of their last seen projection so unchanged
// projections produce no notification.
type subscriber[V any] struct {
	id      uint64
	sel     Selector[V]
	fn      Listener[V]
	lastSel []byte
	hasLast bool
}

// deterministic encoding makes projection comparison stable across map
// iteration order; same mode the key package uses for segments.
var selEnc = func() cbor.EncMode {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// subscribe registers fn for ck, creating an idle entry when none exists so
// the observer count pins it against eviction. sel may be nil.
// The returned func unsubscribes; extra calls are no-ops.
func (s *store[V]) subscribe(ck key.Canonical, sel Selector[V], fn Listener[V]) func() {
	k := ck.String()

	s.mu.Lock()
	e := s.ensureLocked(ck)
	e.observers++

	s.nextSub++
	sub := &subscriber[V]{id: s.nextSub, sel: sel, fn: fn}
	if sel != nil && e.state.HasData {
		if enc, err := selEnc.Marshal(sel(e.state.Data)); err == nil {
			sub.lastSel, sub.hasLast = enc, true
		}
	}
	if s.subs[k] == nil {
		s.subs[k] = make(map[uint64]*subscriber[V])
	}
	s.subs[k][sub.id] = sub
	s.mu.Unlock()

	var done bool
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if done {
			return
		}
		done = true
		delete(s.subs[k], sub.id)
		if e, ok := s.entries[k]; ok && e.observers > 0 {
			e.observers--
		}
	}
}

// collectLocked builds the notification closures for a committed change.
// Must run under the store lock; the closures run after it is released.
// Plain subscribers always fire; selector subscribers fire only when the
// projection of the entry's data changed by value.
func (s *store[V]) collectLocked(k string, e *entry[V]) []func() {
	subs := s.subs[k]
	if len(subs) == 0 {
		return nil
	}
	res := e.result()
	out := make([]func(), 0, len(subs))
	for _, sub := range subs {
		if sub.sel == nil {
			fn := sub.fn
			out = append(out, func() { fn(res) })
			continue
		}
		if !e.state.HasData {
			continue // projections compare data; nothing to project yet
		}
		enc, err := selEnc.Marshal(sub.sel(e.state.Data))
		if err != nil {
			s.log.Warn("selector projection not encodable; notifying unconditionally",
				Fields{"key": k, "err": err})
			fn := sub.fn
			out = append(out, func() { fn(res) })
			continue
		}
		if sub.hasLast && bytes.Equal(sub.lastSel, enc) {
			continue
		}
		sub.lastSel, sub.hasLast = enc, true
		fn := sub.fn
		out = append(out, func() { fn(res) })
	}
	return out
}
