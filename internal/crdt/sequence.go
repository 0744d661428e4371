package crdt

import (
	"sort"
	"strings"
)

// element is one rune of a sequence. Deleted elements stay as tombstones
// because later inserts may use them as origins.
type element struct {
	id      ID
	origin  ID
	lamport uint64
	r       rune
	deleted bool
}

// precedes orders siblings sharing an origin: newer inserts first, ties
// broken by replica name.
func precedes(a, b *element) bool {
	if a.lamport != b.lamport {
		return a.lamport > b.lamport
	}
	return a.id.Replica > b.id.Replica
}

// sequence is an RGA tree. The document order is the pre-order walk from
// the head, visiting siblings in precedes order.
type sequence struct {
	elems    map[ID]*element
	children map[ID][]*element
	order    []*element
	dirty    bool
}

func newSequence() *sequence {
	return &sequence{
		elems:    make(map[ID]*element),
		children: make(map[ID][]*element),
	}
}

func (s *sequence) ready(op Op) bool {
	switch op.Kind {
	case OpInsert:
		if op.Origin.IsZero() {
			return true
		}
		_, ok := s.elems[op.Origin]
		return ok
	case OpDelete:
		for _, t := range op.Targets {
			for i := uint64(0); i < t.Len; i++ {
				if _, ok := s.elems[ID{Replica: t.Replica, Counter: t.Start + i}]; !ok {
					return false
				}
			}
		}
		return true
	}
	return false
}

func (s *sequence) integrate(op Op) {
	switch op.Kind {
	case OpInsert:
		origin := op.Origin
		i := uint64(0)
		for _, r := range op.Text {
			e := &element{
				id:      ID{Replica: op.ID.Replica, Counter: op.ID.Counter + i},
				origin:  origin,
				lamport: op.Lamport + i,
				r:       r,
			}
			s.elems[e.id] = e
			s.addChild(e)
			origin = e.id
			i++
		}
		s.dirty = true
	case OpDelete:
		for _, t := range op.Targets {
			for i := uint64(0); i < t.Len; i++ {
				if e, ok := s.elems[ID{Replica: t.Replica, Counter: t.Start + i}]; ok {
					e.deleted = true
				}
			}
		}
		s.dirty = true
	}
}

func (s *sequence) addChild(e *element) {
	siblings := s.children[e.origin]
	idx := sort.Search(len(siblings), func(i int) bool {
		return precedes(e, siblings[i])
	})
	siblings = append(siblings, nil)
	copy(siblings[idx+1:], siblings[idx:])
	siblings[idx] = e
	s.children[e.origin] = siblings
}

// linearize rebuilds the document order. An explicit stack keeps deep
// chains (every typed character is the origin of the next) off the Go stack.
func (s *sequence) linearize() []*element {
	if !s.dirty && s.order != nil {
		return s.order
	}
	order := make([]*element, 0, len(s.elems))
	stack := make([]*element, 0, 64)
	pushChildren := func(id ID) {
		kids := s.children[id]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	pushChildren(ID{})
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, e)
		pushChildren(e.id)
	}
	s.order = order
	s.dirty = false
	return order
}

func (s *sequence) materialize() string {
	var b strings.Builder
	for _, e := range s.linearize() {
		if !e.deleted {
			b.WriteRune(e.r)
		}
	}
	return b.String()
}

// visible returns the live elements in document order.
func (s *sequence) visible() []*element {
	order := s.linearize()
	out := make([]*element, 0, len(order))
	for _, e := range order {
		if !e.deleted {
			out = append(out, e)
		}
	}
	return out
}

// spans groups element IDs into runs of consecutive counters.
func spans(elems []*element) []Span {
	var out []Span
	for _, e := range elems {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Replica == e.id.Replica && last.Start+last.Len == e.id.Counter {
				last.Len++
				continue
			}
		}
		out = append(out, Span{Replica: e.id.Replica, Start: e.id.Counter, Len: 1})
	}
	return out
}
