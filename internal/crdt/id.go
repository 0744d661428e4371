package crdt

import (
	"fmt"
	"sort"
)

// ID identifies an operation, or one rune of an insert.
type ID struct {
	Replica string `cbor:"r"`
	Counter uint64 `cbor:"c"`
}

// IsZero reports whether id is the zero ID, used as the head of a sequence.
func (id ID) IsZero() bool {
	return id.Replica == "" && id.Counter == 0
}

func (id ID) String() string {
	if id.IsZero() {
		return "head"
	}
	return fmt.Sprintf("%s@%d", id.Replica, id.Counter)
}

// StateVector summarises the causal history a replica has integrated:
// replica -> highest contiguous counter.
type StateVector map[string]uint64

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// Covers reports whether sv has seen everything other has seen.
func (sv StateVector) Covers(other StateVector) bool {
	for replica, counter := range other {
		if sv[replica] < counter {
			return false
		}
	}
	return true
}

// Equal reports whether both vectors describe the same history.
func (sv StateVector) Equal(other StateVector) bool {
	return sv.Covers(other) && other.Covers(sv)
}

// Replicas returns the replica names in sorted order.
func (sv StateVector) Replicas() []string {
	out := make([]string, 0, len(sv))
	for k := range sv {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
