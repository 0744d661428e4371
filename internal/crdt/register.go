package crdt

import (
	"bytes"

	"github.com/roach88/commonplace/internal/ir"
)

// register is one last-writer-wins field.
type register struct {
	id      ID
	lamport uint64
	value   []byte
	removed bool
}

// wins reports whether op beats the current register value.
func (r *register) wins(op Op) bool {
	if op.Lamport != r.lamport {
		return op.Lamport > r.lamport
	}
	return op.ID.Replica > r.id.Replica
}

// registerMap holds the fields of a structured document. Values are stored
// as canonical JSON so materialization is a plain concatenation.
type registerMap struct {
	fields map[string]*register
}

func newRegisterMap() *registerMap {
	return &registerMap{fields: make(map[string]*register)}
}

func (m *registerMap) ready(Op) bool {
	return true
}

func (m *registerMap) integrate(op Op) {
	cur, ok := m.fields[op.Key]
	if ok && !cur.wins(op) {
		return
	}
	reg := &register{id: op.ID, lamport: op.Lamport, removed: op.Kind == OpRemove}
	if op.Kind == OpSet {
		reg.value = op.Value
	}
	m.fields[op.Key] = reg
}

func (m *registerMap) get(key string) ([]byte, bool) {
	r, ok := m.fields[key]
	if !ok || r.removed {
		return nil, false
	}
	return r.value, true
}

func (m *registerMap) keys() []string {
	live := make(map[string]struct{}, len(m.fields))
	for k, r := range m.fields {
		if !r.removed {
			live[k] = struct{}{}
		}
	}
	return ir.SortedKeys(live)
}

func (m *registerMap) materialize() string {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := ir.MarshalCanonical(k)
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(m.fields[k].value)
	}
	buf.WriteByte('}')
	return buf.String()
}
