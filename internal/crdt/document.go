package crdt

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/commonplace/internal/ir"
)

// body is the kind-specific half of a Doc.
type body interface {
	// ready reports whether the op's dependencies inside the body exist.
	ready(op Op) bool
	integrate(op Op)
	materialize() string
}

// Result summarises one Apply call.
type Result struct {
	// New counts ops in the update that this replica had not seen.
	New int
	// Duplicates counts ops already integrated or already parked.
	Duplicates int
	// Applied counts ops integrated by this call, including previously
	// parked ops unblocked by it.
	Applied int
	// Pending is the number of ops still waiting for predecessors.
	Pending int
}

// Doc is one replica of a document.
//
// Doc is not safe for concurrent use; the engine gives every document a
// single owner goroutine.
type Doc struct {
	kind    ir.ContentKind
	replica string
	lamport uint64
	sv      StateVector
	log     []Op

	pending    []Op
	pendingIDs map[ID]struct{}

	body body
}

// New creates an empty document. replica names the local writer and must be
// unique among all processes that edit the document.
func New(kind ir.ContentKind, replica string) (*Doc, error) {
	if replica == "" {
		return nil, fmt.Errorf("replica id is required")
	}
	d := &Doc{
		kind:       kind,
		replica:    replica,
		sv:         make(StateVector),
		pendingIDs: make(map[ID]struct{}),
	}
	switch kind {
	case ir.KindText, ir.KindMarkup:
		d.body = newSequence()
	case ir.KindStructured:
		d.body = newRegisterMap()
	default:
		return nil, fmt.Errorf("%w: unknown content kind %q", ErrKindMismatch, kind)
	}
	return d, nil
}

// Kind returns the document's content kind.
func (d *Doc) Kind() ir.ContentKind {
	return d.kind
}

// Replica returns the local replica id.
func (d *Doc) Replica() string {
	return d.replica
}

// StateVector returns a copy of the integrated history summary.
func (d *Doc) StateVector() StateVector {
	return d.sv.Clone()
}

// Pending returns the number of ops parked until their predecessors arrive.
func (d *Doc) Pending() int {
	return len(d.pending)
}

// Materialize flattens the CRDT state into content.
func (d *Doc) Materialize() string {
	return d.body.materialize()
}

// Apply merges update bytes into the document. Malformed bytes and kind
// mismatches are rejected before any state changes.
func (d *Doc) Apply(data []byte) (Result, error) {
	u, err := DecodeUpdate(data)
	if err != nil {
		return Result{}, err
	}
	if u.Kind != d.kind {
		return Result{}, fmt.Errorf("%w: %s update for %s document", ErrKindMismatch, u.Kind, d.kind)
	}

	var res Result
	for _, op := range u.Ops {
		if d.seen(op) {
			res.Duplicates++
			continue
		}
		if _, parked := d.pendingIDs[op.ID]; parked {
			res.Duplicates++
			continue
		}
		res.New++
		d.pending = append(d.pending, op)
		d.pendingIDs[op.ID] = struct{}{}
	}
	res.Applied = d.drain()
	res.Pending = len(d.pending)
	return res, nil
}

// Diff returns the update carrying every integrated op the holder of since
// has not seen. Ops are emitted in integration order, which is causal.
func (d *Doc) Diff(since StateVector) ([]byte, error) {
	var ops []Op
	for _, op := range d.log {
		if op.ID.Counter > since[op.ID.Replica] {
			ops = append(ops, op)
		}
	}
	return EncodeUpdate(Update{Kind: d.kind, Ops: ops})
}

func (d *Doc) seen(op Op) bool {
	return op.ID.Counter <= d.sv[op.ID.Replica]
}

// drain integrates parked ops until no more become ready. Ops arriving in
// causal order integrate in a single pass.
func (d *Doc) drain() int {
	applied := 0
	for {
		progress := false
		kept := d.pending[:0]
		for _, op := range d.pending {
			switch {
			case d.seen(op):
				delete(d.pendingIDs, op.ID)
			case op.ID.Counter == d.sv[op.ID.Replica]+1 && d.body.ready(op):
				d.integrate(op)
				delete(d.pendingIDs, op.ID)
				applied++
				progress = true
			default:
				kept = append(kept, op)
			}
		}
		for i := len(kept); i < len(d.pending); i++ {
			d.pending[i] = Op{}
		}
		d.pending = kept
		if !progress || len(d.pending) == 0 {
			return applied
		}
	}
}

func (d *Doc) integrate(op Op) {
	d.body.integrate(op)
	d.sv[op.ID.Replica] = op.last()
	if end := op.Lamport + op.span() - 1; end > d.lamport {
		d.lamport = end
	}
	d.log = append(d.log, op)
}

// local stamps and integrates a locally generated op.
func (d *Doc) local(op Op) Op {
	op.ID = ID{Replica: d.replica, Counter: d.sv[d.replica] + 1}
	op.Lamport = d.lamport + 1
	d.integrate(op)
	return op
}

func (d *Doc) encode(ops []Op) ([]byte, error) {
	return EncodeUpdate(Update{Kind: d.kind, Ops: ops})
}

func (d *Doc) sequence() (*sequence, error) {
	s, ok := d.body.(*sequence)
	if !ok {
		return nil, fmt.Errorf("%w: %s document is not a sequence", ErrKindMismatch, d.kind)
	}
	return s, nil
}

func (d *Doc) fields() (*registerMap, error) {
	m, ok := d.body.(*registerMap)
	if !ok {
		return nil, fmt.Errorf("%w: %s document has no fields", ErrKindMismatch, d.kind)
	}
	return m, nil
}

// Len returns the number of visible runes of a sequence document.
func (d *Doc) Len() int {
	s, err := d.sequence()
	if err != nil {
		return 0
	}
	return len(s.visible())
}

// Insert inserts text at rune position pos and returns the update.
func (d *Doc) Insert(pos int, text string) ([]byte, error) {
	s, err := d.sequence()
	if err != nil {
		return nil, err
	}
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("%w: insert text is not UTF-8", ErrDecode)
	}
	vis := s.visible()
	if pos < 0 || pos > len(vis) {
		return nil, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, pos, len(vis))
	}
	if text == "" {
		return d.encode(nil)
	}
	return d.encode([]Op{d.insertAfter(vis, pos, text)})
}

// Delete removes n runes starting at rune position pos and returns the update.
func (d *Doc) Delete(pos, n int) ([]byte, error) {
	s, err := d.sequence()
	if err != nil {
		return nil, err
	}
	vis := s.visible()
	if pos < 0 || n < 0 || pos+n > len(vis) {
		return nil, fmt.Errorf("%w: delete %d at %d, length %d", ErrOutOfRange, n, pos, len(vis))
	}
	if n == 0 {
		return d.encode(nil)
	}
	return d.encode([]Op{d.local(Op{Kind: OpDelete, Targets: spans(vis[pos : pos+n])})})
}

func (d *Doc) insertAfter(vis []*element, pos int, text string) Op {
	var origin ID
	if pos > 0 {
		origin = vis[pos-1].id
	}
	return d.local(Op{Kind: OpInsert, Origin: origin, Text: text})
}

// Get returns the canonical JSON value of a structured field.
func (d *Doc) Get(key string) ([]byte, bool) {
	m, err := d.fields()
	if err != nil {
		return nil, false
	}
	return m.get(norm.NFC.String(key))
}

// Keys returns the live field names of a structured document.
func (d *Doc) Keys() []string {
	m, err := d.fields()
	if err != nil {
		return nil
	}
	return m.keys()
}

// Set writes a JSON value to a structured field and returns the update.
func (d *Doc) Set(key string, value []byte) ([]byte, error) {
	if _, err := d.fields(); err != nil {
		return nil, err
	}
	canonical, err := ir.CanonicalizeJSON(value)
	if err != nil {
		return nil, fmt.Errorf("%w: value for %q: %v", ErrDecode, key, err)
	}
	op := d.local(Op{Kind: OpSet, Key: norm.NFC.String(key), Value: canonical})
	return d.encode([]Op{op})
}

// Remove deletes a structured field and returns the update. Removing a
// missing field produces an empty update.
func (d *Doc) Remove(key string) ([]byte, error) {
	m, err := d.fields()
	if err != nil {
		return nil, err
	}
	key = norm.NFC.String(key)
	if _, ok := m.get(key); !ok {
		return d.encode(nil)
	}
	return d.encode([]Op{d.local(Op{Kind: OpRemove, Key: key})})
}

// Replace computes and applies the minimal update that turns the current
// materialization into content. Sequences diff by common prefix and
// suffix; structured documents diff field by field and require content to
// be a JSON object.
func (d *Doc) Replace(content string) ([]byte, error) {
	switch b := d.body.(type) {
	case *sequence:
		return d.replaceSequence(b, content)
	case *registerMap:
		return d.replaceFields(b, content)
	}
	return nil, fmt.Errorf("%w: unsupported body", ErrKindMismatch)
}

func (d *Doc) replaceSequence(s *sequence, content string) ([]byte, error) {
	if !utf8.ValidString(content) {
		return nil, fmt.Errorf("%w: content is not UTF-8", ErrDecode)
	}
	vis := s.visible()
	want := []rune(content)

	prefix := 0
	for prefix < len(vis) && prefix < len(want) && vis[prefix].r == want[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(vis)-prefix && suffix < len(want)-prefix &&
		vis[len(vis)-1-suffix].r == want[len(want)-1-suffix] {
		suffix++
	}

	var ops []Op
	if removed := vis[prefix : len(vis)-suffix]; len(removed) > 0 {
		ops = append(ops, d.local(Op{Kind: OpDelete, Targets: spans(removed)}))
	}
	if added := want[prefix : len(want)-suffix]; len(added) > 0 {
		ops = append(ops, d.insertAfter(vis, prefix, string(added)))
	}
	return d.encode(ops)
}

func (d *Doc) replaceFields(m *registerMap, content string) ([]byte, error) {
	v, err := ir.DecodeJSON([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: structured content must be a JSON object", ErrDecode)
	}

	want := make(map[string][]byte, len(obj))
	for k, val := range obj {
		canonical, err := ir.MarshalCanonical(val)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrDecode, k, err)
		}
		want[norm.NFC.String(k)] = canonical
	}

	var ops []Op
	for _, k := range m.keys() {
		if _, keep := want[k]; !keep {
			ops = append(ops, d.local(Op{Kind: OpRemove, Key: k}))
		}
	}
	for _, k := range ir.SortedKeys(want) {
		if cur, ok := m.get(k); ok && bytes.Equal(cur, want[k]) {
			continue
		}
		ops = append(ops, d.local(Op{Kind: OpSet, Key: k, Value: want[k]}))
	}
	return d.encode(ops)
}
