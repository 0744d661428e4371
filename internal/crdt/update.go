package crdt

import (
	"bytes"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/commonplace/internal/ir"
)

// OpKind distinguishes operation types.
type OpKind uint8

const (
	// OpInsert inserts a run of runes after Origin.
	OpInsert OpKind = iota + 1
	// OpDelete tombstones the runes named by Targets.
	OpDelete
	// OpSet writes Value to Key.
	OpSet
	// OpRemove deletes Key.
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpSet:
		return "set"
	case OpRemove:
		return "remove"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// Span names Len consecutive rune IDs of one replica starting at Start.
type Span struct {
	Replica string `cbor:"r"`
	Start   uint64 `cbor:"s"`
	Len     uint64 `cbor:"n"`
}

// Op is a single CRDT operation. Which fields are meaningful depends on Kind.
type Op struct {
	ID      ID     `cbor:"id"`
	Lamport uint64 `cbor:"l"`
	Kind    OpKind `cbor:"k"`

	// Origin is the left neighbour of an insert (zero ID = document head).
	Origin ID     `cbor:"o"`
	Text   string `cbor:"t,omitempty"`

	Targets []Span `cbor:"d,omitempty"`

	Key   string `cbor:"key,omitempty"`
	Value []byte `cbor:"val,omitempty"`
}

// span is the number of counters the op consumes.
func (op Op) span() uint64 {
	if op.Kind == OpInsert {
		return uint64(utf8.RuneCountInString(op.Text))
	}
	return 1
}

// last is the final counter consumed by the op.
func (op Op) last() uint64 {
	return op.ID.Counter + op.span() - 1
}

// Update is the unit exchanged between replicas and stored in commits.
type Update struct {
	Version int            `cbor:"v"`
	Kind    ir.ContentKind `cbor:"kind"`
	Ops     []Op           `cbor:"ops"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crdt: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 24,
	}.DecMode()
	if err != nil {
		panic("crdt: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeUpdate serialises u deterministically.
func EncodeUpdate(u Update) ([]byte, error) {
	if u.Version == 0 {
		u.Version = ir.ProtocolVersion
	}
	if u.Ops == nil {
		u.Ops = []Op{}
	}
	data, err := encMode.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

// DecodeUpdate parses and structurally validates update bytes.
// Every failure wraps ErrDecode.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if len(data) == 0 {
		return u, fmt.Errorf("%w: empty input", ErrDecode)
	}
	if err := decMode.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if u.Version != ir.ProtocolVersion {
		return Update{}, fmt.Errorf("%w: unsupported version %d", ErrDecode, u.Version)
	}
	if !u.Kind.Valid() {
		return Update{}, fmt.Errorf("%w: unknown content kind %q", ErrDecode, u.Kind)
	}
	for i, op := range u.Ops {
		if err := validateOp(u.Kind, op); err != nil {
			return Update{}, fmt.Errorf("%w: op %d: %v", ErrDecode, i, err)
		}
	}
	return u, nil
}

func validateOp(kind ir.ContentKind, op Op) error {
	if op.ID.Replica == "" || op.ID.Counter == 0 {
		return fmt.Errorf("invalid id %s", op.ID)
	}
	if op.Lamport == 0 {
		return fmt.Errorf("missing lamport stamp")
	}
	switch op.Kind {
	case OpInsert, OpDelete:
		if !kind.IsSequence() {
			return fmt.Errorf("%s op in %s update", op.Kind, kind)
		}
	case OpSet, OpRemove:
		if kind != ir.KindStructured {
			return fmt.Errorf("%s op in %s update", op.Kind, kind)
		}
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}

	switch op.Kind {
	case OpInsert:
		if op.Text == "" || !utf8.ValidString(op.Text) {
			return fmt.Errorf("insert text must be non-empty UTF-8")
		}
		if !op.Origin.IsZero() && (op.Origin.Replica == "" || op.Origin.Counter == 0) {
			return fmt.Errorf("invalid origin %s", op.Origin)
		}
	case OpDelete:
		if len(op.Targets) == 0 {
			return fmt.Errorf("delete without targets")
		}
		for _, t := range op.Targets {
			if t.Replica == "" || t.Start == 0 || t.Len == 0 {
				return fmt.Errorf("invalid delete span %+v", t)
			}
		}
	case OpSet, OpRemove:
		if !norm.NFC.IsNormalString(op.Key) {
			return fmt.Errorf("key %q is not NFC normalized", op.Key)
		}
		if op.Kind == OpRemove {
			break
		}
		canonical, err := ir.CanonicalizeJSON(op.Value)
		if err != nil {
			return fmt.Errorf("set value for %q: %v", op.Key, err)
		}
		if !bytes.Equal(canonical, op.Value) {
			return fmt.Errorf("set value for %q is not canonical JSON", op.Key)
		}
	}
	return nil
}

// Authors returns the sorted distinct replicas that produced the ops of an
// encoded update.
func Authors(data []byte) ([]string, error) {
	u, err := DecodeUpdate(data)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, op := range u.Ops {
		if _, ok := seen[op.ID.Replica]; ok {
			continue
		}
		seen[op.ID.Replica] = struct{}{}
		out = append(out, op.ID.Replica)
	}
	sort.Strings(out)
	return out, nil
}
