// Package pathindex maps hierarchical paths to document identities.
//
// The bindings live in the root structured document (ir.RootID): one field
// per bound path, keyed by the normalized path, whose value records the
// bound identity and its content type. Binding and unbinding are ordinary
// edits of that document, so they are logged and replicated like any other
// content.
package pathindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/commonplace/internal/crdt"
	"github.com/roach88/commonplace/internal/ir"
)

var (
	// ErrNotBound reports a path with no leaf binding.
	ErrNotBound = errors.New("path not bound")

	// ErrInvalidPath reports a path that cannot be normalized.
	ErrInvalidPath = errors.New("invalid path")

	// ErrPathConflict reports a bind that would turn a leaf into a
	// directory or the other way around.
	ErrPathConflict = errors.New("path conflict")
)

// Documents gives the index access to the live root document. Edit must
// persist and publish the update fn returns.
type Documents interface {
	Edit(ctx context.Context, id ir.DocID, fn func(*crdt.Doc) ([]byte, error)) error
	View(ctx context.Context, id ir.DocID, fn func(*crdt.Doc) error) error
}

// Entry is one leaf binding.
type Entry struct {
	Path string         `json:"path"`
	ID   ir.DocID       `json:"node_id"`
	Kind ir.ContentKind `json:"content_kind"`
}

// binding is the stored field value.
type binding struct {
	NodeID      string `json:"node_id"`
	ContentType string `json:"content_type"`
}

// Index resolves and edits path bindings.
type Index struct {
	docs Documents
}

// New returns an index backed by docs.
func New(docs Documents) *Index {
	return &Index{docs: docs}
}

// Resolve returns the identity bound at path. The empty path resolves to
// the index document itself. Directory paths are not bound, including a
// path that also holds a binding shadowed by bindings below it.
func (x *Index) Resolve(ctx context.Context, path string) (Entry, error) {
	key, err := Normalize(path)
	if err != nil {
		return Entry{}, err
	}
	if key == "" {
		return Entry{Path: "", ID: ir.RootID, Kind: ir.KindStructured}, nil
	}

	var (
		entry Entry
		found bool
	)
	err = x.docs.View(ctx, ir.RootID, func(d *crdt.Doc) error {
		raw, ok := d.Get(key)
		if !ok {
			return nil
		}
		e, err := decodeBinding(key, raw)
		if err != nil {
			return err
		}
		if hasLeafBelow(d, key) {
			return nil
		}
		entry, found = e, true
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("resolve %q: %w", key, err)
	}
	if !found {
		return Entry{}, fmt.Errorf("resolve %q: %w", key, ErrNotBound)
	}
	return entry, nil
}

// Bind associates path with id. Rebinding an existing leaf replaces it.
func (x *Index) Bind(ctx context.Context, path string, id ir.DocID, kind ir.ContentKind) error {
	key, err := Normalize(path)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%w: cannot bind the root path", ErrInvalidPath)
	}
	if !kind.Valid() {
		return fmt.Errorf("bind %q: unknown content kind %q", key, kind)
	}
	value, err := json.Marshal(binding{NodeID: string(id), ContentType: kind.MIME()})
	if err != nil {
		return fmt.Errorf("bind %q: %w", key, err)
	}

	err = x.docs.Edit(ctx, ir.RootID, func(d *crdt.Doc) ([]byte, error) {
		if other, ok := conflict(d.Keys(), key); ok {
			return nil, fmt.Errorf("%w: %q overlaps %q", ErrPathConflict, key, other)
		}
		return d.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("bind %q: %w", key, err)
	}
	return nil
}

// Unbind removes the binding at path. The document itself is untouched.
func (x *Index) Unbind(ctx context.Context, path string) error {
	key, err := Normalize(path)
	if err != nil {
		return err
	}
	err = x.docs.Edit(ctx, ir.RootID, func(d *crdt.Doc) ([]byte, error) {
		if _, ok := d.Get(key); !ok {
			return nil, ErrNotBound
		}
		return d.Remove(key)
	})
	if err != nil {
		return fmt.Errorf("unbind %q: %w", key, err)
	}
	return nil
}

// Entries returns the leaf bindings under prefix, sorted by path.
func (x *Index) Entries(ctx context.Context, prefix string) ([]Entry, error) {
	dir, err := Normalize(prefix)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	err = x.docs.View(ctx, ir.RootID, func(d *crdt.Doc) error {
		entries = EntriesOf(d, dir)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("entries %q: %w", dir, err)
	}
	return entries, nil
}

// EntriesOf reads the bindings under a normalized prefix directly from a
// root document. Callers must own d. Fields that are not valid bindings
// are skipped, and so are shadowed leaves.
func EntriesOf(d *crdt.Doc, prefix string) []Entry {
	var all []Entry
	for _, key := range d.Keys() {
		raw, _ := d.Get(key)
		e, err := decodeBinding(key, raw)
		if err != nil {
			continue
		}
		all = append(all, e)
	}
	entries := []Entry{}
	for _, e := range leaves(all) {
		if Under(e.Path, prefix) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

// leaves drops every entry that has another entry below it. Bind refuses
// overlapping paths, but two replicas can bind a leaf and a path below it
// concurrently and the merge keeps both. The shorter path is then a
// directory in every view until the paths below it are unbound.
func leaves(entries []Entry) []Entry {
	dirs := make(map[string]bool)
	for _, e := range entries {
		for p := e.Path; ; {
			i := strings.LastIndexByte(p, '/')
			if i < 0 {
				break
			}
			p = p[:i]
			dirs[p] = true
		}
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !dirs[e.Path] {
			out = append(out, e)
		}
	}
	return out
}

// hasLeafBelow reports whether a valid binding exists strictly under key.
func hasLeafBelow(d *crdt.Doc, key string) bool {
	for _, k := range d.Keys() {
		if !Under(k, key) {
			continue
		}
		raw, _ := d.Get(k)
		if _, err := decodeBinding(k, raw); err == nil {
			return true
		}
	}
	return false
}

// conflict reports an existing key that is a directory prefix of key, or
// that has key as a directory prefix.
func conflict(keys []string, key string) (string, bool) {
	for _, k := range keys {
		if Under(k, key) || Under(key, k) {
			return k, true
		}
	}
	return "", false
}

func decodeBinding(path string, raw []byte) (Entry, error) {
	var b binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return Entry{}, fmt.Errorf("binding %q: %w", path, err)
	}
	kind, err := ir.ParseContentKind(b.ContentType)
	if err != nil {
		return Entry{}, fmt.Errorf("binding %q: %w", path, err)
	}
	return Entry{Path: path, ID: ir.DocID(b.NodeID), Kind: kind}, nil
}
