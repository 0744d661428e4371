package pathindex

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/commonplace/internal/ir"
)

// TreeVersion is the version field of the nested tree layout.
const TreeVersion = 1

// Tree renders the bindings as the nested directory layout:
//
//	{"version":1,"root":{"type":"dir","entries":{
//	  "notes":{"type":"dir","entries":{
//	    "todo.txt":{"type":"doc","node_id":"…","content_type":"text/plain"}}}}}}
//
// Output is canonical JSON.
func (x *Index) Tree(ctx context.Context) ([]byte, error) {
	entries, err := x.Entries(ctx, "")
	if err != nil {
		return nil, err
	}
	return BuildTree(entries)
}

// BuildTree renders entries in the nested layout. An entry with other
// entries below it is a directory; its own binding is left out.
func BuildTree(entries []Entry) ([]byte, error) {
	root := newDir()
	for _, e := range leaves(entries) {
		segs, err := Split(e.Path)
		if err != nil {
			return nil, err
		}
		if len(segs) == 0 {
			continue
		}
		dir := root
		for _, seg := range segs[:len(segs)-1] {
			children := dir["entries"].(map[string]any)
			next, ok := children[seg].(map[string]any)
			if !ok || next["type"] != "dir" {
				next = newDir()
				children[seg] = next
			}
			dir = next
		}
		dir["entries"].(map[string]any)[segs[len(segs)-1]] = map[string]any{
			"type":         "doc",
			"node_id":      string(e.ID),
			"content_type": e.Kind.MIME(),
		}
	}
	return ir.MarshalCanonical(map[string]any{
		"version": int64(TreeVersion),
		"root":    root,
	})
}

func newDir() map[string]any {
	return map[string]any{"type": "dir", "entries": map[string]any{}}
}

type treeNode struct {
	Type        string               `json:"type"`
	NodeID      string               `json:"node_id,omitempty"`
	ContentType string               `json:"content_type,omitempty"`
	Entries     map[string]*treeNode `json:"entries,omitempty"`
}

type treeDoc struct {
	Version int       `json:"version"`
	Root    *treeNode `json:"root"`
}

// ResolveTree resolves path against a serialized tree without touching
// any live state. Directory and missing paths are ErrNotBound.
func ResolveTree(tree []byte, path string) (Entry, error) {
	segs, err := Split(path)
	if err != nil {
		return Entry{}, err
	}
	var t treeDoc
	if err := json.Unmarshal(tree, &t); err != nil {
		return Entry{}, fmt.Errorf("parse tree: %w", err)
	}
	if t.Version != TreeVersion {
		return Entry{}, fmt.Errorf("parse tree: unsupported version %d", t.Version)
	}

	key, _ := Normalize(path)
	node := t.Root
	for _, seg := range segs {
		if node == nil || node.Type != "dir" {
			return Entry{}, fmt.Errorf("resolve %q: %w", key, ErrNotBound)
		}
		node = node.Entries[seg]
	}
	if node == nil || node.Type != "doc" {
		return Entry{}, fmt.Errorf("resolve %q: %w", key, ErrNotBound)
	}
	kind, err := ir.ParseContentKind(node.ContentType)
	if err != nil {
		return Entry{}, fmt.Errorf("resolve %q: %w", key, err)
	}
	return Entry{Path: key, ID: ir.DocID(node.NodeID), Kind: kind}, nil
}
