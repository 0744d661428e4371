package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/commonplace/internal/crdt"
	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/pathindex"
)

// ErrUnknownDocument reports a document this process holds no replica of.
var ErrUnknownDocument = errors.New("unknown document")

func (e *Engine) mustOwner(id ir.DocID) (*owner, error) {
	o := e.owner(id)
	if o == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownDocument)
	}
	return o, nil
}

// Edit runs fn on the live document and commits the update it returns:
// append to the commit log, then publish. An update that changes nothing
// is neither logged nor published.
func (e *Engine) Edit(ctx context.Context, id ir.DocID, fn func(*crdt.Doc) ([]byte, error)) error {
	o, err := e.mustOwner(id)
	if err != nil {
		return err
	}
	return o.do(ctx, func() error {
		before := o.doc.StateVector()
		update, err := fn(o.doc)
		if err != nil {
			return err
		}
		if o.doc.StateVector().Equal(before) {
			return nil
		}
		return e.localChange(o, update)
	})
}

// View runs fn on the live document without changing it.
func (e *Engine) View(ctx context.Context, id ir.DocID, fn func(*crdt.Doc) error) error {
	o, err := e.mustOwner(id)
	if err != nil {
		return err
	}
	return o.do(ctx, func() error { return fn(o.doc) })
}

// Content returns the materialized content of a document.
func (e *Engine) Content(ctx context.Context, id ir.DocID) (string, error) {
	var content string
	err := e.View(ctx, id, func(d *crdt.Doc) error {
		content = d.Materialize()
		return nil
	})
	return content, err
}

// Replace makes content the document's materialization with a minimal edit.
func (e *Engine) Replace(ctx context.Context, id ir.DocID, content string) error {
	return e.Edit(ctx, id, func(d *crdt.Doc) ([]byte, error) {
		return d.Replace(content)
	})
}

// Create makes a new document. The serving process allocates the identity
// itself; other processes ask it over the transport.
func (e *Engine) Create(ctx context.Context, kind ir.ContentKind) (ir.DocID, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("create: unknown content kind %q", kind)
	}
	if !e.cfg.Serve {
		id, err := e.req.Create(ctx, kind)
		if err != nil {
			return "", NewTransportError("", err)
		}
		if _, err := e.ensureOwner(id, kind); err != nil {
			return "", err
		}
		return id, nil
	}
	return e.createLocal(ctx, kind)
}

func (e *Engine) createLocal(ctx context.Context, kind ir.ContentKind) (ir.DocID, error) {
	id := ir.DocID(e.cfg.IDs.Generate())
	if _, err := e.store.CreateDocument(ctx, id, kind); err != nil {
		return "", NewDurabilityError(id, err)
	}
	doc, err := crdt.New(kind, e.cfg.Replica)
	if err != nil {
		return "", err
	}
	e.startOwner(id, doc)
	e.log.Info("document created", "doc", id, "kind", kind)
	return id, nil
}

// CreateAt creates a document and binds it at path.
func (e *Engine) CreateAt(ctx context.Context, path string, kind ir.ContentKind) (ir.DocID, error) {
	if _, err := pathindex.Normalize(path); err != nil {
		return "", err
	}
	id, err := e.Create(ctx, kind)
	if err != nil {
		return "", err
	}
	if err := e.index.Bind(ctx, path, id, kind); err != nil {
		return "", err
	}
	return id, nil
}

// Resolve returns the document bound at path.
func (e *Engine) Resolve(ctx context.Context, path string) (pathindex.Entry, error) {
	en, err := e.index.Resolve(ctx, path)
	if errors.Is(err, pathindex.ErrNotBound) {
		return en, NewNotBoundError(path, err)
	}
	return en, err
}

// Delete unbinds every path of a document, then removes its log and its
// in-memory replica.
func (e *Engine) Delete(ctx context.Context, id ir.DocID) error {
	if id == ir.RootID {
		return fmt.Errorf("the root index cannot be deleted")
	}
	o, err := e.mustOwner(id)
	if err != nil {
		return err
	}
	for _, p := range e.pathsOf(id) {
		if err := e.index.Unbind(ctx, p); err != nil && !errors.Is(err, pathindex.ErrNotBound) {
			return err
		}
	}
	err = o.do(ctx, func() error {
		return e.store.DeleteDocument(context.Background(), id)
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	e.dropOwner(id)
	e.log.Info("document deleted", "doc", id)
	return nil
}

// Documents lists the documents in the local commit log.
func (e *Engine) Documents(ctx context.Context) ([]ir.Document, error) {
	return e.store.ListDocuments(ctx)
}

// History returns the commits of a document from seq on.
func (e *Engine) History(ctx context.Context, id ir.DocID, from int64) ([]ir.Commit, error) {
	return e.store.Range(ctx, id, from)
}

// StateVector returns the state vector of a document.
func (e *Engine) StateVector(ctx context.Context, id ir.DocID) (crdt.StateVector, error) {
	var sv crdt.StateVector
	err := e.View(ctx, id, func(d *crdt.Doc) error {
		sv = d.StateVector()
		return nil
	})
	return sv, err
}

// Command invokes a document command on the serving process and returns
// its JSON result.
func (e *Engine) Command(ctx context.Context, path, verb string, args any) (json.RawMessage, error) {
	p, err := pathindex.Normalize(path)
	if err != nil {
		return nil, err
	}
	raw, err := e.req.Command(ctx, e.topics, p, verb, args)
	if err != nil {
		return nil, NewTransportError(p, err)
	}
	return raw, nil
}

// Entries lists the bindings at or under prefix.
func (e *Engine) Entries(ctx context.Context, prefix string) ([]pathindex.Entry, error) {
	return e.index.Entries(ctx, prefix)
}

// Unbind removes the binding at path. The document is kept.
func (e *Engine) Unbind(ctx context.Context, path string) error {
	err := e.index.Unbind(ctx, path)
	if errors.Is(err, pathindex.ErrNotBound) {
		return NewNotBoundError(path, err)
	}
	return err
}
