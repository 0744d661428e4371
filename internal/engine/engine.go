package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/commonplace/internal/crdt"
	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/pathindex"
	"github.com/roach88/commonplace/internal/queue"
	"github.com/roach88/commonplace/internal/store"
	"github.com/roach88/commonplace/internal/transport"
)

// Engine bridges live documents, the commit log and the transport.
//
// Thread-safety model:
//   - document methods (Edit, View, Create, ...): safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Engine struct {
	cfg    Config
	store  *store.Store
	sess   *transport.Session
	topics transport.Topics
	req    *transport.Requester
	index  *pathindex.Index
	log    *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.Mutex
	owners map[ir.DocID]*owner

	// bindings mirrors the root document; written by the root owner.
	bmu      sync.RWMutex
	bindings map[string]pathindex.Entry

	wmu      sync.Mutex
	watchers map[ir.DocID]map[*watcher]struct{}

	inbox  *queue.FIFO[event]
	outbox *outbox

	// loop-owned state, guarded by pmu for readers outside the loop.
	pmu      sync.Mutex
	paths    map[string]*pathState
	prefixes map[string]int
}

// Open creates an engine and replays every document in the commit log.
// The root index document is created when missing.
func Open(ctx context.Context, st *store.Store, sess *transport.Session, cfg Config) (*Engine, error) {
	cfg.setDefaults()
	e := &Engine{
		cfg:      cfg,
		store:    st,
		sess:     sess,
		topics:   transport.Topics{Anchor: cfg.Anchor},
		req:      transport.NewRequester(sess, cfg.IDs, cfg.RequestTimeout),
		log:      cfg.Logger.With("component", "engine", "replica", cfg.Replica),
		stop:     make(chan struct{}),
		owners:   make(map[ir.DocID]*owner),
		bindings: make(map[string]pathindex.Entry),
		watchers: make(map[ir.DocID]map[*watcher]struct{}),
		inbox:    queue.New[event](),
		paths:    make(map[string]*pathState),
		prefixes: make(map[string]int),
	}
	e.outbox = newOutbox(sess, e.log)
	e.index = pathindex.New(e)

	if _, err := st.CreateDocument(ctx, ir.RootID, ir.KindStructured); err != nil && !errors.Is(err, store.ErrExists) {
		return nil, fmt.Errorf("create root index: %w", err)
	}
	if err := e.replay(ctx); err != nil {
		e.Close()
		return nil, err
	}
	if cfg.Serve {
		e.prefixes[""] = 1
	}
	return e, nil
}

// replay rebuilds every document from its commit log.
func (e *Engine) replay(ctx context.Context) error {
	docs, err := e.store.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	for _, rec := range docs {
		doc, n, err := e.rebuild(ctx, rec)
		if err != nil {
			return err
		}
		e.startOwner(rec.ID, doc)
		e.log.Debug("document replayed", "doc", rec.ID, "kind", rec.Kind, "commits", n)
	}
	if root := e.owner(ir.RootID); root != nil {
		e.refreshBindings(root.doc)
	}
	e.log.Info("replay complete", "documents", len(docs))
	return nil
}

// rebuild applies the whole log of one document to a fresh replica.
func (e *Engine) rebuild(ctx context.Context, rec ir.Document) (*crdt.Doc, int, error) {
	doc, err := crdt.New(rec.Kind, e.cfg.Replica)
	if err != nil {
		return nil, 0, fmt.Errorf("replay %s: %w", rec.ID, err)
	}
	commits, err := e.store.Replay(ctx, rec.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("replay %s: %w", rec.ID, err)
	}
	for _, c := range commits {
		if _, err := doc.Apply(c.Update); err != nil {
			return nil, 0, fmt.Errorf("replay %s#%d: %w", rec.ID, c.Seq, err)
		}
	}
	return doc, len(commits), nil
}

// Replica returns the CRDT replica id of this process.
func (e *Engine) Replica() string {
	return e.cfg.Replica
}

// Index returns the path index backed by this engine.
func (e *Engine) Index() *pathindex.Index {
	return e.index
}

// Topics returns the topic builder for the configured anchor.
func (e *Engine) Topics() transport.Topics {
	return e.topics
}

// Close stops every document owner. Run must have returned.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stop)
		e.inbox.Close()
		e.outbox.close()
	})
	e.wg.Wait()
}

func (e *Engine) owner(id ir.DocID) *owner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owners[id]
}

func (e *Engine) startOwner(id ir.DocID, doc *crdt.Doc) *owner {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.owners[id]; ok {
		return o
	}
	o := newOwner(id, doc)
	e.owners[id] = o
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		o.run(e.stop)
	}()
	return o
}

// ensureOwner returns the owner of id, creating an empty document when
// this process has never seen it. The log record is written by the
// owner's first task, ahead of any append.
func (e *Engine) ensureOwner(id ir.DocID, kind ir.ContentKind) (*owner, error) {
	if o := e.owner(id); o != nil {
		if o.kind != kind {
			return nil, fmt.Errorf("%s: %w: have %s, binding says %s", id, crdt.ErrKindMismatch, o.kind, kind)
		}
		return o, nil
	}
	doc, err := crdt.New(kind, e.cfg.Replica)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if o, ok := e.owners[id]; ok {
		e.mu.Unlock()
		return o, nil
	}
	o := newOwner(id, doc)
	e.owners[id] = o
	e.mu.Unlock()

	o.submit(func() {
		_, err := e.store.CreateDocument(context.Background(), id, kind)
		if err != nil && !errors.Is(err, store.ErrExists) {
			e.failOwner(o, NewDurabilityError(id, err))
		}
	})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		o.run(e.stop)
	}()
	return o, nil
}

func (e *Engine) dropOwner(id ir.DocID) {
	e.mu.Lock()
	o, ok := e.owners[id]
	delete(e.owners, id)
	e.mu.Unlock()
	if ok {
		o.stop()
	}
}

// failOwner records a durability failure and escalates it. Runs on the
// owner goroutine.
func (e *Engine) failOwner(o *owner, err error) {
	if o.failed != nil {
		return
	}
	o.failed = err
	e.log.Error("document owner failed", "doc", o.id, "error", err)
	e.cfg.Fatal(err)
}

// commit appends update to the log of o's document. Runs on the owner
// goroutine. A failure is fatal.
func (e *Engine) commit(o *owner, update []byte, author string) (int64, error) {
	seq, err := e.store.Append(context.Background(), o.id, update, author)
	if err != nil {
		derr := NewDurabilityError(o.id, err)
		e.failOwner(o, derr)
		return 0, derr
	}
	return seq, nil
}

// localChange persists and publishes an update produced by a local edit.
// Runs on the owner goroutine.
func (e *Engine) localChange(o *owner, update []byte) error {
	seq, err := e.commit(o, update, e.cfg.Replica)
	if err != nil {
		return err
	}
	for _, p := range e.pathsOf(o.id) {
		e.outbox.push(e.topics.Edits(p), update, true)
	}
	e.changed(o, seq, false)
	return nil
}

// remoteChange merges an update received from the transport. Updates that
// add nothing new are not logged. Runs on the owner goroutine.
func (e *Engine) remoteChange(o *owner, update []byte, path string) (crdt.Result, error) {
	if o.failed != nil {
		return crdt.Result{}, o.failed
	}
	res, err := o.doc.Apply(update)
	if err != nil {
		derr := NewDecodeError(o.id, path, err)
		e.log.Warn("dropping update", "doc", o.id, "path", path, "error", err)
		return res, derr
	}
	if res.New == 0 {
		e.log.Debug("duplicate update ignored", "doc", o.id, "path", path)
		return res, nil
	}
	author := "unknown"
	if authors, err := crdt.Authors(update); err == nil && len(authors) > 0 {
		author = strings.Join(authors, ",")
	}
	seq, err := e.commit(o, update, author)
	if err != nil {
		return res, err
	}
	e.log.Debug("remote update committed",
		"doc", o.id,
		"path", path,
		"seq", seq,
		"applied", res.Applied,
		"pending", res.Pending,
	)
	if res.Applied > 0 {
		e.changed(o, seq, true)
	}
	return res, nil
}

// changed fans out a document change. Runs on the owner goroutine.
func (e *Engine) changed(o *owner, seq int64, remote bool) {
	if o.id == ir.RootID {
		e.refreshBindings(o.doc)
		e.inbox.Enqueue(event{kind: evIndexChanged})
	}
	e.notify(Change{
		DocID:   o.id,
		Kind:    o.kind,
		Seq:     seq,
		Content: o.doc.Materialize(),
		Remote:  remote,
	})
}

func (e *Engine) refreshBindings(root *crdt.Doc) {
	entries := pathindex.EntriesOf(root, "")
	m := make(map[string]pathindex.Entry, len(entries))
	for _, en := range entries {
		m[en.Path] = en
	}
	e.bmu.Lock()
	e.bindings = m
	e.bmu.Unlock()
}

// binding returns the entry bound at a normalized path. The empty path is
// the root index.
func (e *Engine) binding(path string) (pathindex.Entry, bool) {
	if path == "" {
		return pathindex.Entry{ID: ir.RootID, Kind: ir.KindStructured}, true
	}
	e.bmu.RLock()
	defer e.bmu.RUnlock()
	en, ok := e.bindings[path]
	return en, ok
}

// pathsOf returns every path bound to id, sorted.
func (e *Engine) pathsOf(id ir.DocID) []string {
	if id == ir.RootID {
		return []string{""}
	}
	e.bmu.RLock()
	defer e.bmu.RUnlock()
	var out []string
	for p, en := range e.bindings {
		if en.ID == id {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (e *Engine) snapshotBindings() map[string]pathindex.Entry {
	e.bmu.RLock()
	defer e.bmu.RUnlock()
	out := make(map[string]pathindex.Entry, len(e.bindings))
	for k, v := range e.bindings {
		out[k] = v
	}
	return out
}
