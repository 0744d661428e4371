package engine

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/roach88/commonplace/internal/crdt"
	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/pathindex"
	"github.com/roach88/commonplace/internal/transport"
)

// PathState is the sync state of one tracked path.
type PathState int

const (
	// Unsubscribed: no handshake in progress; edits are not applied.
	Unsubscribed PathState = iota
	// Subscribing: sync request sent; edits are buffered.
	Subscribing
	// Synced: edits are applied as they arrive.
	Synced
)

func (s PathState) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Synced:
		return "synced"
	}
	return "unknown"
}

// maxOrphans bounds edits held for a path that is not tracked yet.
const maxOrphans = 256

type evKind int

const (
	evMessage evKind = iota + 1
	evConnection
	evIndexChanged
	evSyncApplied
	evTrack
	evUntrack
)

type event struct {
	kind      evKind
	msg       transport.Message
	connected bool
	path      string
	req       string
}

type pathState struct {
	path   string
	id     ir.DocID
	kind   ir.ContentKind
	state  PathState
	req    string
	sentAt time.Time
	buffer [][]byte
}

// loopState is owned by the dispatch loop.
type loopState struct {
	connected bool
	// orphans holds edits for bound-but-untracked or not-yet-bound paths
	// until the path is tracked.
	orphans map[string][][]byte
}

// Run connects the session and drives replication until ctx ends.
// Must be called from exactly one goroutine.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.log.Info("engine starting", "anchor", e.cfg.Anchor, "serve", e.cfg.Serve)

	e.sess.OnConnection(func(up bool) {
		e.inbox.Enqueue(event{kind: evConnection, connected: up})
	})
	deliver := func(m transport.Message) {
		e.inbox.Enqueue(event{kind: evMessage, msg: m})
	}
	unsub := []func(){e.sess.Subscribe(ctx, e.topics.All(), deliver)}
	if e.cfg.Serve && !transport.Match(e.topics.All(), transport.StoreCommand(transport.VerbCreate)) {
		unsub = append(unsub, e.sess.Subscribe(ctx, transport.StoreCommand("+"), deliver))
	}
	defer func() {
		for _, fn := range unsub {
			fn()
		}
	}()

	done := make(chan struct{}, 2)
	go func() {
		e.outbox.run(ctx)
		done <- struct{}{}
	}()
	go func() {
		e.sess.Run(ctx)
		done <- struct{}{}
	}()
	defer func() {
		cancel()
		<-done
		<-done
	}()

	ls := &loopState{orphans: make(map[string][][]byte)}
	e.withPaths(func() { e.reconcilePaths(ls) })

	ticker := time.NewTicker(e.cfg.SyncTimeout / 2)
	defer ticker.Stop()

	for {
		if ev, ok := e.inbox.TryDequeue(); ok {
			e.withPaths(func() { e.handle(ctx, ls, ev) })
			continue
		}
		select {
		case <-ctx.Done():
			e.log.Info("engine stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
			e.withPaths(func() { e.retrySyncs(ls) })
		case _, open := <-e.inbox.Wait():
			if !open && e.inbox.Len() == 0 {
				e.log.Info("engine stopping: closed")
				return nil
			}
		}
	}
}

func (e *Engine) withPaths(fn func()) {
	e.pmu.Lock()
	defer e.pmu.Unlock()
	fn()
}

// Track keeps every path bound under prefix in sync. The root index is
// always tracked.
func (e *Engine) Track(prefix string) error {
	p, err := pathindex.Normalize(prefix)
	if err != nil {
		return err
	}
	e.inbox.Enqueue(event{kind: evTrack, path: p})
	return nil
}

// Untrack reverses one Track call.
func (e *Engine) Untrack(prefix string) error {
	p, err := pathindex.Normalize(prefix)
	if err != nil {
		return err
	}
	e.inbox.Enqueue(event{kind: evUntrack, path: p})
	return nil
}

// PathState reports the sync state of a tracked path.
func (e *Engine) PathState(path string) (PathState, bool) {
	e.pmu.Lock()
	defer e.pmu.Unlock()
	ps, ok := e.paths[path]
	if !ok {
		return Unsubscribed, false
	}
	return ps.state, true
}

func (e *Engine) handle(ctx context.Context, ls *loopState, ev event) {
	switch ev.kind {
	case evConnection:
		e.onConnection(ls, ev.connected)
	case evIndexChanged:
		e.reconcilePaths(ls)
	case evTrack:
		e.prefixes[ev.path]++
		e.reconcilePaths(ls)
	case evUntrack:
		if e.prefixes[ev.path] > 1 {
			e.prefixes[ev.path]--
		} else {
			delete(e.prefixes, ev.path)
		}
		e.reconcilePaths(ls)
	case evSyncApplied:
		e.onSyncApplied(ev.path, ev.req)
	case evMessage:
		e.route(ctx, ls, ev.msg)
	}
}

func (e *Engine) onConnection(ls *loopState, up bool) {
	ls.connected = up
	if !up {
		e.log.Info("disconnected, sync state reset")
		for _, ps := range e.paths {
			ps.state = Unsubscribed
			ps.req = ""
			ps.buffer = nil
		}
		ls.orphans = make(map[string][][]byte)
		return
	}
	e.outbox.connected()
	if e.cfg.Serve {
		e.announce()
	}
	for _, path := range sortedPaths(e.paths) {
		e.beginSync(ls, e.paths[path])
	}
}

// announce tells clients the serving process is connected. Edits they
// published while it was away are recovered by the handshakes they
// restart in reply.
func (e *Engine) announce() {
	data, err := transport.Encode(transport.Hello{Client: e.cfg.Client})
	if err != nil {
		e.log.Error("encode hello", "error", err)
		return
	}
	e.outbox.push(e.topics.Hello(), data, false)
}

// onHello restarts every handshake after the serving process reconnects.
func (e *Engine) onHello(ls *loopState, payload []byte) {
	if e.cfg.Serve || !ls.connected {
		return
	}
	h, err := transport.DecodeHello(payload)
	if err != nil {
		e.log.Warn("dropping hello", "error", err)
		return
	}
	if h.Client == e.cfg.Client {
		return
	}
	e.log.Info("server connected, resyncing", "server", h.Client, "paths", len(e.paths))
	for _, path := range sortedPaths(e.paths) {
		e.beginSync(ls, e.paths[path])
	}
}

func (e *Engine) tracks(path string) bool {
	for p := range e.prefixes {
		if p == "" || path == p || pathindex.Under(path, p) {
			return true
		}
	}
	return false
}

// reconcilePaths aligns the tracked path set with the bindings: new paths
// start syncing, unbound ones are dropped, rebound ones restart.
func (e *Engine) reconcilePaths(ls *loopState) {
	desired := map[string]pathindex.Entry{"": {ID: ir.RootID, Kind: ir.KindStructured}}
	for path, en := range e.snapshotBindings() {
		if e.tracks(path) {
			desired[path] = en
		}
	}

	for path, ps := range e.paths {
		if en, ok := desired[path]; !ok || en.ID != ps.id {
			delete(e.paths, path)
			e.log.Debug("path untracked", "path", path, "doc", ps.id)
		}
	}

	for _, path := range sortedKeys(desired) {
		if _, ok := e.paths[path]; ok {
			continue
		}
		en := desired[path]
		if _, err := e.ensureOwner(en.ID, en.Kind); err != nil {
			e.log.Warn("cannot track path", "path", path, "doc", en.ID, "error", err)
			continue
		}
		ps := &pathState{path: path, id: en.ID, kind: en.Kind, state: Unsubscribed}
		ps.buffer = ls.orphans[path]
		delete(ls.orphans, path)
		e.paths[path] = ps
		e.log.Debug("path tracked", "path", path, "doc", en.ID)
		if ls.connected {
			e.beginSync(ls, ps)
		}
	}
}

// beginSync starts (or restarts) the handshake of a path. The serving
// process is the authority and goes straight to Synced.
func (e *Engine) beginSync(ls *loopState, ps *pathState) {
	o := e.owner(ps.id)
	if o == nil {
		return
	}
	if e.cfg.Serve {
		ps.state = Synced
		e.flush(ps)
		return
	}

	ps.state = Subscribing
	ps.req = e.cfg.IDs.Generate()
	ps.sentAt = time.Now()

	req, topic := ps.req, e.topics.Sync(ps.path, e.cfg.Client)
	o.submit(func() {
		data, err := json.Marshal(transport.SyncRequest{Req: req, Doc: ps.id, StateVector: o.doc.StateVector()})
		if err != nil {
			e.log.Error("encode sync request", "path", ps.path, "error", err)
			return
		}
		e.outbox.push(topic, data, false)
	})
	e.log.Debug("sync requested", "path", ps.path, "req", req)
}

func (e *Engine) retrySyncs(ls *loopState) {
	if !ls.connected {
		return
	}
	now := time.Now()
	for _, path := range sortedPaths(e.paths) {
		ps := e.paths[path]
		if ps.state == Subscribing && now.Sub(ps.sentAt) >= e.cfg.SyncTimeout {
			e.log.Info("sync timed out, retrying", "path", path)
			e.beginSync(ls, ps)
		}
	}
}

func (e *Engine) onSyncApplied(path, req string) {
	ps, ok := e.paths[path]
	if !ok || ps.state != Subscribing || ps.req != req {
		return
	}
	ps.state = Synced
	e.log.Debug("path synced", "path", path, "buffered", len(ps.buffer))
	e.flush(ps)
}

// flush applies buffered edits in receipt order.
func (e *Engine) flush(ps *pathState) {
	buffered := ps.buffer
	ps.buffer = nil
	for _, u := range buffered {
		e.deliverEdit(ps.path, u)
	}
}

// deliverEdit applies an edit to the document bound at path. Non-root
// edits pass through the root owner's queue first, so a binding changed by
// an earlier root edit is already in effect.
func (e *Engine) deliverEdit(path string, update []byte) {
	root := e.owner(ir.RootID)
	if path == "" {
		root.submit(func() { e.remoteChange(root, update, path) })
		return
	}
	root.submit(func() {
		en, ok := e.binding(path)
		if !ok {
			e.log.Debug("edit for unbound path dropped", "path", path)
			return
		}
		o, err := e.ensureOwner(en.ID, en.Kind)
		if err != nil {
			e.log.Warn("edit dropped", "path", path, "doc", en.ID, "error", err)
			return
		}
		o.submit(func() { e.remoteChange(o, update, path) })
	})
}

func (e *Engine) route(ctx context.Context, ls *loopState, m transport.Message) {
	if strings.HasPrefix(m.Topic, transport.StorePrefix+"/") {
		if e.cfg.Serve && m.Topic == transport.StoreCommand(transport.VerbCreate) {
			e.serveCreate(ctx, m.Payload)
		}
		return
	}
	parsed, ok := e.topics.Parse(m.Topic)
	if !ok {
		return
	}
	switch parsed.Kind {
	case transport.TopicHello:
		e.onHello(ls, m.Payload)
	case transport.TopicEdits:
		e.onEdit(ls, parsed.Path, m.Payload)
	case transport.TopicSync:
		e.onSync(parsed.Path, parsed.Arg, m.Payload)
	case transport.TopicCommand:
		if e.cfg.Serve {
			e.serveCommand(ctx, parsed.Path, parsed.Arg, m.Payload)
		}
	}
}

func (e *Engine) onEdit(ls *loopState, path string, update []byte) {
	ps, ok := e.paths[path]
	if !ok {
		if e.cfg.Serve {
			// Possibly bound by a root edit still being applied.
			e.deliverEdit(path, update)
			return
		}
		// Bound elsewhere but not tracked here: not ours to hold.
		if _, bound := e.binding(path); bound {
			return
		}
		if ls.connected && len(ls.orphans[path]) < maxOrphans {
			ls.orphans[path] = append(ls.orphans[path], update)
		}
		return
	}
	switch ps.state {
	case Synced:
		e.deliverEdit(path, update)
	case Subscribing:
		ps.buffer = append(ps.buffer, update)
	case Unsubscribed:
		// The next handshake covers it.
	}
}

func (e *Engine) onSync(path, client string, payload []byte) {
	req, resp, err := transport.DecodeSync(payload)
	if err != nil {
		e.log.Warn("dropping sync message", "path", path, "error", err)
		return
	}
	if req != nil {
		if e.cfg.Serve && client != e.cfg.Client {
			e.serveSync(path, client, req)
		}
		return
	}
	if client != e.cfg.Client {
		return
	}

	ps, ok := e.paths[path]
	if !ok || ps.state != Subscribing || ps.req != resp.Req {
		return
	}
	if resp.Error != "" {
		e.log.Warn("sync refused", "path", path, "error", resp.Error)
		return
	}
	if resp.Doc != "" && resp.Doc != ps.id {
		e.log.Debug("sync reply for another document ignored", "path", path, "doc", resp.Doc, "want", ps.id)
		return
	}
	o := e.owner(ps.id)
	if o == nil {
		return
	}

	reqID, edits := resp.Req, e.topics.Edits(path)
	o.submit(func() {
		if _, err := e.remoteChange(o, resp.Update, path); err != nil {
			return
		}
		// Local commits the owner has not seen, e.g. made while offline.
		theirs := resp.StateVector
		if theirs == nil {
			theirs = crdt.StateVector{}
		}
		if !theirs.Covers(o.doc.StateVector()) {
			diff, err := o.doc.Diff(theirs)
			if err != nil {
				e.log.Error("diff for owner failed", "path", path, "error", err)
			} else {
				e.outbox.push(edits, diff, true)
			}
		}
		e.inbox.Enqueue(event{kind: evSyncApplied, path: path, req: reqID})
	})
}

func sortedPaths(m map[string]*pathState) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]pathindex.Entry) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
