package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/commonplace/internal/crdt"
	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/store"
	"github.com/roach88/commonplace/internal/transport"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// fatalRecorder replaces the process-exiting durability handler.
type fatalRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *fatalRecorder) fatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *fatalRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

type testNode struct {
	eng    *Engine
	store  *store.Store
	fatal  *fatalRecorder
	cancel context.CancelFunc
	done   chan struct{}
}

func openTestStore(t *testing.T, path string) *store.Store {
	t.Helper()
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig(replica string, serve bool, fatal *fatalRecorder) Config {
	return Config{
		Anchor:         "docs",
		Replica:        replica,
		Serve:          serve,
		SyncTimeout:    200 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
		Fatal:          fatal.fatal,
		Logger:         slog.New(slog.DiscardHandler),
	}
}

func fastSession(dial transport.Dialer) *transport.Session {
	return transport.NewSession(dial, transport.SessionConfig{
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		HealthyAfter:   50 * time.Millisecond,
		Logger:         slog.New(slog.DiscardHandler),
	})
}

// newTestEngine opens an engine on a fresh store without running it.
func newTestEngine(t *testing.T, serve bool) *testNode {
	t.Helper()
	broker := transport.NewMemoryBroker()
	return openNode(t, broker, "solo", serve, filepath.Join(t.TempDir(), "test.db"))
}

func openNode(t *testing.T, broker *transport.MemoryBroker, replica string, serve bool, dbPath string) *testNode {
	t.Helper()
	st := openTestStore(t, dbPath)
	rec := &fatalRecorder{}
	sess := fastSession(broker.Dialer(replica))
	eng, err := Open(context.Background(), st, sess, testConfig(replica, serve, rec))
	require.NoError(t, err)
	n := &testNode{eng: eng, store: st, fatal: rec}
	t.Cleanup(n.stop)
	return n
}

// startNode opens and runs an engine connected to broker.
func startNode(t *testing.T, broker *transport.MemoryBroker, replica string, serve bool) *testNode {
	t.Helper()
	n := openNode(t, broker, replica, serve, filepath.Join(t.TempDir(), replica+".db"))
	n.run()
	return n
}

func (n *testNode) run() {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan struct{})
	go func() {
		defer close(n.done)
		n.eng.Run(ctx)
	}()
}

func (n *testNode) stop() {
	if n.cancel != nil {
		n.cancel()
		<-n.done
		n.cancel = nil
	}
	n.eng.Close()
}

func (n *testNode) content(t *testing.T, id ir.DocID) string {
	t.Helper()
	c, err := n.eng.Content(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (n *testNode) commits(t *testing.T, id ir.DocID) int {
	t.Helper()
	cs, err := n.eng.History(context.Background(), id, 1)
	require.NoError(t, err)
	return len(cs)
}

func appendText(ctx context.Context, e *Engine, id ir.DocID, text string) error {
	return e.Edit(ctx, id, func(d *crdt.Doc) ([]byte, error) {
		return d.Insert(d.Len(), text)
	})
}

func TestEngine_CreateTextDocumentIsEmpty(t *testing.T) {
	n := newTestEngine(t, true)
	ctx := context.Background()

	id, err := n.eng.Create(ctx, ir.KindText)
	require.NoError(t, err)

	assert.Equal(t, "", n.content(t, id))
	assert.Equal(t, 0, n.commits(t, id))

	rec, err := n.store.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ir.KindText, rec.Kind)
}

func TestEngine_CreateRejectsUnknownKind(t *testing.T) {
	n := newTestEngine(t, true)
	_, err := n.eng.Create(context.Background(), ir.ContentKind("image"))
	assert.Error(t, err)
}

func TestEngine_OpenCreatesRootIndex(t *testing.T) {
	n := newTestEngine(t, true)
	ctx := context.Background()

	rec, err := n.store.GetDocument(ctx, ir.RootID)
	require.NoError(t, err)
	assert.Equal(t, ir.KindStructured, rec.Kind)
	assert.Equal(t, "{}", n.content(t, ir.RootID))

	en, err := n.eng.Resolve(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, ir.RootID, en.ID)
}

func TestEngine_EditAppendsGapFreeCommits(t *testing.T) {
	n := newTestEngine(t, true)
	ctx := context.Background()

	id, err := n.eng.Create(ctx, ir.KindText)
	require.NoError(t, err)
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, appendText(ctx, n.eng, id, s))
	}

	commits, err := n.eng.History(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, commits, 3)
	for i, c := range commits {
		assert.Equal(t, int64(i+1), c.Seq)
		assert.Equal(t, "solo", c.Author)
	}
	assert.Equal(t, "abc", n.content(t, id))
}

func TestEngine_NoOpEditIsNotLogged(t *testing.T) {
	n := newTestEngine(t, true)
	ctx := context.Background()

	id, err := n.eng.Create(ctx, ir.KindText)
	require.NoError(t, err)
	require.NoError(t, n.eng.Replace(ctx, id, "same"))
	require.NoError(t, n.eng.Replace(ctx, id, "same"))

	assert.Equal(t, 1, n.commits(t, id))
}

func TestEngine_EditUnknownDocument(t *testing.T) {
	n := newTestEngine(t, true)
	err := appendText(context.Background(), n.eng, ir.DocID("0190a000-0000-7000-8000-000000000001"), "x")
	assert.ErrorIs(t, err, ErrUnknownDocument)
}

func TestEngine_ReplayFidelity(t *testing.T) {
	broker := transport.NewMemoryBroker()
	dbPath := filepath.Join(t.TempDir(), "replay.db")
	ctx := context.Background()

	first := openNode(t, broker, "s", true, dbPath)
	text, err := first.eng.CreateAt(ctx, "notes/todo.txt", ir.KindText)
	require.NoError(t, err)
	require.NoError(t, appendText(ctx, first.eng, text, "buy milk\n"))
	require.NoError(t, appendText(ctx, first.eng, text, "call bob\n"))
	require.NoError(t, first.eng.Edit(ctx, text, func(d *crdt.Doc) ([]byte, error) {
		return d.Delete(0, 4)
	}))

	cfg, err := first.eng.CreateAt(ctx, "settings.json", ir.KindStructured)
	require.NoError(t, err)
	require.NoError(t, first.eng.Replace(ctx, cfg, `{"theme":"dark","size":12}`))

	wantText := first.content(t, text)
	wantCfg := first.content(t, cfg)
	wantRoot := first.content(t, ir.RootID)
	first.stop()
	require.NoError(t, first.store.Close())

	second := openNode(t, broker, "s", true, dbPath)
	assert.Equal(t, wantText, second.content(t, text))
	assert.Equal(t, wantCfg, second.content(t, cfg))
	assert.Equal(t, wantRoot, second.content(t, ir.RootID))

	en, err := second.eng.Resolve(ctx, "notes/todo.txt")
	require.NoError(t, err)
	assert.Equal(t, text, en.ID)
}

func TestEngine_DurabilityFailureIsFatal(t *testing.T) {
	n := newTestEngine(t, true)
	ctx := context.Background()

	id, err := n.eng.Create(ctx, ir.KindText)
	require.NoError(t, err)
	require.NoError(t, n.store.Close())

	err = appendText(ctx, n.eng, id, "lost")
	require.Error(t, err)
	assert.True(t, IsDurabilityError(err))
	assert.Equal(t, 1, n.fatal.count())

	// The owner refuses further work instead of continuing unpersisted.
	err = appendText(ctx, n.eng, id, "again")
	assert.True(t, IsDurabilityError(err))
	assert.Equal(t, 1, n.fatal.count())
}

func TestEngine_RebindKeepsOldDocument(t *testing.T) {
	n := newTestEngine(t, true)
	ctx := context.Background()

	oldID, err := n.eng.CreateAt(ctx, "notes/todo.txt", ir.KindText)
	require.NoError(t, err)
	require.NoError(t, n.eng.Replace(ctx, oldID, "old list"))

	require.NoError(t, n.eng.Index().Unbind(ctx, "notes/todo.txt"))
	_, err = n.eng.Resolve(ctx, "notes/todo.txt")
	assert.True(t, IsNotBound(err))

	newID, err := n.eng.CreateAt(ctx, "notes/todo.txt", ir.KindText)
	require.NoError(t, err)
	require.NotEqual(t, oldID, newID)

	en, err := n.eng.Resolve(ctx, "notes/todo.txt")
	require.NoError(t, err)
	assert.Equal(t, newID, en.ID)
	assert.Equal(t, "old list", n.content(t, oldID))
	assert.Equal(t, "", n.content(t, newID))
}

func TestEngine_Delete(t *testing.T) {
	n := newTestEngine(t, true)
	ctx := context.Background()

	id, err := n.eng.CreateAt(ctx, "scratch.txt", ir.KindText)
	require.NoError(t, err)
	require.NoError(t, appendText(ctx, n.eng, id, "tmp"))

	require.NoError(t, n.eng.Delete(ctx, id))

	_, err = n.eng.Resolve(ctx, "scratch.txt")
	assert.True(t, IsNotBound(err))
	_, err = n.eng.Content(ctx, id)
	assert.ErrorIs(t, err, ErrUnknownDocument)
	_, err = n.store.GetDocument(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Error(t, n.eng.Delete(ctx, ir.RootID))
}

func TestEngine_Watch(t *testing.T) {
	n := newTestEngine(t, true)
	ctx := context.Background()

	id, err := n.eng.Create(ctx, ir.KindText)
	require.NoError(t, err)
	changes, cancel := n.eng.Watch(id)

	require.NoError(t, appendText(ctx, n.eng, id, "hi"))

	select {
	case c := <-changes:
		assert.Equal(t, id, c.DocID)
		assert.Equal(t, int64(1), c.Seq)
		assert.Equal(t, "hi", c.Content)
		assert.False(t, c.Remote)
	case <-time.After(waitFor):
		t.Fatal("no change delivered")
	}

	cancel()
	_, open := <-changes
	assert.False(t, open)
}

func TestEngine_WatchDropsOldestWhenFull(t *testing.T) {
	n := newTestEngine(t, true)
	ctx := context.Background()

	id, err := n.eng.Create(ctx, ir.KindText)
	require.NoError(t, err)
	changes, cancel := n.eng.Watch(id)
	defer cancel()

	for i := 0; i < watchBuffer+4; i++ {
		require.NoError(t, appendText(ctx, n.eng, id, "x"))
	}

	var last Change
	for i := 0; i < watchBuffer; i++ {
		last = <-changes
	}
	assert.Equal(t, int64(watchBuffer+4), last.Seq)
}
