package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/commonplace/internal/crdt"
	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/transport"
)

// cluster runs one serving process and clients tracking the whole tree.
type cluster struct {
	broker  *transport.MemoryBroker
	server  *testNode
	clients map[string]*testNode
}

func newCluster(t *testing.T, clients ...string) *cluster {
	t.Helper()
	c := &cluster{
		broker:  transport.NewMemoryBroker(),
		clients: make(map[string]*testNode),
	}
	c.server = startNode(t, c.broker, "server", true)
	for _, name := range clients {
		n := startNode(t, c.broker, name, false)
		require.NoError(t, n.eng.Track(""))
		waitSynced(t, n, "")
		c.clients[name] = n
	}
	return c
}

func waitSynced(t *testing.T, n *testNode, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := n.eng.PathState(path)
		return ok && st == Synced
	}, waitFor, tick, "path %q never synced", path)
}

func waitContent(t *testing.T, n *testNode, id ir.DocID, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := n.eng.Content(context.Background(), id)
		return err == nil && got == want
	}, waitFor, tick)
}

func TestPathState_String(t *testing.T) {
	assert.Equal(t, "unsubscribed", Unsubscribed.String())
	assert.Equal(t, "subscribing", Subscribing.String())
	assert.Equal(t, "synced", Synced.String())
	assert.Equal(t, "unknown", PathState(9).String())
}

func TestReplication_ServerPathsSyncWithoutHandshake(t *testing.T) {
	c := newCluster(t)
	waitSynced(t, c.server, "")

	_, err := c.server.eng.CreateAt(context.Background(), "a.txt", ir.KindText)
	require.NoError(t, err)
	waitSynced(t, c.server, "a.txt")
}

func TestReplication_CreateThroughServer(t *testing.T) {
	c := newCluster(t, "a")
	a := c.clients["a"]
	ctx := context.Background()

	id, err := a.eng.CreateAt(ctx, "notes/todo.txt", ir.KindText)
	require.NoError(t, err)
	assert.Equal(t, "", a.content(t, id))

	// The server allocated the identity and learns the binding.
	_, err = c.server.store.GetDocument(ctx, id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		en, err := c.server.eng.Resolve(ctx, "notes/todo.txt")
		return err == nil && en.ID == id
	}, waitFor, tick)
}

func TestReplication_ConcurrentEditsMerge(t *testing.T) {
	c := newCluster(t, "a", "b")
	a, b := c.clients["a"], c.clients["b"]
	ctx := context.Background()

	id, err := a.eng.CreateAt(ctx, "notes/todo.txt", ir.KindText)
	require.NoError(t, err)
	require.NoError(t, appendText(ctx, a.eng, id, "hello\n"))
	waitContent(t, b, id, "hello\n")
	waitSynced(t, b, "notes/todo.txt")

	require.NoError(t, appendText(ctx, a.eng, id, "from a\n"))
	require.NoError(t, b.eng.Edit(ctx, id, func(d *crdt.Doc) ([]byte, error) {
		return d.Insert(0, "from b\n")
	}))

	const want = "from b\nhello\nfrom a\n"
	waitContent(t, a, id, want)
	waitContent(t, b, id, want)
	waitContent(t, c.server, id, want)
}

func TestReplication_GapRecoveryAfterDisconnect(t *testing.T) {
	c := newCluster(t, "a", "b")
	a, b := c.clients["a"], c.clients["b"]
	ctx := context.Background()

	id, err := a.eng.CreateAt(ctx, "log.txt", ir.KindText)
	require.NoError(t, err)
	require.NoError(t, appendText(ctx, a.eng, id, "start\n"))
	waitContent(t, b, id, "start\n")
	waitContent(t, c.server, id, "start\n")
	waitSynced(t, b, "log.txt")
	before := b.commits(t, id)

	c.broker.Partition("b")
	require.Eventually(t, func() bool {
		st, _ := b.eng.PathState("log.txt")
		return st == Unsubscribed
	}, waitFor, tick)

	want := "start\n"
	for _, line := range []string{"1\n", "2\n", "3\n", "4\n", "5\n"} {
		require.NoError(t, appendText(ctx, a.eng, id, line))
		want += line
	}
	waitContent(t, c.server, id, want)
	assert.Equal(t, "start\n", b.content(t, id))

	c.broker.Heal("b")
	waitContent(t, b, id, want)
	waitSynced(t, b, "log.txt")

	// The five edits arrived as one diff, logged as one commit.
	assert.Equal(t, before+1, b.commits(t, id))
}

func TestReplication_OfflineEditsReachServer(t *testing.T) {
	c := newCluster(t, "a")
	a := c.clients["a"]
	ctx := context.Background()

	id, err := a.eng.CreateAt(ctx, "draft.txt", ir.KindText)
	require.NoError(t, err)
	waitSynced(t, a, "draft.txt")

	c.broker.Partition("a")
	require.Eventually(t, func() bool {
		st, _ := a.eng.PathState("draft.txt")
		return st == Unsubscribed
	}, waitFor, tick)

	// Local commits succeed while the transport is down.
	require.NoError(t, appendText(ctx, a.eng, id, "written offline"))
	assert.Equal(t, 1, a.commits(t, id))

	c.broker.Heal("a")
	waitContent(t, c.server, id, "written offline")
}

func TestReplication_ServerRecoversEditsMissedWhileAway(t *testing.T) {
	c := newCluster(t, "a")
	a := c.clients["a"]
	ctx := context.Background()

	id, err := a.eng.CreateAt(ctx, "journal.txt", ir.KindText)
	require.NoError(t, err)
	require.NoError(t, appendText(ctx, a.eng, id, "one\n"))
	waitContent(t, c.server, id, "one\n")

	c.broker.Partition("server")
	require.Eventually(t, func() bool {
		st, _ := c.server.eng.PathState("journal.txt")
		return st == Unsubscribed
	}, waitFor, tick)

	// a is still connected: this edit is published, and lost to the server.
	require.NoError(t, appendText(ctx, a.eng, id, "two\n"))

	c.broker.Heal("server")
	waitContent(t, c.server, id, "one\ntwo\n")

	require.NoError(t, appendText(ctx, a.eng, id, "three\n"))
	waitContent(t, c.server, id, "one\ntwo\nthree\n")
	waitSynced(t, a, "journal.txt")
}

func TestReplication_RestartedServerCatchesUp(t *testing.T) {
	broker := transport.NewMemoryBroker()
	serverDB := filepath.Join(t.TempDir(), "server.db")
	server := openNode(t, broker, "server", true, serverDB)
	server.run()

	a := startNode(t, broker, "a", false)
	require.NoError(t, a.eng.Track(""))
	waitSynced(t, a, "")
	ctx := context.Background()

	id, err := a.eng.CreateAt(ctx, "journal.txt", ir.KindText)
	require.NoError(t, err)
	require.NoError(t, appendText(ctx, a.eng, id, "one\n"))
	waitContent(t, server, id, "one\n")
	server.stop()

	require.NoError(t, appendText(ctx, a.eng, id, "two\n"))

	restarted := openNode(t, broker, "server", true, serverDB)
	restarted.run()
	waitContent(t, restarted, id, "one\ntwo\n")
}

func TestReplication_ClientsIgnoreOwnAndMalformedHello(t *testing.T) {
	c := newCluster(t, "a")
	a := c.clients["a"]
	ctx := context.Background()

	_, err := a.eng.CreateAt(ctx, "x.txt", ir.KindText)
	require.NoError(t, err)
	waitSynced(t, a, "x.txt")

	topic := a.eng.Topics().Hello()
	require.NoError(t, a.eng.sess.Publish(ctx, topic, []byte("not json")))
	require.NoError(t, a.eng.sess.Publish(ctx, topic, []byte(`{"client":"a"}`)))

	// Neither message restarts a's handshake.
	require.Never(t, func() bool {
		st, _ := a.eng.PathState("x.txt")
		return st != Synced
	}, 100*time.Millisecond, tick)
}

func TestReplication_DuplicateDeliveryIsHarmless(t *testing.T) {
	c := newCluster(t, "a", "b")
	a, b := c.clients["a"], c.clients["b"]
	ctx := context.Background()

	id, err := a.eng.CreateAt(ctx, "dup.txt", ir.KindText)
	require.NoError(t, err)
	require.NoError(t, appendText(ctx, a.eng, id, "x"))
	waitContent(t, b, id, "x")
	waitSynced(t, b, "dup.txt")
	before := b.commits(t, id)

	c.broker.SetDuplicate(true)
	require.NoError(t, appendText(ctx, a.eng, id, "y"))
	waitContent(t, b, id, "xy")
	waitContent(t, c.server, id, "xy")

	require.NoError(t, appendText(ctx, a.eng, id, "z"))
	waitContent(t, b, id, "xyz")

	// Redelivered copies add nothing and are not logged.
	assert.Equal(t, before+2, b.commits(t, id))
	assert.Equal(t, "xyz", b.content(t, id))
}

func TestReplication_RebindFollowsNewIdentity(t *testing.T) {
	c := newCluster(t, "a", "b")
	a, b := c.clients["a"], c.clients["b"]
	ctx := context.Background()

	oldID, err := a.eng.CreateAt(ctx, "notes/todo.txt", ir.KindText)
	require.NoError(t, err)
	require.NoError(t, a.eng.Replace(ctx, oldID, "old"))
	waitContent(t, b, oldID, "old")

	require.NoError(t, a.eng.Index().Unbind(ctx, "notes/todo.txt"))
	newID, err := a.eng.CreateAt(ctx, "notes/todo.txt", ir.KindText)
	require.NoError(t, err)
	require.NoError(t, a.eng.Replace(ctx, newID, "new"))

	require.Eventually(t, func() bool {
		en, err := b.eng.Resolve(ctx, "notes/todo.txt")
		return err == nil && en.ID == newID
	}, waitFor, tick)
	waitContent(t, b, newID, "new")
	assert.Equal(t, "old", b.content(t, oldID))
}

func TestReplication_UntrackedPathsAreIgnored(t *testing.T) {
	broker := transport.NewMemoryBroker()
	server := startNode(t, broker, "server", true)
	a := startNode(t, broker, "a", false)
	b := startNode(t, broker, "b", false)
	require.NoError(t, a.eng.Track(""))
	require.NoError(t, b.eng.Track("notes"))
	waitSynced(t, a, "")
	waitSynced(t, b, "")
	ctx := context.Background()

	notes, err := a.eng.CreateAt(ctx, "notes/n.txt", ir.KindText)
	require.NoError(t, err)
	other, err := a.eng.CreateAt(ctx, "other/o.txt", ir.KindText)
	require.NoError(t, err)
	require.NoError(t, a.eng.Replace(ctx, notes, "n"))
	require.NoError(t, a.eng.Replace(ctx, other, "o"))

	waitContent(t, server, other, "o")
	waitContent(t, b, notes, "n")
	_, tracked := b.eng.PathState("other/o.txt")
	assert.False(t, tracked)
	_, err = b.eng.Content(ctx, other)
	assert.ErrorIs(t, err, ErrUnknownDocument)
}

func TestReplication_RemoteChangesAreWatched(t *testing.T) {
	c := newCluster(t, "a", "b")
	a, b := c.clients["a"], c.clients["b"]
	ctx := context.Background()

	id, err := a.eng.CreateAt(ctx, "w.txt", ir.KindText)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := b.eng.Content(ctx, id)
		return err == nil
	}, waitFor, tick)
	waitSynced(t, b, "w.txt")

	changes, cancel := b.eng.Watch(id)
	defer cancel()
	require.NoError(t, appendText(ctx, a.eng, id, "ping"))

	require.Eventually(t, func() bool {
		select {
		case ch := <-changes:
			return ch.Remote && ch.Content == "ping"
		default:
			return false
		}
	}, waitFor, tick)
}
