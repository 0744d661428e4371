package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/roach88/commonplace/internal/crdt"
	"github.com/roach88/commonplace/internal/engine"
	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/store"
	"github.com/roach88/commonplace/internal/testutil"
	"github.com/roach88/commonplace/internal/transport"
)

const (
	scenarioAnchor       = "docs"
	defaultSettleTimeout = 10 * time.Second
	pollInterval         = 10 * time.Millisecond
)

// Options tunes scenario execution.
type Options struct {
	// Dir holds the process databases. Default: a temporary directory
	// removed when the run ends.
	Dir string

	// SettleTimeout bounds every wait for the processes to agree.
	SettleTimeout time.Duration

	// Logger receives engine logs. Default: discarded.
	Logger *slog.Logger
}

// node is one process of the scenario.
type node struct {
	name   string
	serve  bool
	dbPath string
	ids    *testutil.SequenceGenerator
	clock  *testutil.Clock

	store  *store.Store
	eng    *engine.Engine
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	fatal []error
}

func (n *node) recordFatal(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fatal = append(n.fatal, err)
}

func (n *node) fatalErrors() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.fatal...)
}

// cluster is a server and its clients on one in-memory broker.
type cluster struct {
	broker        *transport.MemoryBroker
	nodes         map[string]*node
	order         []string
	partitioned   map[string]bool
	settleTimeout time.Duration
	log           *slog.Logger
}

// Run executes a scenario and returns its result.
//
// Every run starts fresh processes with empty databases. The returned
// error reports a harness failure (a process that cannot start); failed
// steps, principles and assertions are reported in the Result.
func Run(ctx context.Context, scenario *Scenario, opts Options) (*Result, error) {
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = defaultSettleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	dir := opts.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "commonplace-scenario-*")
		if err != nil {
			return nil, fmt.Errorf("create scenario directory: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	c := &cluster{
		broker:        transport.NewMemoryBroker(),
		nodes:         make(map[string]*node),
		partitioned:   make(map[string]bool),
		settleTimeout: opts.SettleTimeout,
		log:           opts.Logger,
	}
	defer c.close()

	for _, name := range scenario.nodes() {
		n := &node{
			name:   name,
			serve:  name == ServerNode,
			dbPath: filepath.Join(dir, name+".db"),
			ids:    testutil.NewSequenceGenerator(name),
			clock:  testutil.NewClock(testutil.Epoch, time.Second),
		}
		c.nodes[name] = n
		c.order = append(c.order, name)
		if err := c.start(ctx, n); err != nil {
			return nil, fmt.Errorf("start %s: %w", name, err)
		}
	}
	if err := c.settle(ctx); err != nil {
		return nil, fmt.Errorf("initial sync: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		name := step.Node
		if name == "" {
			name = ServerNode
		}
		err := c.execute(ctx, c.nodes[name], step)

		ev := TraceEvent{Step: i + 1, Do: step.Do, Node: name, Path: step.Path, Outcome: OutcomeOK}
		if err != nil {
			ev.Outcome = OutcomeFailed
		}
		result.AddTrace(ev)

		prefix := fmt.Sprintf("step %d (%s on %s)", i+1, step.Do, name)
		switch {
		case step.ExpectError == "" && err != nil:
			result.AddError(fmt.Sprintf("%s: %v", prefix, err))
		case step.ExpectError != "" && err == nil:
			result.AddError(fmt.Sprintf("%s: expected error containing %q, got success", prefix, step.ExpectError))
		case step.ExpectError != "" && !strings.Contains(err.Error(), step.ExpectError):
			result.AddError(fmt.Sprintf("%s: expected error containing %q, got %v", prefix, step.ExpectError, err))
		}
	}

	if err := c.settle(ctx); err != nil {
		result.AddError(err.Error())
	}
	for _, name := range c.order {
		v, err := c.view(ctx, c.nodes[name])
		if err != nil {
			result.AddError(err.Error())
			continue
		}
		result.Views[name] = v
	}
	for _, f := range checkPrinciples(ctx, c, result) {
		result.AddError(f.String())
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// start opens the node's store and engine and runs it until stop.
func (c *cluster) start(ctx context.Context, n *node) error {
	st, err := store.Open(n.dbPath, store.WithClock(n.clock.Now))
	if err != nil {
		return err
	}
	sess := transport.NewSession(c.broker.Dialer(n.name), transport.SessionConfig{
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		HealthyAfter:   100 * time.Millisecond,
		Logger:         c.log,
	})
	eng, err := engine.Open(ctx, st, sess, engine.Config{
		Anchor:         scenarioAnchor,
		Replica:        n.name,
		Serve:          n.serve,
		SyncTimeout:    250 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
		IDs:            n.ids,
		Fatal:          n.recordFatal,
		Logger:         c.log.With("node", n.name),
	})
	if err != nil {
		st.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n.store, n.eng, n.cancel, n.done = st, eng, cancel, make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := eng.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("engine stopped", "node", n.name, "error", err)
		}
	}(n.done)

	if !n.serve {
		return eng.Track("")
	}
	return nil
}

func (c *cluster) stop(n *node) {
	if n.eng == nil {
		return
	}
	n.cancel()
	<-n.done
	n.eng.Close()
	n.store.Close()
	n.eng, n.store = nil, nil
}

func (c *cluster) close() {
	for i := len(c.order) - 1; i >= 0; i-- {
		c.stop(c.nodes[c.order[i]])
	}
}

func (c *cluster) execute(ctx context.Context, n *node, step Step) error {
	switch step.Do {
	case DoPartition:
		c.broker.Partition(n.name)
		c.partitioned[n.name] = true
		return nil
	case DoHeal:
		c.broker.Heal(n.name)
		delete(c.partitioned, n.name)
		return nil
	case DoDuplicate:
		c.broker.SetDuplicate(step.Enabled)
		return nil
	case DoSettle:
		return c.settle(ctx)
	case DoRestart:
		c.stop(n)
		return c.start(ctx, n)
	case DoCreate:
		kind := ir.KindForName(step.Path)
		if step.Kind != "" {
			k, err := ir.ParseContentKind(step.Kind)
			if err != nil {
				return err
			}
			kind = k
		}
		_, err := n.eng.CreateAt(ctx, step.Path, kind)
		return err
	case DoUnbind:
		return n.eng.Unbind(ctx, step.Path)
	}

	en, err := n.eng.Resolve(ctx, step.Path)
	if err != nil {
		return err
	}
	switch step.Do {
	case DoAppend:
		return n.eng.Edit(ctx, en.ID, func(d *crdt.Doc) ([]byte, error) {
			return d.Insert(d.Len(), step.Text)
		})
	case DoPrepend:
		return n.eng.Edit(ctx, en.ID, func(d *crdt.Doc) ([]byte, error) {
			return d.Insert(0, step.Text)
		})
	case DoReplace:
		return n.eng.Replace(ctx, en.ID, step.Text)
	case DoSet:
		return n.eng.Edit(ctx, en.ID, func(d *crdt.Doc) ([]byte, error) {
			return d.Set(step.Key, []byte(step.Value))
		})
	}
	return fmt.Errorf("unknown step %q", step.Do)
}

// settle waits until every connected client has synced every bound path
// and holds the same view as the server.
func (c *cluster) settle(ctx context.Context) error {
	deadline := time.Now().Add(c.settleTimeout)
	for {
		err := c.settled(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("processes did not settle within %s: %w", c.settleTimeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (c *cluster) settled(ctx context.Context) error {
	if c.partitioned[ServerNode] {
		// Nothing to agree with until it heals.
		return nil
	}
	want, err := c.view(ctx, c.nodes[ServerNode])
	if err != nil {
		return err
	}
	paths := append([]string{""}, ir.SortedKeys(want)...)
	for _, name := range c.order[1:] {
		if c.partitioned[name] {
			continue
		}
		n := c.nodes[name]
		for _, p := range paths {
			if st, ok := n.eng.PathState(p); !ok || st != engine.Synced {
				return fmt.Errorf("%s: path %q is %s", name, p, st)
			}
		}
		got, err := c.view(ctx, n)
		if err != nil {
			return err
		}
		if !got.Equal(want) {
			return fmt.Errorf("%s differs from %s", name, ServerNode)
		}
	}
	return nil
}

// view reads every binding of a node and the content behind it.
func (c *cluster) view(ctx context.Context, n *node) (View, error) {
	if n.eng == nil {
		return nil, errors.New(n.name + ": not running")
	}
	entries, err := n.eng.Entries(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.name, err)
	}
	v := make(View, len(entries))
	for _, en := range entries {
		content, err := n.eng.Content(ctx, en.ID)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", n.name, en.Path, err)
		}
		v[en.Path] = Binding{ID: en.ID, Kind: en.Kind, Content: content}
	}
	return v, nil
}
