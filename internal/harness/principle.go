package harness

import (
	"context"
	"fmt"

	"github.com/roach88/commonplace/internal/crdt"
)

// Principle is a replication property every scenario run must satisfy,
// whatever its steps.
type Principle struct {
	Name        string
	Description string
	check       func(ctx context.Context, c *cluster, r *Result, n *node) error
}

// PrincipleFailure is one principle violated by one process.
type PrincipleFailure struct {
	Principle string `json:"principle"`
	Node      string `json:"node"`
	Error     string `json:"error"`
}

func (f PrincipleFailure) String() string {
	return fmt.Sprintf("principle %s violated on %s: %s", f.Principle, f.Node, f.Error)
}

var principles = []Principle{
	{
		Name:        "convergence",
		Description: "connected processes hold the same bindings and content as the server",
		check:       checkConvergence,
	},
	{
		Name:        "gap_free_log",
		Description: "every commit log is numbered from 1 without gaps",
		check:       checkGapFree,
	},
	{
		Name:        "replay_fidelity",
		Description: "replaying a commit log reproduces the live content",
		check:       checkReplay,
	},
	{
		Name:        "durability",
		Description: "no process hit an unrecoverable persistence failure",
		check:       checkDurability,
	},
}

// Principles lists the properties checked after every scenario.
func Principles() []Principle {
	return append([]Principle(nil), principles...)
}

// checkPrinciples evaluates every principle on every running process.
func checkPrinciples(ctx context.Context, c *cluster, r *Result) []PrincipleFailure {
	var failures []PrincipleFailure
	for _, p := range principles {
		for _, name := range c.order {
			n := c.nodes[name]
			if n.eng == nil {
				continue
			}
			if err := p.check(ctx, c, r, n); err != nil {
				failures = append(failures, PrincipleFailure{Principle: p.Name, Node: name, Error: err.Error()})
			}
		}
	}
	return failures
}

func checkConvergence(_ context.Context, c *cluster, r *Result, n *node) error {
	if n.serve || c.partitioned[n.name] {
		return nil
	}
	want, ok := r.Views[ServerNode]
	if !ok {
		return fmt.Errorf("no server view")
	}
	got, ok := r.Views[n.name]
	if !ok {
		return fmt.Errorf("no view")
	}
	for _, p := range pathUnion(want, got) {
		w, inWant := want[p]
		g, inGot := got[p]
		switch {
		case !inGot:
			return fmt.Errorf("%s is bound on %s only", p, ServerNode)
		case !inWant:
			return fmt.Errorf("%s is not bound on %s", p, ServerNode)
		case w != g:
			return fmt.Errorf("%s: have %q (%s), %s has %q (%s)", p, g.Content, g.ID, ServerNode, w.Content, w.ID)
		}
	}
	return nil
}

func checkGapFree(ctx context.Context, _ *cluster, _ *Result, n *node) error {
	docs, err := n.store.ListDocuments(ctx)
	if err != nil {
		return err
	}
	for _, d := range docs {
		commits, err := n.store.Replay(ctx, d.ID)
		if err != nil {
			return err
		}
		for i, cm := range commits {
			if cm.Seq != int64(i+1) {
				return fmt.Errorf("document %s: commit %d has seq %d", d.ID, i+1, cm.Seq)
			}
		}
	}
	return nil
}

func checkReplay(ctx context.Context, _ *cluster, _ *Result, n *node) error {
	docs, err := n.store.ListDocuments(ctx)
	if err != nil {
		return err
	}
	for _, d := range docs {
		commits, err := n.store.Replay(ctx, d.ID)
		if err != nil {
			return err
		}
		doc, err := crdt.New(d.Kind, "replay")
		if err != nil {
			return err
		}
		for _, cm := range commits {
			if _, err := doc.Apply(cm.Update); err != nil {
				return fmt.Errorf("document %s: commit %d: %w", d.ID, cm.Seq, err)
			}
		}
		live, err := n.eng.Content(ctx, d.ID)
		if err != nil {
			return err
		}
		if replayed := doc.Materialize(); replayed != live {
			return fmt.Errorf("document %s: replay gives %q, live content is %q", d.ID, replayed, live)
		}
	}
	return nil
}

func checkDurability(_ context.Context, _ *cluster, _ *Result, n *node) error {
	if errs := n.fatalErrors(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func pathUnion(a, b View) []string {
	all := make(map[string]struct{}, len(a)+len(b))
	for p := range a {
		all[p] = struct{}{}
	}
	for p := range b {
		all[p] = struct{}{}
	}
	return sortedKeys(all)
}
