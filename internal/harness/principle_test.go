package harness

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/commonplace/internal/ir"
)

func TestPrinciples_Names(t *testing.T) {
	var names []string
	for _, p := range Principles() {
		names = append(names, p.Name)
		assert.NotEmpty(t, p.Description)
	}
	assert.Equal(t, []string{"convergence", "gap_free_log", "replay_fidelity", "durability"}, names)
}

func testCluster(clients ...string) *cluster {
	c := &cluster{nodes: map[string]*node{}, partitioned: map[string]bool{}}
	c.nodes[ServerNode] = &node{name: ServerNode, serve: true}
	c.order = []string{ServerNode}
	for _, name := range clients {
		c.nodes[name] = &node{name: name}
		c.order = append(c.order, name)
	}
	return c
}

func TestCheckConvergence(t *testing.T) {
	c := testCluster("a", "b")
	r := NewResult()
	r.Views[ServerNode] = View{"x": {ID: "1", Kind: ir.KindText, Content: "same"}}
	r.Views["a"] = View{"x": {ID: "1", Kind: ir.KindText, Content: "same"}}
	r.Views["b"] = View{"x": {ID: "1", Kind: ir.KindText, Content: "diverged"}}
	ctx := context.Background()

	assert.NoError(t, checkConvergence(ctx, c, r, c.nodes[ServerNode]))
	assert.NoError(t, checkConvergence(ctx, c, r, c.nodes["a"]))

	err := checkConvergence(ctx, c, r, c.nodes["b"])
	require.Error(t, err)
	assert.Contains(t, err.Error(), `have "diverged"`)

	c.partitioned["b"] = true
	assert.NoError(t, checkConvergence(ctx, c, r, c.nodes["b"]))
}

func TestCheckConvergence_MissingBinding(t *testing.T) {
	c := testCluster("a")
	r := NewResult()
	r.Views[ServerNode] = View{"x": {ID: "1"}}
	r.Views["a"] = View{"y": {ID: "2"}}

	err := checkConvergence(context.Background(), c, r, c.nodes["a"])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x is bound on server only")
}

func TestCheckDurability(t *testing.T) {
	n := &node{name: "a"}
	assert.NoError(t, checkDurability(context.Background(), nil, nil, n))

	n.recordFatal(errors.New("disk full"))
	assert.EqualError(t, checkDurability(context.Background(), nil, nil, n), "disk full")
}

func TestPrincipleFailure_String(t *testing.T) {
	f := PrincipleFailure{Principle: "convergence", Node: "a", Error: "boom"}
	assert.Equal(t, "principle convergence violated on a: boom", f.String())
}
