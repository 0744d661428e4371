package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/commonplace/internal/ir"
)

func TestSnapshot_Canonical(t *testing.T) {
	r := NewResult()
	r.AddTrace(TraceEvent{Step: 1, Do: DoCreate, Node: "a", Path: "x.txt", Outcome: OutcomeOK})
	r.AddTrace(TraceEvent{Step: 2, Do: DoSettle, Node: ServerNode, Outcome: OutcomeOK})
	r.Views[ServerNode] = View{"x.txt": {ID: "doc-1", Kind: ir.KindText, Content: "a<b>\n"}}
	r.Views["a"] = View{"ignored": {}}

	snap, err := Snapshot("demo", r)
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario":"demo","trace":[`+
			`{"do":"create","node":"a","outcome":"ok","path":"x.txt","step":1},`+
			`{"do":"settle","node":"server","outcome":"ok","step":2}],`+
			`"view":{"x.txt":{"content":"a<b>\n","content_type":"text/plain","node_id":"doc-1"}}}`,
		string(snap))
}

// TestScenarios runs every scenario under testdata/scenarios against its
// golden file.
func TestScenarios(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		name := strings.TrimSuffix(filepath.Base(f), ".yaml")
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario(f)
			require.NoError(t, err)

			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}
