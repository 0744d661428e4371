package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/testutil"
)

func runScenario(t *testing.T, yaml string) *Result {
	t.Helper()
	s, err := ParseScenario([]byte(yaml))
	require.NoError(t, err)
	result, err := Run(context.Background(), s, Options{Dir: t.TempDir()})
	require.NoError(t, err)
	return result
}

func TestRun_ServerOnly(t *testing.T) {
	result := runScenario(t, `
name: server_only
description: "no clients"
steps:
  - do: create
    path: a.txt
  - do: append
    path: a.txt
    text: "solo"
assertions:
  - type: content
    path: a.txt
    content: "solo"
`)
	assert.True(t, result.Pass, result.Errors)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, TraceEvent{Step: 1, Do: DoCreate, Node: ServerNode, Path: "a.txt", Outcome: OutcomeOK}, result.Trace[0])

	b := result.Views[ServerNode]["a.txt"]
	assert.Equal(t, ir.DocID(testutil.Nth(ServerNode, 1)), b.ID)
	assert.Equal(t, ir.KindText, b.Kind)
}

func TestRun_ReplaceAndKindOverride(t *testing.T) {
	result := runScenario(t, `
name: replace
description: "replace on a client, kind forced on create"
clients: [a]
steps:
  - do: create
    node: a
    path: page
    kind: markup
  - do: replace
    node: a
    path: page
    text: "<p>hi</p>"
  - do: settle
  - do: replace
    path: page
    text: "<p>bye</p>"
assertions:
  - type: content
    path: page
    content: "<p>bye</p>"
  - type: bound
    path: page
    kind: markup
`)
	assert.True(t, result.Pass, result.Errors)
	assert.Len(t, result.Views, 2)
}

func TestRun_UnexpectedStepFailure(t *testing.T) {
	result := runScenario(t, `
name: fails
description: "appending to an unbound path fails"
steps:
  - do: append
    path: nowhere.txt
    text: "x"
`)
	assert.False(t, result.Pass)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, OutcomeFailed, result.Trace[0].Outcome)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "step 1 (append on server)")
}

func TestRun_ExpectedErrorThatDoesNotHappen(t *testing.T) {
	result := runScenario(t, `
name: no_error
description: "expect_error on a succeeding step"
steps:
  - do: create
    path: a.txt
    expect_error: "path conflict"
`)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "got success")
}

func TestRun_ExpectedErrorWithOtherMessage(t *testing.T) {
	result := runScenario(t, `
name: other_error
description: "expect_error with the wrong substring"
steps:
  - do: unbind
    path: a.txt
    expect_error: "path conflict"
`)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "path not bound")
}

func TestRun_FailingAssertion(t *testing.T) {
	result := runScenario(t, `
name: wrong_content
description: "content assertion mismatch"
clients: [a]
steps:
  - do: create
    path: a.txt
assertions:
  - type: content
    path: a.txt
    content: "something"
`)
	assert.False(t, result.Pass)
	// one failure per process
	assert.Len(t, result.Errors, 2)
}

func TestRun_PartitionedClientIsLeftBehind(t *testing.T) {
	result := runScenario(t, `
name: left_behind
description: "a client that stays partitioned does not see later edits"
clients: [a, b]
steps:
  - do: create
    path: a.txt
  - do: settle
  - do: partition
    node: b
  - do: append
    node: a
    path: a.txt
    text: "late"
assertions:
  - type: content
    node: a
    path: a.txt
    content: "late"
  - type: content
    node: b
    path: a.txt
    content: ""
`)
	assert.True(t, result.Pass, result.Errors)
}

func TestRun_Deterministic(t *testing.T) {
	const yaml = `
name: twice
description: "two runs give identical views"
clients: [a, b]
steps:
  - do: create
    node: a
    path: x.txt
  - do: append
    node: a
    path: x.txt
    text: "1"
  - do: settle
  - do: prepend
    node: b
    path: x.txt
    text: "0"
`
	first := runScenario(t, yaml)
	second := runScenario(t, yaml)
	require.True(t, first.Pass, first.Errors)
	require.True(t, second.Pass, second.Errors)
	assert.Equal(t, first.Views, second.Views)
	assert.Equal(t, "01", first.Views["b"]["x.txt"].Content)
}

func TestRun_DefaultDirectory(t *testing.T) {
	s, err := ParseScenario([]byte("name: n\ndescription: d\nsteps: [{do: settle}]\n"))
	require.NoError(t, err)

	result, err := Run(context.Background(), s, Options{})
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
	assert.Empty(t, result.Views[ServerNode])
}

func TestRun_ServerCatchesUpAfterPartition(t *testing.T) {
	result := runScenario(t, `
name: server_away
description: "edits published while the server is partitioned reach it after heal"
clients: [a]
steps:
  - do: create
    node: a
    path: journal.txt
  - do: append
    node: a
    path: journal.txt
    text: "one\n"
  - do: settle
  - do: partition
  - do: append
    node: a
    path: journal.txt
    text: "two\n"
  - do: heal
  - do: append
    node: a
    path: journal.txt
    text: "three\n"
assertions:
  - type: content
    path: journal.txt
    content: "one\ntwo\nthree\n"
`)
	assert.True(t, result.Pass, result.Errors)
}

func TestRun_ServerRestartKeepsClientEdits(t *testing.T) {
	result := runScenario(t, `
name: server_restart
description: "a restarted server recovers edits clients made while it was down"
clients: [a]
steps:
  - do: create
    node: a
    path: journal.txt
  - do: append
    node: a
    path: journal.txt
    text: "one\n"
  - do: settle
  - do: restart
  - do: append
    node: a
    path: journal.txt
    text: "two\n"
assertions:
  - type: content
    path: journal.txt
    content: "one\ntwo\n"
`)
	assert.True(t, result.Pass, result.Errors)
}
