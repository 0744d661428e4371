package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/commonplace/internal/ir"
)

func strPtr(s string) *string { return &s }

func testResult() *Result {
	r := NewResult()
	r.Views[ServerNode] = View{
		"notes/todo.txt": {ID: "doc-1", Kind: ir.KindText, Content: "hello\n"},
		"settings.json":  {ID: "doc-2", Kind: ir.KindStructured, Content: `{"a":1}`},
	}
	r.Views["a"] = View{
		"notes/todo.txt": {ID: "doc-1", Kind: ir.KindText, Content: "hello\n"},
	}
	return r
}

func TestEvaluateAssertions_AllPass(t *testing.T) {
	errs := EvaluateAssertions(testResult(), []Assertion{
		{Type: AssertContent, Path: "notes/todo.txt", Content: strPtr("hello\n")},
		{Type: AssertBound, Path: "/notes//todo.txt", Kind: "text/plain"},
		{Type: AssertBound, Node: ServerNode, Path: "settings.json", Kind: "structured"},
		{Type: AssertUnbound, Node: "a", Path: "settings.json"},
		{Type: AssertUnbound, Path: "missing.txt"},
	})
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_FailuresPerNode(t *testing.T) {
	errs := EvaluateAssertions(testResult(), []Assertion{
		{Type: AssertContent, Path: "settings.json", Content: strPtr(`{"a":1}`)},
	})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "settings.json on a")
	assert.Contains(t, errs[0], "Actual: unbound")
}

func TestEvaluateAssertions_ContentMismatch(t *testing.T) {
	errs := EvaluateAssertions(testResult(), []Assertion{
		{Type: AssertContent, Node: ServerNode, Path: "notes/todo.txt", Content: strPtr("bye")},
	})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `Expected: content "bye"`)
	assert.Contains(t, errs[0], `Actual: content "hello\n"`)
}

func TestEvaluateAssertions_KindMismatch(t *testing.T) {
	errs := EvaluateAssertions(testResult(), []Assertion{
		{Type: AssertBound, Node: ServerNode, Path: "settings.json", Kind: "text"},
	})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "kind structured")
}

func TestEvaluateAssertions_UnboundButBound(t *testing.T) {
	errs := EvaluateAssertions(testResult(), []Assertion{
		{Type: AssertUnbound, Path: "notes/todo.txt"},
	})
	assert.Len(t, errs, 2)
}

func TestEvaluateAssertions_UnknownNode(t *testing.T) {
	errs := EvaluateAssertions(testResult(), []Assertion{
		{Type: AssertUnbound, Node: "ghost", Path: "x"},
	})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `no view for node "ghost"`)
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{Type: AssertContent, Node: "a", Path: "x.txt", Expected: "one", Actual: "two"}
	assert.Equal(t, "assertion failed: content x.txt on a\n  Expected: one\n  Actual: two", err.Error())
}

func TestView_Equal(t *testing.T) {
	r := testResult()
	assert.True(t, r.Views[ServerNode].Equal(testResult().Views[ServerNode]))
	assert.False(t, r.Views[ServerNode].Equal(r.Views["a"]))

	changed := View{"notes/todo.txt": {ID: "doc-1", Kind: ir.KindText, Content: "other"}}
	assert.False(t, r.Views["a"].Equal(changed))
}
