package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/commonplace/internal/ir"
)

// Snapshot renders the deterministic part of a run as canonical JSON: the
// step trace and the server's final view.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	trace := make([]any, len(result.Trace))
	for i, ev := range result.Trace {
		m := map[string]any{
			"step":    ev.Step,
			"do":      ev.Do,
			"node":    ev.Node,
			"outcome": ev.Outcome,
		}
		if ev.Path != "" {
			m["path"] = ev.Path
		}
		trace[i] = m
	}

	view := map[string]any{}
	for p, b := range result.Views[ServerNode] {
		view[p] = map[string]any{
			"node_id":      string(b.ID),
			"content_type": b.Kind.MIME(),
			"content":      b.Content,
		}
	}

	return ir.MarshalCanonical(map[string]any{
		"scenario": scenarioName,
		"trace":    trace,
		"view":     view,
	})
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, Options{Dir: t.TempDir()})
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snap, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, snap)
	return nil
}
