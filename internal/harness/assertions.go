package harness

import (
	"fmt"
	"sort"

	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/pathindex"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Node     string
	Path     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s %s on %s\n  Expected: %s\n  Actual: %s",
		e.Type, e.Path, e.Node, e.Expected, e.Actual)
}

// EvaluateAssertions checks every assertion against the final views.
// Returns a message per failed assertion and process.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string
	for i, a := range assertions {
		nodes := sortedKeys(result.Views)
		if a.Node != "" {
			nodes = []string{a.Node}
		}
		for _, name := range nodes {
			view, ok := result.Views[name]
			if !ok {
				errors = append(errors, fmt.Sprintf("assertion[%d]: no view for node %q", i, name))
				continue
			}
			if err := evaluate(a, name, view); err != nil {
				errors = append(errors, err.Error())
			}
		}
	}
	return errors
}

func evaluate(a Assertion, node string, view View) error {
	path, err := pathindex.Normalize(a.Path)
	if err != nil {
		return err
	}
	b, bound := view[path]
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Node: node, Path: path, Expected: expected, Actual: actual}
	}

	switch a.Type {
	case AssertUnbound:
		if bound {
			return fail("unbound", fmt.Sprintf("bound to %s", b.ID))
		}
	case AssertBound:
		if !bound {
			return fail("bound", "unbound")
		}
		if a.Kind != "" {
			want, err := ir.ParseContentKind(a.Kind)
			if err != nil {
				return err
			}
			if b.Kind != want {
				return fail(fmt.Sprintf("kind %s", want), fmt.Sprintf("kind %s", b.Kind))
			}
		}
	case AssertContent:
		if !bound {
			return fail(fmt.Sprintf("content %q", *a.Content), "unbound")
		}
		if b.Content != *a.Content {
			return fail(fmt.Sprintf("content %q", *a.Content), fmt.Sprintf("content %q", b.Content))
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
