package harness

import "github.com/roach88/commonplace/internal/ir"

// Step outcomes recorded in the trace.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Step    int    `json:"step"`
	Do      string `json:"do"`
	Node    string `json:"node"`
	Path    string `json:"path,omitempty"`
	Outcome string `json:"outcome"`
}

// Binding is one bound path as a process sees it.
type Binding struct {
	ID      ir.DocID       `json:"node_id"`
	Kind    ir.ContentKind `json:"content_kind"`
	Content string         `json:"content"`
}

// View maps every bound path of a process to its binding and content.
type View map[string]Binding

// Equal reports whether two views hold the same bindings and content.
func (v View) Equal(o View) bool {
	if len(v) != len(o) {
		return false
	}
	for p, b := range v {
		if ob, ok := o[p]; !ok || ob != b {
			return false
		}
	}
	return true
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step, principle and assertion held.
	Pass bool `json:"pass"`

	// Trace lists the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Views holds the final view of every process, keyed by node name.
	Views map[string]View `json:"views"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Views:  make(map[string]View),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace records an executed step.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
