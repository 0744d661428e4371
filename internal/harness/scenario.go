package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/pathindex"
)

// ServerNode is the name of the serving process in every scenario.
const ServerNode = "server"

// Scenario defines a replication scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Clients names the client processes. Each tracks the whole tree.
	Clients []string `yaml:"clients"`

	// Steps run in order. The harness settles after the last one.
	Steps []Step `yaml:"steps"`

	// Assertions are checked against the settled processes.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one action against the cluster.
type Step struct {
	// Do is the step kind, one of the Do* constants.
	Do string `yaml:"do"`

	// Node is the process the step acts on. Default: the server.
	Node string `yaml:"node,omitempty"`

	// Path is the bound path edited by document steps.
	Path string `yaml:"path,omitempty"`

	// Kind overrides the content kind picked from the path's extension (create).
	Kind string `yaml:"kind,omitempty"`

	// Text is inserted by append and prepend, and is the new content for replace.
	Text string `yaml:"text,omitempty"`

	// Key and Value are the field and JSON value written by set.
	Key   string `yaml:"key,omitempty"`
	Value string `yaml:"value,omitempty"`

	// Enabled turns duplicate delivery on or off (duplicate).
	Enabled bool `yaml:"enabled,omitempty"`

	// ExpectError marks a step that must fail with an error containing it.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step kinds.
const (
	DoCreate    = "create"
	DoAppend    = "append"
	DoPrepend   = "prepend"
	DoReplace   = "replace"
	DoSet       = "set"
	DoUnbind    = "unbind"
	DoPartition = "partition"
	DoHeal      = "heal"
	DoRestart   = "restart"
	DoDuplicate = "duplicate"
	DoSettle    = "settle"
)

// Assertion validates the settled state of one or every process.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Node restricts the assertion to one process. Default: every process.
	Node string `yaml:"node,omitempty"`

	Path string `yaml:"path,omitempty"`

	// Content is the expected materialized content (content).
	Content *string `yaml:"content,omitempty"`

	// Kind is the expected content kind of the binding (bound).
	Kind string `yaml:"kind,omitempty"`
}

// Assertion types.
const (
	AssertContent = "content"
	AssertBound   = "bound"
	AssertUnbound = "unbound"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// nodes returns the server followed by the clients in declaration order.
func (s *Scenario) nodes() []string {
	return append([]string{ServerNode}, s.Clients...)
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	seen := map[string]bool{ServerNode: true}
	for i, c := range s.Clients {
		if c == "" {
			return fmt.Errorf("clients[%d]: name is required", i)
		}
		if seen[c] {
			return fmt.Errorf("clients[%d]: duplicate process name %q", i, c)
		}
		seen[c] = true
	}
	known := func(name string) bool { return name == "" || seen[name] }

	for i, step := range s.Steps {
		if !known(step.Node) {
			return fmt.Errorf("steps[%d]: unknown node %q", i, step.Node)
		}
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if !known(a.Node) {
			return fmt.Errorf("assertions[%d]: unknown node %q", i, a.Node)
		}
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

var documentSteps = []string{DoCreate, DoAppend, DoPrepend, DoReplace, DoSet, DoUnbind}

func validateStep(step Step) error {
	switch step.Do {
	case DoCreate, DoAppend, DoPrepend, DoReplace, DoSet, DoUnbind:
	case DoPartition, DoHeal, DoRestart, DoDuplicate, DoSettle:
	case "":
		return fmt.Errorf("do is required")
	default:
		return fmt.Errorf("unknown step %q", step.Do)
	}

	if slices.Contains(documentSteps, step.Do) {
		if step.Path == "" {
			return fmt.Errorf("%s needs a path", step.Do)
		}
		if _, err := pathindex.Normalize(step.Path); err != nil {
			return err
		}
	}
	if step.Kind != "" {
		if step.Do != DoCreate {
			return fmt.Errorf("kind is only valid for create")
		}
		if _, err := ir.ParseContentKind(step.Kind); err != nil {
			return err
		}
	}
	if step.Do == DoSet && step.Key == "" {
		return fmt.Errorf("set needs a key")
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertContent:
		if a.Content == nil {
			return fmt.Errorf("content is required for %s", a.Type)
		}
	case AssertBound:
		if a.Kind != "" {
			if _, err := ir.ParseContentKind(a.Kind); err != nil {
				return err
			}
		}
	case AssertUnbound:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	if a.Path == "" {
		return fmt.Errorf("path is required for %s", a.Type)
	}
	return nil
}
