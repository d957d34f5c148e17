package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance scenario.
// Scenarios drive the engine through a flow of operations and assert on
// the resulting trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Scope is the scope every step runs in.
	Scope string `yaml:"scope"`

	// Manifests lists CUE plugin manifests installed into Scope before
	// setup runs. Paths are relative to the scenario file.
	Manifests []string `yaml:"manifests,omitempty"`

	// Setup establishes initial state. Setup steps must succeed.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow is the main sequence; each step may state its expected outcome.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions"`
}

// Step invokes one engine operation.
type Step struct {
	// Invoke is the operation name, e.g. "draft.create".
	Invoke string `yaml:"invoke"`

	// Args are the operation arguments. A string value "$name" refers to
	// the id bound by an earlier step's As.
	Args map[string]interface{} `yaml:"args"`

	// As binds the id the operation produced (a version or overlay id)
	// for later steps.
	As string `yaml:"as,omitempty"`

	// Expect specifies the expected outcome. Without it the step must
	// succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Case is "Success" or the error code the step must fail with.
	Case string `yaml:"case"`

	// Result is a subset match against the operation's summary.
	Result map[string]interface{} `yaml:"result,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an operation appears in the trace with args
	// - "trace_order": operations appear in order
	// - "trace_count": an operation appears exactly N times
	// - "final_state": a read-only query returns the expected summary
	Type string `yaml:"type"`

	// Action is the operation name (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Args are the expected arguments (trace_contains, subset match) or
	// the query arguments (final_state).
	Args map[string]interface{} `yaml:"args,omitempty"`

	// Query is the read-only operation final_state runs.
	Query string `yaml:"query,omitempty"`

	// Expect is a subset match against the query summary (final_state).
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected operation order (trace_order).
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// CaseSuccess is the outcome of a step that returned no error.
const CaseSuccess = "Success"

// LoadScenario reads and parses a scenario YAML file. Manifest paths are
// resolved against the file's directory. Returns an error if the file
// doesn't exist, is malformed, contains unknown fields (typos), or is
// missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict fields catch typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	for i, m := range scenario.Manifests {
		if !filepath.IsAbs(m) {
			scenario.Manifests[i] = filepath.Join(base, m)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Scope == "" {
		return fmt.Errorf("scope is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for _, m := range s.Manifests {
		if _, err := os.Stat(m); os.IsNotExist(err) {
			return fmt.Errorf("manifest file not found: %s", m)
		}
	}

	bound := make(map[string]bool)
	check := func(section string, i int, step Step) error {
		if step.Invoke == "" {
			return fmt.Errorf("%s[%d]: invoke is required", section, i)
		}
		if _, ok := operations[step.Invoke]; !ok {
			return fmt.Errorf("%s[%d]: unknown operation %q", section, i, step.Invoke)
		}
		if step.Args == nil {
			return fmt.Errorf("%s[%d]: args is required (use empty map if no args)", section, i)
		}
		for key, val := range step.Args {
			if ref, ok := reference(val); ok && !bound[ref] {
				return fmt.Errorf("%s[%d]: args.%s refers to unbound $%s", section, i, key, ref)
			}
		}
		if step.Expect != nil && step.Expect.Case == "" {
			return fmt.Errorf("%s[%d].expect: case is required", section, i)
		}
		if step.As != "" {
			bound[step.As] = true
		}
		return nil
	}
	for i, step := range s.Setup {
		if err := check("setup", i, step); err != nil {
			return err
		}
		if step.Expect != nil && step.Expect.Case != CaseSuccess {
			return fmt.Errorf("setup[%d]: setup steps must succeed", i)
		}
	}
	for i, step := range s.Flow {
		if err := check("flow", i, step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		op, ok := operations[a.Query]
		if !ok || !op.readOnly {
			return fmt.Errorf("assertions[%d]: final_state query %q is not a read-only operation", index, a.Query)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
