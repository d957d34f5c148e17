package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.cue"), []byte(`plugin: "p"`), 0644))
	path := writeScenario(t, dir, `
name: draft_only
description: "Create one draft"
scope: store-1
manifests:
  - plugin.cue
flow:
  - invoke: draft.create
    args:
      page_type: cart
      tree: { root: [], nodes: [] }
    as: v1
  - invoke: version.publish
    args: { version: $v1 }
assertions:
  - type: trace_count
    action: draft.create
    count: 1
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "draft_only", scenario.Name)
	assert.Equal(t, "store-1", scenario.Scope)
	assert.Equal(t, []string{filepath.Join(dir, "plugin.cue")}, scenario.Manifests)
	require.Len(t, scenario.Flow, 2)
	assert.Equal(t, "v1", scenario.Flow[0].As)
	assert.Equal(t, "$v1", scenario.Flow[1].Args["version"])
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, t.TempDir(), `
name: typo
description: "Misspelled assertions key"
scope: store-1
flow:
  - invoke: config.effective
    args: { page_type: cart }
assertion:
  - type: trace_count
    action: config.effective
    count: 1
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestValidateScenario(t *testing.T) {
	valid := func() Scenario {
		return Scenario{
			Name:        "s",
			Description: "d",
			Scope:       "store-1",
			Flow: []Step{
				{Invoke: "draft.create", Args: map[string]interface{}{}, As: "v1"},
				{Invoke: "version.publish", Args: map[string]interface{}{"version": "$v1"}},
			},
			Assertions: []Assertion{{Type: AssertTraceCount, Action: "draft.create", Count: 1}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Scenario)
		want   string
	}{
		{"valid", func(*Scenario) {}, ""},
		{"missing name", func(s *Scenario) { s.Name = "" }, "name is required"},
		{"missing description", func(s *Scenario) { s.Description = "" }, "description is required"},
		{"missing scope", func(s *Scenario) { s.Scope = "" }, "scope is required"},
		{"empty flow", func(s *Scenario) { s.Flow = nil }, "flow list is required"},
		{"no assertions", func(s *Scenario) { s.Assertions = nil }, "assertions list is required"},
		{"unknown operation", func(s *Scenario) { s.Flow[0].Invoke = "cart.explode" }, `unknown operation "cart.explode"`},
		{"nil args", func(s *Scenario) { s.Flow[0].Args = nil }, "args is required"},
		{"unbound reference", func(s *Scenario) { s.Flow[0].As = "" }, "refers to unbound $v1"},
		{"expect without case", func(s *Scenario) { s.Flow[1].Expect = &ExpectClause{} }, "case is required"},
		{"missing manifest", func(s *Scenario) { s.Manifests = []string{"/nonexistent/plugin.cue"} }, "manifest file not found"},
		{"failing setup", func(s *Scenario) {
			s.Setup = []Step{{Invoke: "config.effective", Args: map[string]interface{}{}, Expect: &ExpectClause{Case: "NOT_FOUND"}}}
		}, "setup steps must succeed"},
		{"final_state on a write", func(s *Scenario) {
			s.Assertions = []Assertion{{Type: AssertFinalState, Query: "draft.create", Expect: map[string]interface{}{"a": 1}}}
		}, "not a read-only operation"},
		{"final_state without expect", func(s *Scenario) {
			s.Assertions = []Assertion{{Type: AssertFinalState, Query: "config.effective"}}
		}, "expect is required"},
		{"trace_order without actions", func(s *Scenario) {
			s.Assertions = []Assertion{{Type: AssertTraceOrder}}
		}, "actions list is required"},
		{"negative count", func(s *Scenario) {
			s.Assertions = []Assertion{{Type: AssertTraceCount, Action: "x", Count: -1}}
		}, "count must be non-negative"},
		{"unknown assertion", func(s *Scenario) {
			s.Assertions = []Assertion{{Type: "final_vibes"}}
		}, `unknown assertion type "final_vibes"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			err := validateScenario(&s)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
