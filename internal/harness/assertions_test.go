package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pubengine/internal/ir"
)

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.AddInvocationTrace("draft.create", map[string]interface{}{"page_type": "cart"}, 1)
	r.AddCompletionTrace(CaseSuccess, nil, 2)
	r.AddInvocationTrace("version.publish", map[string]interface{}{"version": "$v1", "actor": "ana"}, 3)
	r.AddCompletionTrace(CaseSuccess, nil, 4)
	r.AddInvocationTrace("version.publish", map[string]interface{}{"version": "$v2"}, 5)
	r.AddCompletionTrace("INVALID_TRANSITION", nil, 6)
	return r.Trace
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Action: "version.publish"}))
	assert.NoError(t, assertTraceContains(trace, Assertion{
		Action: "version.publish",
		Args:   map[string]interface{}{"actor": "ana"},
	}))

	err := assertTraceContains(trace, Assertion{
		Action: "version.publish",
		Args:   map[string]interface{}{"actor": "bo"},
	})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, err.Error(), "[2] version.publish")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{"draft.create", "version.publish"}}))

	err := assertTraceOrder(trace, Assertion{Actions: []string{"version.publish", "draft.create"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "should be before")

	err = assertTraceOrder(trace, Assertion{Actions: []string{"draft.create", "version.revert"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing operation: version.revert")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "version.publish", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "version.revert", Count: 0}))

	err := assertTraceCount(trace, Assertion{Action: "draft.create", Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 occurrences")
}

func TestMatchSubset(t *testing.T) {
	actual := ir.Object{
		"version": ir.Int(3),
		"status":  ir.String("published"),
		"outcomes": ir.Array{
			ir.Object{"handler": ir.String("p/a"), "ok": ir.Bool(true), "result": ir.Int(40)},
		},
	}

	tests := []struct {
		name     string
		expected ir.Value
		want     bool
	}{
		{"empty object", ir.Object{}, true},
		{"scalar subset", ir.Object{"version": ir.Int(3)}, true},
		{"scalar mismatch", ir.Object{"version": ir.Int(2)}, false},
		{"missing key", ir.Object{"reverted": ir.Array{}}, false},
		{"nested subset", ir.Object{"outcomes": ir.Array{ir.Object{"result": ir.Int(40)}}}, true},
		{"array length", ir.Object{"outcomes": ir.Array{}}, false},
		{"type mismatch", ir.Object{"status": ir.Int(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchSubset(actual, tt.expected))
		})
	}

	assert.False(t, matchSubset(nil, ir.Object{"a": ir.Int(1)}))
}

func TestEvaluateAssertions_CollectsFailures(t *testing.T) {
	result := &Result{Trace: sampleTrace()}
	errs := evaluateAssertions(context.Background(), result, []Assertion{
		{Type: AssertTraceCount, Action: "version.publish", Count: 2},
		{Type: AssertTraceCount, Action: "version.publish", Count: 5},
		{Type: "nope"},
		{Type: AssertFinalState, Query: "config.effective", Expect: map[string]interface{}{"version": 1}},
	}, nil)

	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "5 occurrences of version.publish")
	assert.Contains(t, errs[1], `unknown assertion type "nope"`)
	assert.Contains(t, errs[2], "final_state requires an engine")
}
