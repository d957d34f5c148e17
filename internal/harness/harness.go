package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/roach88/pubengine/internal/compiler"
	"github.com/roach88/pubengine/internal/engine"
	"github.com/roach88/pubengine/internal/ir"
	"github.com/roach88/pubengine/internal/store"
	"github.com/roach88/pubengine/internal/testutil"
)

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory database with a
// deterministic clock and sequential ids, so the same scenario always
// produces the same trace. opts are applied after the harness defaults.
//
// Execution flow:
//  1. Install the scenario's manifests into its scope
//  2. Execute setup steps (any failure aborts the run)
//  3. Execute flow steps, checking expect clauses
//  4. Evaluate assertions
//
// The returned error is reserved for runs that could not execute; a
// failed expectation is reported through Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...engine.Option) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	base := []engine.Option{
		engine.WithClock(testutil.NewDeterministicClock()),
		engine.WithIDGenerator(testutil.NewSequentialIDs("id")),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	x := &execution{
		eng:   engine.New(st, append(base, opts...)...),
		scope: scenario.Scope,
		vars:  make(map[string]string),
	}

	for _, path := range scenario.Manifests {
		if err := x.install(ctx, path); err != nil {
			return nil, err
		}
	}

	result := NewResult()
	var seq int64
	for i, step := range scenario.Setup {
		outcome, _, err := x.step(ctx, step, result, &seq)
		if err != nil {
			return nil, fmt.Errorf("setup step %d (%s): %w", i, step.Invoke, err)
		}
		if outcome != CaseSuccess {
			return nil, fmt.Errorf("setup step %d (%s): %s", i, step.Invoke, outcome)
		}
	}

	for i, step := range scenario.Flow {
		outcome, summary, err := x.step(ctx, step, result, &seq)
		checkExpect(result, i, step, outcome, summary, err)
	}

	for _, msg := range evaluateAssertions(ctx, result, scenario.Assertions, x) {
		result.AddError(msg)
	}
	for name, id := range x.vars {
		result.Bindings[name] = id
	}
	return result, nil
}

// install compiles a CUE manifest and installs it into the scenario scope.
func (x *execution) install(ctx context.Context, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	m, err := compiler.CompileString(string(src), path)
	if err != nil {
		return fmt.Errorf("compile manifest %s: %w", path, err)
	}
	if _, err := x.eng.InstallManifest(ctx, x.scope, m); err != nil {
		return fmt.Errorf("install manifest %s: %w", path, err)
	}
	return nil
}

// step runs one operation and appends its invocation and completion to
// the trace. The error, if any, is the operation's; the outcome names it.
func (x *execution) step(ctx context.Context, step Step, result *Result, seq *int64) (string, ir.Object, error) {
	*seq++
	result.AddInvocationTrace(step.Invoke, step.Args, *seq)

	op := operations[step.Invoke]
	summary, bound, err := op.run(ctx, x, arguments{raw: step.Args, vars: x.vars})

	outcome := CaseSuccess
	var traced interface{}
	if err != nil {
		outcome = caseOf(err)
		summary = nil
	} else {
		if step.As != "" {
			x.vars[step.As] = bound
		}
		if summary != nil {
			traced = summary
		}
	}

	*seq++
	result.AddCompletionTrace(outcome, traced, *seq)
	return outcome, summary, err
}

// caseOf names the outcome of a failed operation: its error code, or
// "Error" for failures that carry none.
func caseOf(err error) string {
	if code := ir.CodeOf(err); code != "" {
		return string(code)
	}
	return "Error"
}

// checkExpect compares a flow step's outcome with its expect clause.
func checkExpect(result *Result, i int, step Step, outcome string, summary ir.Object, err error) {
	want := CaseSuccess
	if step.Expect != nil {
		want = step.Expect.Case
	}
	if outcome != want {
		msg := fmt.Sprintf("flow[%d] %s: expected %s, got %s", i, step.Invoke, want, outcome)
		if err != nil {
			msg += ": " + err.Error()
		}
		result.AddError(msg)
		return
	}
	if step.Expect == nil || step.Expect.Result == nil {
		return
	}

	expected, convErr := ir.FromGo(step.Expect.Result)
	if convErr != nil {
		result.AddError(fmt.Sprintf("flow[%d] %s: expect.result: %v", i, step.Invoke, convErr))
		return
	}
	if !matchSubset(summary, expected) {
		result.AddError(fmt.Sprintf("flow[%d] %s: result mismatch\n  Expected: %s\n  Actual: %s",
			i, step.Invoke, render(expected), render(summary)))
	}
}

// render formats a value for failure messages.
func render(v ir.Value) string {
	if v == nil {
		return "(none)"
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
