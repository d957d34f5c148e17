// Package sandbox runs store-authored JavaScript handlers in goja.
//
// Every invocation gets a fresh runtime, so handlers share no state. The
// script is evaluated, then its entry function is called as
// entry(payload, context). Globals available to the script:
//
//	payload          the event payload or hook value
//	context          {scope, event, registrationId, pluginId, handlerRef}
//	console.log(...) captured into the invocation's logs
//	emit(name, data) queues an event to fire after the handler returns
//
// Handlers are bounded in script size, call depth, wall time, allocation,
// result size, emitted events and log lines.
//
// The allocation budget is measured on the process-wide heap allocation
// counter, so invocations are metered one at a time: a handler waits for
// the meter before it runs, and the wait counts against its deadline.
// Allocations made meanwhile by non-handler goroutines still count toward
// the running handler.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/metrics"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/roach88/pubengine/internal/dispatch"
	"github.com/roach88/pubengine/internal/ir"
)

// Limits bound one handler invocation.
type Limits struct {
	MaxScriptBytes   int    `yaml:"max_script_bytes"`
	MaxCallStackSize int    `yaml:"max_call_stack_size"`
	MaxAllocBytes    uint64 `yaml:"max_alloc_bytes"`
	MaxResultBytes   int    `yaml:"max_result_bytes"`
	MaxEmits         int    `yaml:"max_emits"`
	MaxLogLines      int    `yaml:"max_log_lines"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxScriptBytes:   64 * 1024,
		MaxCallStackSize: 256,
		MaxAllocBytes:    64 << 20,
		MaxResultBytes:   256 * 1024,
		MaxEmits:         16,
		MaxLogLines:      100,
	}
}

// memorySampleInterval is how often the allocation budget is checked.
const memorySampleInterval = 5 * time.Millisecond

// allocMetric is the cumulative heap allocation counter.
const allocMetric = "/gc/heap/allocs:bytes"

// meter admits one running handler per process, since allocMetric cannot
// tell two handlers apart.
var meter = make(chan struct{}, 1)

func acquireMeter(ctx context.Context) (release func(), err error) {
	select {
	case meter <- struct{}{}:
		return func() { <-meter }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sandbox is a dispatch.Invoker backed by goja.
//
// Thread-safety: Sandbox holds no per-call state and is safe for
// concurrent use; concurrent invocations run one after another.
type Sandbox struct {
	limits Limits
	logger *slog.Logger
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLimits replaces the default limits. Zero fields keep their default.
func WithLimits(l Limits) Option {
	return func(s *Sandbox) {
		def := s.limits
		if l.MaxScriptBytes > 0 {
			def.MaxScriptBytes = l.MaxScriptBytes
		}
		if l.MaxCallStackSize > 0 {
			def.MaxCallStackSize = l.MaxCallStackSize
		}
		if l.MaxAllocBytes > 0 {
			def.MaxAllocBytes = l.MaxAllocBytes
		}
		if l.MaxResultBytes > 0 {
			def.MaxResultBytes = l.MaxResultBytes
		}
		if l.MaxEmits > 0 {
			def.MaxEmits = l.MaxEmits
		}
		if l.MaxLogLines > 0 {
			def.MaxLogLines = l.MaxLogLines
		}
		s.limits = def
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// New creates a Sandbox.
func New(opts ...Option) *Sandbox {
	s := &Sandbox{limits: DefaultLimits(), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limits returns the effective limits.
func (s *Sandbox) Limits() Limits { return s.limits }

// Invoke implements dispatch.Invoker.
func (s *Sandbox) Invoke(ctx context.Context, inv dispatch.Invocation) (dispatch.InvokeResult, error) {
	if inv.Script == nil {
		return dispatch.InvokeResult{}, fmt.Errorf("no script stored for handler %q", inv.Registration.HandlerRef)
	}
	if n := len(inv.Script.Source); n > s.limits.MaxScriptBytes {
		return dispatch.InvokeResult{}, fmt.Errorf("script is %d bytes, limit %d", n, s.limits.MaxScriptBytes)
	}

	run := &execution{limits: s.limits, vm: goja.New()}
	run.vm.SetMaxCallStackSize(s.limits.MaxCallStackSize)
	if err := run.install(inv); err != nil {
		return dispatch.InvokeResult{}, err
	}

	release, err := acquireMeter(ctx)
	if err != nil {
		return dispatch.InvokeResult{}, fmt.Errorf("handler interrupted before start: %w", err)
	}
	defer release()

	stop := run.watch(ctx)
	start := time.Now()
	value, err := run.call(inv.Script.Source, inv.Script.Entry())
	reason := stop()
	s.logger.Debug("handler script finished",
		"registration", inv.Registration.ID,
		"entry", inv.Script.Entry(),
		"emitted", len(run.emitted),
		"duration", time.Since(start),
	)
	return run.settle(value, err, reason)
}

// settle builds Invoke's result. A call that returned normally keeps its
// result even when the deadline or budget tripped after it finished; only
// a call the runtime actually interrupted reports why.
func (e *execution) settle(value ir.Value, err error, reason string) (dispatch.InvokeResult, error) {
	if err == nil {
		return dispatch.InvokeResult{Value: value, Emitted: e.emitted, Logs: e.logs}, nil
	}
	var interrupted *goja.InterruptedError
	if !errors.As(err, &interrupted) {
		return dispatch.InvokeResult{}, err
	}
	if reason != "" {
		return dispatch.InvokeResult{}, errors.New(reason)
	}
	if cause, ok := interrupted.Value().(error); ok {
		return dispatch.InvokeResult{}, fmt.Errorf("handler interrupted: %w", cause)
	}
	return dispatch.InvokeResult{}, fmt.Errorf("handler interrupted: %v", interrupted.Value())
}

// execution is the state of one invocation.
type execution struct {
	limits  Limits
	vm      *goja.Runtime
	emitted []dispatch.Emitted
	logs    []string
}

func (e *execution) install(inv dispatch.Invocation) error {
	vm := e.vm
	if err := vm.Set("payload", ir.ToGo(inv.Payload)); err != nil {
		return fmt.Errorf("set payload: %w", err)
	}
	if err := vm.Set("context", map[string]any{
		"scope":          inv.Scope,
		"event":          inv.Event,
		"registrationId": inv.Registration.ID,
		"pluginId":       inv.Registration.OwningPluginID,
		"handlerRef":     inv.Registration.HandlerRef,
	}); err != nil {
		return fmt.Errorf("set context: %w", err)
	}

	console := vm.NewObject()
	if err := console.Set("log", func(call goja.FunctionCall) goja.Value {
		if len(e.logs) >= e.limits.MaxLogLines {
			return goja.Undefined()
		}
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		e.logs = append(e.logs, strings.Join(parts, " "))
		return goja.Undefined()
	}); err != nil {
		return fmt.Errorf("set console.log: %w", err)
	}
	if err := vm.Set("console", console); err != nil {
		return fmt.Errorf("set console: %w", err)
	}

	return vm.Set("emit", func(call goja.FunctionCall) goja.Value {
		if len(e.emitted) >= e.limits.MaxEmits {
			panic(vm.NewGoError(fmt.Errorf("emit limit of %d events reached", e.limits.MaxEmits)))
		}
		arg := call.Argument(0)
		if goja.IsUndefined(arg) || goja.IsNull(arg) || arg.String() == "" {
			panic(vm.NewTypeError("emit: event name is required"))
		}
		name := arg.String()
		data, err := exportValue(call.Argument(1))
		if err != nil {
			panic(vm.NewTypeError(fmt.Sprintf("emit %s: %v", name, err)))
		}
		e.emitted = append(e.emitted, dispatch.Emitted{Name: name, Payload: data})
		return goja.Undefined()
	})
}

// call evaluates source and calls entry(payload, context).
func (e *execution) call(source, entry string) (ir.Value, error) {
	if _, err := e.vm.RunString(source); err != nil {
		return nil, fmt.Errorf("script error: %w", err)
	}
	fn, ok := goja.AssertFunction(e.vm.Get(entry))
	if !ok {
		return nil, fmt.Errorf("entry point %q is not a function", entry)
	}
	result, err := fn(goja.Undefined(), e.vm.Get("payload"), e.vm.Get("context"))
	if err != nil {
		return nil, fmt.Errorf("execution error: %w", err)
	}

	value, err := exportValue(result)
	if err != nil {
		return nil, fmt.Errorf("result: %w", err)
	}
	if value == nil {
		return nil, nil
	}
	encoded, err := ir.MarshalCanonical(value)
	if err != nil {
		return nil, fmt.Errorf("result: %w", err)
	}
	if len(encoded) > e.limits.MaxResultBytes {
		return nil, fmt.Errorf("result is %d bytes, limit %d", len(encoded), e.limits.MaxResultBytes)
	}
	return value, nil
}

// watch interrupts the runtime when ctx ends or the allocation budget is
// spent. The returned stop func ends the watch and reports the budget
// violation, if any.
func (e *execution) watch(ctx context.Context) (stop func() string) {
	done := make(chan struct{})
	verdict := make(chan string, 1)

	go func() {
		sample := []metrics.Sample{{Name: allocMetric}}
		metrics.Read(sample)
		base := allocBytes(sample[0])
		ticker := time.NewTicker(memorySampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				verdict <- ""
				return
			case <-ctx.Done():
				e.vm.Interrupt(ctx.Err())
				verdict <- ""
				return
			case <-ticker.C:
				metrics.Read(sample)
				if used := allocBytes(sample[0]) - base; used > e.limits.MaxAllocBytes {
					msg := fmt.Sprintf("allocation limit of %d bytes exceeded", e.limits.MaxAllocBytes)
					e.vm.Interrupt(msg)
					verdict <- msg
					return
				}
			}
		}
	}()

	return func() string {
		close(done)
		return <-verdict
	}
}

func allocBytes(s metrics.Sample) uint64 {
	if s.Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s.Value.Uint64()
}

// exportValue converts a script value to an ir.Value. undefined maps to
// nil (no value); null maps to ir.Null.
func exportValue(v goja.Value) (ir.Value, error) {
	if v == nil || goja.IsUndefined(v) {
		return nil, nil
	}
	if goja.IsNull(v) {
		return ir.Null{}, nil
	}
	return ir.FromGo(v.Export())
}
