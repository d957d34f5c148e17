// Package dispatch runs store-authored handlers for events and hooks and
// decides which customizations of a target apply.
//
// Handlers run one at a time in priority order. Each gets its own timeout,
// and a failing, panicking or timed-out handler yields a failed outcome for
// that handler only: every registered handler is attempted.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/pubengine/internal/ir"
	"github.com/roach88/pubengine/internal/metrics"
	"github.com/roach88/pubengine/internal/store"
)

// DefaultHandlerTimeout bounds one handler invocation.
const DefaultHandlerTimeout = 2 * time.Second

// Dispatcher fires events, applies hooks and resolves customizations.
type Dispatcher struct {
	store      *store.Store
	invoker    Invoker
	logger     *slog.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration
	maxCascade int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithInvoker sets the handler runtime. Without one every handler fails.
func WithInvoker(inv Invoker) Option {
	return func(d *Dispatcher) { d.invoker = inv }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics reports handler outcomes and exclusions to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithHandlerTimeout sets the per-handler timeout. Non-positive values are
// ignored.
func WithHandlerTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithMaxCascade sets how many emitted events one FireEvent dispatches.
// Zero disables cascading; negative values are ignored.
func WithMaxCascade(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.maxCascade = n
		}
	}
}

// New creates a Dispatcher over s.
func New(s *store.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      s,
		invoker:    noInvoker{},
		logger:     slog.Default(),
		timeout:    DefaultHandlerTimeout,
		maxCascade: DefaultMaxCascade,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CascadeDispatch records one emitted event: who emitted it and either
// its outcomes or why it was dropped.
type CascadeDispatch struct {
	Event     string              `json:"event"`
	EmittedBy string              `json:"emitted_by"`
	Depth     int                 `json:"depth"`
	Outcomes  []ir.HandlerOutcome `json:"outcomes,omitempty"`
	Dropped   string              `json:"dropped,omitempty"`
}

// FireResult is the outcome of FireEvent. Outcomes holds one entry per
// handler of the fired event; emitted events are reported in Cascade.
type FireResult struct {
	Event    string              `json:"event"`
	Outcomes []ir.HandlerOutcome `json:"outcomes"`
	Cascade  []CascadeDispatch   `json:"cascade,omitempty"`
}

// Failed counts failed outcomes across the event and its cascade.
func (r FireResult) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.OK {
			n++
		}
	}
	for _, c := range r.Cascade {
		for _, o := range c.Outcomes {
			if !o.OK {
				n++
			}
		}
	}
	return n
}

// FireEvent invokes every active listener of eventName in scope, lowest
// priority first. Events emitted by successful handlers are dispatched
// afterwards in emission order, subject to the cycle guard and the
// cascade quota. The error is non-nil only when registrations cannot be
// loaded.
func (d *Dispatcher) FireEvent(ctx context.Context, scope, eventName string, payload ir.Value) (FireResult, error) {
	if scope == "" || eventName == "" {
		return FireResult{}, ir.NewInvalidArgumentError("event", "scope and event name are required")
	}
	rootHash, err := ir.PayloadHash(eventName, payload)
	if err != nil {
		return FireResult{}, ir.NewInvalidArgumentError("payload", err.Error())
	}

	cycles := newCycleDetector()
	quota := newCascadeQuota(d.maxCascade)
	queue := newEventQueue()
	cycles.record(eventName, rootHash)

	outcomes, emitted, err := d.dispatchEvent(ctx, scope, eventName, payload)
	if err != nil {
		return FireResult{}, err
	}
	res := FireResult{Event: eventName, Outcomes: outcomes}
	for _, e := range emitted {
		queue.enqueue(pending{name: e.Name, payload: e.Payload, depth: 1, emittedBy: e.by})
	}

	for p, ok := queue.dequeue(); ok; p, ok = queue.dequeue() {
		entry := CascadeDispatch{Event: p.name, EmittedBy: p.emittedBy, Depth: p.depth}
		if reason := d.admit(cycles, quota, p); reason != "" {
			entry.Dropped = reason
			res.Cascade = append(res.Cascade, entry)
			continue
		}

		outcomes, emitted, err := d.dispatchEvent(ctx, scope, p.name, p.payload)
		if err != nil {
			return FireResult{}, err
		}
		entry.Outcomes = outcomes
		res.Cascade = append(res.Cascade, entry)
		for _, e := range emitted {
			queue.enqueue(pending{name: e.Name, payload: e.Payload, depth: p.depth + 1, emittedBy: e.by})
		}
	}

	d.logger.Info("event fired",
		"scope", scope,
		"event", eventName,
		"handlers", len(res.Outcomes),
		"cascaded", len(res.Cascade),
		"failed", res.Failed(),
	)
	return res, nil
}

// admit applies the cascade guards to p, returning the drop reason or "".
func (d *Dispatcher) admit(cycles *cycleDetector, quota *cascadeQuota, p pending) string {
	hash, err := ir.PayloadHash(p.name, p.payload)
	reason := ""
	switch {
	case p.name == "" || err != nil:
		reason = DropInvalid
	case cycles.wouldCycle(p.name, hash):
		reason = DropCycle
	default:
		if qerr := quota.take(p.name); qerr != nil {
			reason = DropQuota
		}
	}
	if reason != "" {
		d.metrics.RecordCascadeDrop(reason)
		d.logger.Warn("emitted event dropped",
			"event", p.name,
			"emitted_by", p.emittedBy,
			"depth", p.depth,
			"reason", reason,
		)
		return reason
	}
	cycles.record(p.name, hash)
	return ""
}

// emission is an Emitted tagged with the registration that produced it.
type emission struct {
	Emitted
	by string
}

func (d *Dispatcher) dispatchEvent(ctx context.Context, scope, name string, payload ir.Value) ([]ir.HandlerOutcome, []emission, error) {
	regs, err := d.store.ListRegistrations(ctx, scope, ir.RegistrationEvent, name)
	if err != nil {
		return nil, nil, fmt.Errorf("fire event %s: %w", name, err)
	}
	outcomes := make([]ir.HandlerOutcome, 0, len(regs))
	var emitted []emission
	for _, reg := range regs {
		out, res := d.invoke(ctx, scope, reg, name, payload)
		outcomes = append(outcomes, out)
		if !out.OK {
			continue
		}
		for _, e := range res.Emitted {
			emitted = append(emitted, emission{Emitted: e, by: reg.ID})
		}
	}
	return outcomes, emitted, nil
}

// HookResult is the outcome of ApplyHook.
type HookResult struct {
	Hook     string              `json:"hook"`
	Value    ir.Value            `json:"value"`
	Outcomes []ir.HandlerOutcome `json:"outcomes"`
}

// ApplyHook threads value through every active filter of hookName, lowest
// priority first. Each handler receives the previous handler's result. A
// failing handler, or one that returns nothing, leaves the value as it
// was. Events emitted from hooks are ignored.
func (d *Dispatcher) ApplyHook(ctx context.Context, scope, hookName string, value ir.Value) (HookResult, error) {
	if scope == "" || hookName == "" {
		return HookResult{}, ir.NewInvalidArgumentError("hook", "scope and hook name are required")
	}
	regs, err := d.store.ListRegistrations(ctx, scope, ir.RegistrationHook, hookName)
	if err != nil {
		return HookResult{}, fmt.Errorf("apply hook %s: %w", hookName, err)
	}

	res := HookResult{Hook: hookName, Value: value, Outcomes: make([]ir.HandlerOutcome, 0, len(regs))}
	for _, reg := range regs {
		out, inv := d.invoke(ctx, scope, reg, hookName, res.Value)
		res.Outcomes = append(res.Outcomes, out)
		if out.OK && inv.Value != nil {
			res.Value = inv.Value
		}
		if len(inv.Emitted) > 0 {
			d.logger.Debug("hook handler emitted events; ignored",
				"hook", hookName, "registration", reg.ID, "count", len(inv.Emitted))
		}
	}
	return res, nil
}

type reply struct {
	res InvokeResult
	err error
}

// invoke runs one handler under its own deadline. Errors, panics and
// timeouts all come back as a failed outcome.
func (d *Dispatcher) invoke(ctx context.Context, scope string, reg ir.Registration, event string, payload ir.Value) (ir.HandlerOutcome, InvokeResult) {
	out := ir.HandlerOutcome{
		RegistrationID: reg.ID,
		PluginID:       reg.OwningPluginID,
		HandlerRef:     reg.HandlerRef,
		Event:          event,
	}

	inv := Invocation{Scope: scope, Registration: reg, Event: event, Payload: payload}
	script, err := d.store.GetHandlerScript(ctx, scope, reg.HandlerRef)
	switch {
	case err == nil:
		inv.Script = &script
	case !ir.IsNotFound(err):
		return d.fail(out, reg.Kind, 0, fmt.Errorf("load handler script: %w", err)), InvokeResult{}
	}

	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		res, err := d.invoker.Invoke(hctx, inv)
		ch <- reply{res: res, err: err}
	}()

	var r reply
	select {
	case r = <-ch:
	case <-hctx.Done():
		// A reply that landed as the deadline passed still counts.
		select {
		case r = <-ch:
		default:
			r.err = hctx.Err()
		}
	}
	elapsed := time.Since(start)

	if r.err != nil {
		return d.fail(out, reg.Kind, elapsed, r.err), InvokeResult{}
	}
	out.OK = true
	out.Result = r.res.Value
	out.Duration = elapsed
	d.metrics.RecordHandler(string(reg.Kind), "ok", elapsed)
	for _, line := range r.res.Logs {
		d.logger.Debug("handler log", "registration", reg.ID, "line", line)
	}
	return out, r.res
}

func (d *Dispatcher) fail(out ir.HandlerOutcome, kind ir.RegistrationKind, elapsed time.Duration, err error) ir.HandlerOutcome {
	out.OK = false
	out.Error = err.Error()
	out.ErrorCode = ir.CodeHandlerFailure
	out.Duration = elapsed
	outcome := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		out.TimedOut = true
		outcome = "timeout"
	}
	d.metrics.RecordHandler(string(kind), outcome, elapsed)
	d.logger.Warn("handler failed",
		"registration", out.RegistrationID,
		"plugin", out.PluginID,
		"event", out.Event,
		"timed_out", out.TimedOut,
		"error", out.Error,
	)
	return out
}

// noInvoker fails every call; it stands in until an Invoker is configured.
type noInvoker struct{}

func (noInvoker) Invoke(context.Context, Invocation) (InvokeResult, error) {
	return InvokeResult{}, errors.New("no handler runtime configured")
}
