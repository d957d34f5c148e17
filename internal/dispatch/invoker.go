package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/pubengine/internal/ir"
)

// Invocation is one handler call.
type Invocation struct {
	Scope        string
	Registration ir.Registration
	// Event is the event or hook name being dispatched. For cascaded events
	// it is the emitted name, not the root.
	Event   string
	Payload ir.Value
	// Script is the stored source HandlerRef resolves to, or nil when no
	// script is stored under that ref.
	Script *ir.HandlerScript
}

// Emitted is an event a handler asked to fire after it returns.
type Emitted struct {
	Name    string   `json:"name"`
	Payload ir.Value `json:"payload"`
}

// InvokeResult is what a handler produced.
type InvokeResult struct {
	Value   ir.Value
	Emitted []Emitted
	Logs    []string
}

// Invoker runs handlers. Implementations must honor ctx cancellation; the
// dispatcher stops waiting when ctx expires either way.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (InvokeResult, error)
}

// HandlerFunc is a Go-native handler, used by embedders and tests.
type HandlerFunc func(ctx context.Context, inv Invocation) (InvokeResult, error)

// FuncInvoker dispatches by HandlerRef to registered Go functions.
//
// Thread-safety: FuncInvoker is safe for concurrent use.
type FuncInvoker struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewFuncInvoker creates an empty FuncInvoker.
func NewFuncInvoker() *FuncInvoker {
	return &FuncInvoker{handlers: make(map[string]HandlerFunc)}
}

// Register binds ref to fn, replacing any previous binding.
func (f *FuncInvoker) Register(ref string, fn HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[ref] = fn
}

// Invoke implements Invoker.
func (f *FuncInvoker) Invoke(ctx context.Context, inv Invocation) (InvokeResult, error) {
	f.mu.RLock()
	fn, ok := f.handlers[inv.Registration.HandlerRef]
	f.mu.RUnlock()
	if !ok {
		return InvokeResult{}, fmt.Errorf("no handler registered for %q", inv.Registration.HandlerRef)
	}
	return fn(ctx, inv)
}
