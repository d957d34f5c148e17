// Package engine is the public façade of the customization and publishing
// engine.
//
// An Engine wires one store to the three services that own its tables:
//
//   - lifecycle: configuration versions (draft, acceptance, published,
//     reverted) per scope and page type
//   - merge: effective artifacts folded from baselines and overlays
//   - dispatch: event and hook handlers, run in the goja sandbox, and
//     customization selection
//
// Every operation is scoped; nothing one scope stores is visible from
// another. Rejections are *ir.Error values; use ir.CodeOf or the ir.IsX
// helpers to branch on them.
package engine

import (
	"log/slog"
	"time"

	"github.com/roach88/pubengine/internal/dispatch"
	"github.com/roach88/pubengine/internal/ir"
	"github.com/roach88/pubengine/internal/lifecycle"
	"github.com/roach88/pubengine/internal/merge"
	"github.com/roach88/pubengine/internal/metrics"
	"github.com/roach88/pubengine/internal/sandbox"
	"github.com/roach88/pubengine/internal/store"
)

// Engine is the façade. It is safe for concurrent use; version writes
// serialize per (scope, page type) inside the store.
type Engine struct {
	store     *store.Store
	clock     ir.Clock
	ids       ir.IDGenerator
	logger    *slog.Logger
	metrics   *metrics.Metrics
	defaults  map[string]ir.Tree
	hunkLines int

	versions  *lifecycle.Manager
	artifacts *merge.Engine
	handlers  *dispatch.Dispatcher
}

type settings struct {
	clock          ir.Clock
	ids            ir.IDGenerator
	logger         *slog.Logger
	metrics        *metrics.Metrics
	handlerTimeout time.Duration
	limits         sandbox.Limits
	invoker        dispatch.Invoker
	structured     bool
	historyLimit   int
	maxCascade     int
	hunkContext    int
	defaults       map[string]ir.Tree
}

// Option configures an Engine.
type Option func(*settings)

// WithClock sets the time source for every stamp. Default: ir.SystemClock.
func WithClock(c ir.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithIDGenerator sets the id source for versions and overlays.
// Default: UUIDv7.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(s *settings) { s.ids = g }
}

// WithLogger sets the logger shared by all services. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithMetrics reports to m. Default: no metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithHandlerTimeout bounds each handler invocation.
// Default: dispatch.DefaultHandlerTimeout.
func WithHandlerTimeout(d time.Duration) Option {
	return func(s *settings) { s.handlerTimeout = d }
}

// WithSandboxLimits tunes the script sandbox. Zero fields keep defaults.
func WithSandboxLimits(l sandbox.Limits) Option {
	return func(s *settings) { s.limits = l }
}

// WithInvoker replaces the script sandbox with another handler runtime.
func WithInvoker(inv dispatch.Invoker) Option {
	return func(s *settings) { s.invoker = inv }
}

// WithStructuredMerge toggles the tree-level check of snapshot overlays.
// Default: on.
func WithStructuredMerge(enabled bool) Option {
	return func(s *settings) { s.structured = enabled }
}

// WithHistoryLimit sets the default GetHistory page size.
func WithHistoryLimit(n int) Option {
	return func(s *settings) { s.historyLimit = n }
}

// WithMaxCascade caps the events dispatched on behalf of handler emits in
// one FireEvent. Zero disables cascading.
func WithMaxCascade(n int) Option {
	return func(s *settings) { s.maxCascade = n }
}

// WithHunkContext sets the unchanged lines kept around each hunk that
// UpsertOverlayFromEdit derives. Default: merge.DefaultContext.
func WithHunkContext(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.hunkContext = n
		}
	}
}

// WithDefaults sets the tree GetEffectiveConfiguration falls back to per
// page type when nothing is published.
func WithDefaults(trees map[string]ir.Tree) Option {
	return func(s *settings) { s.defaults = trees }
}

// New creates an Engine over st.
func New(st *store.Store, opts ...Option) *Engine {
	s := settings{
		clock:       ir.SystemClock{},
		ids:         ir.UUIDv7Generator{},
		logger:      slog.Default(),
		structured:  true,
		maxCascade:  dispatch.DefaultMaxCascade,
		hunkContext: merge.DefaultContext,
	}
	for _, opt := range opts {
		opt(&s)
	}

	invoker := s.invoker
	if invoker == nil {
		invoker = sandbox.New(sandbox.WithLimits(s.limits), sandbox.WithLogger(s.logger))
	}

	return &Engine{
		store:     st,
		clock:     s.clock,
		ids:       s.ids,
		logger:    s.logger,
		metrics:   s.metrics,
		defaults:  s.defaults,
		hunkLines: s.hunkContext,
		versions: lifecycle.New(st,
			lifecycle.WithClock(s.clock),
			lifecycle.WithIDGenerator(s.ids),
			lifecycle.WithLogger(s.logger),
			lifecycle.WithMetrics(s.metrics),
			lifecycle.WithHistoryLimit(s.historyLimit),
		),
		artifacts: merge.New(st,
			merge.WithClock(s.clock),
			merge.WithLogger(s.logger),
			merge.WithMetrics(s.metrics),
			merge.WithStructuredMerge(s.structured),
		),
		handlers: dispatch.New(st,
			dispatch.WithInvoker(invoker),
			dispatch.WithLogger(s.logger),
			dispatch.WithMetrics(s.metrics),
			dispatch.WithHandlerTimeout(s.handlerTimeout),
			dispatch.WithMaxCascade(s.maxCascade),
		),
	}
}

// Store returns the underlying store.
func (e *Engine) Store() *store.Store { return e.store }
