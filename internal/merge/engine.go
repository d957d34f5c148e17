// Package merge computes the effective content of an artifact by folding
// its active overlays onto the captured baseline.
//
// The fold is deterministic: the same baseline and overlay rows always
// yield byte-identical content. Hunks whose anchors drifted away are
// reported, never fatal.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/pubengine/internal/ir"
	"github.com/roach88/pubengine/internal/metrics"
	"github.com/roach88/pubengine/internal/store"
)

// Resolution is the effective state of one artifact.
type Resolution struct {
	Scope             string          `json:"scope"`
	ArtifactPath      string          `json:"artifact_path"`
	EffectiveContent  string          `json:"effective_content"`
	AppliedOverlayIDs []string        `json:"applied_overlay_ids"`
	SkippedOverlayIDs []string        `json:"skipped_overlay_ids,omitempty"`
	Unapplied         []UnappliedHunk `json:"unapplied,omitempty"`
	BaselineHash      string          `json:"baseline_hash"`
	EffectiveHash     string          `json:"effective_hash"`
	Structured        bool            `json:"structured"`
}

// Engine resolves artifacts from a store.
type Engine struct {
	store      *store.Store
	clock      ir.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	structured bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used to stamp preview candidates.
func WithClock(c ir.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics reports resolutions to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStructuredMerge toggles the tree-level cross-check of snapshot
// overlays on artifacts that hold configuration trees. Default: on.
func WithStructuredMerge(enabled bool) Option {
	return func(e *Engine) { e.structured = enabled }
}

// New creates an Engine over s.
func New(s *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		clock:      ir.SystemClock{},
		logger:     slog.Default(),
		structured: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolve folds the active overlays of (scope, artifactPath) onto its
// baseline. NO_BASELINE when none has been captured.
func (e *Engine) Resolve(ctx context.Context, scope, artifactPath string) (Resolution, error) {
	baseline, overlays, err := e.load(ctx, scope, artifactPath)
	if err != nil {
		return Resolution{}, err
	}
	return e.resolve(baseline, overlays), nil
}

// Preview resolves as if candidate were stored: it replaces the active
// overlay with the same identity, or joins the fold as a new overlay.
// Nothing is written.
func (e *Engine) Preview(ctx context.Context, scope, artifactPath string, candidate ir.OverlayRecord) (Resolution, error) {
	candidate.Scope = scope
	candidate.ArtifactPath = artifactPath
	candidate.Active = true
	if err := candidate.Validate(); err != nil {
		return Resolution{}, err
	}

	baseline, overlays, err := e.load(ctx, scope, artifactPath)
	if err != nil {
		return Resolution{}, err
	}

	replaced := false
	for i, o := range overlays {
		if o.Identity != candidate.Identity {
			continue
		}
		candidate.ID = o.ID
		if candidate.UpdatedAt.IsZero() {
			candidate.UpdatedAt = o.UpdatedAt
		}
		overlays[i] = candidate
		replaced = true
		break
	}
	if !replaced {
		if candidate.ID == "" {
			candidate.ID = "preview:" + candidate.Identity
		}
		if candidate.UpdatedAt.IsZero() {
			candidate.UpdatedAt = e.clock.Now()
		}
		overlays = append(overlays, candidate)
	}

	return e.resolve(baseline, overlays), nil
}

// EditBase resolves without the overlay named by identity: the content an
// editor of that overlay is diffing against.
func (e *Engine) EditBase(ctx context.Context, scope, artifactPath, identity string) (Resolution, error) {
	baseline, overlays, err := e.load(ctx, scope, artifactPath)
	if err != nil {
		return Resolution{}, err
	}
	kept := overlays[:0]
	for _, o := range overlays {
		if o.Identity != identity {
			kept = append(kept, o)
		}
	}
	return e.resolve(baseline, kept), nil
}

func (e *Engine) load(ctx context.Context, scope, artifactPath string) (ir.BaselineArtifact, []ir.OverlayRecord, error) {
	if scope == "" || artifactPath == "" {
		return ir.BaselineArtifact{}, nil, ir.NewInvalidArgumentError("artifact_path", "scope and artifact path are required")
	}
	baseline, err := e.store.GetBaseline(ctx, scope, artifactPath)
	if ir.IsNotFound(err) {
		return ir.BaselineArtifact{}, nil, ir.NewNoBaselineError(scope, artifactPath)
	}
	if err != nil {
		return ir.BaselineArtifact{}, nil, fmt.Errorf("resolve: %w", err)
	}
	overlays, err := e.store.ListOverlays(ctx, scope, artifactPath, true)
	if err != nil {
		return ir.BaselineArtifact{}, nil, fmt.Errorf("resolve: %w", err)
	}
	return baseline, overlays, nil
}

func (e *Engine) resolve(baseline ir.BaselineArtifact, overlays []ir.OverlayRecord) Resolution {
	start := time.Now()
	SortOverlays(overlays)
	folded := Fold(baseline.Content, overlays)

	res := Resolution{
		Scope:             baseline.Scope,
		ArtifactPath:      baseline.ArtifactPath,
		EffectiveContent:  folded.Content,
		AppliedOverlayIDs: folded.AppliedOverlayIDs,
		SkippedOverlayIDs: folded.SkippedOverlayIDs,
		Unapplied:         folded.Unapplied,
		BaselineHash:      baseline.ContentHash,
		EffectiveHash:     ir.ContentHash(folded.Content),
	}
	if res.AppliedOverlayIDs == nil {
		res.AppliedOverlayIDs = []string{}
	}

	if e.structured && len(folded.AppliedOverlayIDs) > 0 {
		res.Structured = e.crossCheck(baseline, overlays, folded)
	}

	e.metrics.RecordResolution(res.Structured, len(res.Unapplied))
	if len(res.Unapplied) > 0 {
		e.logger.Warn("overlay hunks did not apply",
			"scope", baseline.Scope,
			"artifact_path", baseline.ArtifactPath,
			"unapplied", len(res.Unapplied),
			"skipped_overlays", res.SkippedOverlayIDs,
		)
	}
	e.logger.Debug("artifact resolved",
		"scope", baseline.Scope,
		"artifact_path", baseline.ArtifactPath,
		"applied", len(res.AppliedOverlayIDs),
		"structured", res.Structured,
		"effective_hash", res.EffectiveHash,
		"duration", time.Since(start),
	)
	return res
}

// crossCheck grafts the snapshots onto the baseline tree and reports
// whether the graft agrees with the text fold. Disagreement is logged and
// the text fold stands.
func (e *Engine) crossCheck(baseline ir.BaselineArtifact, overlays []ir.OverlayRecord, folded FoldResult) bool {
	grafted, ok := graftSnapshots(baseline.Content, overlays, folded.AppliedOverlayIDs)
	if !ok {
		return false
	}
	textTree, err := ir.ParseTree([]byte(folded.Content))
	if err != nil {
		return false
	}
	if !sameTree(grafted, textTree) {
		e.logger.Debug("structured graft disagrees with text fold",
			"scope", baseline.Scope,
			"artifact_path", baseline.ArtifactPath,
		)
		return false
	}
	return true
}
