package engine

import (
	"context"
	"fmt"

	"github.com/roach88/pubengine/internal/ir"
	"github.com/roach88/pubengine/internal/merge"
)

// OverlayRequest describes an overlay to store. Identity is the upsert
// key within (Scope, ArtifactPath); an empty Identity creates a new
// overlay whose identity is its id.
type OverlayRequest struct {
	Scope        string            `json:"scope"`
	ArtifactPath string            `json:"artifact_path"`
	Identity     string            `json:"identity,omitempty"`
	Payload      ir.OverlayPayload `json:"-"`
	Priority     int64             `json:"priority"`
	Summary      string            `json:"summary,omitempty"`
}

// EditRequest describes an overlay derived from an edited copy of the
// artifact.
type EditRequest struct {
	Scope        string
	ArtifactPath string
	Identity     string
	Edited       string
	Priority     int64
	Summary      string
}

// CaptureBaseline records content as the baseline of an artifact.
// changed is false when the stored content was already identical.
func (e *Engine) CaptureBaseline(ctx context.Context, scope, artifactPath, content string) (baseline ir.BaselineArtifact, changed bool, err error) {
	if scope == "" || artifactPath == "" {
		return ir.BaselineArtifact{}, false, ir.NewInvalidArgumentError("artifact_path", "scope and artifact path are required")
	}
	baseline, changed, err = e.store.CaptureBaseline(ctx, ir.BaselineArtifact{
		Scope:        scope,
		ArtifactPath: artifactPath,
		Content:      content,
		CapturedAt:   e.clock.Now(),
	})
	if err != nil {
		return ir.BaselineArtifact{}, false, err
	}
	if changed {
		e.logger.Info("baseline captured",
			"scope", scope,
			"artifact_path", artifactPath,
			"content_hash", baseline.ContentHash,
		)
	}
	return baseline, changed, nil
}

// GetEffectiveArtifact folds the active overlays of an artifact onto its
// baseline.
func (e *Engine) GetEffectiveArtifact(ctx context.Context, scope, artifactPath string) (merge.Resolution, error) {
	return e.artifacts.Resolve(ctx, scope, artifactPath)
}

// PreviewArtifact resolves with req applied but not stored.
func (e *Engine) PreviewArtifact(ctx context.Context, req OverlayRequest) (merge.Resolution, error) {
	return e.artifacts.Preview(ctx, req.Scope, req.ArtifactPath, ir.OverlayRecord{
		Identity: req.Identity,
		Payload:  req.Payload,
		Priority: req.Priority,
		Summary:  req.Summary,
	})
}

// UpsertOverlay stores an overlay, updating in place when one with the
// same identity exists.
func (e *Engine) UpsertOverlay(ctx context.Context, req OverlayRequest) (ir.OverlayRecord, error) {
	now := e.clock.Now()
	o := ir.OverlayRecord{
		ID:           e.ids.Generate(),
		Scope:        req.Scope,
		ArtifactPath: req.ArtifactPath,
		Identity:     req.Identity,
		Payload:      req.Payload,
		Priority:     req.Priority,
		Active:       true,
		Summary:      req.Summary,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if o.Identity == "" {
		o.Identity = o.ID
	}
	if err := o.Validate(); err != nil {
		return ir.OverlayRecord{}, err
	}

	stored, err := e.store.UpsertOverlay(ctx, o)
	if err != nil {
		return ir.OverlayRecord{}, err
	}
	e.logger.Info("overlay upserted",
		"scope", stored.Scope,
		"artifact_path", stored.ArtifactPath,
		"id", stored.ID,
		"identity", stored.Identity,
		"kind", stored.Kind(),
		"priority", stored.Priority,
	)
	return stored, nil
}

// UpsertOverlayFromEdit derives the overlay payload from an edited copy of
// the artifact. The edit is diffed against the effective content without
// this identity's own overlay; when hunks cannot reproduce the edit the
// overlay is stored as a snapshot.
func (e *Engine) UpsertOverlayFromEdit(ctx context.Context, req EditRequest) (ir.OverlayRecord, error) {
	if req.Identity == "" {
		return ir.OverlayRecord{}, ir.NewInvalidOverlayError(req.ArtifactPath, "identity is required")
	}
	base, err := e.artifacts.EditBase(ctx, req.Scope, req.ArtifactPath, req.Identity)
	if err != nil {
		return ir.OverlayRecord{}, fmt.Errorf("upsert overlay from edit: %w", err)
	}
	if base.EffectiveContent == req.Edited {
		return ir.OverlayRecord{}, ir.NewInvalidOverlayError(req.Identity, "edit does not change the artifact")
	}
	return e.UpsertOverlay(ctx, OverlayRequest{
		Scope:        req.Scope,
		ArtifactPath: req.ArtifactPath,
		Identity:     req.Identity,
		Payload:      merge.PayloadFromEdit(base.EffectiveContent, req.Edited, e.hunkLines),
		Priority:     req.Priority,
		Summary:      req.Summary,
	})
}

// DeactivateOverlay logically deletes an overlay.
func (e *Engine) DeactivateOverlay(ctx context.Context, scope, overlayID string) error {
	if err := e.store.SetOverlayActive(ctx, scope, overlayID, false, e.clock.Now()); err != nil {
		return err
	}
	e.logger.Info("overlay deactivated", "scope", scope, "id", overlayID)
	return nil
}

// ListOverlays returns the overlays of an artifact in fold order.
func (e *Engine) ListOverlays(ctx context.Context, scope, artifactPath string, activeOnly bool) ([]ir.OverlayRecord, error) {
	overlays, err := e.store.ListOverlays(ctx, scope, artifactPath, activeOnly)
	if err != nil {
		return nil, err
	}
	merge.SortOverlays(overlays)
	return overlays, nil
}
