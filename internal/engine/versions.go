package engine

import (
	"context"

	"github.com/roach88/pubengine/internal/ir"
	"github.com/roach88/pubengine/internal/lifecycle"
)

// EffectiveConfiguration is what a storefront renders for a page type:
// the effective published version, or the configured default tree when
// nothing has been published.
type EffectiveConfiguration struct {
	Scope    string                   `json:"scope"`
	PageType string                   `json:"page_type"`
	Version  *ir.ConfigurationVersion `json:"version,omitempty"`
	Tree     ir.Tree                  `json:"tree"`
	Default  bool                     `json:"default"`
}

// GetEffectiveConfiguration returns the effective published configuration
// of (scope, pageType). Without a published version it returns the
// default tree for the page type, or an empty tree, with Default set.
func (e *Engine) GetEffectiveConfiguration(ctx context.Context, scope, pageType string) (EffectiveConfiguration, error) {
	v, err := e.versions.GetEffective(ctx, scope, pageType)
	if err != nil {
		return EffectiveConfiguration{}, err
	}
	out := EffectiveConfiguration{Scope: scope, PageType: pageType}
	if v == nil {
		out.Default = true
		out.Tree = e.defaults[pageType].Clone()
		return out, nil
	}
	out.Version = v
	out.Tree = v.Tree
	return out, nil
}

// GetAcceptanceConfiguration returns the latest acceptance-stage version,
// or nil.
func (e *Engine) GetAcceptanceConfiguration(ctx context.Context, scope, pageType string) (*ir.ConfigurationVersion, error) {
	return e.versions.GetAcceptance(ctx, scope, pageType)
}

// GetHistory lists versions newest first. limit <= 0 uses the configured
// default.
func (e *Engine) GetHistory(ctx context.Context, scope, pageType string, limit int) ([]ir.ConfigurationVersion, error) {
	return e.versions.GetHistory(ctx, scope, pageType, limit)
}

// GetVersion returns one version.
func (e *Engine) GetVersion(ctx context.Context, scope, versionID string) (ir.ConfigurationVersion, error) {
	return e.versions.GetVersion(ctx, scope, versionID)
}

// CreateDraft appends a draft version.
func (e *Engine) CreateDraft(ctx context.Context, req lifecycle.DraftRequest) (ir.ConfigurationVersion, error) {
	return e.versions.CreateDraft(ctx, req)
}

// UpdateDraft replaces the tree of a draft.
func (e *Engine) UpdateDraft(ctx context.Context, scope, versionID string, tree ir.Tree) (ir.ConfigurationVersion, error) {
	return e.versions.UpdateDraft(ctx, scope, versionID, tree)
}

// Publish promotes a version to target (acceptance or published).
func (e *Engine) Publish(ctx context.Context, scope, versionID, actor string, target ir.Stage) (ir.ConfigurationVersion, error) {
	return e.versions.Publish(ctx, scope, versionID, actor, target)
}

// Revert publishes a copy of versionID and retires the versions it
// supersedes.
func (e *Engine) Revert(ctx context.Context, scope, versionID, actor string) (lifecycle.RevertResult, error) {
	return e.versions.Revert(ctx, scope, versionID, actor)
}

// ResumeEdit returns the draft a version's current-edit pointer aims at.
func (e *Engine) ResumeEdit(ctx context.Context, scope, versionID string) (ir.ConfigurationVersion, error) {
	return e.versions.ResumeEdit(ctx, scope, versionID)
}

// Lineage walks parent links from versionID to its root.
func (e *Engine) Lineage(ctx context.Context, scope, versionID string) ([]ir.ConfigurationVersion, error) {
	return e.versions.Lineage(ctx, scope, versionID)
}
