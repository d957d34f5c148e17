package engine

import (
	"context"
	"fmt"

	"github.com/roach88/pubengine/internal/compiler"
	"github.com/roach88/pubengine/internal/dispatch"
	"github.com/roach88/pubengine/internal/ir"
)

// FireEvent runs every listener of eventName in scope.
func (e *Engine) FireEvent(ctx context.Context, scope, eventName string, payload ir.Value) (dispatch.FireResult, error) {
	return e.handlers.FireEvent(ctx, scope, eventName, payload)
}

// ApplyHook threads value through every handler of hookName in scope.
func (e *Engine) ApplyHook(ctx context.Context, scope, hookName string, value ir.Value) (dispatch.HookResult, error) {
	return e.handlers.ApplyHook(ctx, scope, hookName, value)
}

// ResolveCustomizations selects the customizations of target that apply.
func (e *Engine) ResolveCustomizations(ctx context.Context, scope, target string) (dispatch.Resolution, error) {
	return e.handlers.ResolveCustomizations(ctx, scope, target)
}

// UpsertCustomization validates and stores a customization, replacing any
// with the same id in scope.
func (e *Engine) UpsertCustomization(ctx context.Context, c ir.CustomizationRecord) (ir.CustomizationRecord, error) {
	now := e.clock.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := c.Validate(); err != nil {
		return ir.CustomizationRecord{}, err
	}
	stored, err := e.store.UpsertCustomization(ctx, c)
	if err != nil {
		return ir.CustomizationRecord{}, err
	}
	e.logger.Info("customization upserted",
		"scope", stored.Scope,
		"id", stored.ID,
		"type", stored.Type(),
		"target", stored.Target,
		"active", stored.Active,
	)
	return stored, nil
}

// SetCustomizationActive enables or disables one customization.
func (e *Engine) SetCustomizationActive(ctx context.Context, scope, id string, active bool) error {
	return e.store.SetCustomizationActive(ctx, scope, id, active, e.clock.Now())
}

// PutHandlerScript stores the source a handler ref resolves to.
func (e *Engine) PutHandlerScript(ctx context.Context, h ir.HandlerScript) error {
	if h.Scope == "" || h.Ref == "" {
		return ir.NewInvalidArgumentError("ref", "scope and handler ref are required")
	}
	h.UpdatedAt = e.clock.Now()
	return e.store.PutHandlerScript(ctx, h)
}

// InstallResult reports what InstallManifest stored.
type InstallResult struct {
	Scope          string                  `json:"scope"`
	PluginID       string                  `json:"plugin"`
	Customizations []string                `json:"customizations"`
	Scripts        []string                `json:"scripts"`
	Warnings       []compiler.CycleWarning `json:"warnings,omitempty"`
}

// InstallManifest validates a compiled plugin manifest and stores its
// scripts and customizations in scope. Validation errors abort before
// anything is written. Dependency cycles are reported as warnings.
func (e *Engine) InstallManifest(ctx context.Context, scope string, m *compiler.Manifest) (InstallResult, error) {
	if scope == "" {
		return InstallResult{}, ir.NewInvalidArgumentError("scope", "scope is required")
	}
	if errs := compiler.Validate(m); len(errs) > 0 {
		return InstallResult{}, ir.NewInvalidArgumentError("manifest", fmt.Sprintf("%d validation errors, first: %v", len(errs), errs[0]))
	}

	res := InstallResult{
		Scope:          scope,
		PluginID:       m.PluginID,
		Customizations: []string{},
		Scripts:        []string{},
		Warnings:       compiler.AnalyzeDependencyCycles(m.Customizations),
	}

	// Scripts first, so a listener never becomes visible before its code.
	for _, s := range m.Scripts {
		s.Scope = scope
		if err := e.PutHandlerScript(ctx, s); err != nil {
			return res, fmt.Errorf("install %s: %w", m.PluginID, err)
		}
		res.Scripts = append(res.Scripts, s.Ref)
	}
	for _, c := range m.Customizations {
		c.Scope = scope
		if _, err := e.UpsertCustomization(ctx, c); err != nil {
			return res, fmt.Errorf("install %s: %w", m.PluginID, err)
		}
		res.Customizations = append(res.Customizations, c.ID)
	}

	for _, w := range res.Warnings {
		e.logger.Warn("customization dependency cycle", "plugin", m.PluginID, "path", w.Path)
	}
	e.logger.Info("manifest installed",
		"scope", scope,
		"plugin", m.PluginID,
		"customizations", len(res.Customizations),
		"scripts", len(res.Scripts),
	)
	return res, nil
}
