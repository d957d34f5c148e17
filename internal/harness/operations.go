package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/pubengine/internal/dispatch"
	"github.com/roach88/pubengine/internal/engine"
	"github.com/roach88/pubengine/internal/ir"
	"github.com/roach88/pubengine/internal/lifecycle"
	"github.com/roach88/pubengine/internal/merge"
)

// operation is one scenario step kind. run returns a summary of the
// outcome, which is what traces record and expect clauses match, plus the
// id a step's As binds.
//
// Summaries leave out timestamps, hashes and generated ids so that traces
// stay readable and stable.
type operation struct {
	readOnly bool
	run      func(ctx context.Context, x *execution, args arguments) (summary ir.Object, bound string, err error)
}

var operations = map[string]operation{
	"baseline.capture":        {run: captureBaseline},
	"overlay.snapshot":        {run: upsertSnapshot},
	"overlay.edit":            {run: upsertEdit},
	"overlay.deactivate":      {run: deactivateOverlay},
	"artifact.resolve":        {run: resolveArtifact, readOnly: true},
	"draft.create":            {run: createDraft},
	"draft.update":            {run: updateDraft},
	"version.publish":         {run: publishVersion},
	"version.revert":          {run: revertVersion},
	"version.resume":          {run: resumeEdit},
	"config.effective":        {run: effectiveConfig, readOnly: true},
	"config.history":          {run: history, readOnly: true},
	"customizations.resolve":  {run: resolveCustomizations, readOnly: true},
	"customization.setActive": {run: setCustomizationActive},
	"event.fire":              {run: fireEvent},
	"hook.apply":              {run: applyHook},
}

// execution is the state shared by the steps of one run.
type execution struct {
	eng   *engine.Engine
	scope string
	vars  map[string]string
}

// arguments reads typed values out of a step's YAML args.
type arguments struct {
	raw  map[string]interface{}
	vars map[string]string
}

// reference reports whether v is a "$name" reference.
func reference(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok || len(s) < 2 || !strings.HasPrefix(s, "$") {
		return "", false
	}
	return s[1:], true
}

func (a arguments) str(key string) (string, error) {
	v, ok := a.raw[key]
	if !ok {
		return "", fmt.Errorf("args.%s is required", key)
	}
	if ref, ok := reference(v); ok {
		id, bound := a.vars[ref]
		if !bound {
			return "", fmt.Errorf("args.%s: $%s is not bound", key, ref)
		}
		return id, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("args.%s: expected string, got %T", key, v)
	}
	return s, nil
}

func (a arguments) optStr(key, def string) (string, error) {
	if _, ok := a.raw[key]; !ok {
		return def, nil
	}
	return a.str(key)
}

func (a arguments) integer(key string, def int64) (int64, error) {
	v, ok := a.raw[key]
	if !ok {
		return def, nil
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("args.%s: expected integer, got %T", key, v)
	}
	return int64(n), nil
}

func (a arguments) boolean(key string) (bool, error) {
	v, ok := a.raw[key]
	if !ok {
		return false, fmt.Errorf("args.%s is required", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("args.%s: expected boolean, got %T", key, v)
	}
	return b, nil
}

func (a arguments) value(key string) (ir.Value, error) {
	v, err := ir.FromGo(a.raw[key])
	if err != nil {
		return nil, fmt.Errorf("args.%s: %w", key, err)
	}
	return v, nil
}

func (a arguments) tree(key string) (ir.Tree, error) {
	v, ok := a.raw[key]
	if !ok {
		return ir.Tree{}, fmt.Errorf("args.%s is required", key)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ir.Tree{}, fmt.Errorf("args.%s: %w", key, err)
	}
	return ir.ParseTree(data)
}

func captureBaseline(ctx context.Context, x *execution, args arguments) (ir.Object, string, error) {
	path, err := args.str("artifact_path")
	if err != nil {
		return nil, "", err
	}
	content, err := args.str("content")
	if err != nil {
		return nil, "", err
	}
	_, changed, err := x.eng.CaptureBaseline(ctx, x.scope, path, content)
	if err != nil {
		return nil, "", err
	}
	return ir.Object{"changed": ir.Bool(changed)}, "", nil
}

func overlayRequest(x *execution, args arguments) (engine.OverlayRequest, error) {
	var req engine.OverlayRequest
	var err error
	req.Scope = x.scope
	if req.ArtifactPath, err = args.str("artifact_path"); err != nil {
		return req, err
	}
	if req.Identity, err = args.optStr("identity", ""); err != nil {
		return req, err
	}
	if req.Priority, err = args.integer("priority", 0); err != nil {
		return req, err
	}
	if req.Summary, err = args.optStr("summary", ""); err != nil {
		return req, err
	}
	return req, nil
}

func overlaySummary(o ir.OverlayRecord) ir.Object {
	return ir.Object{
		"identity": ir.String(o.Identity),
		"kind":     ir.String(o.Kind()),
		"priority": ir.Int(o.Priority),
		"active":   ir.Bool(o.Active),
	}
}

func upsertSnapshot(ctx context.Context, x *execution, args arguments) (ir.Object, string, error) {
	req, err := overlayRequest(x, args)
	if err != nil {
		return nil, "", err
	}
	content, err := args.str("content")
	if err != nil {
		return nil, "", err
	}
	req.Payload = ir.SnapshotPayload{Content: content}
	o, err := x.eng.UpsertOverlay(ctx, req)
	if err != nil {
		return nil, "", err
	}
	return overlaySummary(o), o.ID, nil
}

func upsertEdit(ctx context.Context, x *execution, args arguments) (ir.Object, string, error) {
	req, err := overlayRequest(x, args)
	if err != nil {
		return nil, "", err
	}
	edited, err := args.str("edited")
	if err != nil {
		return nil, "", err
	}
	o, err := x.eng.UpsertOverlayFromEdit(ctx, engine.EditRequest{
		Scope:        req.Scope,
		ArtifactPath: req.ArtifactPath,
		Identity:     req.Identity,
		Edited:       edited,
		Priority:     req.Priority,
		Summary:      req.Summary,
	})
	if err != nil {
		return nil, "", err
	}
	return overlaySummary(o), o.ID, nil
}

func deactivateOverlay(ctx context.Context, x *execution, args arguments) (ir.Object, string, error) {
	id, err := args.str("overlay")
	if err != nil {
		return nil, "", err
	}
	return nil, "", x.eng.DeactivateOverlay(ctx, x.scope, id)
}

func resolutionSummary(r merge.Resolution) ir.Object {
	return ir.Object{
		"content":    ir.String(r.EffectiveContent),
		"applied":    ir.Int(len(r.AppliedOverlayIDs)),
		"skipped":    ir.Int(len(r.SkippedOverlayIDs)),
		"unapplied":  ir.Int(len(r.Unapplied)),
		"structured": ir.Bool(r.Structured),
	}
}

func resolveArtifact(ctx context.Context, x *execution, args arguments) (ir.Object, string, error) {
	path, err := args.str("artifact_path")
	if err != nil {
		return nil, "", err
	}
	r, err := x.eng.GetEffectiveArtifact(ctx, x.scope, path)
	if err != nil {
		return nil, "", err
	}
	return resolutionSummary(r), "", nil
}

func versionSummary(v ir.ConfigurationVersion) ir.Object {
	return ir.Object{
		"page_type": ir.String(v.PageType),
		"version":   ir.Int(v.VersionNumber),
		"status":    ir.String(v.Status),
	}
}

func createDraft(ctx context.Context, x *execution, args arguments) (ir.Object, string, error) {
	req := lifecycle.DraftRequest{Scope: x.scope}
	var err error
	if req.PageType, err = args.str("page_type"); err != nil {
		return nil, "", err
	}
	if req.Tree, err = args.tree("tree"); err != nil {
		return nil, "", err
	}
	if req.ParentVersionID, err = args.optStr("parent", ""); err != nil {
		return nil, "", err
	}
	if req.Actor, err = args.optStr("actor", ""); err != nil {
		return nil, "", err
	}
	v, err := x.eng.CreateDraft(ctx, req)
	if err != nil {
		return nil, "", err
	}
	return versionSummary(v), v.ID, nil
}

func updateDraft(ctx context.Context, x *execution, args arguments) (ir.Object, string, error) {
	id, err := args.str("version")
	if err != nil {
		return nil, "", err
	}
	tree, err := args.tree("tree")
	if err != nil {
		return nil, "", err
	}
	v, err := x.eng.UpdateDraft(ctx, x.scope, id, tree)
	if err != nil {
		return nil, "", err
	}
	return versionSummary(v), v.ID, nil
}

func publishVersion(ctx context.Context, x *execution, args arguments) (ir.Object, string, error) {
	id, err := args.str("version")
	if err != nil {
		return nil, "", err
	}
	stage, err := args.optStr("stage", string(ir.StagePublished))
	if err != nil {
		return nil, "", err
	}
	target, err := ir.ParsePublishTarget(stage)
	if err != nil {
		return nil, "", err
	}
	actor, err := args.optStr("actor", "harness")
	if err != nil {
		return nil, "", err
	}
	v, err := x.eng.Publish(ctx, x.scope, id, actor, target)
	if err != nil {
		return nil, "", err
	}
	return versionSummary(v), v.ID, nil
}

func revertVersion(ctx context.Context, x *execution, args arguments) (ir.Object, string, error) {
	id, err := args.str("version")
	if err != nil {
		return nil, "", err
	}
	actor, err := args.optStr("actor", "harness")
	if err != nil {
		return nil, "", err
	}
	res, err := x.eng.Revert(ctx, x.scope, id, actor)
	if err != nil {
		return nil, "", err
	}
	reverted := make(ir.Array, 0, len(res.RevertedIDs))
	for _, rid := range res.RevertedIDs {
		v, err := x.eng.GetVersion(ctx, x.scope, rid)
		if err != nil {
			return nil, "", err
		}
		reverted = append(reverted, ir.Int(v.VersionNumber))
	}
	summary := versionSummary(res.Version)
	summary["reverted"] = reverted
	return summary, res.Version.ID, nil
}

func resumeEdit(ctx context.Context, x *execution, args arguments) (ir.Object, string, error) {
	id, err := args.str("version")
	if err != nil {
		return nil, "", err
	}
	v, err := x.eng.ResumeEdit(ctx, x.scope, id)
	if err != nil {
		return nil, "", err
	}
	return versionSummary(v), v.ID, nil
}

func effectiveConfig(ctx context.Context, x *execution, args arguments) (ir.Object, string, error) {
	pageType, err := args.str("page_type")
	if err != nil {
		return nil, "", err
	}
	cfg, err := x.eng.GetEffectiveConfiguration(ctx, x.scope, pageType)
	if err != nil {
		return nil, "", err
	}
	root := make(ir.Array, len(cfg.Tree.Root))
	for i, id := range cfg.Tree.Root {
		root[i] = ir.String(id)
	}
	out := ir.Object{"default": ir.Bool(cfg.Default), "root": root, "version": ir.Int(0)}
	if cfg.Version != nil {
		out["version"] = ir.Int(cfg.Version.VersionNumber)
	}
	return out, "", nil
}

func history(ctx context.Context, x *execution, args arguments) (ir.Object, string, error) {
	pageType, err := args.str("page_type")
	if err != nil {
		return nil, "", err
	}
	limit, err := args.integer("limit", 0)
	if err != nil {
		return nil, "", err
	}
	versions, err := x.eng.GetHistory(ctx, x.scope, pageType, int(limit))
	if err != nil {
		return nil, "", err
	}
	list := make(ir.Array, len(versions))
	for i, v := range versions {
		list[i] = ir.Object{"version": ir.Int(v.VersionNumber), "status": ir.String(v.Status)}
	}
	return ir.Object{"versions": list}, "", nil
}

func resolveCustomizations(ctx context.Context, x *execution, args arguments) (ir.Object, string, error) {
	target, err := args.optStr("target", "")
	if err != nil {
		return nil, "", err
	}
	res, err := x.eng.ResolveCustomizations(ctx, x.scope, target)
	if err != nil {
		return nil, "", err
	}
	selected := make(ir.Array, len(res.Selected))
	for i, id := range res.SelectedIDs() {
		selected[i] = ir.String(id)
	}
	excluded := make(ir.Array, len(res.Excluded))
	for i, e := range res.Excluded {
		excluded[i] = ir.Object{"id": ir.String(e.Record.ID), "reason": ir.String(e.Reason)}
	}
	return ir.Object{"selected": selected, "excluded": excluded}, "", nil
}

func setCustomizationActive(ctx context.Context, x *execution, args arguments) (ir.Object, string, error) {
	id, err := args.str("id")
	if err != nil {
		return nil, "", err
	}
	active, err := args.boolean("active")
	if err != nil {
		return nil, "", err
	}
	return nil, "", x.eng.SetCustomizationActive(ctx, x.scope, id, active)
}

func outcomesSummary(outcomes []ir.HandlerOutcome) ir.Array {
	out := make(ir.Array, len(outcomes))
	for i, o := range outcomes {
		entry := ir.Object{"handler": ir.String(o.RegistrationID), "ok": ir.Bool(o.OK)}
		if o.Result != nil {
			entry["result"] = o.Result
		}
		if o.ErrorCode != "" {
			entry["error_code"] = ir.String(o.ErrorCode)
		}
		if o.TimedOut {
			entry["timed_out"] = ir.Bool(true)
		}
		out[i] = entry
	}
	return out
}

func fireSummary(r dispatch.FireResult) ir.Object {
	cascade := make(ir.Array, len(r.Cascade))
	for i, c := range r.Cascade {
		entry := ir.Object{
			"event":      ir.String(c.Event),
			"emitted_by": ir.String(c.EmittedBy),
			"depth":      ir.Int(c.Depth),
			"outcomes":   outcomesSummary(c.Outcomes),
		}
		if c.Dropped != "" {
			entry["dropped"] = ir.String(c.Dropped)
		}
		cascade[i] = entry
	}
	return ir.Object{"outcomes": outcomesSummary(r.Outcomes), "cascade": cascade}
}

func fireEvent(ctx context.Context, x *execution, args arguments) (ir.Object, string, error) {
	name, err := args.str("event")
	if err != nil {
		return nil, "", err
	}
	payload, err := args.value("payload")
	if err != nil {
		return nil, "", err
	}
	res, err := x.eng.FireEvent(ctx, x.scope, name, payload)
	if err != nil {
		return nil, "", err
	}
	return fireSummary(res), "", nil
}

func applyHook(ctx context.Context, x *execution, args arguments) (ir.Object, string, error) {
	name, err := args.str("hook")
	if err != nil {
		return nil, "", err
	}
	value, err := args.value("value")
	if err != nil {
		return nil, "", err
	}
	res, err := x.eng.ApplyHook(ctx, x.scope, name, value)
	if err != nil {
		return nil, "", err
	}
	return ir.Object{"value": res.Value, "outcomes": outcomesSummary(res.Outcomes)}, "", nil
}
