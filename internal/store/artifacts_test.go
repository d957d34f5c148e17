package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pubengine/internal/ir"
)

func TestCaptureBaseline_SameContentIsNoop(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, changed, err := s.CaptureBaseline(ctx, testBaseline("store-1", "theme.css", "body{}"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ir.ContentHash("body{}"), first.ContentHash)

	again := testBaseline("store-1", "theme.css", "body{}")
	again.CapturedAt = testTime(30)
	second, changed, err := s.CaptureBaseline(ctx, again)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, testTime(0), second.CapturedAt)

	replaced := testBaseline("store-1", "theme.css", "body{color:red}")
	replaced.CapturedAt = testTime(40)
	_, changed, err = s.CaptureBaseline(ctx, replaced)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := s.GetBaseline(ctx, "store-1", "theme.css")
	require.NoError(t, err)
	assert.Equal(t, "body{color:red}", got.Content)
	assert.Equal(t, testTime(40), got.CapturedAt)
}

func TestGetBaseline_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.GetBaseline(context.Background(), "store-1", "missing.css")
	assert.True(t, ir.IsNotFound(err))
}

func testOverlay(id, identity string, priority int64, payload ir.OverlayPayload, at int) ir.OverlayRecord {
	return ir.OverlayRecord{
		ID: id, Scope: "store-1", ArtifactPath: "theme.css", Identity: identity,
		Payload: payload, Priority: priority, Active: true,
		CreatedAt: testTime(at), UpdatedAt: testTime(at),
	}
}

func TestUpsertOverlay_UpdateKeepsIDAndCreatedAt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertOverlay(ctx, testOverlay("ov-1", "brand", 0, ir.SnapshotPayload{Content: "a"}, 1))
	require.NoError(t, err)
	assert.Equal(t, "ov-1", first.ID)

	update := testOverlay("ov-ignored", "brand", 7, ir.HunksPayload{Hunks: []ir.Hunk{
		{ID: "h1", Anchor: []string{"a"}, Replacement: []string{"b"}},
	}}, 9)
	second, err := s.UpsertOverlay(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, "ov-1", second.ID)
	assert.Equal(t, testTime(1), second.CreatedAt)

	got, err := s.GetOverlay(ctx, "store-1", "ov-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Priority)
	assert.Equal(t, ir.OverlayDiffHunks, got.Kind())
	assert.Equal(t, testTime(9), got.UpdatedAt)
}

func TestListOverlays_FoldOrderAndActiveFilter(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, o := range []ir.OverlayRecord{
		testOverlay("ov-c", "c", 1, ir.SnapshotPayload{Content: "c"}, 3),
		testOverlay("ov-a", "a", 1, ir.SnapshotPayload{Content: "a"}, 5),
		testOverlay("ov-b", "b", 0, ir.SnapshotPayload{Content: "b"}, 9),
		testOverlay("ov-d", "d", 2, ir.SnapshotPayload{Content: "d"}, 1),
	} {
		_, err := s.UpsertOverlay(ctx, o)
		require.NoError(t, err)
	}
	require.NoError(t, s.SetOverlayActive(ctx, "store-1", "ov-d", false, testTime(10)))

	active, err := s.ListOverlays(ctx, "store-1", "theme.css", true)
	require.NoError(t, err)
	ids := make([]string, len(active))
	for i, o := range active {
		ids[i] = o.ID
	}
	assert.Equal(t, []string{"ov-b", "ov-c", "ov-a"}, ids)

	all, err := s.ListOverlays(ctx, "store-1", "theme.css", false)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestSetOverlayActive_NotFound(t *testing.T) {
	s := createTestStore(t)
	err := s.SetOverlayActive(context.Background(), "store-1", "nope", false, testTime(0))
	assert.True(t, ir.IsNotFound(err))
}

func TestCustomizations_UpsertListAndRegistrations(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	records := []ir.CustomizationRecord{
		{ID: "p/css", Scope: "store-1", Target: "cart", Priority: 1, Active: true,
			Data: ir.CSSInjectionData{CSS: ".x{}"}, ConflictsWith: []string{"q/css"}},
		{ID: "q/css", Scope: "store-1", Target: "cart", Priority: 5, Active: true,
			Data: ir.CSSInjectionData{CSS: ".y{}"}, Dependencies: []string{"q/base"}},
		{ID: "p/l2", Scope: "store-1", Target: "cart.updated", Priority: 2, Active: true,
			Data: ir.EventBindingData{PluginID: "p", HandlerRef: "p/two"}},
		{ID: "p/l1", Scope: "store-1", Target: "cart.updated", Priority: 1, Active: true,
			Data: ir.EventBindingData{PluginID: "p", HandlerRef: "p/one"}},
		{ID: "p/h1", Scope: "store-1", Target: "cart.updated", Priority: 0, Active: true,
			Data: ir.HookBindingData{PluginID: "p", HandlerRef: "p/hook"}},
		{ID: "p/other", Scope: "store-2", Target: "cart", Active: true,
			Data: ir.CSSInjectionData{CSS: ".z{}"}},
	}
	for i, rec := range records {
		rec.CreatedAt = testTime(i)
		rec.UpdatedAt = testTime(i)
		_, err := s.UpsertCustomization(ctx, rec)
		require.NoError(t, err)
	}

	cart, err := s.ListCustomizations(ctx, "store-1", "cart")
	require.NoError(t, err)
	require.Len(t, cart, 2)
	assert.Equal(t, "q/css", cart[0].ID)
	assert.Equal(t, []string{"q/base"}, cart[0].Dependencies)
	assert.Equal(t, []string{"q/css"}, cart[1].ConflictsWith)

	regs, err := s.ListRegistrations(ctx, "store-1", ir.RegistrationEvent, "cart.updated")
	require.NoError(t, err)
	require.Len(t, regs, 2)
	assert.Equal(t, "p/l1", regs[0].ID)
	assert.Equal(t, "p/two", regs[1].HandlerRef)

	hooks, err := s.ListRegistrations(ctx, "store-1", ir.RegistrationHook, "cart.updated")
	require.NoError(t, err)
	require.Len(t, hooks, 1)

	require.NoError(t, s.SetCustomizationActive(ctx, "store-1", "p/l1", false, testTime(50)))
	regs, err = s.ListRegistrations(ctx, "store-1", ir.RegistrationEvent, "cart.updated")
	require.NoError(t, err)
	assert.Len(t, regs, 1)
}

func TestUpsertCustomization_KeepsCreatedAt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := ir.CustomizationRecord{ID: "p/a", Scope: "store-1", Target: "cart", Active: true,
		Data: ir.JSInjectionData{Script: "1", Placement: "body"}, CreatedAt: testTime(1), UpdatedAt: testTime(1)}
	_, err := s.UpsertCustomization(ctx, rec)
	require.NoError(t, err)

	rec.CreatedAt = testTime(8)
	rec.UpdatedAt = testTime(8)
	rec.Priority = 3
	out, err := s.UpsertCustomization(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, testTime(1), out.CreatedAt)

	got, err := s.GetCustomization(ctx, "store-1", "p/a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Priority)
	assert.Equal(t, testTime(1), got.CreatedAt)
}

func TestHandlerScripts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutHandlerScript(ctx, ir.HandlerScript{
		Scope: "store-1", Ref: "p/one", Source: "function handle(p){return p}", UpdatedAt: testTime(1),
	}))
	h, err := s.GetHandlerScript(ctx, "store-1", "p/one")
	require.NoError(t, err)
	assert.Equal(t, ir.DefaultEntryPoint, h.EntryPoint)

	_, err = s.GetHandlerScript(ctx, "store-2", "p/one")
	assert.True(t, ir.IsNotFound(err))
}
