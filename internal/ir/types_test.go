package ir

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanPromote(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StageDraft, StageAcceptance, true},
		{StageDraft, StagePublished, true},
		{StageAcceptance, StagePublished, true},
		{StageAcceptance, StageDraft, false},
		{StagePublished, StageAcceptance, false},
		{StagePublished, StagePublished, false},
		{StageReverted, StagePublished, false},
		{StageDraft, StageDraft, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanPromote(tt.from, tt.to))
		})
	}
}

func TestParsePublishTarget(t *testing.T) {
	s, err := ParsePublishTarget("acceptance")
	require.NoError(t, err)
	assert.Equal(t, StageAcceptance, s)

	_, err = ParsePublishTarget("reverted")
	require.Error(t, err)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
}

func TestOverlayValidate(t *testing.T) {
	base := OverlayRecord{Scope: "store-1", ArtifactPath: "theme.css", Identity: "brand"}

	snap := base
	snap.Payload = SnapshotPayload{Content: "body{}"}
	require.NoError(t, snap.Validate())

	empty := base
	empty.Payload = HunksPayload{Hunks: []Hunk{{ID: "h1"}}}
	err := empty.Validate()
	require.Error(t, err)
	assert.Equal(t, CodeInvalidOverlay, CodeOf(err))
	assert.Contains(t, err.Error(), "anchor is empty")

	dup := base
	dup.Payload = HunksPayload{Hunks: []Hunk{
		{ID: "h1", Anchor: []string{"a"}},
		{ID: "h1", Anchor: []string{"b"}},
	}}
	assert.Error(t, dup.Validate())

	none := base
	assert.Error(t, none.Validate())
}

func TestOverlayRecordJSON(t *testing.T) {
	rec := OverlayRecord{
		ID: "ov-1", Scope: "store-1", ArtifactPath: "theme.css", Identity: "brand",
		Payload: HunksPayload{Hunks: []Hunk{{ID: "h1", Anchor: []string{"a"}, Replacement: []string{"b"}, LineHint: 3}}},
		Active:  true,
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"diffHunks"`)

	var back OverlayRecord
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rec.Payload, back.Payload)
	assert.Equal(t, "brand", back.Identity)
}

func TestCustomizationRecordJSON(t *testing.T) {
	rec := CustomizationRecord{
		ID: "p/banner", Scope: "store-1", Target: "cart",
		Data:         CSSInjectionData{CSS: ".banner{}", Media: "print"},
		Priority:     5,
		Dependencies: []string{"p/base"},
		Active:       true,
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"cssInjection"`)

	var back CustomizationRecord
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rec.Data, back.Data)
	assert.Equal(t, rec.Dependencies, back.Dependencies)
}

func TestCustomizationValidate(t *testing.T) {
	ok := CustomizationRecord{ID: "a", Scope: "s", Target: "cart", Data: LayoutData{Tree: cartTree()}}
	require.NoError(t, ok.Validate())

	badTree := ok
	badTree.Data = LayoutData{Tree: Tree{Root: []string{"ghost"}}}
	assert.True(t, IsInvalidTree(badTree.Validate()))

	selfDep := ok
	selfDep.Dependencies = []string{"a"}
	assert.Error(t, selfDep.Validate())

	noHandler := ok
	noHandler.Data = EventBindingData{PluginID: "p"}
	assert.Error(t, noHandler.Validate())
}

func TestAsRegistration(t *testing.T) {
	rec := CustomizationRecord{
		ID: "p/l1", Scope: "s", Target: "cart.updated", Priority: 2, Active: true,
		Data: EventBindingData{PluginID: "p", HandlerRef: "p/track"},
	}
	reg, ok := rec.AsRegistration()
	require.True(t, ok)
	assert.Equal(t, RegistrationEvent, reg.Kind)
	assert.Equal(t, "cart.updated", reg.Name)
	assert.Equal(t, "p/track", reg.HandlerRef)

	_, ok = CustomizationRecord{Data: CSSInjectionData{}}.AsRegistration()
	assert.False(t, ok)
}

func TestErrorHelpers(t *testing.T) {
	err := fmt.Errorf("publish: %w", NewInvalidTransitionError("store-1", "v1", StagePublished, "acceptance"))
	assert.True(t, IsInvalidTransition(err))
	assert.True(t, IsRejection(err))
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "published -> acceptance")

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "v1", e.Subject)

	assert.False(t, IsRejection(errors.New("disk full")))
}
