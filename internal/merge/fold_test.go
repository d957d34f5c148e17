package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pubengine/internal/ir"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func snapshot(id string, priority int64, content string) ir.OverlayRecord {
	return ir.OverlayRecord{ID: id, Priority: priority, Payload: ir.SnapshotPayload{Content: content}, UpdatedAt: t0}
}

func hunks(id string, priority int64, hs ...ir.Hunk) ir.OverlayRecord {
	return ir.OverlayRecord{ID: id, Priority: priority, Payload: ir.HunksPayload{Hunks: hs}, UpdatedAt: t0}
}

func replace(id, from, to string) ir.Hunk {
	return ir.Hunk{ID: id, Anchor: []string{from}, Replacement: []string{to}}
}

// TestFold_PriorityOrder folds A(1, snapshot X) and B(2, X->Y), then swaps
// the priorities so B's hunk runs against the baseline and misses.
func TestFold_PriorityOrder(t *testing.T) {
	a := snapshot("A", 1, "X")
	b := hunks("B", 2, replace("b1", "X", "Y"))

	overlays := []ir.OverlayRecord{b, a}
	SortOverlays(overlays)
	res := Fold("base", overlays)
	assert.Equal(t, "Y", res.Content)
	assert.Equal(t, []string{"A", "B"}, res.AppliedOverlayIDs)
	assert.Empty(t, res.Unapplied)

	a.Priority, b.Priority = 2, 1
	overlays = []ir.OverlayRecord{a, b}
	SortOverlays(overlays)
	res = Fold("base", overlays)
	assert.Equal(t, "X", res.Content)
	assert.Equal(t, []string{"A"}, res.AppliedOverlayIDs)
	assert.Equal(t, []string{"B"}, res.SkippedOverlayIDs)
	assert.Equal(t, []UnappliedHunk{{OverlayID: "B", HunkID: "b1"}}, res.Unapplied)
}

func TestSortOverlays_TieBreaks(t *testing.T) {
	older := snapshot("z-old", 5, "old")
	newer := snapshot("a-new", 5, "new")
	newer.UpdatedAt = t0.Add(time.Minute)
	sameTimeB := snapshot("b", 5, "b")
	sameTimeA := snapshot("a", 5, "a")

	overlays := []ir.OverlayRecord{newer, sameTimeB, older, sameTimeA}
	SortOverlays(overlays)

	var ids []string
	for _, o := range overlays {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"a", "b", "z-old", "a-new"}, ids)
	assert.Equal(t, "new", Fold("", overlays).Content, "most recently edited wins among equal priority")
}

func TestFold_PartialHunks(t *testing.T) {
	base := "one\ntwo\nthree\n"
	o := hunks("H", 1,
		replace("h1", "two", "TWO"),
		replace("h2", "missing", "nope"),
	)
	res := Fold(base, []ir.OverlayRecord{o})
	assert.Equal(t, "one\nTWO\nthree\n", res.Content)
	assert.Equal(t, []string{"H"}, res.AppliedOverlayIDs)
	assert.Empty(t, res.SkippedOverlayIDs)
	assert.Equal(t, []UnappliedHunk{{OverlayID: "H", HunkID: "h2"}}, res.Unapplied)
}

func TestFold_MultiLineAnchor(t *testing.T) {
	base := "a\nb\nc\nd"
	o := hunks("H", 1, ir.Hunk{ID: "h1", Anchor: []string{"b", "c"}, Replacement: []string{"B", "x", "C"}})
	res := Fold(base, []ir.OverlayRecord{o})
	assert.Equal(t, "a\nB\nx\nC\nd", res.Content)
}

func TestFold_DeleteLines(t *testing.T) {
	o := hunks("H", 1, ir.Hunk{ID: "h1", Anchor: []string{"b"}})
	res := Fold("a\nb\nc\n", []ir.OverlayRecord{o})
	assert.Equal(t, "a\nc\n", res.Content)
}

func TestFold_LineHintPicksNearest(t *testing.T) {
	base := "x\nfoo\nx\nfoo\nx\nfoo\n"
	tests := []struct {
		hint int
		want string
	}{
		{0, "x\nbar\nx\nfoo\nx\nfoo\n"},
		{4, "x\nfoo\nx\nbar\nx\nfoo\n"},
		{9, "x\nfoo\nx\nfoo\nx\nbar\n"},
		{3, "x\nbar\nx\nfoo\nx\nfoo\n"}, // equidistant from 2 and 4: earliest
	}
	for _, tt := range tests {
		o := hunks("H", 1, ir.Hunk{ID: "h1", Anchor: []string{"foo"}, Replacement: []string{"bar"}, LineHint: tt.hint})
		assert.Equal(t, tt.want, Fold(base, []ir.OverlayRecord{o}).Content, "hint %d", tt.hint)
	}
}

func TestFold_SnapshotAfterHunks(t *testing.T) {
	overlays := []ir.OverlayRecord{
		hunks("H", 1, replace("h1", "a", "b")),
		snapshot("S", 2, "fresh"),
	}
	res := Fold("a", overlays)
	assert.Equal(t, "fresh", res.Content)
	assert.Equal(t, []string{"H", "S"}, res.AppliedOverlayIDs)
}

func TestFold_NoOverlays(t *testing.T) {
	res := Fold("same\n", nil)
	assert.Equal(t, "same\n", res.Content)
	assert.Empty(t, res.AppliedOverlayIDs)
}

func TestSplitLines_RoundTrip(t *testing.T) {
	for _, s := range []string{"", "\n", "a", "a\n", "a\nb", "a\n\nb\n", "\n\n"} {
		require.Equal(t, s, splitLines(s).String(), "%q", s)
	}
}
