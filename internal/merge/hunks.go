package merge

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/roach88/pubengine/internal/ir"
)

// DefaultContext is the number of unchanged lines kept around each change
// when hunks are derived from an edit.
const DefaultContext = 3

// ComputeHunks derives context-anchored hunks that turn base into edited.
//
// Each hunk's anchor is the changed region of base widened by up to
// context unchanged lines on each side. LineHint is where the anchor sits
// once the preceding hunks have been applied, so folding the hunks in
// order onto base lands each one on the intended occurrence.
func ComputeHunks(base, edited string, context int) []ir.Hunk {
	if context < 0 {
		context = 0
	}
	a := splitLines(base).text
	b := splitLines(edited).text

	m := difflib.NewMatcherWithJunk(a, b, false, nil)
	var (
		hunks []ir.Hunk
		shift int
	)
	for _, group := range m.GetGroupedOpCodes(context) {
		if !hasChange(group) {
			continue
		}
		first, last := group[0], group[len(group)-1]
		h := ir.Hunk{
			ID:       fmt.Sprintf("h%d", len(hunks)+1),
			Anchor:   append([]string{}, a[first.I1:last.I2]...),
			LineHint: first.I1 + 1 + shift,
		}
		h.Replacement = append([]string{}, b[first.J1:last.J2]...)
		shift += len(h.Replacement) - len(h.Anchor)
		hunks = append(hunks, h)
	}
	return hunks
}

func hasChange(group []difflib.OpCode) bool {
	for _, op := range group {
		if op.Tag != 'e' {
			return true
		}
	}
	return false
}

// PayloadFromEdit returns a diffHunks payload for the edit when the hunks
// reproduce edited exactly, and a snapshot otherwise. Edits that hunks
// cannot express include insertions with no surrounding context and a
// changed trailing newline.
func PayloadFromEdit(base, edited string, context int) ir.OverlayPayload {
	hunks := ComputeHunks(base, edited, context)
	if len(hunks) == 0 {
		return ir.SnapshotPayload{Content: edited}
	}
	for _, h := range hunks {
		if len(h.Anchor) == 0 {
			return ir.SnapshotPayload{Content: edited}
		}
	}
	probe := Fold(base, []ir.OverlayRecord{{ID: "probe", Payload: ir.HunksPayload{Hunks: hunks}}})
	if probe.Content != edited || len(probe.Unapplied) > 0 {
		return ir.SnapshotPayload{Content: edited}
	}
	return ir.HunksPayload{Hunks: hunks}
}
