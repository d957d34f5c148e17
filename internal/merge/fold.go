package merge

import (
	"sort"
	"strings"

	"github.com/roach88/pubengine/internal/ir"
)

// UnappliedHunk names a hunk whose anchor was not found in the working
// content when its overlay was folded.
type UnappliedHunk struct {
	OverlayID string `json:"overlay_id"`
	HunkID    string `json:"hunk_id"`
}

// FoldResult is the output of folding overlays onto a baseline.
type FoldResult struct {
	Content           string
	AppliedOverlayIDs []string
	SkippedOverlayIDs []string
	Unapplied         []UnappliedHunk
}

// SortOverlays orders overlays for folding: priority ascending, then
// updatedAt ascending so the most recently edited overlay of a priority is
// applied last and wins, then id. The slice is sorted in place.
func SortOverlays(overlays []ir.OverlayRecord) {
	sort.SliceStable(overlays, func(i, j int) bool {
		a, b := overlays[i], overlays[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}

// Fold applies overlays left to right onto baseline. The overlays must
// already be in fold order (see SortOverlays).
//
// A snapshot replaces the working content. A diffHunks overlay applies
// each hunk whose anchor is found and records the rest as unapplied; an
// overlay none of whose hunks applied is reported as skipped.
func Fold(baseline string, overlays []ir.OverlayRecord) FoldResult {
	res := FoldResult{Content: baseline}
	for _, o := range overlays {
		switch p := o.Payload.(type) {
		case ir.SnapshotPayload:
			res.Content = p.Content
			res.AppliedOverlayIDs = append(res.AppliedOverlayIDs, o.ID)

		case ir.HunksPayload:
			doc := splitLines(res.Content)
			applied := 0
			for _, h := range p.Hunks {
				if doc.apply(h) {
					applied++
					continue
				}
				res.Unapplied = append(res.Unapplied, UnappliedHunk{OverlayID: o.ID, HunkID: h.ID})
			}
			res.Content = doc.String()
			if applied > 0 {
				res.AppliedOverlayIDs = append(res.AppliedOverlayIDs, o.ID)
			} else {
				res.SkippedOverlayIDs = append(res.SkippedOverlayIDs, o.ID)
			}
		}
	}
	return res
}

// lines is text split on "\n". trailingNewline records whether the text
// ended in a newline so that String reproduces it exactly.
type lines struct {
	text            []string
	trailingNewline bool
}

func splitLines(s string) *lines {
	if s == "" {
		return &lines{}
	}
	l := &lines{trailingNewline: strings.HasSuffix(s, "\n")}
	l.text = strings.Split(strings.TrimSuffix(s, "\n"), "\n")
	return l
}

func (l *lines) String() string {
	if len(l.text) == 0 {
		return ""
	}
	s := strings.Join(l.text, "\n")
	if l.trailingNewline {
		s += "\n"
	}
	return s
}

// apply splices h into l. It reports false, leaving l unchanged, when the
// anchor does not occur.
func (l *lines) apply(h ir.Hunk) bool {
	at := l.locate(h.Anchor, h.LineHint)
	if at < 0 {
		return false
	}
	out := make([]string, 0, len(l.text)-len(h.Anchor)+len(h.Replacement))
	out = append(out, l.text[:at]...)
	out = append(out, h.Replacement...)
	out = append(out, l.text[at+len(h.Anchor):]...)
	l.text = out
	return true
}

// locate returns the 0-based start of anchor in l, or -1. With several
// occurrences the one starting nearest to hint (1-based) wins, earliest
// first on a tie; without a hint the first occurrence wins.
func (l *lines) locate(anchor []string, hint int) int {
	if len(anchor) == 0 || len(anchor) > len(l.text) {
		return -1
	}
	best, bestDist := -1, 0
	for i := 0; i+len(anchor) <= len(l.text); i++ {
		if !matchAt(l.text, i, anchor) {
			continue
		}
		if hint <= 0 {
			return i
		}
		dist := abs(i + 1 - hint)
		if best < 0 || dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}

func matchAt(text []string, at int, anchor []string) bool {
	for j, a := range anchor {
		if text[at+j] != a {
			return false
		}
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
