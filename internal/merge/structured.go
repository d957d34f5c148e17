package merge

import (
	"slices"
	"sort"

	"github.com/roach88/pubengine/internal/ir"
)

// graftSnapshots replays snapshot overlays as node-level edits on the
// baseline tree: each snapshot contributes the nodes it changed, added or
// removed relative to the baseline, plus its root order when that differs.
//
// ok is false when the baseline or any snapshot is not a configuration
// tree, or when a diffHunks overlay took part in the fold (hunks are
// line edits with no tree meaning).
func graftSnapshots(baseline string, overlays []ir.OverlayRecord, applied []string) (ir.Tree, bool) {
	base, err := ir.ParseTree([]byte(baseline))
	if err != nil || base.Validate() != nil {
		return ir.Tree{}, false
	}

	contributed := make(map[string]bool, len(applied))
	for _, id := range applied {
		contributed[id] = true
	}

	work := base.Clone()
	for _, o := range overlays {
		if !contributed[o.ID] {
			continue
		}
		snap, isSnap := o.Payload.(ir.SnapshotPayload)
		if !isSnap {
			return ir.Tree{}, false
		}
		next, err := ir.ParseTree([]byte(snap.Content))
		if err != nil {
			return ir.Tree{}, false
		}
		work = graft(work, base, next)
	}
	return work, true
}

// graft applies the delta base -> next onto work.
func graft(work, base, next ir.Tree) ir.Tree {
	baseIdx := base.Index()
	nextIdx := next.Index()
	out := work.Clone()

	if !slices.Equal(base.Root, next.Root) {
		out.Root = append([]string(nil), next.Root...)
	}

	// Removals first, so a re-added id lands as a fresh node.
	kept := out.Nodes[:0]
	for _, n := range out.Nodes {
		if _, inBase := baseIdx[n.ID]; inBase {
			if _, inNext := nextIdx[n.ID]; !inNext {
				continue
			}
		}
		kept = append(kept, n)
	}
	out.Nodes = kept

	outIdx := out.Index()
	for _, n := range next.Nodes {
		if i, inBase := baseIdx[n.ID]; inBase && nodeEqual(base.Nodes[i], n) {
			continue
		}
		if i, ok := outIdx[n.ID]; ok {
			out.Nodes[i] = n.Clone()
			continue
		}
		out.Nodes = append(out.Nodes, n.Clone())
		outIdx[n.ID] = len(out.Nodes) - 1
	}
	return out
}

func nodeEqual(a, b ir.Node) bool {
	return ir.Tree{Nodes: []ir.Node{a}}.Equal(ir.Tree{Nodes: []ir.Node{b}})
}

// sameTree compares trees ignoring the storage order of Nodes, which
// carries no meaning.
func sameTree(a, b ir.Tree) bool {
	return sortedNodes(a).Equal(sortedNodes(b))
}

func sortedNodes(t ir.Tree) ir.Tree {
	out := t.Clone()
	sort.Slice(out.Nodes, func(i, j int) bool { return out.Nodes[i].ID < out.Nodes[j].ID })
	return out
}
