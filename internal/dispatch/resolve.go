package dispatch

import (
	"context"
	"fmt"

	"github.com/roach88/pubengine/internal/ir"
)

// Exclusion reasons.
const (
	ExcludedConflict   = "conflict"
	ExcludedDependency = "dependency_unsatisfied"
)

// Exclusion explains why a customization was left out.
type Exclusion struct {
	Record ir.CustomizationRecord `json:"record"`
	Reason string                 `json:"reason"`
	// ConflictsWith names the selected record that won the conflict.
	ConflictsWith string `json:"conflicts_with,omitempty"`
	// Dependency names the first missing dependency.
	Dependency string `json:"dependency,omitempty"`
}

// Err returns the exclusion as a rejection error, or nil for conflicts,
// which are not errors.
func (e Exclusion) Err() error {
	if e.Reason != ExcludedDependency {
		return nil
	}
	return ir.NewDependencyUnsatisfiedError(e.Record.Scope, e.Record.ID, e.Dependency)
}

// Resolution is the applicable customization set of one target.
type Resolution struct {
	Scope  string `json:"scope"`
	Target string `json:"target"`
	// Selected is in application order: descending priority, except that
	// every record follows the selected records it depends on.
	Selected []ir.CustomizationRecord `json:"selected"`
	Excluded []Exclusion              `json:"excluded,omitempty"`
}

// SelectedIDs returns the ids of Selected in order.
func (r Resolution) SelectedIDs() []string {
	ids := make([]string, len(r.Selected))
	for i, c := range r.Selected {
		ids[i] = c.ID
	}
	return ids
}

// ResolveCustomizations loads the active customizations of target and
// decides which apply. An empty target resolves the whole scope.
func (d *Dispatcher) ResolveCustomizations(ctx context.Context, scope, target string) (Resolution, error) {
	if scope == "" {
		return Resolution{}, ir.NewInvalidArgumentError("scope", "scope is required")
	}
	records, err := d.store.ListCustomizations(ctx, scope, target)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve customizations: %w", err)
	}

	res := SelectCustomizations(records)
	res.Scope = scope
	res.Target = target
	for _, ex := range res.Excluded {
		d.metrics.RecordExclusion(ex.Reason)
		d.logger.Info("customization excluded",
			"scope", scope,
			"target", target,
			"id", ex.Record.ID,
			"reason", ex.Reason,
			"conflicts_with", ex.ConflictsWith,
			"dependency", ex.Dependency,
		)
	}
	return res, nil
}

// SelectCustomizations runs the selection over records, which must be in
// descending priority order with ties by id (the store's listing order).
//
//  1. Conflicts are symmetric: a and b conflict when either lists the other.
//  2. Records are taken greedily in order; one that conflicts with an
//     already selected record is excluded.
//  3. Records whose dependencies are not all selected are excluded,
//     repeatedly, until nothing changes: losing a dependency cascades.
//  4. The survivors are ordered so dependencies come first, otherwise
//     keeping priority order.
//
// Records dropped in step 3 do not reopen records excluded in step 2.
func SelectCustomizations(records []ir.CustomizationRecord) Resolution {
	var res Resolution

	conflicts := conflictGraph(records)
	selected := make([]ir.CustomizationRecord, 0, len(records))
	for _, rec := range records {
		if winner := firstConflict(conflicts[rec.ID], selected); winner != "" {
			res.Excluded = append(res.Excluded, Exclusion{Record: rec, Reason: ExcludedConflict, ConflictsWith: winner})
			continue
		}
		selected = append(selected, rec)
	}

	inSet := make(map[string]bool, len(selected))
	for _, rec := range selected {
		inSet[rec.ID] = true
	}
	for changed := true; changed; {
		changed = false
		kept := selected[:0]
		for _, rec := range selected {
			if missing := firstMissing(rec.Dependencies, inSet); missing != "" {
				res.Excluded = append(res.Excluded, Exclusion{Record: rec, Reason: ExcludedDependency, Dependency: missing})
				delete(inSet, rec.ID)
				changed = true
				continue
			}
			kept = append(kept, rec)
		}
		selected = kept
	}

	res.Selected = dependencyOrder(selected)
	return res
}

func conflictGraph(records []ir.CustomizationRecord) map[string]map[string]bool {
	g := make(map[string]map[string]bool, len(records))
	link := func(a, b string) {
		if g[a] == nil {
			g[a] = make(map[string]bool)
		}
		g[a][b] = true
	}
	for _, rec := range records {
		for _, other := range rec.ConflictsWith {
			link(rec.ID, other)
			link(other, rec.ID)
		}
	}
	return g
}

func firstConflict(conflicts map[string]bool, selected []ir.CustomizationRecord) string {
	if len(conflicts) == 0 {
		return ""
	}
	for _, s := range selected {
		if conflicts[s.ID] {
			return s.ID
		}
	}
	return ""
}

func firstMissing(deps []string, inSet map[string]bool) string {
	for _, dep := range deps {
		if !inSet[dep] {
			return dep
		}
	}
	return ""
}

// dependencyOrder is Kahn's algorithm that always emits the earliest ready
// record, so priority order survives wherever dependencies allow. Records
// caught in a dependency cycle keep their priority order at the end.
func dependencyOrder(selected []ir.CustomizationRecord) []ir.CustomizationRecord {
	inSet := make(map[string]bool, len(selected))
	for _, rec := range selected {
		inSet[rec.ID] = true
	}

	out := make([]ir.CustomizationRecord, 0, len(selected))
	emitted := make(map[string]bool, len(selected))
	for len(out) < len(selected) {
		progressed := false
		for _, rec := range selected {
			if emitted[rec.ID] || !depsEmitted(rec.Dependencies, inSet, emitted) {
				continue
			}
			out = append(out, rec)
			emitted[rec.ID] = true
			progressed = true
			break
		}
		if !progressed {
			for _, rec := range selected {
				if !emitted[rec.ID] {
					out = append(out, rec)
					emitted[rec.ID] = true
				}
			}
		}
	}
	return out
}

func depsEmitted(deps []string, inSet, emitted map[string]bool) bool {
	for _, dep := range deps {
		if inSet[dep] && !emitted[dep] {
			return false
		}
	}
	return true
}
