package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pubengine/internal/ir"
	"github.com/roach88/pubengine/internal/metrics"
)

func css(id string, priority int64, deps, conflicts []string) ir.CustomizationRecord {
	return ir.CustomizationRecord{
		ID: id, Scope: "store-1", Target: "cart", Priority: priority, Active: true,
		Data:         ir.CSSInjectionData{CSS: "." + id + "{}"},
		Dependencies: deps, ConflictsWith: conflicts,
	}
}

func ids(recs []ir.CustomizationRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestSelect_ConflictKeepsHigherPriority(t *testing.T) {
	res := SelectCustomizations([]ir.CustomizationRecord{
		css("a", 10, nil, nil),
		css("b", 5, nil, []string{"a"}),
		css("c", 1, nil, nil),
	})
	assert.Equal(t, []string{"a", "c"}, res.SelectedIDs())
	require.Len(t, res.Excluded, 1)
	assert.Equal(t, "b", res.Excluded[0].Record.ID)
	assert.Equal(t, ExcludedConflict, res.Excluded[0].Reason)
	assert.Equal(t, "a", res.Excluded[0].ConflictsWith)
	assert.NoError(t, res.Excluded[0].Err())
}

func TestSelect_ConflictIsSymmetric(t *testing.T) {
	// a names b; b does not name a. b still loses to the higher-priority a.
	res := SelectCustomizations([]ir.CustomizationRecord{
		css("a", 10, nil, []string{"b"}),
		css("b", 5, nil, nil),
	})
	assert.Equal(t, []string{"a"}, res.SelectedIDs())
	assert.Equal(t, "a", res.Excluded[0].ConflictsWith)
}

// TestSelect_DependencyCascade excludes b for conflicting with a, then c
// for depending on b, then d for depending on c.
func TestSelect_DependencyCascade(t *testing.T) {
	res := SelectCustomizations([]ir.CustomizationRecord{
		css("a", 10, nil, []string{"b"}),
		css("b", 9, nil, nil),
		css("c", 8, []string{"b"}, nil),
		css("d", 7, []string{"c"}, nil),
		css("e", 6, []string{"a"}, nil),
	})
	assert.Equal(t, []string{"a", "e"}, res.SelectedIDs())

	reasons := map[string]Exclusion{}
	for _, ex := range res.Excluded {
		reasons[ex.Record.ID] = ex
	}
	assert.Equal(t, ExcludedConflict, reasons["b"].Reason)
	assert.Equal(t, ExcludedDependency, reasons["c"].Reason)
	assert.Equal(t, "b", reasons["c"].Dependency)
	assert.Equal(t, ExcludedDependency, reasons["d"].Reason)
	assert.Equal(t, "c", reasons["d"].Dependency)

	err := reasons["d"].Err()
	require.Error(t, err)
	assert.Equal(t, ir.CodeDependencyUnsatisfied, ir.CodeOf(err))
	assert.Contains(t, err.Error(), `"c"`)
}

func TestSelect_MissingDependency(t *testing.T) {
	res := SelectCustomizations([]ir.CustomizationRecord{
		css("a", 1, []string{"elsewhere"}, nil),
	})
	assert.Empty(t, res.Selected)
	require.Len(t, res.Excluded, 1)
	assert.Equal(t, "elsewhere", res.Excluded[0].Dependency)
}

func TestSelect_DependenciesFirst(t *testing.T) {
	res := SelectCustomizations([]ir.CustomizationRecord{
		css("theme", 10, []string{"base"}, nil),
		css("banner", 8, nil, nil),
		css("base", 1, nil, nil),
	})
	assert.Equal(t, []string{"banner", "base", "theme"}, res.SelectedIDs())
	assert.Empty(t, res.Excluded)
}

func TestSelect_DependencyCycleKeepsPriorityOrder(t *testing.T) {
	res := SelectCustomizations([]ir.CustomizationRecord{
		css("x", 3, []string{"y"}, nil),
		css("y", 2, []string{"x"}, nil),
		css("z", 1, nil, nil),
	})
	assert.Equal(t, []string{"z", "x", "y"}, res.SelectedIDs())
}

func TestResolveCustomizations_FromStore(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	for _, rec := range []ir.CustomizationRecord{
		css("a", 10, nil, []string{"b"}),
		css("b", 9, nil, nil),
		css("c", 8, []string{"b"}, nil),
		css("d", 2, nil, nil),
	} {
		_, err := st.UpsertCustomization(ctx, rec)
		require.NoError(t, err)
	}
	other := css("elsewhere", 100, nil, nil)
	other.Target = "checkout"
	_, err := st.UpsertCustomization(ctx, other)
	require.NoError(t, err)

	mt := metrics.New()
	res, err := New(st, WithMetrics(mt)).ResolveCustomizations(ctx, "store-1", "cart")
	require.NoError(t, err)
	assert.Equal(t, "cart", res.Target)
	assert.Equal(t, []string{"a", "d"}, ids(res.Selected))
	assert.Len(t, res.Excluded, 2)

	again, err := New(st).ResolveCustomizations(ctx, "store-1", "cart")
	require.NoError(t, err)
	assert.Equal(t, res.SelectedIDs(), again.SelectedIDs())
}
