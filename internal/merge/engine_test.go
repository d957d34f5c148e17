package merge

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pubengine/internal/ir"
	"github.com/roach88/pubengine/internal/metrics"
	"github.com/roach88/pubengine/internal/store"
	"github.com/roach88/pubengine/internal/testutil"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "merge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, append([]Option{WithClock(testutil.NewDeterministicClock())}, opts...)...), st
}

func capture(t *testing.T, st *store.Store, path, content string) {
	t.Helper()
	_, _, err := st.CaptureBaseline(context.Background(), ir.BaselineArtifact{
		Scope: "store-1", ArtifactPath: path, Content: content, CapturedAt: t0,
	})
	require.NoError(t, err)
}

func upsert(t *testing.T, st *store.Store, o ir.OverlayRecord) ir.OverlayRecord {
	t.Helper()
	o.Scope = "store-1"
	if o.Identity == "" {
		o.Identity = o.ID
	}
	o.Active = true
	if o.CreatedAt.IsZero() {
		o.CreatedAt = o.UpdatedAt
	}
	out, err := st.UpsertOverlay(context.Background(), o)
	require.NoError(t, err)
	return out
}

func TestResolve_NoBaseline(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Resolve(context.Background(), "store-1", "theme.css")
	require.Error(t, err)
	assert.True(t, ir.IsNoBaseline(err))
}

func TestResolve_FoldAndHashes(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	capture(t, st, "theme.css", "base")

	a := snapshot("A", 1, "X")
	a.ArtifactPath = "theme.css"
	b := hunks("B", 2, replace("b1", "X", "Y"))
	b.ArtifactPath = "theme.css"
	upsert(t, st, a)
	upsert(t, st, b)

	res, err := e.Resolve(ctx, "store-1", "theme.css")
	require.NoError(t, err)
	assert.Equal(t, "Y", res.EffectiveContent)
	assert.Equal(t, []string{"A", "B"}, res.AppliedOverlayIDs)
	assert.Equal(t, ir.ContentHash("base"), res.BaselineHash)
	assert.Equal(t, ir.ContentHash("Y"), res.EffectiveHash)
	assert.False(t, res.Structured)
}

func TestResolve_Idempotent(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	capture(t, st, "cart.tpl", "line1\nline2\nline3\n")

	for i, o := range []ir.OverlayRecord{
		hunks("H1", 3, replace("h1", "line2", "LINE2"), replace("h2", "gone", "x")),
		snapshot("S1", 1, "line1\nline2\nline3\n"),
		hunks("H2", 3, replace("h1", "line3", "LINE3")),
	} {
		o.ArtifactPath = "cart.tpl"
		o.UpdatedAt = t0.Add(time.Duration(i) * time.Second)
		upsert(t, st, o)
	}

	first, err := e.Resolve(ctx, "store-1", "cart.tpl")
	require.NoError(t, err)
	second, err := e.Resolve(ctx, "store-1", "cart.tpl")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "line1\nLINE2\nLINE3\n", first.EffectiveContent)
	assert.Equal(t, []UnappliedHunk{{OverlayID: "H1", HunkID: "h2"}}, first.Unapplied)
}

func TestResolve_IgnoresInactive(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	capture(t, st, "theme.css", "base")

	o := snapshot("A", 1, "X")
	o.ArtifactPath = "theme.css"
	stored := upsert(t, st, o)
	require.NoError(t, st.SetOverlayActive(ctx, "store-1", stored.ID, false, t0.Add(time.Hour)))

	res, err := e.Resolve(ctx, "store-1", "theme.css")
	require.NoError(t, err)
	assert.Equal(t, "base", res.EffectiveContent)
	assert.Empty(t, res.AppliedOverlayIDs)
}

func TestPreview_ReplacesSameIdentity(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	capture(t, st, "theme.css", "base")

	o := snapshot("A", 1, "X")
	o.ArtifactPath = "theme.css"
	upsert(t, st, o)

	res, err := e.Preview(ctx, "store-1", "theme.css", ir.OverlayRecord{
		Identity: "A", Priority: 1, Payload: ir.SnapshotPayload{Content: "Z"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Z", res.EffectiveContent)
	assert.Equal(t, []string{"A"}, res.AppliedOverlayIDs)

	stored, err := e.Resolve(ctx, "store-1", "theme.css")
	require.NoError(t, err)
	assert.Equal(t, "X", stored.EffectiveContent, "preview must not persist")
}

func TestPreview_NewIdentityJoinsFold(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	capture(t, st, "theme.css", "a\nb\n")

	res, err := e.Preview(ctx, "store-1", "theme.css", ir.OverlayRecord{
		Identity: "draft-edit", Priority: 0,
		Payload: ir.HunksPayload{Hunks: []ir.Hunk{replace("h1", "b", "B")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "a\nB\n", res.EffectiveContent)
	assert.Equal(t, []string{"preview:draft-edit"}, res.AppliedOverlayIDs)

	_, err = e.Preview(ctx, "store-1", "theme.css", ir.OverlayRecord{Identity: "bad", Payload: ir.HunksPayload{}})
	assert.Equal(t, ir.CodeInvalidOverlay, ir.CodeOf(err))
}

func TestEditBase_LeavesOutOwnOverlay(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	capture(t, st, "theme.css", "a\nb\n")

	theme := hunks("T", 1, replace("h1", "a", "A"))
	theme.ArtifactPath = "theme.css"
	upsert(t, st, theme)
	mine := hunks("M", 5, replace("h1", "b", "B"))
	mine.ArtifactPath = "theme.css"
	upsert(t, st, mine)

	res, err := e.EditBase(ctx, "store-1", "theme.css", "M")
	require.NoError(t, err)
	assert.Equal(t, "A\nb\n", res.EffectiveContent)
	assert.Equal(t, []string{"T"}, res.AppliedOverlayIDs)
}

func treeJSON(t *testing.T, tree ir.Tree) string {
	t.Helper()
	data, err := json.Marshal(tree)
	require.NoError(t, err)
	return string(data)
}

func layout(header string, extra ...ir.Node) ir.Tree {
	tr := ir.Tree{
		Root: []string{"header", "summary"},
		Nodes: []ir.Node{
			{ID: "header", Type: "Header", Props: ir.Object{"text": ir.String(header)}},
			{ID: "summary", Type: "CartSummary"},
		},
	}
	for _, n := range extra {
		tr.Root = append(tr.Root, n.ID)
		tr.Nodes = append(tr.Nodes, n)
	}
	return tr
}

// TestResolve_StructuredAgreesWithText grafts a single layout snapshot and
// expects the node-level result to match the text fold.
func TestResolve_StructuredAgreesWithText(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	capture(t, st, "layouts/cart.json", treeJSON(t, layout("Cart")))

	o := snapshot("L", 1, treeJSON(t, layout("Basket", ir.Node{ID: "promo", Type: "Banner"})))
	o.ArtifactPath = "layouts/cart.json"
	upsert(t, st, o)

	res, err := e.Resolve(ctx, "store-1", "layouts/cart.json")
	require.NoError(t, err)
	assert.True(t, res.Structured)

	got, err := ir.ParseTree([]byte(res.EffectiveContent))
	require.NoError(t, err)
	assert.True(t, got.Equal(layout("Basket", ir.Node{ID: "promo", Type: "Banner"})))
}

func TestResolve_StructuredDisagreementKeepsText(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	capture(t, st, "layouts/cart.json", treeJSON(t, layout("Cart")))

	// The first snapshot adds a node the second one does not carry. The
	// graft keeps it, the text fold does not.
	first := snapshot("L1", 1, treeJSON(t, layout("Cart", ir.Node{ID: "promo", Type: "Banner"})))
	first.ArtifactPath = "layouts/cart.json"
	second := snapshot("L2", 2, treeJSON(t, layout("Basket")))
	second.ArtifactPath = "layouts/cart.json"
	upsert(t, st, first)
	upsert(t, st, second)

	res, err := e.Resolve(ctx, "store-1", "layouts/cart.json")
	require.NoError(t, err)
	assert.False(t, res.Structured)
	assert.Equal(t, treeJSON(t, layout("Basket")), res.EffectiveContent)
}

func TestResolve_StructuredDisabled(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t, WithStructuredMerge(false))
	capture(t, st, "layouts/cart.json", treeJSON(t, layout("Cart")))

	o := snapshot("L", 1, treeJSON(t, layout("Basket")))
	o.ArtifactPath = "layouts/cart.json"
	upsert(t, st, o)

	res, err := e.Resolve(ctx, "store-1", "layouts/cart.json")
	require.NoError(t, err)
	assert.False(t, res.Structured)
}

func TestResolve_Metrics(t *testing.T) {
	ctx := context.Background()
	mt := metrics.New()
	e, st := newTestEngine(t, WithMetrics(mt))
	capture(t, st, "theme.css", "a\n")

	o := hunks("H", 1, replace("h1", "missing", "x"))
	o.ArtifactPath = "theme.css"
	upsert(t, st, o)

	_, err := e.Resolve(ctx, "store-1", "theme.css")
	require.NoError(t, err)

	families, err := mt.Registry.Gather()
	require.NoError(t, err)
	var unapplied float64
	for _, f := range families {
		if f.GetName() == "pubengine_merge_unapplied_hunks_total" {
			unapplied = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, unapplied)
}
