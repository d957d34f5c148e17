package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pubengine/internal/ir"
)

func insertVersions(t *testing.T, s *Store, versions ...ir.ConfigurationVersion) {
	t.Helper()
	ctx := context.Background()
	for _, v := range versions {
		err := s.WithVersionLock(ctx, v.Scope, v.PageType, func(tx *VersionTx) error {
			return tx.Insert(ctx, v)
		})
		require.NoError(t, err)
	}
}

func TestVersion_InsertAndGet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	v := testVersion("v-1", "store-1", "cart", 1, ir.StagePublished)
	v.PublishedAt = ir.Ptr(testTime(5))
	v.PublishedBy = ir.Ptr("alice")
	v.ParentVersionID = ir.Ptr("v-0")
	insertVersions(t, s, v)

	got, err := s.GetVersion(ctx, "store-1", "v-1")
	require.NoError(t, err)
	assert.Equal(t, v.ID, got.ID)
	assert.True(t, v.Tree.Equal(got.Tree))
	assert.Equal(t, "alice", ir.Deref(got.PublishedBy))
	assert.Equal(t, testTime(5), *got.PublishedAt)
	assert.Equal(t, "v-0", ir.Deref(got.ParentVersionID))
	assert.Nil(t, got.CurrentEditID)
	assert.Nil(t, got.AcceptancePublishedAt)
}

func TestVersion_GetIsScoped(t *testing.T) {
	s := createTestStore(t)
	insertVersions(t, s, testVersion("v-1", "store-1", "cart", 1, ir.StageDraft))

	_, err := s.GetVersion(context.Background(), "store-2", "v-1")
	require.Error(t, err)
	assert.True(t, ir.IsNotFound(err))
}

func TestVersion_NextVersionNumber(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertVersions(t, s,
		testVersion("v-1", "store-1", "cart", 1, ir.StageDraft),
		testVersion("v-2", "store-1", "cart", 2, ir.StageDraft),
		testVersion("v-9", "store-1", "home", 9, ir.StageDraft),
	)

	err := s.WithVersionLock(ctx, "store-1", "cart", func(tx *VersionTx) error {
		n, err := tx.NextVersionNumber(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		return nil
	})
	require.NoError(t, err)
}

func TestVersion_EffectivePicksHighestPublished(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	p1 := testVersion("v-1", "store-1", "cart", 1, ir.StagePublished)
	p1.PublishedAt = ir.Ptr(testTime(1))
	p3 := testVersion("v-3", "store-1", "cart", 3, ir.StagePublished)
	p3.PublishedAt = ir.Ptr(testTime(3))
	insertVersions(t, s, p1,
		testVersion("v-2", "store-1", "cart", 2, ir.StageAcceptance),
		p3,
		testVersion("v-4", "store-1", "cart", 4, ir.StageDraft),
	)

	eff, err := s.GetEffective(ctx, "store-1", "cart")
	require.NoError(t, err)
	require.NotNil(t, eff)
	assert.Equal(t, "v-3", eff.ID)

	acc, err := s.GetLatestAcceptance(ctx, "store-1", "cart")
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, "v-2", acc.ID)

	none, err := s.GetEffective(ctx, "store-1", "home")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestVersion_HistoryOrderAndLimit(t *testing.T) {
	s := createTestStore(t)
	insertVersions(t, s,
		testVersion("v-1", "store-1", "cart", 1, ir.StageDraft),
		testVersion("v-2", "store-1", "cart", 2, ir.StageDraft),
		testVersion("v-3", "store-1", "cart", 3, ir.StageDraft),
	)

	hist, err := s.GetHistory(context.Background(), "store-1", "cart", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "v-3", hist[0].ID)
	assert.Equal(t, "v-2", hist[1].ID)
}

func TestVersion_SetCurrentEditKeepsSingleHolder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertVersions(t, s,
		testVersion("v-1", "store-1", "cart", 1, ir.StagePublished),
		testVersion("v-2", "store-1", "cart", 2, ir.StagePublished),
	)

	for _, step := range []struct{ holder, edit string }{{"v-1", "d-1"}, {"v-2", "d-2"}} {
		err := s.WithVersionLock(ctx, "store-1", "cart", func(tx *VersionTx) error {
			return tx.SetCurrentEdit(ctx, step.holder, step.edit, testTime(10))
		})
		require.NoError(t, err)
	}

	var holders int
	require.NoError(t, s.db.QueryRow(
		`SELECT COUNT(*) FROM configuration_versions WHERE scope='store-1' AND page_type='cart' AND current_edit_id IS NOT NULL`,
	).Scan(&holders))
	assert.Equal(t, 1, holders)

	v2, err := s.GetVersion(ctx, "store-1", "v-2")
	require.NoError(t, err)
	assert.Equal(t, "d-2", ir.Deref(v2.CurrentEditID))
}

func TestVersion_MarkRevertedRange(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertVersions(t, s,
		testVersion("v-1", "store-1", "cart", 1, ir.StagePublished),
		testVersion("v-2", "store-1", "cart", 2, ir.StageAcceptance),
		testVersion("v-3", "store-1", "cart", 3, ir.StageDraft),
		testVersion("v-4", "store-1", "cart", 4, ir.StagePublished),
		testVersion("v-5", "store-1", "cart", 5, ir.StagePublished),
	)

	var ids []string
	err := s.WithVersionLock(ctx, "store-1", "cart", func(tx *VersionTx) error {
		var err error
		ids, err = tx.MarkReverted(ctx, 1, 4, testTime(20))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"v-2", "v-4"}, ids)

	want := map[string]ir.Stage{
		"v-1": ir.StagePublished,
		"v-2": ir.StageReverted,
		"v-3": ir.StageDraft,
		"v-4": ir.StageReverted,
		"v-5": ir.StagePublished,
	}
	for id, stage := range want {
		v, err := s.GetVersion(ctx, "store-1", id)
		require.NoError(t, err)
		assert.Equal(t, stage, v.Status, id)
	}
}

func TestVersion_LockRollsBackPartialWrites(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.WithVersionLock(ctx, "store-1", "cart", func(tx *VersionTx) error {
		require.NoError(t, tx.Insert(ctx, testVersion("v-1", "store-1", "cart", 1, ir.StageDraft)))
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = s.GetVersion(ctx, "store-1", "v-1")
	assert.True(t, ir.IsNotFound(err))
}

func TestVersion_InsertOutsideLockRejected(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.WithVersionLock(ctx, "store-1", "cart", func(tx *VersionTx) error {
		return tx.Insert(ctx, testVersion("v-1", "store-1", "home", 1, ir.StageDraft))
	})
	assert.Error(t, err)
}

func TestListPageTypes(t *testing.T) {
	s := createTestStore(t)
	insertVersions(t, s,
		testVersion("v-1", "store-1", "home", 1, ir.StageDraft),
		testVersion("v-2", "store-1", "cart", 1, ir.StageDraft),
		testVersion("v-3", "store-2", "pdp", 1, ir.StageDraft),
	)

	pts, err := s.ListPageTypes(context.Background(), "store-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"cart", "home"}, pts)
}
