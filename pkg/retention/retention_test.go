package retention

import (
	"context"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *axdb.Memory, *FakeBlobStore) {
	t.Helper()

	store := axdb.NewMemory()
	blobs := NewFakeBlobStore()

	m := NewManager(slog.Default(), store, blobs, DefaultConfig())
	require.NoError(t, m.seedPolicies(context.Background()))

	return m, store, blobs
}

func seedArtifact(store *axdb.Memory, id string, age time.Duration, mutate func(*models.Artifact)) *models.Artifact {
	a := &models.Artifact{
		ArtifactID:    id,
		AXUUID:        id,
		WorkflowID:    "wf-done",
		RetentionTags: models.RetentionTagDefault,
		Deleted:       models.ArtifactAlive,
		StoredByte:    100,
		NumByte:       150,
		StorageMethod: models.StorageMethodS3,
		StoragePath:   "artifacts/" + id,
		Timestamp:     models.NowMilli() - age.Milliseconds(),
		AXTime:        models.NowMilli() - age.Milliseconds(),
	}

	if mutate != nil {
		mutate(a)
	}

	store.PutArtifact(a)

	return a
}

func artifactDeleted(t *testing.T, store *axdb.Memory, id string) int {
	t.Helper()

	page, err := store.PageArtifacts(context.Background(), 0, 0)
	require.NoError(t, err)

	for _, a := range page {
		if a.ArtifactID == id {
			return a.Deleted
		}
	}

	t.Fatalf("artifact %s not found", id)

	return -1
}

func TestSweepExpiresOverdueArtifact(t *testing.T) {
	ctx := context.Background()
	m, store, blobs := newTestManager(t)

	seedArtifact(store, "old", 200*24*time.Hour, nil)
	seedArtifact(store, "fresh", time.Hour, nil)

	require.NoError(t, m.Sweep(ctx))

	assert.Equal(t, models.ArtifactDeleted, artifactDeleted(t, store, "old"))
	assert.Equal(t, models.ArtifactAlive, artifactDeleted(t, store, "fresh"))
	assert.Equal(t, []string{"artifacts/old"}, blobs.Deleted())

	// only the surviving artifact is counted
	p, err := store.GetRetentionPolicy(ctx, models.RetentionTagDefault)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.TotalNumber)
	assert.Equal(t, int64(100), p.TotalSize)
	assert.Equal(t, int64(150), p.TotalRealSize)
}

func TestSweepSkipsProtectedArtifacts(t *testing.T) {
	ctx := context.Background()
	m, store, blobs := newTestManager(t)

	require.NoError(t, store.CreateWorkflow(ctx, &models.Workflow{
		ID: "wf-live", Status: models.WorkflowRunning,
	}))

	age := 200 * 24 * time.Hour

	seedArtifact(store, "live-wf", age, func(a *models.Artifact) { a.WorkflowID = "wf-live" })
	seedArtifact(store, "user-tagged", age, func(a *models.Artifact) { a.Tags = "keep" })
	seedArtifact(store, "unknown-tag", age, func(a *models.Artifact) { a.RetentionTags = "no-such-policy" })
	seedArtifact(store, "external", age, func(a *models.Artifact) { a.RetentionTags = models.RetentionTagLogExt })
	seedArtifact(store, "user-deleted", age, func(a *models.Artifact) { a.Deleted = models.ArtifactDeletedByUser })

	require.NoError(t, m.Sweep(ctx))

	assert.Empty(t, blobs.Deleted())

	// live-workflow and user-tagged artifacts still count toward the tag
	p, err := store.GetRetentionPolicy(ctx, models.RetentionTagDefault)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.TotalNumber)
}

func TestSweepReclaimsToBeDeletedAfterGrace(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	seedArtifact(store, "marked-old", 2*24*time.Hour, func(a *models.Artifact) {
		a.Deleted = models.ArtifactToBeDeleted
	})
	seedArtifact(store, "marked-new", time.Hour, func(a *models.Artifact) {
		a.Deleted = models.ArtifactToBeDeleted
	})

	require.NoError(t, m.Sweep(ctx))

	assert.Equal(t, models.ArtifactDeleted, artifactDeleted(t, store, "marked-old"))
	assert.Equal(t, models.ArtifactToBeDeleted, artifactDeleted(t, store, "marked-new"))
}

func TestSweepRetriesBlobDelete(t *testing.T) {
	ctx := context.Background()
	m, store, blobs := newTestManager(t)

	blobs.FailTimes = 3

	seedArtifact(store, "flaky", 200*24*time.Hour, nil)

	require.NoError(t, m.Sweep(ctx))

	assert.Equal(t, []string{"artifacts/flaky"}, blobs.Deleted())
	assert.Equal(t, models.ArtifactDeleted, artifactDeleted(t, store, "flaky"))
}

func TestSweepCountsUndeletableBlobArtifact(t *testing.T) {
	ctx := context.Background()
	m, store, blobs := newTestManager(t)

	blobs.FailTimes = 100 // more than the retry budget

	seedArtifact(store, "stuck", 200*24*time.Hour, nil)

	require.NoError(t, m.Sweep(ctx))

	assert.Equal(t, models.ArtifactAlive, artifactDeleted(t, store, "stuck"))

	p, err := store.GetRetentionPolicy(ctx, models.RetentionTagDefault)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.TotalNumber)
}

func TestSweepCheckpointsProgress(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	m.config.PageSize = 1

	a := seedArtifact(store, "a", 3*time.Hour, nil)
	b := seedArtifact(store, "b", 2*time.Hour, nil)

	require.NoError(t, m.Sweep(ctx))

	// the cursor cleared, the finish marker landed
	_, err := store.GetMeta(ctx, metaProgress)
	assert.ErrorIs(t, err, axdb.ErrNotFound)

	raw, err := store.GetMeta(ctx, metaSweepDone)
	require.NoError(t, err)

	finished, err := strconv.ParseInt(raw, 10, 64)
	require.NoError(t, err)
	assert.Greater(t, finished, a.AXTime)
	assert.Greater(t, finished, b.AXTime)
}

func TestTickSkipsRecentSweep(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	seedArtifact(store, "old", 200*24*time.Hour, nil)

	require.NoError(t, store.SetMeta(ctx, metaSweepDone,
		strconv.FormatInt(models.NowMilli(), 10)))

	m.tick(ctx)

	assert.Equal(t, models.ArtifactAlive, artifactDeleted(t, store, "old"))
}

func TestUsageFlushMergesDeltas(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	m.AddUsage(models.RetentionTagDefault, 2, 300, 450)
	m.AddUsage(models.RetentionTagDefault, -1, -100, -150)
	m.flushUsage(ctx)

	p, err := store.GetRetentionPolicy(ctx, models.RetentionTagDefault)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.TotalNumber)
	assert.Equal(t, int64(200), p.TotalSize)
	assert.Equal(t, int64(300), p.TotalRealSize)

	// flushed deltas do not apply twice
	m.flushUsage(ctx)

	p, err = store.GetRetentionPolicy(ctx, models.RetentionTagDefault)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.TotalNumber)
}

func TestPolicyCRUD(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	p, err := m.CreatePolicy(ctx, &models.RetentionPolicy{
		TagName:  "build-cache",
		PolicyMS: (3 * 24 * time.Hour).Milliseconds(),
	})
	require.NoError(t, err)

	_, err = m.CreatePolicy(ctx, &models.RetentionPolicy{TagName: "build-cache", PolicyMS: 1})
	assert.ErrorIs(t, err, axerror.ErrInvalidParam)

	newTTL := (5 * 24 * time.Hour).Milliseconds()

	p, err = m.UpdatePolicy(ctx, "build-cache", &newTTL, nil)
	require.NoError(t, err)
	assert.Equal(t, newTTL, p.PolicyMS)

	require.NoError(t, m.DeletePolicy(ctx, "build-cache"))

	_, err = m.GetPolicy(ctx, "build-cache")
	assert.ErrorIs(t, err, axerror.ErrResourceNotFound)
}

func TestBuiltinPoliciesUndeletable(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	for _, tag := range []string{models.RetentionTagDefault, models.RetentionTagLog} {
		err := m.DeletePolicy(ctx, tag)
		assert.ErrorIs(t, err, axerror.ErrIllegalOperation, tag)
	}
}
