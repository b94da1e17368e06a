package axdb

import (
	"context"
	"testing"

	"github.com/axialops/axplatform/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowStatusCAS(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	wf := &models.Workflow{ID: "wf-1", Status: models.WorkflowSuspended, Timestamp: 1}
	require.NoError(t, store.CreateWorkflow(ctx, wf))

	require.ErrorIs(t, store.CreateWorkflow(ctx, wf), ErrAlreadyExists)

	require.NoError(t, store.UpdateWorkflowStatus(ctx, "wf-1", models.WorkflowSuspended, models.WorkflowAdmitted))

	// losing racer sees the condition failure
	err := store.UpdateWorkflowStatus(ctx, "wf-1", models.WorkflowSuspended, models.WorkflowDeleted)
	require.ErrorIs(t, err, ErrConditionFailed)
	assert.True(t, IsRetryable(err))

	got, err := store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowAdmitted, got.Status)
}

func TestUpdateWorkflowPreservesStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	require.NoError(t, store.CreateWorkflow(ctx, &models.Workflow{ID: "wf-1", Status: models.WorkflowRunning}))

	// a stale writer cannot move the status through the doc update path
	require.NoError(t, store.UpdateWorkflow(ctx, &models.Workflow{
		ID:       "wf-1",
		Status:   models.WorkflowSuspended,
		Resource: models.Resource{CPU: 2},
	}))

	got, err := store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowRunning, got.Status)
	assert.Equal(t, 2.0, got.Resource.CPU)
}

func TestNodeResultsOrderedBySN(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	for _, sn := range []int64{3, 1, 2} {
		require.NoError(t, store.InsertNodeResult(ctx, &models.NodeResult{
			RootID: "wf-1", NodeID: "n", SN: sn, Code: models.ResultSucceed,
		}))
	}

	require.NoError(t, store.InsertNodeResult(ctx, &models.NodeResult{RootID: "other", SN: 1}))

	results, err := store.ListNodeResults(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, r := range results {
		assert.Equal(t, int64(i+1), r.SN)
	}
}

func TestVolumeAXRNUniqueness(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	require.NoError(t, store.CreateVolume(ctx, &models.Volume{ID: "v1", AXRN: "vol:/data"}))

	err := store.CreateVolume(ctx, &models.Volume{ID: "v2", AXRN: "vol:/data"})
	require.ErrorIs(t, err, ErrAlreadyExists)

	// rename onto an occupied axrn is rejected too
	require.NoError(t, store.CreateVolume(ctx, &models.Volume{ID: "v3", AXRN: "vol:/other"}))
	err = store.UpdateVolume(ctx, &models.Volume{ID: "v3", AXRN: "vol:/data"})
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestReservationConditionalWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	r := &models.CategoryReservation{ResourceID: "dep-1", Category: "deployment", Timestamp: 100}
	require.NoError(t, store.PutReservation(ctx, r, 0))
	require.ErrorIs(t, store.PutReservation(ctx, r, 0), ErrAlreadyExists)

	next := *r
	next.Timestamp = 200
	require.ErrorIs(t, store.PutReservation(ctx, &next, 150), ErrConditionFailed)
	require.NoError(t, store.PutReservation(ctx, &next, 100))

	require.ErrorIs(t, store.DeleteReservation(ctx, "dep-1", 100), ErrConditionFailed)
	require.NoError(t, store.DeleteReservation(ctx, "dep-1", 200))
	require.ErrorIs(t, store.DeleteReservation(ctx, "dep-1", 0), ErrNotFound)
}

func TestSwapRetentionTotals(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	require.NoError(t, store.PutRetentionPolicy(ctx, &models.RetentionPolicy{
		TagName: "default", PolicyMS: 1000, TotalNumber: 5, TotalSize: 50, TotalRealSize: 40,
	}))

	prior := &models.RetentionPolicy{TagName: "default", TotalNumber: 5, TotalSize: 50, TotalRealSize: 40}
	next := &models.RetentionPolicy{TagName: "default", TotalNumber: 6, TotalSize: 60, TotalRealSize: 45}
	require.NoError(t, store.SwapRetentionTotals(ctx, prior, next))

	require.ErrorIs(t, store.SwapRetentionTotals(ctx, prior, next), ErrConditionFailed)
}

func TestArtifactPaging(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	for i, id := range []string{"a", "b", "c", "d"} {
		store.PutArtifact(&models.Artifact{ArtifactID: id, AXUUID: id, AXTime: int64(i + 1)})
	}

	page, err := store.PageArtifacts(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].ArtifactID)
	assert.Equal(t, "c", page[1].ArtifactID)

	require.NoError(t, store.UpdateArtifactDeleted(ctx, "b", 0, 1))
	require.ErrorIs(t, store.UpdateArtifactDeleted(ctx, "b", 0, 1), ErrConditionFailed)
}
