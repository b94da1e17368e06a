package axdb_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/models"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupTestDB(t *testing.T) (*axdb.Postgres, context.Context) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	t.Cleanup(cancel)

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("axdb_test"),
		postgres.WithUsername("axdb"),
		postgres.WithPassword("axdb"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	databaseURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := axdb.NewPostgres(ctx, slog.Default(), databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})

	return store, ctx
}

func TestPostgresWorkflowRoundTrip(t *testing.T) {
	store, ctx := setupTestDB(t)

	wf := &models.Workflow{
		ID:              "wf-1",
		ServiceTemplate: []byte(`{"id":"wf-1","template":{"type":"workflow"}}`),
		Status:          models.WorkflowSuspended,
		Resource:        models.Resource{CPU: 2, MemMiB: 1024},
		Timestamp:       models.NowMilli(),
	}

	require.NoError(t, store.CreateWorkflow(ctx, wf))
	require.ErrorIs(t, store.CreateWorkflow(ctx, wf), axdb.ErrAlreadyExists)

	got, err := store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, wf.Resource, got.Resource)
	assert.JSONEq(t, string(wf.ServiceTemplate), string(got.ServiceTemplate))

	require.NoError(t, store.UpdateWorkflowStatus(ctx, "wf-1", models.WorkflowSuspended, models.WorkflowAdmitted))
	require.ErrorIs(t,
		store.UpdateWorkflowStatus(ctx, "wf-1", models.WorkflowSuspended, models.WorkflowDeleted),
		axdb.ErrConditionFailed)

	// doc updates must not clobber the CASed status column
	got.Resource.CPU = 1
	require.NoError(t, store.UpdateWorkflow(ctx, got))

	got, err = store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowAdmitted, got.Status)
	assert.Equal(t, 1.0, got.Resource.CPU)
}

func TestPostgresVolumeAXRNUnique(t *testing.T) {
	store, ctx := setupTestDB(t)

	require.NoError(t, store.CreateVolume(ctx, &models.Volume{ID: "v1", AXRN: "vol:/data", Status: models.VolumeInit}))
	require.ErrorIs(t,
		store.CreateVolume(ctx, &models.Volume{ID: "v2", AXRN: "vol:/data", Status: models.VolumeInit}),
		axdb.ErrAlreadyExists)

	got, err := store.GetVolumeByAXRN(ctx, "vol:/data")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.ID)

	require.NoError(t, store.DeleteVolume(ctx, "v1"))
	_, err = store.GetVolumeByAXRN(ctx, "vol:/data")
	require.ErrorIs(t, err, axdb.ErrNotFound)
}

func TestPostgresNodeResultsAndMeta(t *testing.T) {
	store, ctx := setupTestDB(t)

	for sn := int64(1); sn <= 3; sn++ {
		require.NoError(t, store.InsertNodeResult(ctx, &models.NodeResult{
			RootID: "wf-1", NodeID: "n", SN: sn, Code: models.ResultSucceed, Timestamp: sn,
		}))
	}

	results, err := store.ListNodeResults(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, int64(1), results[0].SN)

	require.NoError(t, store.SetMeta(ctx, "retention_progress", "42"))
	val, err := store.GetMeta(ctx, "retention_progress")
	require.NoError(t, err)
	assert.Equal(t, "42", val)

	_, err = store.GetMeta(ctx, "missing")
	require.ErrorIs(t, err, axdb.ErrNotFound)
}
