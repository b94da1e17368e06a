package volume

import (
	"context"
	"log/slog"
	"testing"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/axsys"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, axdb.Store, *axsys.Fake) {
	t.Helper()

	store := axdb.NewMemory()
	runtime := axsys.NewFake()

	require.NoError(t, store.PutStorageClass(context.Background(),
		&models.StorageClass{ID: "sc-ssd", Name: "ssd", Provider: "axsys"}))

	m := NewManager(slog.Default(), store, runtime, DefaultConfig())

	return m, store, runtime
}

// settle drains the queue synchronously, standing in for the worker pool.
func settle(m *Manager) {
	for m.queue.Len() > 0 {
		id, ok := m.queue.Pop()
		if !ok {
			return
		}

		m.process(context.Background(), id)
	}
}

func namedVolume(name string, sizeGB float64) *models.Volume {
	return &models.Volume{
		Name:         name,
		AXRN:         models.NamedAXRN(name),
		StorageClass: "ssd",
		Enabled:      true,
		Attributes:   map[string]any{models.VolumeAttrSizeGB: sizeGB},
	}
}

func TestCreateVolumeProvisionsToActive(t *testing.T) {
	ctx := context.Background()
	m, store, runtime := newTestManager(t)

	woken := 0
	m.SetWaker(func() { woken++ })

	vol, err := m.CreateVolume(ctx, namedVolume("scratch", 20))
	require.NoError(t, err)
	assert.Equal(t, models.VolumeInit, vol.Status)

	settle(m)

	current, err := store.GetVolume(ctx, vol.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VolumeActive, current.Status)
	assert.Equal(t, "axvol-"+vol.ID, current.ResourceID)
	assert.True(t, runtime.HasVolume("axvol-"+vol.ID))
	assert.Equal(t, 1, woken)
}

func TestCreateVolumeRejectsDuplicateAXRN(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	_, err := m.CreateVolume(ctx, namedVolume("scratch", 20))
	require.NoError(t, err)

	_, err = m.CreateVolume(ctx, namedVolume("scratch", 40))
	assert.ErrorIs(t, err, axerror.ErrInvalidParam)
}

func TestCreateVolumeValidates(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	_, err := m.CreateVolume(ctx, &models.Volume{
		Name:         "no-size",
		AXRN:         models.NamedAXRN("no-size"),
		StorageClass: "ssd",
		Attributes:   map[string]any{},
	})
	assert.ErrorIs(t, err, axerror.ErrInvalidParam)

	bad := namedVolume("bad-class", 10)
	bad.StorageClass = "platinum"

	_, err = m.CreateVolume(ctx, bad)
	assert.ErrorIs(t, err, axerror.ErrResourceNotFound)
}

func TestDeleteVolumeRemovesRowAndResource(t *testing.T) {
	ctx := context.Background()
	m, store, runtime := newTestManager(t)

	vol, err := m.CreateVolume(ctx, namedVolume("scratch", 20))
	require.NoError(t, err)
	settle(m)

	require.NoError(t, m.DeleteVolume(ctx, vol.ID))
	settle(m)

	_, err = store.GetVolume(ctx, vol.ID)
	assert.ErrorIs(t, err, axdb.ErrNotFound)
	assert.False(t, runtime.HasVolume("axvol-"+vol.ID))

	// deleting an absent volume is a no-op
	assert.NoError(t, m.DeleteVolume(ctx, vol.ID))
}

func TestDeleteReservedVolumeRejected(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	vol, err := m.CreateVolume(ctx, namedVolume("scratch", 20))
	require.NoError(t, err)
	settle(m)

	current, err := store.GetVolume(ctx, vol.ID)
	require.NoError(t, err)
	current.Referrers.Add(models.Referrer{ServiceID: "svc-1", Requester: models.RequesterWorkflowADC})
	require.NoError(t, store.UpdateVolume(ctx, current))

	err = m.DeleteVolume(ctx, vol.ID)
	assert.ErrorIs(t, err, axerror.ErrIllegalOperation)
}

func TestDeleteAnonymousVolumeFreesAXRN(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	axrn := models.AnonymousWorkflowAXRN("wf-1", "svc-1", "data")
	vol, err := m.CreateVolume(ctx, &models.Volume{
		AXRN:         axrn,
		Anonymous:    true,
		StorageClass: "ssd",
		Enabled:      true,
		Concurrency:  1,
		Attributes:   map[string]any{models.VolumeAttrSizeGB: 5},
	})
	require.NoError(t, err)
	settle(m)

	require.NoError(t, m.DeleteVolume(ctx, vol.ID))

	// the logical axrn frees up before the substrate delete completes
	current, err := store.GetVolume(ctx, vol.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VolumeDeleting, current.Status)
	assert.True(t, models.MarkedDeleting(current.AXRN))

	_, err = store.GetVolumeByAXRN(ctx, axrn)
	assert.ErrorIs(t, err, axdb.ErrNotFound)
}

func TestRenameMovesExternalTagAndAXRN(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	vol, err := m.CreateVolume(ctx, namedVolume("old-name", 20))
	require.NoError(t, err)
	settle(m)

	newName := "new-name"

	updated, err := m.UpdateVolume(ctx, vol.ID, &UpdateRequest{Name: &newName})
	require.NoError(t, err)
	assert.Equal(t, "new-name", updated.Name)
	assert.Equal(t, models.NamedAXRN("new-name"), updated.AXRN)

	_, err = store.GetVolumeByAXRN(ctx, models.NamedAXRN("old-name"))
	assert.ErrorIs(t, err, axdb.ErrNotFound)

	// round trip back to the original name
	oldName := "old-name"

	updated, err = m.UpdateVolume(ctx, vol.ID, &UpdateRequest{Name: &oldName})
	require.NoError(t, err)
	assert.Equal(t, models.NamedAXRN("old-name"), updated.AXRN)
}

func TestRenameRequiresActive(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	vol, err := m.CreateVolume(ctx, namedVolume("pending", 20))
	require.NoError(t, err)

	newName := "renamed"

	_, err = m.UpdateVolume(ctx, vol.ID, &UpdateRequest{Name: &newName})
	assert.ErrorIs(t, err, axerror.ErrIllegalOperation)
}

func TestRenameRejectsTakenName(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	first, err := m.CreateVolume(ctx, namedVolume("first", 20))
	require.NoError(t, err)

	_, err = m.CreateVolume(ctx, namedVolume("second", 20))
	require.NoError(t, err)
	settle(m)

	taken := "second"

	_, err = m.UpdateVolume(ctx, first.ID, &UpdateRequest{Name: &taken})
	assert.ErrorIs(t, err, axerror.ErrInvalidParam)
}

func TestRetryDropsReferrersWithoutRequests(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	vol, err := m.CreateVolume(ctx, namedVolume("scratch", 20))
	require.NoError(t, err)
	settle(m)

	current, err := store.GetVolume(ctx, vol.ID)
	require.NoError(t, err)
	current.Referrers.Add(models.Referrer{ServiceID: "svc-live", Requester: models.RequesterWorkflowADC})
	current.Referrers.Add(models.Referrer{ServiceID: "svc-dead", Requester: models.RequesterWorkflowADC})
	require.NoError(t, store.UpdateVolume(ctx, current))

	require.NoError(t, store.CreateFixtureRequest(ctx, &models.FixtureRequest{
		ServiceID: "svc-live",
		Requester: models.RequesterWorkflowADC,
	}))

	m.dropDeadReferrers(ctx)

	current, err = store.GetVolume(ctx, vol.ID)
	require.NoError(t, err)
	assert.True(t, current.Referrers.Has("svc-live"))
	assert.False(t, current.Referrers.Has("svc-dead"))
}

func TestRetryRequeuesUnsettledVolumes(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	vol, err := m.CreateVolume(ctx, namedVolume("stuck", 20))
	require.NoError(t, err)

	// drop the queued work as a worker crash would
	id, ok := m.queue.Pop()
	require.True(t, ok)
	require.Equal(t, vol.ID, id)

	m.requeueUnsettled(ctx)
	assert.Equal(t, 1, m.queue.Len())

	settle(m)

	current, err := store.GetVolume(ctx, vol.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VolumeActive, current.Status)
}
