package fixture

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/redisbus"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVolumes provisions straight into the store, immediately ACTIVE, the
// way the volume worker pool eventually would.
type fakeVolumes struct {
	store axdb.Store
}

func (f *fakeVolumes) CreateVolume(ctx context.Context, vol *models.Volume) (*models.Volume, error) {
	if vol.ID == "" {
		vol.ID = uuid.New().String()
	}

	vol.Status = models.VolumeActive
	vol.ResourceID = "res-" + vol.ID

	err := f.store.CreateVolume(ctx, vol)
	if err != nil {
		return nil, err
	}

	return vol, nil
}

func (f *fakeVolumes) DeleteVolume(ctx context.Context, id string) error {
	return f.store.DeleteVolume(ctx, id)
}

type fakeJobs struct {
	submitted []map[string]any
	statuses  map[string]*JobStatus
	nextID    int
}

func (f *fakeJobs) SubmitJob(_ context.Context, service map[string]any) (string, error) {
	f.submitted = append(f.submitted, service)
	f.nextID++

	return fmt.Sprintf("job-%d", f.nextID), nil
}

func (f *fakeJobs) JobStatus(_ context.Context, serviceID string) (*JobStatus, error) {
	if status, ok := f.statuses[serviceID]; ok {
		return status, nil
	}

	return &JobStatus{}, nil
}

func testFixtureManager(t *testing.T) (*Manager, axdb.Store, *fakeJobs) {
	t.Helper()

	store := axdb.NewMemory()
	jobs := &fakeJobs{statuses: make(map[string]*JobStatus)}

	config := DefaultConfig()
	config.SyncTimeout = 2 * time.Second

	m := NewManager(slog.Default(), store, redisbus.NewMemory(), nil,
		&fakeVolumes{store: store}, jobs, nil, config)

	require.NoError(t, m.seedStorageClasses(context.Background()))

	return m, store, jobs
}

// tick runs one processor pass the way the loop would.
func tick(m *Manager) {
	m.mu.Lock()
	m.processAll(context.Background())
	m.mu.Unlock()
}

func seedClass(t *testing.T, m *Manager, name string, attrs map[string]models.AttributeSchema, actions map[string]models.ClassAction) *models.FixtureClass {
	t.Helper()

	class, err := m.installTemplate(context.Background(), &ClassTemplate{
		ID:         "tpl-" + name,
		Name:       name,
		Attributes: attrs,
		Actions:    actions,
	})
	require.NoError(t, err)

	return class
}

func seedInstance(t *testing.T, m *Manager, class, name string, attrs map[string]any) *models.FixtureInstance {
	t.Helper()

	inst, err := m.CreateInstance(context.Background(), &CreateInstanceRequest{
		Name:        name,
		Class:       class,
		Concurrency: 1,
		Attributes:  attrs,
	})
	require.NoError(t, err)
	require.Equal(t, models.InstanceActive, inst.Status)

	return inst
}

func seedNamedVolume(t *testing.T, store axdb.Store, name string, sizeGB float64) *models.Volume {
	t.Helper()

	vol := &models.Volume{
		ID:           uuid.New().String(),
		Name:         name,
		AXRN:         models.NamedAXRN(name),
		StorageClass: "ssd",
		Enabled:      true,
		Concurrency:  1,
		Referrers:    models.Referrers{},
		Status:       models.VolumeActive,
		Attributes:   map[string]any{models.VolumeAttrSizeGB: sizeGB},
	}

	require.NoError(t, store.CreateVolume(context.Background(), vol))

	return vol
}

func TestNamedVolumeReservationAndRelease(t *testing.T) {
	m, store, _ := testFixtureManager(t)
	vol := seedNamedVolume(t, store, "prod-wordpress-blog", 30)

	out, err := m.CreateRequest(context.Background(), &models.FixtureRequest{
		ServiceID:      "svc-1",
		Requester:      models.RequesterWorkflowADC,
		RootWorkflowID: "wf-1",
		Synchronous:    true,
		VolRequirements: map[string]models.VolumeRequirement{
			"myvol": {AXRN: "vol:/prod-wordpress-blog"},
		},
	})
	require.NoError(t, err)
	require.True(t, out.Assigned())
	assert.Equal(t, "vol:/prod-wordpress-blog", out.VolAssignment["myvol"]["axrn"])

	stored, err := store.GetVolume(context.Background(), vol.ID)
	require.NoError(t, err)
	require.Len(t, stored.Referrers, 1)
	assert.Equal(t, "svc-1", stored.Referrers[0].ServiceID)

	require.NoError(t, m.DeleteRequest(context.Background(), "svc-1"))

	stored, err = store.GetVolume(context.Background(), vol.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Referrers)

	_, err = store.GetFixtureRequest(context.Background(), "svc-1")
	assert.ErrorIs(t, err, axdb.ErrNotFound)
}

func TestMixedRequestAssignsAtomically(t *testing.T) {
	m, store, _ := testFixtureManager(t)

	seedClass(t, m, "Linux", map[string]models.AttributeSchema{
		"os": {Type: models.AttrTypeString},
	}, nil)

	for i := range 4 {
		seedInstance(t, m, "Linux", fmt.Sprintf("linux-%d", i), map[string]any{"os": "ubuntu"})
	}

	named := seedNamedVolume(t, store, "prod-wordpress-blog", 30)

	out, err := m.CreateRequest(context.Background(), &models.FixtureRequest{
		ServiceID:      "svc-mixed",
		Requester:      models.RequesterWorkflowADC,
		User:           "alice",
		RootWorkflowID: "wf-2",
		Synchronous:    true,
		Requirements: map[string]models.Requirement{
			"fix1": {Class: "Linux"},
		},
		VolRequirements: map[string]models.VolumeRequirement{
			"namedvol": {AXRN: "vol:/prod-wordpress-blog"},
			"anonvol":  {StorageClass: "ssd", SizeGB: 10},
		},
	})
	require.NoError(t, err)

	require.Contains(t, out.Assignment, "fix1")
	require.Contains(t, out.VolAssignment, "namedvol")
	require.Contains(t, out.VolAssignment, "anonvol")

	anonID, _ := out.VolAssignment["anonvol"]["id"].(string)
	anon, err := store.GetVolume(context.Background(), anonID)
	require.NoError(t, err)
	assert.True(t, anon.Anonymous)
	assert.Equal(t, models.VolumeActive, anon.Status)
	assert.True(t, models.IsAnonymousAXRN(anon.AXRN))

	require.NoError(t, m.DeleteRequest(context.Background(), "svc-mixed"))

	_, err = store.GetVolume(context.Background(), anonID)
	assert.ErrorIs(t, err, axdb.ErrNotFound, "anonymous volume removed with its request")

	kept, err := store.GetVolume(context.Background(), named.ID)
	require.NoError(t, err)
	assert.Empty(t, kept.Referrers, "named volume survives, released")
}

func TestIdenticalRepostIsIdempotent(t *testing.T) {
	m, _, _ := testFixtureManager(t)

	seedClass(t, m, "Linux", nil, nil)
	seedInstance(t, m, "Linux", "linux-0", nil)

	demand := func() *models.FixtureRequest {
		return &models.FixtureRequest{
			ServiceID:    "svc-idem",
			Requester:    models.RequesterWorkflowADC,
			Requirements: map[string]models.Requirement{"fix1": {Class: "Linux"}},
		}
	}

	first, err := m.CreateRequest(context.Background(), demand())
	require.NoError(t, err)

	second, err := m.CreateRequest(context.Background(), demand())
	require.NoError(t, err)
	assert.Equal(t, first.RequestTime, second.RequestTime, "same entity returned")

	conflicting := demand()
	conflicting.Requirements["fix2"] = models.Requirement{Class: "Linux"}

	_, err = m.CreateRequest(context.Background(), conflicting)
	require.Error(t, err)
	assert.ErrorIs(t, err, axerror.ErrInvalidParam)
}

func TestSynchronousMissLeavesNoTrace(t *testing.T) {
	m, store, _ := testFixtureManager(t)

	seedClass(t, m, "Linux", nil, nil)
	inst := seedInstance(t, m, "Linux", "linux-0", nil)

	// Feasible (the instance exists in the catalog) but not reservable.
	_, err := m.UpdateInstance(context.Background(), inst.ID, &UpdateInstanceRequest{
		Enabled:       boolPtr(false),
		DisableReason: "maintenance",
	})
	require.NoError(t, err)

	_, err = m.CreateRequest(context.Background(), &models.FixtureRequest{
		ServiceID:    "svc-sync",
		Requester:    models.RequesterWorkflowADC,
		Synchronous:  true,
		Requirements: map[string]models.Requirement{"fix1": {Class: "Linux"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, axerror.ErrResourceNotFound)

	requests, err := store.ListFixtureRequests(context.Background())
	require.NoError(t, err)
	assert.Empty(t, requests, "no side effect on the request table")
}

func TestInfeasibleRequestRejected(t *testing.T) {
	m, _, _ := testFixtureManager(t)

	_, err := m.CreateRequest(context.Background(), &models.FixtureRequest{
		ServiceID:    "svc-none",
		Requester:    models.RequesterWorkflowADC,
		Requirements: map[string]models.Requirement{"fix1": {Class: "NoSuchClass"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, axerror.ErrResourceNotFound)

	_, err = m.CreateRequest(context.Background(), &models.FixtureRequest{
		ServiceID: "svc-empty",
		Requester: models.RequesterWorkflowADC,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, axerror.ErrInvalidParam)

	_, err = m.CreateRequest(context.Background(), &models.FixtureRequest{
		ServiceID: "svc-anon",
		Requester: models.RequesterWorkflowADC,
		VolRequirements: map[string]models.VolumeRequirement{
			"anonvol": {StorageClass: "ssd", SizeGB: 10}, // no user
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, axerror.ErrInvalidParam)
}

func TestNormalizeRequestSchema(t *testing.T) {
	req, err := NormalizeRequest([]byte(`{
		"service_id": "svc-1",
		"requester": "axworkflowadc",
		"requirements": {"fix1": {"class": "Linux"}},
		"assignment": {"fix1": {"id": "sneaky"}}
	}`))
	require.NoError(t, err)
	assert.Nil(t, req.Assignment, "server-assigned fields stripped")

	_, err = NormalizeRequest([]byte(`{"service_id": "svc-1", "requester": "somebody"}`))
	assert.Error(t, err)

	_, err = NormalizeRequest([]byte(`{"requester": "axworkflowadc"}`))
	assert.Error(t, err)

	_, err = NormalizeRequest([]byte(`{
		"service_id": "s", "requester": "axamm",
		"vol_requirements": {"v": {"size_gb": -1}}
	}`))
	assert.Error(t, err)
}

func TestConsistencyReleasesOrphanedWorkflowRequests(t *testing.T) {
	m, store, _ := testFixtureManager(t)

	seedClass(t, m, "Linux", nil, nil)
	seedInstance(t, m, "Linux", "linux-0", nil)

	require.NoError(t, store.CreateWorkflow(context.Background(), &models.Workflow{
		ID: "wf-dead", Status: models.WorkflowSucceed,
	}))

	_, err := m.CreateRequest(context.Background(), &models.FixtureRequest{
		ServiceID:      "svc-wf",
		Requester:      models.RequesterWorkflowADC,
		RootWorkflowID: "wf-dead",
		Requirements:   map[string]models.Requirement{"fix1": {Class: "Linux"}},
	})
	require.NoError(t, err)

	_, err = m.CreateRequest(context.Background(), &models.FixtureRequest{
		ServiceID:       "svc-dep",
		Requester:       models.RequesterAXAMM,
		ApplicationName: "blog",
		DeploymentName:  "wordpress",
		Requirements:    map[string]models.Requirement{"fix1": {Class: "Linux"}},
	})
	require.NoError(t, err)

	require.NoError(t, m.RunConsistencyChecks(context.Background()))

	_, err = store.GetFixtureRequest(context.Background(), "svc-wf")
	assert.ErrorIs(t, err, axdb.ErrNotFound, "workflow request released")

	_, err = store.GetFixtureRequest(context.Background(), "svc-dep")
	assert.NoError(t, err, "deployment request deliberately kept")
}

func boolPtr(b bool) *bool { return &b }
