package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkflowTransitionLegality(t *testing.T) {
	legal := [][2]WorkflowStatus{
		{WorkflowSuspended, WorkflowAdmitted},
		{WorkflowSuspended, WorkflowDeleted},
		{WorkflowAdmitted, WorkflowRunning},
		{WorkflowAdmitted, WorkflowAdmittedDel},
		{WorkflowAdmittedDel, WorkflowRunningDel},
		{WorkflowRunning, WorkflowRunningDel},
		{WorkflowRunningDel, WorkflowRunningDelForce},
		{WorkflowRunningDel, WorkflowDeleted},
		{WorkflowRunningDelForce, WorkflowDeleted},
		{WorkflowRunning, WorkflowSucceed},
		{WorkflowRunning, WorkflowFailed},
		{WorkflowRunning, WorkflowForcedFailed},
	}

	for _, pair := range legal {
		assert.True(t, LegalWorkflowTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	illegal := [][2]WorkflowStatus{
		{WorkflowSuspended, WorkflowRunning},
		{WorkflowDeleted, WorkflowRunning},
		{WorkflowSucceed, WorkflowFailed},
		{WorkflowRunningDelForce, WorkflowRunning},
		{WorkflowAdmitted, WorkflowSucceed},
	}

	for _, pair := range illegal {
		assert.False(t, LegalWorkflowTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
}

func TestReferrersAddRemove(t *testing.T) {
	var rs Referrers

	assert.True(t, rs.Add(Referrer{ServiceID: "svc-1", Requester: RequesterWorkflowADC}))
	assert.False(t, rs.Add(Referrer{ServiceID: "svc-1"}), "duplicate service id must not be added")
	assert.True(t, rs.Add(Referrer{ServiceID: "svc-2"}))

	assert.True(t, rs.Has("svc-1"))
	assert.Equal(t, []string{"svc-1", "svc-2"}, rs.ServiceIDs())

	assert.True(t, rs.Remove("svc-1"))
	assert.False(t, rs.Remove("svc-1"))
	assert.Equal(t, []string{"svc-2"}, rs.ServiceIDs())
}

func TestInstanceReservable(t *testing.T) {
	inst := &FixtureInstance{
		Enabled:     true,
		Status:      InstanceActive,
		Concurrency: 1,
	}

	assert.True(t, inst.Reservable("svc-1"))

	inst.Referrers.Add(Referrer{ServiceID: "svc-1"})
	assert.True(t, inst.Reservable("svc-1"), "existing referrer keeps its slot")
	assert.False(t, inst.Reservable("svc-2"), "concurrency exhausted")

	inst.Concurrency = 0
	assert.True(t, inst.Reservable("svc-2"), "concurrency 0 means unbounded")

	inst.Enabled = false
	assert.False(t, inst.Reservable("svc-2"))

	inst.Enabled = true
	inst.Status = InstanceOperating
	assert.False(t, inst.Reservable("svc-2"))
}

func TestAXRNHelpers(t *testing.T) {
	assert.Equal(t, "vol:/prod-wordpress-blog", NamedAXRN("prod-wordpress-blog"))

	anon := AnonymousWorkflowAXRN("wf-1", "step-2", "scratch")
	assert.Equal(t, "vol:/anonymous/root_workflow_id:wf-1/service_id:step-2/scratch", anon)
	assert.True(t, IsAnonymousAXRN(anon))
	assert.False(t, IsAnonymousAXRN(NamedAXRN("data")))

	dep := AnonymousDeploymentAXRN("shop", "web", "cache")
	assert.Equal(t, "vol:/anonymous/application:shop/deployment:web/cache", dep)

	marked := DeletingAXRN(anon, 1700000000000)
	assert.True(t, MarkedDeleting(marked))
	assert.False(t, MarkedDeleting(anon))
}

func TestVolumeReservable(t *testing.T) {
	vol := &Volume{
		AXRN:        NamedAXRN("data"),
		Enabled:     true,
		Status:      VolumeActive,
		Concurrency: 1,
	}

	assert.True(t, vol.Reservable("svc-1"))

	vol.Status = VolumeCreating
	assert.False(t, vol.Reservable("svc-1"), "named volume must be ACTIVE")

	anon := &Volume{
		AXRN:        AnonymousWorkflowAXRN("wf", "svc-1", "v"),
		Anonymous:   true,
		Enabled:     true,
		Status:      VolumeCreating,
		Concurrency: 1,
	}
	assert.True(t, anon.Reservable("svc-1"), "anonymous volume reservable before ACTIVE")

	anon.AXRN = DeletingAXRN(anon.AXRN, 1)
	assert.False(t, anon.Reservable("svc-1"))
}

func TestRequestAnonymousAXRN(t *testing.T) {
	wf := &FixtureRequest{
		ServiceID:      "step-1",
		Requester:      RequesterWorkflowADC,
		RootWorkflowID: "wf-9",
	}
	assert.Equal(t, AnonymousWorkflowAXRN("wf-9", "step-1", "v"), wf.AnonymousAXRN("v"))

	dep := &FixtureRequest{
		ServiceID:       "dep-1",
		Requester:       RequesterAXAMM,
		ApplicationName: "shop",
		DeploymentName:  "web",
	}
	assert.Equal(t, AnonymousDeploymentAXRN("shop", "web", "v"), dep.AnonymousAXRN("v"))
}

func TestResourceArithmetic(t *testing.T) {
	a := Resource{CPU: 2, MemMiB: 1024}
	b := Resource{CPU: 1, MemMiB: 2048}

	assert.Equal(t, Resource{CPU: 3, MemMiB: 3072}, a.Add(b))
	assert.Equal(t, Resource{CPU: 2, MemMiB: 2048}, a.Max(b))
	assert.False(t, a.Fits(b))
	assert.True(t, b.Sub(b).IsZero())
}
