package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axialops/axplatform/pkg/axsys"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/redisbus"
	"github.com/axialops/axplatform/pkg/template"
)

type fakeReporter struct {
	mu         sync.Mutex
	heartbeats []models.Resource
	done       []models.WorkflowStatus
	infos      [][]NodeInfo
}

func (r *fakeReporter) Heartbeat(_ context.Context, _ string, resource models.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats = append(r.heartbeats, resource)

	return nil
}

func (r *fakeReporter) ReportDone(_ context.Context, _ string, last models.WorkflowStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, last)

	return nil
}

func (r *fakeReporter) ReportWorkflowInfo(_ context.Context, _ string, nodes []NodeInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, nodes)

	return nil
}

func (r *fakeReporter) doneStatuses() []models.WorkflowStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]models.WorkflowStatus(nil), r.done...)
}

type fakeFVM struct {
	mu sync.Mutex

	// AssignOnCreate makes CreateRequest return an assigned request, the
	// way the fixture manager answers when inventory is free.
	AssignOnCreate bool

	created []*models.FixtureRequest
	deleted []string
}

func newFakeFVM() *fakeFVM {
	return &fakeFVM{AssignOnCreate: true}
}

func (f *fakeFVM) CreateRequest(_ context.Context, req *models.FixtureRequest) (*models.FixtureRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := *req
	f.created = append(f.created, &out)

	if f.AssignOnCreate {
		out.Assignment = map[string]map[string]any{}
		for name := range req.Requirements {
			out.Assignment[name] = map[string]any{"id": "fix-" + name}
		}

		out.VolAssignment = map[string]map[string]any{}
		for name, vr := range req.VolRequirements {
			axrn := vr.AXRN
			if axrn == "" {
				axrn = "vol:/anonymous/" + name
			}

			out.VolAssignment[name] = map[string]any{"axrn": axrn}
		}

		out.AssignmentTime = models.NowMilli()
	}

	return &out, nil
}

func (f *fakeFVM) DeleteRequest(_ context.Context, serviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, serviceID)

	return nil
}

func (f *fakeFVM) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.deleted...)
}

func nodeState(ex *Executor, id string) NodeState {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	n, ok := ex.nodes[id]
	if !ok {
		return ""
	}

	return n.Base().State
}

func startRun(t *testing.T, ex *Executor) chan models.WorkflowStatus {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	out := make(chan models.WorkflowStatus, 1)

	go func() {
		last, err := ex.Run(ctx)
		if err == nil {
			out <- last
		}

		close(out)
	}()

	return out
}

func runContainer(t *testing.T, ex *Executor, nodeID string) {
	t.Helper()

	name := "axuser-" + nodeID
	fake := ex.runtime.(*axsys.Fake)

	require.Eventually(t, func() bool { return fake.HasService(name) },
		5*time.Second, 5*time.Millisecond, "container %s never submitted", name)

	fake.SetContainerStatus(name, &axsys.ContainerStatus{State: axsys.ContainerRunning})

	require.Eventually(t, func() bool { return nodeState(ex, nodeID) == NodeLaunched },
		5*time.Second, 5*time.Millisecond, "node %s never launched", nodeID)
}

func finishContainer(t *testing.T, ex *Executor, nodeID string, rc int) {
	t.Helper()

	result := containerResult{ReturnCode: &rc}
	require.NoError(t, ex.bus.SetJSON(context.Background(), redisbus.ResultKey(ex.workflowID, nodeID, 1), result, 0))
	require.NoError(t, ex.bus.PushList(context.Background(), redisbus.ResultListKey(nodeID), "done"))
}

func waitDone(t *testing.T, done chan models.WorkflowStatus) models.WorkflowStatus {
	t.Helper()

	select {
	case last := <-done:
		return last
	case <-time.After(10 * time.Second):
		t.Fatal("workflow never finished")

		return ""
	}
}

func TestSequentialStepsRunInOrder(t *testing.T) {
	svc := &template.Service{
		ID:   "wf-seq",
		Name: "root",
		Template: &template.Template{
			Type: template.TypeWorkflow,
			Steps: []map[string]*template.Service{
				{"first": {ID: "leaf-1", Template: containerTemplate(1, 256)}},
				{"second": {ID: "leaf-2", Template: containerTemplate(1, 256)}},
			},
		},
	}

	ex, store, _, fake, reporter, _ := buildTestExecutor(t, "wf-seq", svc)
	done := startRun(t, ex)

	runContainer(t, ex, "leaf-1")

	// the second step must not start while the first is live
	assert.False(t, fake.HasService("axuser-leaf-2"))

	finishContainer(t, ex, "leaf-1", 0)

	runContainer(t, ex, "leaf-2")
	finishContainer(t, ex, "leaf-2", 0)

	last := waitDone(t, done)
	assert.Equal(t, models.WorkflowSucceed, last)
	assert.Equal(t, []models.WorkflowStatus{models.WorkflowSucceed}, reporter.doneStatuses())

	// persisted results form a strictly increasing, gapless sn sequence
	results, err := store.ListNodeResults(t.Context(), "wf-seq")
	require.NoError(t, err)
	require.Len(t, results, 4)

	for i, r := range results {
		assert.Equal(t, int64(i+1), r.SN)
	}
}

func TestStepFailureSkipsRemainingButRunsAlwaysRun(t *testing.T) {
	svc := &template.Service{
		ID:   "wf-fail",
		Name: "root",
		Template: &template.Template{
			Type: template.TypeWorkflow,
			Steps: []map[string]*template.Service{
				{"breaks": {ID: "leaf-bad", Template: containerTemplate(1, 256)}},
				{"skipped": {ID: "leaf-skipped", Template: containerTemplate(1, 256)}},
				{"cleanup": {ID: "leaf-cleanup", Template: containerTemplate(1, 256), AlwaysRun: true}},
			},
		},
	}

	ex, _, _, fake, _, _ := buildTestExecutor(t, "wf-fail", svc)
	done := startRun(t, ex)

	runContainer(t, ex, "leaf-bad")
	finishContainer(t, ex, "leaf-bad", 1)

	// the always_run step still executes
	runContainer(t, ex, "leaf-cleanup")
	finishContainer(t, ex, "leaf-cleanup", 0)

	last := waitDone(t, done)
	assert.Equal(t, models.WorkflowFailed, last)

	assert.Equal(t, NodeFailed, nodeState(ex, "leaf-bad"))
	assert.Equal(t, NodeSucceed, nodeState(ex, "leaf-cleanup"))

	// the middle step was never started
	assert.False(t, fake.HasService("axuser-leaf-skipped"))
	assert.True(t, ex.nodes["leaf-skipped"].Base().Skipped)

	bad := ex.nodes["leaf-bad"].Base()
	require.NotNil(t, bad.LastResult)
	assert.Equal(t, ReasonNonZeroReturn, bad.LastResult.Detail["failure_reason"])
}

func TestIgnoreErrorAdvancesPastFailure(t *testing.T) {
	svc := &template.Service{
		ID:   "wf-ignore",
		Name: "root",
		Template: &template.Template{
			Type: template.TypeWorkflow,
			Steps: []map[string]*template.Service{
				{"flaky": {ID: "leaf-flaky", IgnoreError: true, Template: containerTemplate(1, 256)}},
				{"next": {ID: "leaf-next", Template: containerTemplate(1, 256)}},
			},
		},
	}

	ex, _, _, _, _, _ := buildTestExecutor(t, "wf-ignore", svc)
	done := startRun(t, ex)

	runContainer(t, ex, "leaf-flaky")
	finishContainer(t, ex, "leaf-flaky", 1)

	runContainer(t, ex, "leaf-next")
	finishContainer(t, ex, "leaf-next", 0)

	last := waitDone(t, done)
	assert.Equal(t, models.WorkflowSucceed, last)
}

func TestParallelRowWaitsForAllMembers(t *testing.T) {
	svc := &template.Service{
		ID:   "wf-par",
		Name: "root",
		Template: &template.Template{
			Type: template.TypeWorkflow,
			Steps: []map[string]*template.Service{
				{
					"left":  {ID: "leaf-left", Template: containerTemplate(1, 256)},
					"right": {ID: "leaf-right", Template: containerTemplate(1, 256)},
				},
			},
		},
	}

	ex, _, _, fake, _, _ := buildTestExecutor(t, "wf-par", svc)
	done := startRun(t, ex)

	// both members launch together
	require.Eventually(t, func() bool {
		return fake.HasService("axuser-leaf-left") && fake.HasService("axuser-leaf-right")
	}, 5*time.Second, 5*time.Millisecond)

	runContainer(t, ex, "leaf-left")
	runContainer(t, ex, "leaf-right")

	finishContainer(t, ex, "leaf-left", 0)

	// one member finishing does not finish the row
	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("workflow finished with a member still running")
	default:
	}

	finishContainer(t, ex, "leaf-right", 0)

	last := waitDone(t, done)
	assert.Equal(t, models.WorkflowSucceed, last)
}

func TestStaticFixtureReservedThenReleased(t *testing.T) {
	svc := &template.Service{
		ID:   "wf-fix",
		Name: "root",
		Template: &template.Template{
			Type: template.TypeWorkflow,
			Fixtures: []map[string]*template.FixtureEntry{
				{"host": {Class: "Linux"}},
			},
			Steps: []map[string]*template.Service{
				{"work": {ID: "leaf-work", Template: containerTemplate(1, 256)}},
			},
		},
	}

	ex, _, _, fake, _, fvm := buildTestExecutor(t, "wf-fix", svc)

	fixtureID := ex.root.(*Sequential).Fixtures[0].Base().ID

	done := startRun(t, ex)

	// the step waits for the fixture assignment
	require.Eventually(t, func() bool { return nodeState(ex, fixtureID) == NodeLaunched },
		5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return fake.HasService("axuser-leaf-work") },
		5*time.Second, 5*time.Millisecond)

	runContainer(t, ex, "leaf-work")
	finishContainer(t, ex, "leaf-work", 0)

	last := waitDone(t, done)
	assert.Equal(t, models.WorkflowSucceed, last)

	// teardown released the reservation
	assert.Contains(t, fvm.deletedIDs(), fixtureID)
	assert.Equal(t, NodeSucceed, nodeState(ex, fixtureID))

	launched := ex.nodes[fixtureID].Base()
	require.NotNil(t, launched.LastResult)
	assert.Equal(t, ReasonFixtureTerminated, launched.LastResult.Detail["failure_reason"])
}

func TestWorkflowDeleteInterruptsRunningLeaf(t *testing.T) {
	svc := &template.Service{
		ID:   "wf-del",
		Name: "root",
		Template: &template.Template{
			Type: template.TypeWorkflow,
			Steps: []map[string]*template.Service{
				{"work": {ID: "leaf-work", Template: containerTemplate(1, 256)}},
			},
		},
	}

	ex, store, bus, _, _, _ := buildTestExecutor(t, "wf-del", svc)
	done := startRun(t, ex)

	runContainer(t, ex, "leaf-work")

	require.NoError(t, store.UpdateWorkflowStatus(t.Context(), "wf-del", models.WorkflowRunning, models.WorkflowRunningDel))
	require.NoError(t, bus.PushList(t.Context(), redisbus.DeleteListKey("wf-del"), `{"reason":"user"}`))

	last := waitDone(t, done)
	assert.Equal(t, models.WorkflowFailed, last)
	assert.Equal(t, NodeInterrupted, nodeState(ex, "leaf-work"))
}

func TestAgentLaunchReportAcknowledged(t *testing.T) {
	svc := &template.Service{
		ID:   "wf-launch",
		Name: "root",
		Template: &template.Template{
			Type: template.TypeWorkflow,
			Steps: []map[string]*template.Service{
				{"work": {ID: "leaf-work", Template: containerTemplate(1, 256)}},
			},
		},
	}

	ex, _, bus, fake, _, _ := buildTestExecutor(t, "wf-launch", svc)
	done := startRun(t, ex)

	require.Eventually(t, func() bool { return fake.HasService("axuser-leaf-work") },
		5*time.Second, 5*time.Millisecond)

	// the agent reports in before the status poller sees the container
	require.NoError(t, bus.SetJSON(t.Context(), redisbus.LaunchKey("leaf-work"), map[string]any{"pid": 1}, 0))
	require.NoError(t, bus.PushList(t.Context(), redisbus.LaunchListKey("leaf-work"), "up"))

	require.Eventually(t, func() bool { return nodeState(ex, "leaf-work") == NodeLaunched },
		5*time.Second, 5*time.Millisecond)

	// the ack pair releases the agent
	require.Eventually(t, func() bool {
		ok, err := bus.HasKey(t.Context(), redisbus.LaunchAckKey("leaf-work"))

		return err == nil && ok
	}, 5*time.Second, 5*time.Millisecond)

	n, err := bus.ListLen(t.Context(), redisbus.LaunchAckListKey("leaf-work"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	finishContainer(t, ex, "leaf-work", 0)

	last := waitDone(t, done)
	assert.Equal(t, models.WorkflowSucceed, last)
}

func TestWorkflowDeleteSparesLaunchedFixture(t *testing.T) {
	svc := &template.Service{
		ID:   "wf-del-fixture",
		Name: "root",
		Template: &template.Template{
			Type: template.TypeWorkflow,
			Fixtures: []map[string]*template.FixtureEntry{
				{"db": {Template: containerTemplate(1, 512)}},
			},
			Steps: []map[string]*template.Service{
				{"work": {ID: "leaf-work", Template: containerTemplate(1, 256)}},
			},
		},
	}

	ex, store, bus, fake, _, _ := buildTestExecutor(t, "wf-del-fixture", svc)

	fixtureID := ex.root.(*Sequential).Fixtures[0].Base().ID

	done := startRun(t, ex)

	runContainer(t, ex, fixtureID)
	runContainer(t, ex, "leaf-work")

	require.NoError(t, store.UpdateWorkflowStatus(t.Context(), "wf-del-fixture", models.WorkflowRunning, models.WorkflowRunningDel))
	require.NoError(t, bus.PushList(t.Context(), redisbus.DeleteListKey("wf-del-fixture"), `{"reason":"user"}`))

	// the step is interrupted; the running fixture is only torn down by the
	// enclosing node afterwards
	require.Eventually(t, func() bool { return nodeState(ex, "leaf-work") == NodeInterrupted },
		5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !fake.HasService("axuser-" + fixtureID) },
		5*time.Second, 5*time.Millisecond)

	finishContainer(t, ex, fixtureID, 137)

	last := waitDone(t, done)
	assert.Equal(t, models.WorkflowFailed, last)
	assert.Equal(t, NodeSucceed, nodeState(ex, fixtureID))

	fix := ex.nodes[fixtureID].Base()
	require.NotNil(t, fix.LastResult)
	assert.Equal(t, ReasonFixtureTerminated, fix.LastResult.Detail["failure_reason"])
}

func TestWorkflowDeleteInterruptsUnlaunchedFixture(t *testing.T) {
	svc := &template.Service{
		ID:   "wf-del-pending",
		Name: "root",
		Template: &template.Template{
			Type: template.TypeWorkflow,
			Fixtures: []map[string]*template.FixtureEntry{
				{"db": {Template: containerTemplate(1, 512)}},
			},
			Steps: []map[string]*template.Service{
				{"work": {ID: "leaf-work", Template: containerTemplate(1, 256)}},
			},
		},
	}

	ex, store, bus, fake, _, _ := buildTestExecutor(t, "wf-del-pending", svc)

	fixtureID := ex.root.(*Sequential).Fixtures[0].Base().ID

	done := startRun(t, ex)

	// the fixture container is submitted but never observed running
	require.Eventually(t, func() bool { return fake.HasService("axuser-" + fixtureID) },
		5*time.Second, 5*time.Millisecond)

	require.NoError(t, store.UpdateWorkflowStatus(t.Context(), "wf-del-pending", models.WorkflowRunning, models.WorkflowRunningDel))
	require.NoError(t, bus.PushList(t.Context(), redisbus.DeleteListKey("wf-del-pending"), `{"reason":"user"}`))

	last := waitDone(t, done)
	assert.Equal(t, models.WorkflowFailed, last)
	assert.Equal(t, NodeInterrupted, nodeState(ex, fixtureID))
	assert.False(t, fake.HasService("axuser-leaf-work"))
}

func TestRecoveryReplaysAndContinues(t *testing.T) {
	svc := &template.Service{
		ID:   "wf-recover",
		Name: "root",
		Template: &template.Template{
			Type: template.TypeWorkflow,
			Steps: []map[string]*template.Service{
				{"first": {ID: "leaf-1", Template: containerTemplate(1, 256)}},
				{"second": {ID: "leaf-2", Template: containerTemplate(1, 256)}},
			},
		},
	}

	ex, store, _, fake, _, _ := buildTestExecutor(t, "wf-recover", svc)

	// the previous incarnation got the first leaf through LAUNCHED and
	// SUCCEED before dying
	for sn, code := range []models.NodeResultCode{models.ResultLaunched, models.ResultSucceed} {
		require.NoError(t, store.InsertNodeResult(t.Context(), &models.NodeResult{
			RootID: "wf-recover", NodeID: "leaf-1", SN: int64(sn + 1), Code: code, Timestamp: models.NowMilli(),
		}))
	}

	done := startRun(t, ex)

	// replay settled the first leaf without touching the substrate
	require.Eventually(t, func() bool { return nodeState(ex, "leaf-1") == NodeSucceed },
		5*time.Second, 5*time.Millisecond)
	assert.False(t, fake.HasService("axuser-leaf-1"))

	// the second leaf resumed supervision and runs for real
	runContainer(t, ex, "leaf-2")
	finishContainer(t, ex, "leaf-2", 0)

	last := waitDone(t, done)
	assert.Equal(t, models.WorkflowSucceed, last)

	// the first post-recovery result continues the sn sequence
	results, err := store.ListNodeResults(t.Context(), "wf-recover")
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, int64(3), results[2].SN)
	assert.Equal(t, "leaf-2", results[2].NodeID)
}

func TestRecoveryRejectsSNGap(t *testing.T) {
	svc := &template.Service{
		ID:   "wf-gap",
		Name: "root",
		Template: &template.Template{
			Type: template.TypeWorkflow,
			Steps: []map[string]*template.Service{
				{"first": {ID: "leaf-1", Template: containerTemplate(1, 256)}},
			},
		},
	}

	ex, store, _, _, _, _ := buildTestExecutor(t, "wf-gap", svc)

	require.NoError(t, store.InsertNodeResult(t.Context(), &models.NodeResult{
		RootID: "wf-gap", NodeID: "leaf-1", SN: 2, Code: models.ResultLaunched, Timestamp: models.NowMilli(),
	}))

	_, err := ex.Run(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of order")
}

func TestMaxResourceShrinksAsStepsFinish(t *testing.T) {
	svc := &template.Service{
		ID:   "wf-res",
		Name: "root",
		Template: &template.Template{
			Type: template.TypeWorkflow,
			Steps: []map[string]*template.Service{
				{"big": {ID: "leaf-big", Template: containerTemplate(2, 2048)}},
				{"small": {ID: "leaf-small", Template: containerTemplate(1, 256)}},
			},
		},
	}

	ex, _, _, _, _, _ := buildTestExecutor(t, "wf-res", svc)
	done := startRun(t, ex)

	before := ex.liveResource()

	runContainer(t, ex, "leaf-big")
	finishContainer(t, ex, "leaf-big", 0)

	require.Eventually(t, func() bool { return nodeState(ex, "leaf-big") == NodeSucceed },
		5*time.Second, 5*time.Millisecond)

	after := ex.liveResource()
	assert.Less(t, after.MemMiB, before.MemMiB)

	runContainer(t, ex, "leaf-small")
	finishContainer(t, ex, "leaf-small", 0)
	waitDone(t, done)
}

func TestQuerySnapshotReportsAllNodes(t *testing.T) {
	svc := &template.Service{
		ID:   "wf-query",
		Name: "root",
		Template: &template.Template{
			Type: template.TypeWorkflow,
			Steps: []map[string]*template.Service{
				{"work": {ID: "leaf-work", Template: containerTemplate(1, 256)}},
			},
		},
	}

	ex, _, bus, _, reporter, _ := buildTestExecutor(t, "wf-query", svc)
	done := startRun(t, ex)

	runContainer(t, ex, "leaf-work")

	require.NoError(t, bus.PushList(t.Context(), redisbus.QueryListKey("wf-query"), "{}"))

	require.Eventually(t, func() bool {
		reporter.mu.Lock()
		defer reporter.mu.Unlock()

		return len(reporter.infos) > 0
	}, 5*time.Second, 5*time.Millisecond)

	reporter.mu.Lock()
	info := reporter.infos[0]
	reporter.mu.Unlock()

	require.Len(t, info, 2)
	assert.Equal(t, "wf-query", info[0].ID)

	finishContainer(t, ex, "leaf-work", 0)
	waitDone(t, done)
}
