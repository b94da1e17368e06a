package executor

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/axsys"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/redisbus"
	"github.com/axialops/axplatform/pkg/template"
)

func containerTemplate(cpu, mem float64) *template.Template {
	return &template.Template{
		Type:      template.TypeContainer,
		Container: &template.Container{Image: "alpine:3", Resources: template.ContainerResources{CPUCores: cpu, MemMiB: mem}},
	}
}

func buildTestExecutor(t *testing.T, workflowID string, svc *template.Service) (*Executor, axdb.Store, *redisbus.Memory, *axsys.Fake, *fakeReporter, *fakeFVM) {
	t.Helper()

	store := axdb.NewMemory()
	bus := redisbus.NewMemory()
	runtime := axsys.NewFake()
	reporter := &fakeReporter{}
	fvm := newFakeFVM()

	raw, err := json.Marshal(svc)
	require.NoError(t, err)

	err = store.CreateWorkflow(t.Context(), &models.Workflow{
		ID:              workflowID,
		ServiceTemplate: raw,
		Status:          models.WorkflowRunning,
		Timestamp:       models.NowMilli(),
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	cfg.HeartbeatJitter = 0

	ex, err := New(slog.Default(), store, bus, runtime, fvm, reporter, nil, cfg, workflowID)
	require.NoError(t, err)

	return ex, store, bus, runtime, reporter, fvm
}

func TestTreeBuildShapes(t *testing.T) {
	svc := &template.Service{
		ID:   "wf-tree",
		Name: "root",
		Template: &template.Template{
			Type: template.TypeWorkflow,
			Steps: []map[string]*template.Service{
				{"alone": {Template: containerTemplate(1, 256)}},
				{
					"left":  {Template: containerTemplate(1, 256)},
					"right": {Template: containerTemplate(1, 256), AlwaysRun: true},
				},
			},
		},
	}

	ex, _, _, _, _, _ := buildTestExecutor(t, "wf-tree", svc)

	seq, ok := ex.root.(*Sequential)
	require.True(t, ok)
	require.Len(t, seq.Children, 2)

	// a single-member row is used directly
	_, ok = seq.Children[0].(*UserContainer)
	assert.True(t, ok)

	// a multi-member row becomes a synthetic parallel wrapper
	par, ok := seq.Children[1].(*Parallel)
	require.True(t, ok)
	assert.Len(t, par.Children, 2)
	assert.False(t, par.FixtureRow)

	// always_run propagates from any member to the wrapper
	assert.True(t, par.AlwaysRun)

	// synthetic ids are stable across rebuilds
	ex2, _, _, _, _, _ := buildTestExecutor(t, "wf-tree", svc)
	par2 := ex2.root.(*Sequential).Children[1].(*Parallel)
	assert.Equal(t, par.ID, par2.ID)
	assert.Equal(t, par.Children[0].Base().ID, par2.Children[0].Base().ID)
}

func TestTreeBuildVolumesBecomeStaticFixture(t *testing.T) {
	svc := &template.Service{
		ID:   "wf-vol",
		Name: "root",
		Template: &template.Template{
			Type: template.TypeWorkflow,
			Volumes: map[string]template.VolumeClaim{
				"data": {AXRN: "vol:/prod-wordpress-blog"},
			},
			Steps: []map[string]*template.Service{
				{"work": {Template: containerTemplate(1, 256)}},
			},
		},
	}

	ex, _, _, _, _, _ := buildTestExecutor(t, "wf-vol", svc)

	seq := ex.root.(*Sequential)
	require.Len(t, seq.Fixtures, 1)

	sf, ok := seq.Fixtures[0].(*StaticFixture)
	require.True(t, ok)
	require.Contains(t, sf.VolRequirements, "data")
	assert.Equal(t, "vol:/prod-wordpress-blog", sf.VolRequirements["data"].AXRN)
}

func TestTreeBuildVolumesMergeIntoFirstStaticFixture(t *testing.T) {
	svc := &template.Service{
		ID:   "wf-merge",
		Name: "root",
		Template: &template.Template{
			Type: template.TypeWorkflow,
			Fixtures: []map[string]*template.FixtureEntry{
				{"host": {Class: "Linux"}},
			},
			Volumes: map[string]template.VolumeClaim{
				"scratch": {StorageClass: "ssd", SizeGB: 10},
			},
		},
	}

	ex, _, _, _, _, _ := buildTestExecutor(t, "wf-merge", svc)

	seq := ex.root.(*Sequential)
	require.Len(t, seq.Fixtures, 1)

	sf := seq.Fixtures[0].(*StaticFixture)
	assert.Equal(t, "Linux", sf.Requirements["host"].Class)
	require.Contains(t, sf.VolRequirements, "scratch")
	assert.InDelta(t, 10.0, sf.VolRequirements["scratch"].SizeGB, 0.001)
}

func TestTreeBuildDynamicFixtureIsAlwaysRunContainer(t *testing.T) {
	svc := &template.Service{
		ID:   "wf-dyn",
		Name: "root",
		Template: &template.Template{
			Type: template.TypeWorkflow,
			Fixtures: []map[string]*template.FixtureEntry{
				{"db": {Template: containerTemplate(1, 512)}},
			},
			Steps: []map[string]*template.Service{
				{"work": {Template: containerTemplate(1, 256)}},
			},
		},
	}

	ex, _, _, _, _, _ := buildTestExecutor(t, "wf-dyn", svc)

	seq := ex.root.(*Sequential)
	require.Len(t, seq.Fixtures, 1)

	uc, ok := seq.Fixtures[0].(*UserContainer)
	require.True(t, ok)
	assert.True(t, uc.Fixture)
	assert.True(t, uc.AlwaysRun)
}

func TestTreeBuildRejectsUnknownType(t *testing.T) {
	svc := &template.Service{ID: "wf-bad", Template: &template.Template{Type: "mystery"}}

	store := axdb.NewMemory()
	raw, _ := json.Marshal(svc)
	require.NoError(t, store.CreateWorkflow(t.Context(), &models.Workflow{
		ID: "wf-bad", ServiceTemplate: raw, Status: models.WorkflowRunning, Timestamp: models.NowMilli(),
	}))

	_, err := New(slog.Default(), store, redisbus.NewMemory(), axsys.NewFake(), newFakeFVM(), &fakeReporter{}, nil, DefaultConfig(), "wf-bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown template type")
}
