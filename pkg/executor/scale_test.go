package executor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axialops/axplatform/pkg/template"
)

func scaleConfig() Config {
	cfg := DefaultConfig()
	cfg.InstanceCapacity = Capacity{CPU: 4, MemMiB: 16384, DiskGB: 100}
	cfg.SystemReservation.CPU = 0.5
	cfg.Sidecar.CPU = 0.1
	cfg.MinResourceScale = 0.1

	return cfg
}

func TestScaleCPUTracksCPUFraction(t *testing.T) {
	// half the instance's cpu maps to half the schedulable share minus
	// the sidecar: (4-0.5)*0.5 - 0.1
	assert.InDelta(t, 1.65, scaleCPU(2, 0, scaleConfig()), 0.0001)
}

func TestScaleCPUTracksDiskWhenLarger(t *testing.T) {
	// 50 of 100 GB claims half the instance even though cpu asks for
	// almost nothing
	assert.InDelta(t, 1.65, scaleCPU(0.1, 50, scaleConfig()), 0.0001)
}

func TestScaleCPUClampsToRequestFraction(t *testing.T) {
	// a tiny request scales below zero; the floor is the configured
	// fraction of the request, then the absolute minimum
	got := scaleCPU(0.2, 0, scaleConfig())
	assert.InDelta(t, 0.075, got, 0.0001) // (3.5*0.05)-0.1 = 0.075 > 0.2*0.1

	got = scaleCPU(0.005, 0, scaleConfig())
	assert.InDelta(t, minimumCPU, got, 0.0001)
}

func TestScaleLeafMemoryUnscaled(t *testing.T) {
	granted, _, _ := scaleLeaf(template.ContainerResources{CPUCores: 2, MemMiB: 512}, nil, scaleConfig())
	assert.InDelta(t, 512.0, granted.MemMiB, 0.0001)
}

func TestScaleLeafRewritesDockerSpecLabel(t *testing.T) {
	labels := map[string]string{
		template.LabelDockerSpec: `{"cpu_cores":2,"mem_mib":256}`,
	}

	_, sidecar, out := scaleLeaf(template.ContainerResources{CPUCores: 1, MemMiB: 512}, labels, scaleConfig())

	var dind template.ContainerResources
	require.NoError(t, json.Unmarshal([]byte(out[template.LabelDockerSpec]), &dind))

	// the dind request was scaled by the same formula and persisted back
	assert.InDelta(t, 1.65, dind.CPUCores, 0.0001)
	assert.InDelta(t, scaleConfig().Sidecar.CPU+1.65, sidecar.CPU, 0.0001)
	assert.InDelta(t, scaleConfig().Sidecar.MemMiB+256, sidecar.MemMiB, 0.0001)

	// the caller's map is untouched
	assert.JSONEq(t, `{"cpu_cores":2,"mem_mib":256}`, labels[template.LabelDockerSpec])
}
