package executor

import (
	"encoding/json"
	"maps"

	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/template"
)

// minimumCPU is the floor below which the substrate refuses a container.
const minimumCPU = 0.001

// scaleCPU maps a requested (cpu, disk) onto the schedulable share of one
// instance. The granted cpu tracks whichever of cpu or disk claims the larger
// fraction of the instance, minus the sidecar overhead; it never drops below
// the configured fraction of the request. Memory is never scaled.
func scaleCPU(cpu, diskGB float64, cfg Config) float64 {
	capacity := cfg.InstanceCapacity

	ratio := 0.0
	if capacity.CPU > 0 {
		ratio = cpu / capacity.CPU
	}

	if capacity.DiskGB > 0 && diskGB/capacity.DiskGB > ratio {
		ratio = diskGB / capacity.DiskGB
	}

	scaled := (capacity.CPU-cfg.SystemReservation.CPU)*ratio - cfg.Sidecar.CPU

	if floor := cpu * cfg.MinResourceScale; scaled < floor {
		scaled = floor
	}

	if scaled < minimumCPU {
		scaled = minimumCPU
	}

	return scaled
}

// scaleLeaf computes the container's granted resource, the total sidecar
// overhead, and the (possibly rewritten) labels. A docker-in-docker sidecar
// declared in the docker.spec label is scaled by the same formula and the
// updated value is written back into the label so the container sees what it
// was actually granted.
func scaleLeaf(req template.ContainerResources, labels map[string]string, cfg Config) (models.Resource, models.Resource, map[string]string) {
	granted := models.Resource{
		CPU:    scaleCPU(req.CPUCores, req.DiskGB, cfg),
		MemMiB: req.MemMiB,
	}

	sidecar := cfg.Sidecar

	spec, ok := labels[template.LabelDockerSpec]
	if !ok {
		return granted, sidecar, labels
	}

	var dind template.ContainerResources

	if json.Unmarshal([]byte(spec), &dind) != nil {
		return granted, sidecar, labels
	}

	dind.CPUCores = scaleCPU(dind.CPUCores, dind.DiskGB, cfg)
	sidecar = sidecar.Add(models.Resource{CPU: dind.CPUCores, MemMiB: dind.MemMiB})

	out := maps.Clone(labels)

	updated, err := json.Marshal(dind)
	if err == nil {
		out[template.LabelDockerSpec] = string(updated)
	}

	return granted, sidecar, out
}
