package executor

import (
	"time"

	"github.com/axialops/axplatform/pkg/models"
)

// Capacity is the shape of one substrate instance as the executor sees it.
type Capacity struct {
	CPU    float64
	MemMiB float64
	DiskGB float64
}

// Config carries the per-process knobs of one executor.
type Config struct {
	// InstanceCapacity and SystemReservation feed the leaf cpu scaling
	// formula. Sidecar is the per-container monitor overhead.
	InstanceCapacity  Capacity
	SystemReservation models.Resource
	Sidecar           models.Resource

	// MinResourceScale bounds how far scaling may shrink a requested cpu.
	MinResourceScale float64

	// PollTimeout bounds each blocking pop so container status gets
	// re-checked even when nothing is pushed.
	PollTimeout time.Duration

	// HeartbeatInterval plus a jitter in [0, HeartbeatJitter) paces the
	// admission-controller heartbeat.
	HeartbeatInterval time.Duration
	HeartbeatJitter   time.Duration

	// ImagePullStall fails a leaf whose image pull never completes.
	ImagePullStall time.Duration

	// MissingContainerRetries is how many times a leaf that was once seen
	// running may be observed gone before it is declared lost.
	MissingContainerRetries int

	// KeepFailedContainers leaves failed containers in place for debugging
	// instead of deleting them.
	KeepFailedContainers bool
}

func DefaultConfig() Config {
	return Config{
		InstanceCapacity:  Capacity{CPU: 4, MemMiB: 16384, DiskGB: 100},
		SystemReservation: models.Resource{CPU: 0.5, MemMiB: 1024},
		Sidecar:           models.Resource{CPU: 0.1, MemMiB: 64},

		MinResourceScale: 0.1,

		PollTimeout:       30 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		HeartbeatJitter:   10 * time.Second,
		ImagePullStall:    5 * time.Minute,

		MissingContainerRetries: 3,
	}
}
