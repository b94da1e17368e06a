package adc

import (
	"time"

	"github.com/axialops/axplatform/pkg/models"
)

// Config carries the tunables of the admission controller. Defaults mirror
// production; tests shrink the intervals.
type Config struct {
	// ClusterTotal is the admittable aggregate: instance resource times the
	// autoscale ceiling.
	ClusterTotal models.Resource

	// InstanceResource is the per-node capacity left after the system
	// reservation; no single leaf may exceed it.
	InstanceResource models.Resource

	// ExecutorResource is the overhead reserved for the per-workflow
	// executor container on top of the workflow's own aggregate.
	ExecutorResource models.Resource

	// Executor image coordinates.
	ImageRegistry  string
	ImageNamespace string
	ImageVersion   string

	HeartbeatScanInterval time.Duration // supervisor wake period
	HeartbeatStaleAfter   time.Duration // last-seen age that triggers a relaunch
	HeartbeatHardMiss     time.Duration // last-seen age that triggers delete+restart+notify
	// DeletingIdlePolls is how many consecutive stale scans a RUNNING_DEL
	// workflow survives before being forced to DELETED.
	DeletingIdlePolls int

	SweeperInterval time.Duration // category reservation expiry cycle

	// ExceptionBudget limits per-workflow EXCEPTION events before force-fail.
	MaxConsecutiveExceptions int
	MaxTotalExceptions       int

	// KeepFailedContainers leaves a failed executor container in place for
	// debugging instead of deleting it on restart.
	KeepFailedContainers bool
}

func DefaultConfig() Config {
	return Config{
		ClusterTotal:     models.Resource{CPU: 64, MemMiB: 256 * 1024},
		InstanceResource: models.Resource{CPU: 4, MemMiB: 16 * 1024},
		ExecutorResource: models.Resource{CPU: 0.1, MemMiB: 128},

		ImageRegistry:  "docker.io",
		ImageNamespace: "axialops",
		ImageVersion:   "latest",

		HeartbeatScanInterval: 15 * time.Second,
		HeartbeatStaleAfter:   time.Minute,
		HeartbeatHardMiss:     20 * time.Minute,
		DeletingIdlePolls:     3,

		SweeperInterval: 10 * time.Minute,

		MaxConsecutiveExceptions: 20,
		MaxTotalExceptions:       50,
	}
}
