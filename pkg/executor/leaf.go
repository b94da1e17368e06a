package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/axialops/axplatform/pkg/axsys"
	"github.com/axialops/axplatform/pkg/events"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/redisbus"
	"github.com/axialops/axplatform/pkg/template"
)

// containerResult is what the in-container agent reports through the result
// key/list channel.
type containerResult struct {
	ReturnCode *int   `json:"return_code,omitempty"`
	Event      string `json:"event,omitempty"`
	OOMKilled  bool   `json:"oom_killed,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

const (
	eventLoadingArtifacts = "LOADING_ARTIFACTS"
	eventSavingArtifacts  = "SAVING_ARTIFACTS"
)

// UserContainer is a container-type leaf: one substrate container supervised
// by a dedicated goroutine.
type UserContainer struct {
	NodeBase

	Container *template.Container
	Labels    map[string]string

	// Fixture marks a dynamic fixture: the container runs until the
	// enclosing node terminates it, and a 137 after termination is success.
	Fixture bool

	Scaled   models.Resource
	SidecarR models.Resource

	launched   atomic.Bool
	terminated atomic.Bool
}

func (c *UserContainer) serviceName() string {
	return "axuser-" + c.ID
}

func (c *UserContainer) Start(ctx context.Context) {
	c.setState(NodeExpecting, nil)
	c.exec.publishNode(ctx, c, events.NodeWaiting, nil)

	if c.exec.recovering {
		return
	}

	go c.supervise(ctx, false)
}

// resume re-spawns supervision after a recovery replay left the leaf live.
// A leaf already LAUNCHED has been observed running by the previous
// incarnation, so a missing container now counts against the lost budget.
func (c *UserContainer) resume(ctx context.Context) {
	go c.supervise(context.WithoutCancel(ctx), c.State == NodeLaunched)
}

// Terminate asks the supervision loop to tear the container down; the loop
// reports the terminal result once the substrate confirms.
func (c *UserContainer) Terminate(ctx context.Context) {
	if !c.terminated.CompareAndSwap(false, true) {
		return
	}

	go func() {
		err := c.exec.bus.PushList(context.WithoutCancel(ctx),
			redisbus.FixtureTerminationListKey(c.ID), map[string]any{"node_id": c.ID})
		if err != nil {
			c.exec.logger.Error("Failed to push termination signal", "node_id", c.ID, "error", err)
		}
	}()
}

func (c *UserContainer) ProcessResult(ctx context.Context, r *Result) {
	switch r.Code {
	case models.ResultLaunched:
		c.setState(NodeLaunched, r)
		c.exec.publishNode(ctx, c, events.NodeRunning, r.Detail)
	case models.ResultSucceed:
		c.setState(NodeSucceed, r)
		c.exec.publishNode(ctx, c, events.NodeSucceed, r.Detail)
	case models.ResultInterrupted:
		c.setState(NodeInterrupted, r)
		c.exec.publishNode(ctx, c, events.NodeInterrupted, r.Detail)
	case models.ResultFailed:
		c.setState(NodeFailed, r)
		c.exec.publishNode(ctx, c, events.NodeFailed, r.Detail)
	}

	if c.Parent != nil && (c.State.Terminal() || c.State == NodeLaunched) {
		c.Parent.ProcessChildResult(ctx, c)
	}
}

func (c *UserContainer) ProcessChildResult(ctx context.Context, child Node) {}

func (c *UserContainer) MaxResource() models.Resource {
	if effectiveTerminal(c) {
		return models.Resource{}
	}

	return c.Resource
}

// supervise is the leaf's whole life: submit the container, then loop on a
// blocking pop across the node's signal lists until a terminal outcome.
func (c *UserContainer) supervise(ctx context.Context, observed bool) {
	e := c.exec
	cfg := e.config

	created := observed
	if observed {
		c.launched.Store(true)
	}

	missing := cfg.MissingContainerRetries
	consumed := int64(0)

	retriesLeft := 0
	if c.AutoRetry {
		retriesLeft = 1
	}

	var pullSince time.Time

	keys := []string{
		redisbus.ResultListKey(c.ID),
		redisbus.ForceDeleteListKey(e.workflowID),
		redisbus.DeleteListKey(e.workflowID),
		redisbus.LaunchListKey(c.ID),
		redisbus.FixtureTerminationListKey(c.ID),
	}

	finish := func(code models.NodeResultCode, detail map[string]any, removeContainer bool) {
		if removeContainer && created {
			err := e.runtime.DeleteService(context.WithoutCancel(ctx), c.serviceName(), true)
			if err != nil {
				e.logger.Error("Failed to delete container", "node_id", c.ID, "error", err)
			}
		}

		e.enqueue(&Result{NodeID: c.ID, Code: code, Detail: detail})
	}

	fail := func(reason string, detail map[string]any) bool {
		// one retry for transient failures when the step allows it
		if retriesLeft > 0 && retryableReason(reason) {
			retriesLeft--
			created = false
			pullSince = time.Time{}
			missing = cfg.MissingContainerRetries

			err := e.runtime.DeleteService(context.WithoutCancel(ctx), c.serviceName(), true)
			if err != nil {
				e.logger.Error("Failed to delete container before retry", "node_id", c.ID, "error", err)
			}

			return false
		}

		if detail == nil {
			detail = map[string]any{}
		}
		detail["failure_reason"] = reason

		finish(models.ResultFailed, detail, !cfg.KeepFailedContainers)

		return true
	}

	for ctx.Err() == nil {
		// workflow-level cancellation overrides everything below
		if done, code, detail := c.checkWorkflowStatus(ctx); done {
			finish(code, detail, true)

			return
		}

		// drain agent reports
		terminalSeen := false

		for {
			var cr containerResult

			err := e.bus.GetJSON(ctx, redisbus.ResultKey(e.workflowID, c.ID, consumed+1), &cr)
			if errors.Is(err, redisbus.ErrNoEntry) {
				break
			}

			if err != nil {
				e.logger.Error("Failed to read container result", "node_id", c.ID, "error", err)

				break
			}

			consumed++

			switch cr.Event {
			case eventLoadingArtifacts:
				e.publishNode(ctx, c, events.NodeLoadingArtifacts, nil)
			case eventSavingArtifacts:
				e.publishNode(ctx, c, events.NodeSavingArtifacts, nil)
			default:
				if c.handleReturn(&cr, finish, fail) {
					terminalSeen = true
				}
			}

			if terminalSeen {
				return
			}
		}

		// reconcile with what the substrate actually runs
		status, err := e.runtime.GetContainerStatus(ctx, c.serviceName())
		if err != nil {
			e.logger.Error("Failed to read container status", "node_id", c.ID, "error", err)
		} else {
			switch status.State {
			case axsys.ContainerRunning:
				pullSince = time.Time{}
				missing = cfg.MissingContainerRetries

				if !c.launched.Load() {
					c.launched.Store(true)
					created = true
					e.enqueue(&Result{NodeID: c.ID, Code: models.ResultLaunched})
				}

			case axsys.ContainerPending:
				pullSince = time.Time{}

				if !created {
					created = c.submit(ctx)
				}

			case axsys.ContainerImagePullBackoff:
				if pullSince.IsZero() {
					pullSince = time.Now()
				} else if time.Since(pullSince) > cfg.ImagePullStall {
					if fail(ReasonCannotPullImage, nil) {
						return
					}
				}

			case axsys.ContainerStopped, axsys.ContainerFailed, axsys.ContainerNotFound:
				if status.OOMKilled {
					if fail(ReasonInsufficientMemory, map[string]any{"oom_killed": true}) {
						return
					}

					continue
				}

				switch {
				case !created:
					created = c.submit(ctx)
				case c.launched.Load():
					// seen running once; give the agent report a
					// few polls to arrive before declaring it lost
					missing--
					if missing <= 0 {
						if fail(ReasonLostContainer, nil) {
							return
						}
					}
				default:
					// submitted but never observed: resubmit
					created = c.submit(ctx)
				}
			}
		}

		key, payload, err := e.bus.PopAny(ctx, cfg.PollTimeout, keys...)
		if err != nil {
			continue // timeout or transient; the loop re-checks everything
		}

		switch key {
		case redisbus.DeleteListKey(e.workflowID), redisbus.ForceDeleteListKey(e.workflowID):
			// requeue so sibling leaves sharing the list observe it too
			_ = e.bus.PushList(context.WithoutCancel(ctx), key, payload)

		case redisbus.LaunchListKey(c.ID):
			// the agent reports in before the status poller notices the
			// container; ack so the agent proceeds to the user command
			var report map[string]any

			err = e.bus.GetJSON(ctx, redisbus.LaunchKey(c.ID), &report)
			if err != nil && !errors.Is(err, redisbus.ErrNoEntry) {
				e.logger.Error("Failed to read launch report", "node_id", c.ID, "error", err)
			}

			if !c.launched.Load() {
				c.launched.Store(true)
				created = true
				e.enqueue(&Result{NodeID: c.ID, Code: models.ResultLaunched, Detail: report})
			}

			err = e.bus.SetJSON(ctx, redisbus.LaunchAckKey(c.ID), map[string]any{"node_id": c.ID}, redisbus.ListTTL)
			if err == nil {
				err = e.bus.PushList(ctx, redisbus.LaunchAckListKey(c.ID), map[string]any{"node_id": c.ID})
			}

			if err != nil {
				e.logger.Error("Failed to acknowledge launch", "node_id", c.ID, "error", err)
			}

		case redisbus.FixtureTerminationListKey(c.ID):
			c.terminated.Store(true)

			if !created {
				finish(models.ResultSucceed, map[string]any{"failure_reason": ReasonFixtureTerminated}, false)

				return
			}

			err = e.runtime.DeleteService(ctx, c.serviceName(), false)
			if err != nil {
				e.logger.Error("Failed to terminate fixture container", "node_id", c.ID, "error", err)
			}
		}
	}
}

// checkWorkflowStatus maps the persisted workflow status onto an interrupt
// decision for this leaf.
func (c *UserContainer) checkWorkflowStatus(ctx context.Context) (bool, models.NodeResultCode, map[string]any) {
	wf, err := c.exec.store.GetWorkflow(ctx, c.exec.workflowID)
	if err != nil {
		return false, "", nil
	}

	switch wf.Status {
	case models.WorkflowRunningDel:
		// a fixture that already launched keeps serving its consumers until
		// the enclosing node tears it down; one still waiting to launch is
		// interrupted even though fixtures run in cleanup mode
		if c.Fixture {
			if c.launched.Load() {
				return false, "", nil
			}
		} else if c.AlwaysRun {
			return false, "", nil
		}

		return true, models.ResultInterrupted, map[string]any{"reason": "workflow deleted"}

	case models.WorkflowRunningDelForce, models.WorkflowDeleted:
		return true, models.ResultInterrupted, map[string]any{"reason": "workflow force deleted"}
	}

	return false, "", nil
}

// handleReturn applies the agent's return code table. Reports whether the
// leaf is finished.
func (c *UserContainer) handleReturn(cr *containerResult,
	finish func(models.NodeResultCode, map[string]any, bool),
	fail func(string, map[string]any) bool,
) bool {
	if cr.ReturnCode == nil {
		return fail(ReasonCannotFindReturn, nil)
	}

	rc := *cr.ReturnCode
	detail := map[string]any{"return_code": rc}

	if cr.OOMKilled {
		return fail(ReasonInsufficientMemory, detail)
	}

	switch rc {
	case 0:
		finish(models.ResultSucceed, detail, true)

		return true

	case 137:
		if c.terminated.Load() {
			detail["failure_reason"] = ReasonFixtureTerminated
			finish(models.ResultSucceed, detail, true)

			return true
		}

		return fail(ReasonNonZeroReturn, detail)

	case 146:
		return fail(ReasonSigTerm, detail)

	case 10001:
		return fail(ReasonCannotFindReturn, detail)

	case 10002:
		return fail(ReasonLoadArtifact, detail)

	case 10005:
		return fail(ReasonSaveArtifact, detail)

	case 10003:
		return fail(ReasonNotAllowRetry, detail)

	default:
		return fail(ReasonNonZeroReturn, detail)
	}
}

// retryableReason limits auto-retry to failures a fresh container can fix.
func retryableReason(reason string) bool {
	switch reason {
	case ReasonNonZeroReturn, ReasonSigTerm, ReasonLostContainer:
		return true
	default:
		return false
	}
}

// submit creates the container; failures are logged and retried on the next
// loop pass.
func (c *UserContainer) submit(ctx context.Context) bool {
	e := c.exec

	spec := &axsys.ServiceSpec{
		Name: c.serviceName(),
		Spec: map[string]any{
			"image":     c.Container.Image,
			"command":   c.Container.Command,
			"env":       c.Container.Env,
			"cpu_cores": c.Scaled.CPU,
			"mem_mib":   c.Scaled.MemMiB,
			"labels":    c.Labels,
			"node_id":   c.ID,
		},
		RootID: e.workflowID,
	}

	err := e.runtime.CreateService(ctx, spec)
	if err != nil {
		e.logger.Error("Failed to create container", "node_id", c.ID, "error", err)

		return false
	}

	return true
}
