package executor

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/axialops/axplatform/pkg/events"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/redisbus"
	"github.com/axialops/axplatform/pkg/retry"
)

// RequesterExecutor tags fixture requests created on behalf of workflow steps.
const RequesterExecutor = "axworkflowexecutor"

// StaticFixture reserves existing fixture instances and volumes through the
// fixture manager and holds the reservation until the enclosing node tears it
// down.
type StaticFixture struct {
	NodeBase

	Requirements    map[string]models.Requirement
	VolRequirements map[string]models.VolumeRequirement

	terminated atomic.Bool
}

func (f *StaticFixture) Start(ctx context.Context) {
	f.setState(NodeExpecting, nil)
	f.exec.publishNode(ctx, f, events.NodeWaiting, nil)

	if f.exec.recovering {
		return
	}

	go f.run(ctx, false)
}

func (f *StaticFixture) resume(ctx context.Context) {
	go f.run(context.WithoutCancel(ctx), f.State == NodeLaunched)
}

func (f *StaticFixture) Terminate(ctx context.Context) {
	if !f.terminated.CompareAndSwap(false, true) {
		return
	}

	go func() {
		err := f.exec.bus.PushList(context.WithoutCancel(ctx),
			redisbus.FixtureTerminationListKey(f.ID), map[string]any{"node_id": f.ID})
		if err != nil {
			f.exec.logger.Error("Failed to push fixture termination", "node_id", f.ID, "error", err)
		}
	}()
}

func (f *StaticFixture) ProcessResult(ctx context.Context, r *Result) {
	switch r.Code {
	case models.ResultLaunched:
		f.setState(NodeLaunched, r)
		f.exec.publishNode(ctx, f, events.NodeRunning, r.Detail)
	case models.ResultSucceed:
		f.setState(NodeSucceed, r)
		f.exec.publishNode(ctx, f, events.NodeSucceed, r.Detail)
	case models.ResultInterrupted:
		f.setState(NodeInterrupted, r)
		f.exec.publishNode(ctx, f, events.NodeInterrupted, r.Detail)
	case models.ResultFailed:
		f.setState(NodeFailed, r)
		f.exec.publishNode(ctx, f, events.NodeFailed, r.Detail)
	}

	if f.Parent != nil && (f.State.Terminal() || f.State == NodeLaunched) {
		f.Parent.ProcessChildResult(ctx, f)
	}
}

func (f *StaticFixture) ProcessChildResult(ctx context.Context, child Node) {}

// MaxResource is zero: a reservation holds no compute on this instance.
func (f *StaticFixture) MaxResource() models.Resource {
	return models.Resource{}
}

// run posts the reservation request, waits for its assignment, then holds it
// until termination. Re-posting an identical request after a restart is
// idempotent at the fixture manager, so recovery just runs the same path.
func (f *StaticFixture) run(ctx context.Context, assigned bool) {
	e := f.exec

	if !assigned {
		req := &models.FixtureRequest{
			ServiceID:       f.ID,
			Requester:       RequesterExecutor,
			RootWorkflowID:  e.workflowID,
			Requirements:    f.Requirements,
			VolRequirements: f.VolRequirements,
		}

		policy := retry.Policy{MaxAttempts: 10, InitialDelay: time.Second, Backoff: 2, MaxDelay: 30 * time.Second}

		var out *models.FixtureRequest

		err := retry.Do(ctx, policy, func() error {
			var reqErr error
			out, reqErr = e.fvm.CreateRequest(ctx, req)

			return reqErr
		})
		if err != nil {
			e.logger.Error("Failed to create fixture request", "node_id", f.ID, "error", err)
			e.enqueue(&Result{NodeID: f.ID, Code: models.ResultFailed,
				Detail: map[string]any{"failure_reason": "fixture request rejected", "error": err.Error()}})

			return
		}

		if out.Assigned() {
			assigned = true
			e.enqueue(&Result{NodeID: f.ID, Code: models.ResultLaunched, Detail: assignmentDetail(out.Assignment, out.VolAssignment)})
		}
	}

	keys := []string{
		redisbus.NotificationKey(f.ID),
		redisbus.FixtureTerminationListKey(f.ID),
		redisbus.ForceDeleteListKey(e.workflowID),
		redisbus.DeleteListKey(e.workflowID),
	}

	for ctx.Err() == nil {
		if f.interrupted(ctx, assigned) {
			f.release(ctx)
			e.enqueue(&Result{NodeID: f.ID, Code: models.ResultInterrupted})

			return
		}

		key, payload, err := e.bus.PopAny(ctx, e.config.PollTimeout, keys...)
		if err != nil {
			continue
		}

		switch key {
		case redisbus.NotificationKey(f.ID):
			if assigned {
				continue // re-notification of an assignment already seen
			}

			var req models.FixtureRequest

			err = json.Unmarshal([]byte(payload), &req)
			if err != nil {
				e.logger.Error("Failed to decode fixture assignment", "node_id", f.ID, "error", err)

				continue
			}

			assigned = true
			e.enqueue(&Result{NodeID: f.ID, Code: models.ResultLaunched, Detail: assignmentDetail(req.Assignment, req.VolAssignment)})

		case redisbus.FixtureTerminationListKey(f.ID):
			f.terminated.Store(true)
			f.release(ctx)
			e.enqueue(&Result{NodeID: f.ID, Code: models.ResultSucceed,
				Detail: map[string]any{"failure_reason": ReasonFixtureTerminated}})

			return

		default: // delete signals; requeue for siblings
			_ = e.bus.PushList(context.WithoutCancel(ctx), key, payload)
		}
	}
}

// interrupted decides whether a workflow-level delete cancels this
// reservation: before assignment any delete does, after assignment only a
// force delete does (the parent teardown releases assigned fixtures).
func (f *StaticFixture) interrupted(ctx context.Context, assigned bool) bool {
	wf, err := f.exec.store.GetWorkflow(ctx, f.exec.workflowID)
	if err != nil {
		return false
	}

	switch wf.Status {
	case models.WorkflowRunningDel:
		return !assigned
	case models.WorkflowRunningDelForce, models.WorkflowDeleted:
		return true
	default:
		return false
	}
}

func (f *StaticFixture) release(ctx context.Context) {
	policy := retry.Policy{MaxAttempts: 10, InitialDelay: time.Second, Backoff: 2, MaxDelay: 30 * time.Second}

	releaseCtx := context.WithoutCancel(ctx)

	err := retry.Do(releaseCtx, policy, func() error {
		return f.exec.fvm.DeleteRequest(releaseCtx, f.ID)
	})
	if err != nil {
		f.exec.logger.Error("Failed to release fixture request", "node_id", f.ID, "error", err)
	}
}

func assignmentDetail(assignment, volAssignment map[string]map[string]any) map[string]any {
	detail := map[string]any{}

	if len(assignment) > 0 {
		detail["output_parameters"] = assignment
	}

	if len(volAssignment) > 0 {
		detail["vol_assignment"] = volAssignment
	}

	return detail
}
