package executor

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/axialops/axplatform/pkg/axsys"
	"github.com/axialops/axplatform/pkg/events"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/redisbus"
	"github.com/axialops/axplatform/pkg/template"
)

// Deployment statuses reported by the deployment substrate.
const (
	DeploymentActive      = "Active"
	DeploymentWaiting     = "Waiting"
	DeploymentStopping    = "Stopping"
	DeploymentTerminating = "Terminating"
	DeploymentStopped     = "Stopped"
	DeploymentTerminated  = "Terminated"
	DeploymentError       = "Error"
)

// Deployment is a deployment-type leaf: the executor submits the deployment
// and tracks its status stream; the workload itself lives outside this
// instance.
type Deployment struct {
	NodeBase

	ApplicationName string
	DeploymentName  string
	Spec            *template.Template

	terminated atomic.Bool
}

func (d *Deployment) serviceName() string {
	return "axdeployment-" + d.ID
}

func (d *Deployment) Start(ctx context.Context) {
	d.setState(NodeExpecting, nil)
	d.exec.publishNode(ctx, d, events.NodeWaiting, nil)

	if d.exec.recovering {
		return
	}

	go d.run(ctx, false)
}

func (d *Deployment) resume(ctx context.Context) {
	go d.run(context.WithoutCancel(ctx), d.State == NodeLaunched)
}

// Terminate issues a graceful delete; the status stream confirms with
// Terminated, which maps to success because the stop was requested.
func (d *Deployment) Terminate(ctx context.Context) {
	if !d.terminated.CompareAndSwap(false, true) {
		return
	}

	go func() {
		detached := context.WithoutCancel(ctx)

		err := d.exec.runtime.DeleteService(detached, d.serviceName(), false)
		if err != nil {
			d.exec.logger.Error("Failed to delete deployment", "node_id", d.ID, "error", err)
		}

		err = d.exec.bus.PushList(detached, redisbus.FixtureTerminationListKey(d.ID), map[string]any{"node_id": d.ID})
		if err != nil {
			d.exec.logger.Error("Failed to push deployment termination", "node_id", d.ID, "error", err)
		}
	}()
}

func (d *Deployment) ProcessResult(ctx context.Context, r *Result) {
	switch r.Code {
	case models.ResultLaunched:
		d.setState(NodeLaunched, r)
		d.exec.publishNode(ctx, d, events.NodeRunning, r.Detail)
	case models.ResultSucceed:
		d.setState(NodeSucceed, r)
		d.exec.publishNode(ctx, d, events.NodeSucceed, r.Detail)
	case models.ResultInterrupted:
		d.setState(NodeInterrupted, r)
		d.exec.publishNode(ctx, d, events.NodeInterrupted, r.Detail)
	case models.ResultFailed:
		d.setState(NodeFailed, r)
		d.exec.publishNode(ctx, d, events.NodeFailed, r.Detail)
	}

	if d.Parent != nil && (d.State.Terminal() || d.State == NodeLaunched) {
		d.Parent.ProcessChildResult(ctx, d)
	}
}

func (d *Deployment) ProcessChildResult(ctx context.Context, child Node) {}

// MaxResource is zero: the deployment runs on its own substrate.
func (d *Deployment) MaxResource() models.Resource {
	return models.Resource{}
}

func (d *Deployment) run(ctx context.Context, created bool) {
	e := d.exec

	if !created {
		spec := &axsys.ServiceSpec{
			Name: d.serviceName(),
			Spec: map[string]any{
				"application_name": d.ApplicationName,
				"deployment_name":  d.DeploymentName,
				"template":         d.Spec,
				"node_id":          d.ID,
			},
			RootID: e.workflowID,
		}

		err := e.runtime.CreateService(ctx, spec)
		if err != nil {
			e.logger.Error("Failed to submit deployment", "node_id", d.ID, "error", err)
			e.enqueue(&Result{NodeID: d.ID, Code: models.ResultFailed,
				Detail: map[string]any{"failure_reason": "deployment submit failed", "error": err.Error()}})

			return
		}
	}

	launchedSent := created

	keys := []string{
		redisbus.DeploymentUpListKey(d.ID),
		redisbus.FixtureTerminationListKey(d.ID),
		redisbus.ForceDeleteListKey(e.workflowID),
		redisbus.DeleteListKey(e.workflowID),
	}

	for ctx.Err() == nil {
		if stop, code := d.checkWorkflowStatus(ctx); stop {
			e.enqueue(&Result{NodeID: d.ID, Code: code})

			return
		}

		key, payload, err := e.bus.PopAny(ctx, e.config.PollTimeout, keys...)
		if err != nil {
			continue
		}

		switch key {
		case redisbus.DeploymentUpListKey(d.ID):
			var up struct {
				Status string `json:"status"`
			}

			err = json.Unmarshal([]byte(payload), &up)
			if err != nil {
				e.logger.Error("Failed to decode deployment status", "node_id", d.ID, "error", err)

				continue
			}

			switch up.Status {
			case DeploymentActive:
				e.enqueue(&Result{NodeID: d.ID, Code: models.ResultSucceed,
					Detail: map[string]any{"deployment_status": up.Status}})

				return

			case DeploymentTerminated, DeploymentStopped, DeploymentError:
				if d.terminated.Load() {
					e.enqueue(&Result{NodeID: d.ID, Code: models.ResultSucceed,
						Detail: map[string]any{"failure_reason": ReasonDeploymentTerminated}})

					return
				}

				e.enqueue(&Result{NodeID: d.ID, Code: models.ResultFailed,
					Detail: map[string]any{"failure_reason": ReasonNonZeroReturn, "deployment_status": up.Status}})

				return

			case DeploymentWaiting:
				if !launchedSent {
					launchedSent = true
					e.enqueue(&Result{NodeID: d.ID, Code: models.ResultLaunched})
				}

			case DeploymentStopping, DeploymentTerminating:
				// progress only; the terminal status follows
				e.publishNode(ctx, d, events.NodeRunning, map[string]any{"deployment_status": up.Status})
			}

		case redisbus.FixtureTerminationListKey(d.ID):
			// graceful delete already issued by Terminate; wait for the
			// substrate to confirm through the status stream

		default: // delete signals; requeue for siblings
			_ = e.bus.PushList(context.WithoutCancel(ctx), key, payload)
		}
	}
}

// checkWorkflowStatus maps workflow-level deletion onto deployment handling:
// a plain delete triggers a graceful stop and keeps waiting, a force delete
// interrupts immediately.
func (d *Deployment) checkWorkflowStatus(ctx context.Context) (bool, models.NodeResultCode) {
	wf, err := d.exec.store.GetWorkflow(ctx, d.exec.workflowID)
	if err != nil {
		return false, ""
	}

	switch wf.Status {
	case models.WorkflowRunningDel:
		d.Terminate(ctx)

		return false, ""

	case models.WorkflowRunningDelForce, models.WorkflowDeleted:
		err = d.exec.runtime.DeleteService(context.WithoutCancel(ctx), d.serviceName(), true)
		if err != nil {
			d.exec.logger.Error("Failed to force delete deployment", "node_id", d.ID, "error", err)
		}

		return true, models.ResultInterrupted
	}

	return false, ""
}
