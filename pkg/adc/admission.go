package adc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/axsys"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/redisbus"
	"github.com/axialops/axplatform/pkg/retry"
	"github.com/google/uuid"
)

// ExecutorContainerName is deterministic so relaunch attempts converge on the
// same container.
func ExecutorContainerName(workflowID string) string {
	return "axworkflowexecutor-" + workflowID
}

// admissionLoop waits on the condition variable and, while RUNNING, admits
// suspended workflows oldest-first as long as the head of the queue fits.
func (m *Manager) admissionLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		for !m.stopped() && m.state != StateRunning {
			m.cond.Wait()
		}

		if m.stopped() {
			m.mu.Unlock()

			return
		}
		m.mu.Unlock()

		admitted, err := m.admitNext(ctx)
		if err != nil {
			m.logger.ErrorContext(ctx, "Admission pass failed", "error", err)
			time.Sleep(time.Second)

			continue
		}

		if !admitted {
			m.mu.Lock()
			if !m.stopped() {
				m.cond.Wait()
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) stopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return m.state == StateStopped
	}
}

// admitNext reserves and launches the oldest suspended workflow that fits.
// Returns false when nothing was admitted (queue empty or head does not fit).
func (m *Manager) admitNext(ctx context.Context) (bool, error) {
	workflows, err := m.store.ListWorkflows(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list workflows: %w", err)
	}

	suspended := workflows[:0]

	for _, wf := range workflows {
		if wf.Status == models.WorkflowSuspended {
			suspended = append(suspended, wf)
		}
	}

	if len(suspended) == 0 {
		return false, nil
	}

	sort.Slice(suspended, func(i, j int) bool { return suspended[i].Timestamp < suspended[j].Timestamp })

	head := suspended[0]
	need := head.Resource.Add(m.config.ExecutorResource)

	m.mu.Lock()
	if m.state != StateRunning || !m.used.Add(need).Fits(m.config.ClusterTotal) {
		m.mu.Unlock()

		return false, nil
	}

	m.used = m.used.Add(need)
	m.workflows[head.ID] = &perWorkflow{lastSeen: models.NowMilli()}
	m.mu.Unlock()

	err = m.store.UpdateWorkflowStatus(ctx, head.ID, models.WorkflowSuspended, models.WorkflowAdmitted)
	if err != nil {
		// lost the race (concurrent delete); give the reservation back
		m.releaseWorkflow(head.ID, head.Resource)

		if errors.Is(err, axdb.ErrConditionFailed) {
			return true, nil
		}

		return false, err
	}

	m.logger.InfoContext(ctx, "Workflow admitted", "workflow_id", head.ID, "resource", head.Resource)

	m.wg.Add(1)

	go m.workflowWorker(ctx, head)

	return true, nil
}

// workflowWorker takes one admitted workflow through executor launch, or
// finalizes it if a delete raced admission.
func (m *Manager) workflowWorker(ctx context.Context, wf *models.Workflow) {
	defer m.wg.Done()

	err := m.launchExecutor(ctx, wf)
	if err != nil {
		m.logger.ErrorContext(ctx, "Executor launch failed", "workflow_id", wf.ID, "error", err)
		m.appendEvent(ctx, wf.ID, models.EventException, "executor launch failed: "+err.Error())
		m.forceFail(ctx, wf.ID)

		return
	}

	// ADMITTED -> RUNNING, or ADMITTED_DEL -> RUNNING_DEL when a delete
	// arrived before the launch
	err = m.store.UpdateWorkflowStatus(ctx, wf.ID, models.WorkflowAdmitted, models.WorkflowRunning)
	if errors.Is(err, axdb.ErrConditionFailed) {
		err = m.store.UpdateWorkflowStatus(ctx, wf.ID, models.WorkflowAdmittedDel, models.WorkflowRunningDel)
		if err == nil {
			pushErr := m.bus.PushList(ctx, redisbus.DeleteListKey(wf.ID), map[string]any{
				"workflow_id": wf.ID, "timestamp": models.NowMilli(),
			})
			if pushErr != nil {
				m.logger.ErrorContext(ctx, "Failed to push delete signal", "workflow_id", wf.ID, "error", pushErr)
			}
		}
	}

	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to mark workflow running", "workflow_id", wf.ID, "error", err)

		return
	}

	m.logger.InfoContext(ctx, "Executor launched", "workflow_id", wf.ID,
		"container", ExecutorContainerName(wf.ID))
}

// launchExecutor submits the executor container, retrying with backoff and
// consulting container status between attempts. RUNNING / PENDING /
// IMAGE_PULL_BACKOFF counts as live; STOPPED / FAILED is deleted and retried.
func (m *Manager) launchExecutor(ctx context.Context, wf *models.Workflow) error {
	name := ExecutorContainerName(wf.ID)
	spec := m.executorSpec(wf, name)

	policy := retry.Policy{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		Backoff:      2,
		MaxDelay:     10 * time.Second,
	}

	return retry.Do(ctx, policy, func() error {
		status, err := m.runtime.GetContainerStatus(ctx, name)
		if err != nil {
			return err
		}

		switch status.State {
		case axsys.ContainerRunning, axsys.ContainerPending, axsys.ContainerImagePullBackoff:
			return nil

		case axsys.ContainerStopped, axsys.ContainerFailed:
			err = m.runtime.DeleteService(ctx, name, true)
			if err != nil {
				return err
			}
		}

		return m.runtime.CreateService(ctx, spec)
	})
}

func (m *Manager) executorSpec(wf *models.Workflow, name string) *axsys.ServiceSpec {
	return &axsys.ServiceSpec{
		Name:   name,
		RootID: wf.ID,
		Spec: map[string]any{
			"image": fmt.Sprintf("%s/%s/axworkflowexecutor:%s",
				m.config.ImageRegistry, m.config.ImageNamespace, m.config.ImageVersion),
			"cpu_cores": m.config.ExecutorResource.CPU,
			"mem_mib":   m.config.ExecutorResource.MemMiB,
			"callback": map[string]any{
				"workflow_id":     wf.ID,
				"start_timestamp": models.NowMilli(),
				"instance_salt":   uuid.New().String(),
			},
		},
	}
}

// forceFail moves a RUNNING workflow to FORCED_FAILED and releases its
// reservation. Used by the exception budget and by launch failures.
func (m *Manager) forceFail(ctx context.Context, id string) {
	wf, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to read workflow for force-fail", "workflow_id", id, "error", err)

		return
	}

	var target models.WorkflowStatus

	switch wf.Status {
	case models.WorkflowRunning:
		target = models.WorkflowForcedFailed
	case models.WorkflowAdmitted:
		// never launched; walk it through RUNNING so the transition graph holds
		err = m.store.UpdateWorkflowStatus(ctx, id, models.WorkflowAdmitted, models.WorkflowRunning)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to stage force-fail", "workflow_id", id, "error", err)

			return
		}

		target = models.WorkflowForcedFailed
	case models.WorkflowRunningDel, models.WorkflowRunningDelForce:
		target = models.WorkflowDeleted
	default:
		return
	}

	err = m.store.UpdateWorkflowStatus(ctx, id, models.WorkflowRunning, target)
	if err != nil && target == models.WorkflowDeleted {
		err = m.store.UpdateWorkflowStatus(ctx, id, wf.Status, target)
	}

	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to force-fail workflow", "workflow_id", id, "error", err)

		return
	}

	m.appendEvent(ctx, id, models.EventForceTerminate, "force terminated by admission controller")
	m.publishWorkflowStatus(ctx, id, string(target), "FORCE_TERMINATED")
	m.releaseWorkflow(id, wf.Resource)

	if !m.config.KeepFailedContainers {
		err = m.runtime.DeleteService(ctx, ExecutorContainerName(id), true)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to delete executor container", "workflow_id", id, "error", err)
		}
	}
}
