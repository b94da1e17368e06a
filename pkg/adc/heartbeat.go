package adc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/events"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/redisbus"
)

// WorkflowNotification is the executor-to-controller callback body.
type WorkflowNotification struct {
	WorkflowID string           `json:"workflow_id" validate:"required"`
	Event      string           `json:"event"       validate:"required,oneof=done heartbeat workflow_info"`
	LastStatus string           `json:"last_status,omitempty"`
	Resource   *models.Resource `json:"resource,omitempty"`
	Nodes      json.RawMessage  `json:"nodes,omitempty"`
}

// HandleWorkflowNotification processes done / heartbeat / workflow_info
// callbacks from executors.
func (m *Manager) HandleWorkflowNotification(ctx context.Context, n *WorkflowNotification) error {
	switch n.Event {
	case "heartbeat":
		return m.handleHeartbeat(ctx, n)
	case "done":
		return m.handleDone(ctx, n)
	case "workflow_info":
		m.mu.Lock()
		if pw, ok := m.workflows[n.WorkflowID]; ok {
			pw.nodes = n.Nodes
		}
		m.mu.Unlock()

		return nil
	default:
		return axerror.ErrInvalidParam.WithDetailf("unknown notification event %q", n.Event)
	}
}

// handleHeartbeat refreshes last-seen and applies shrink-only reservation
// resizing: a smaller reported aggregate releases the difference, growth is
// ignored.
func (m *Manager) handleHeartbeat(ctx context.Context, n *WorkflowNotification) error {
	m.mu.Lock()
	pw, ok := m.workflows[n.WorkflowID]
	if ok {
		pw.lastSeen = models.NowMilli()
		pw.idlePolls = 0
	}
	m.mu.Unlock()

	if !ok || n.Resource == nil {
		return nil
	}

	wf, err := m.store.GetWorkflow(ctx, n.WorkflowID)
	if err != nil {
		if errors.Is(err, axdb.ErrNotFound) {
			return axerror.ErrResourceNotFound.WithDetailf("workflow %s", n.WorkflowID)
		}

		return err
	}

	if !n.Resource.Fits(wf.Resource) || n.Resource.IsZero() {
		return nil
	}

	released := wf.Resource.Sub(*n.Resource)
	wf.Resource = *n.Resource

	err = m.store.UpdateWorkflow(ctx, wf)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.used = m.used.Sub(released)
	m.mu.Unlock()

	m.cond.Broadcast()

	m.logger.InfoContext(ctx, "Workflow reservation shrunk",
		"workflow_id", n.WorkflowID, "released", released)

	return nil
}

// handleDone finalizes a workflow on the executor's terminal report.
func (m *Manager) handleDone(ctx context.Context, n *WorkflowNotification) error {
	wf, err := m.store.GetWorkflow(ctx, n.WorkflowID)
	if err != nil {
		if errors.Is(err, axdb.ErrNotFound) {
			return axerror.ErrResourceNotFound.WithDetailf("workflow %s", n.WorkflowID)
		}

		return err
	}

	var target models.WorkflowStatus

	switch wf.Status {
	case models.WorkflowRunning:
		target = models.WorkflowStatus(n.LastStatus)
		switch target {
		case models.WorkflowSucceed, models.WorkflowFailed, models.WorkflowForcedFailed:
		default:
			return axerror.ErrInvalidParam.WithDetailf("last_status %q is not terminal", n.LastStatus)
		}

	case models.WorkflowRunningDel, models.WorkflowRunningDelForce:
		target = models.WorkflowDeleted

	default:
		// already finalized; done is idempotent
		return nil
	}

	err = m.store.UpdateWorkflowStatus(ctx, n.WorkflowID, wf.Status, target)
	if err != nil {
		if errors.Is(err, axdb.ErrConditionFailed) {
			return m.handleDone(ctx, n)
		}

		return err
	}

	m.publishWorkflowStatus(ctx, n.WorkflowID, string(target), "")
	m.releaseWorkflow(n.WorkflowID, wf.Resource)
	m.releaseWorkflowReservations(ctx, n.WorkflowID)

	m.logger.InfoContext(ctx, "Workflow finalized", "workflow_id", n.WorkflowID, "status", target)

	return nil
}

// ReportException records an EXCEPTION event and force-fails the workflow
// when the budget is exhausted.
func (m *Manager) ReportException(ctx context.Context, id, detail string) {
	m.appendEvent(ctx, id, models.EventException, detail)

	m.mu.Lock()
	pw, ok := m.workflows[id]
	if !ok {
		m.mu.Unlock()

		return
	}

	pw.consecutiveExceptions++
	pw.totalExceptions++
	exhausted := pw.consecutiveExceptions > m.config.MaxConsecutiveExceptions ||
		pw.totalExceptions > m.config.MaxTotalExceptions
	m.mu.Unlock()

	if exhausted {
		m.logger.ErrorContext(ctx, "Exception budget exhausted, force-failing workflow", "workflow_id", id)
		m.forceFail(ctx, id)
	}
}

// ClearExceptionStreak resets the consecutive counter after a successful
// operation; the session total keeps accumulating.
func (m *Manager) ClearExceptionStreak(id string) {
	m.mu.Lock()
	if pw, ok := m.workflows[id]; ok {
		pw.consecutiveExceptions = 0
	}
	m.mu.Unlock()
}

// heartbeatLoop is the supervisor: every scan interval it inspects
// RUNNING/RUNNING_DEL workflows whose heartbeat has gone stale.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.HeartbeatScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.superviseHeartbeats(ctx)
		}
	}
}

func (m *Manager) superviseHeartbeats(ctx context.Context) {
	workflows, err := m.store.ListWorkflows(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "Heartbeat scan failed", "error", err)

		return
	}

	now := models.NowMilli()

	for _, wf := range workflows {
		switch wf.Status {
		case models.WorkflowRunning:
			m.superviseRunning(ctx, wf, now)
		case models.WorkflowRunningDel, models.WorkflowRunningDelForce:
			m.superviseDeleting(ctx, wf, now)
		}
	}
}

func (m *Manager) superviseRunning(ctx context.Context, wf *models.Workflow, now int64) {
	m.mu.Lock()
	pw, ok := m.workflows[wf.ID]
	if !ok {
		pw = &perWorkflow{lastSeen: now}
		m.workflows[wf.ID] = pw
	}
	lastSeen := pw.lastSeen
	m.mu.Unlock()

	age := time.Duration(now-lastSeen) * time.Millisecond
	if age < m.config.HeartbeatStaleAfter {
		return
	}

	if age >= m.config.HeartbeatHardMiss {
		m.logger.ErrorContext(ctx, "Executor hard heartbeat miss, restarting",
			"workflow_id", wf.ID, "age", age)

		err := m.runtime.DeleteService(ctx, ExecutorContainerName(wf.ID), true)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to delete stale executor", "workflow_id", wf.ID, "error", err)
		}

		m.notifyOnce(ctx, "adc-heartbeat-"+wf.ID, "ERR_AX_EXECUTOR_UNRESPONSIVE",
			"executor missed heartbeats for "+age.String(), wf.ID)
	}

	// idempotent relaunch; live containers short-circuit inside
	err := m.launchExecutor(ctx, wf)
	if err != nil {
		m.logger.ErrorContext(ctx, "Executor relaunch failed", "workflow_id", wf.ID, "error", err)
	}
}

// superviseDeleting force-finalizes a deleting workflow whose executor has
// gone quiet for enough consecutive scans.
func (m *Manager) superviseDeleting(ctx context.Context, wf *models.Workflow, now int64) {
	m.mu.Lock()
	pw, ok := m.workflows[wf.ID]
	if !ok {
		pw = &perWorkflow{lastSeen: now}
		m.workflows[wf.ID] = pw
	}

	stale := time.Duration(now-pw.lastSeen)*time.Millisecond >= m.config.HeartbeatStaleAfter
	if stale {
		pw.idlePolls++
	}
	idlePolls := pw.idlePolls
	m.mu.Unlock()

	if !stale || idlePolls < m.config.DeletingIdlePolls {
		return
	}

	err := m.store.UpdateWorkflowStatus(ctx, wf.ID, wf.Status, models.WorkflowDeleted)
	if err != nil {
		if !errors.Is(err, axdb.ErrConditionFailed) {
			m.logger.ErrorContext(ctx, "Failed to force-delete idle workflow", "workflow_id", wf.ID, "error", err)
		}

		return
	}

	m.appendEvent(ctx, wf.ID, models.EventForceTerminate, "deleting workflow idle, forced to DELETED")
	m.publishWorkflowStatus(ctx, wf.ID, string(models.WorkflowDeleted), "FORCE_TERMINATED")
	m.releaseWorkflow(wf.ID, wf.Resource)
	m.releaseWorkflowReservations(ctx, wf.ID)

	err = m.runtime.DeleteService(ctx, ExecutorContainerName(wf.ID), true)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to delete executor container", "workflow_id", wf.ID, "error", err)
	}
}

// notifyOnce emits an operator notification deduplicated by a redis marker
// for 24 hours per subject.
func (m *Manager) notifyOnce(ctx context.Context, subject, code, message, workflowID string) {
	key := redisbus.NotificationKey(subject)

	exists, err := m.bus.HasKey(ctx, key)
	if err != nil {
		m.logger.ErrorContext(ctx, "Notification dedup check failed", "subject", subject, "error", err)

		return
	}

	if exists {
		return
	}

	err = m.bus.SetJSON(ctx, key, map[string]any{"code": code, "message": message}, 24*time.Hour)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to record notification marker", "subject", subject, "error", err)
	}

	if m.publisher == nil {
		return
	}

	event := events.NotificationEvent{
		BaseEvent: events.NewBaseEvent(events.NotificationEventType, workflowID),
		Code:      code,
		Message:   message,
	}

	err = m.publisher.Publish(ctx, workflowID, event)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish notification", "subject", subject, "error", err)
	}
}

// publishWorkflowStatus reports a workflow transition on the status stream.
func (m *Manager) publishWorkflowStatus(ctx context.Context, id, status, code string) {
	if m.publisher == nil {
		return
	}

	event := events.WorkflowStatusEvent{
		BaseEvent: events.NewBaseEvent(events.WorkflowStatusEventType, id),
		Status:    status,
	}
	if code != "" {
		event.Detail = map[string]any{"code": code}
	}

	err := m.publisher.Publish(ctx, id, event)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish workflow status", "workflow_id", id, "error", err)
	}
}
