// Package adc implements the cluster-wide admission and workflow controller:
// workflow lifecycle, resource reservation, executor launch and heartbeat
// supervision.
package adc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/axsys"
	"github.com/axialops/axplatform/pkg/eventbus"
	"github.com/axialops/axplatform/pkg/fsm"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/redisbus"
	"github.com/axialops/axplatform/pkg/retry"
	"github.com/axialops/axplatform/pkg/template"
)

// State is the process-wide admission controller state.
type State string

const (
	StateUnknown          State = "UNKNOWN"
	StateStarting         State = "STARTING"
	StateRunning          State = "RUNNING"
	StateSuspendedAllowNew State = "SUSPENDED_ALLOW_NEW"
	StateSuspendedNoNew   State = "SUSPENDED_NO_NEW"
	StateStopped          State = "STOPPED"
)

// StateTransitions: the three operational states interconvert freely; STOPPED
// is reachable from everything non-terminal.
var StateTransitions = []fsm.Transition{
	{Trigger: "start", From: fsm.State(StateUnknown), To: fsm.State(StateStarting)},
	{Trigger: "started", From: fsm.State(StateStarting), To: fsm.State(StateRunning)},
	{Trigger: "suspend", From: fsm.State(StateRunning), To: fsm.State(StateSuspendedAllowNew)},
	{Trigger: "suspend_no_new", From: fsm.State(StateRunning), To: fsm.State(StateSuspendedNoNew)},
	{Trigger: "resume", From: fsm.State(StateSuspendedAllowNew), To: fsm.State(StateRunning)},
	{Trigger: "suspend_no_new", From: fsm.State(StateSuspendedAllowNew), To: fsm.State(StateSuspendedNoNew)},
	{Trigger: "resume", From: fsm.State(StateSuspendedNoNew), To: fsm.State(StateRunning)},
	{Trigger: "suspend", From: fsm.State(StateSuspendedNoNew), To: fsm.State(StateSuspendedAllowNew)},
	{Trigger: "stop", From: fsm.State(StateUnknown), To: fsm.State(StateStopped)},
	{Trigger: "stop", From: fsm.State(StateStarting), To: fsm.State(StateStopped)},
	{Trigger: "stop", From: fsm.State(StateRunning), To: fsm.State(StateStopped)},
	{Trigger: "stop", From: fsm.State(StateSuspendedAllowNew), To: fsm.State(StateStopped)},
	{Trigger: "stop", From: fsm.State(StateSuspendedNoNew), To: fsm.State(StateStopped)},
}

// AcceptsNew reports whether new workflow submissions are accepted.
func (s State) AcceptsNew() bool {
	return s == StateRunning || s == StateSuspendedAllowNew
}

// perWorkflow is the controller's volatile bookkeeping for one workflow.
type perWorkflow struct {
	lastSeen              int64
	nodes                 json.RawMessage
	consecutiveExceptions int
	totalExceptions       int
	idlePolls             int
}

// Manager is the admission controller singleton, owned by main and wired into
// the HTTP handlers by construction.
type Manager struct {
	logger    *slog.Logger
	store     axdb.Store
	bus       redisbus.Bus
	runtime   axsys.Client
	publisher eventbus.EventPublisher
	config    Config

	mu    sync.Mutex
	cond  *sync.Cond
	state State
	used  models.Resource

	workflows    map[string]*perWorkflow
	reserving    map[string]struct{}
	reservations map[string]*models.CategoryReservation

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewManager(
	logger *slog.Logger,
	store axdb.Store,
	bus redisbus.Bus,
	runtime axsys.Client,
	publisher eventbus.EventPublisher,
	config Config,
) *Manager {
	m := &Manager{
		logger:       logger.With("module", "adc"),
		store:        store,
		bus:          bus,
		runtime:      runtime,
		publisher:    publisher,
		config:       config,
		state:        StateUnknown,
		workflows:    make(map[string]*perWorkflow),
		reserving:    make(map[string]struct{}),
		reservations: make(map[string]*models.CategoryReservation),
		stopCh:       make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)

	return m
}

// Start rebuilds the in-memory reservation state from the store and brings
// the controller to RUNNING.
func (m *Manager) Start(ctx context.Context) error {
	err := m.setState(StateStarting)
	if err != nil {
		return err
	}

	workflows, err := m.store.ListWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workflows at startup: %w", err)
	}

	m.mu.Lock()
	for _, wf := range workflows {
		if wf.Status.Terminal() || wf.Status == models.WorkflowSuspended {
			continue
		}

		m.used = m.used.Add(wf.Resource).Add(m.config.ExecutorResource)
		m.workflows[wf.ID] = &perWorkflow{lastSeen: models.NowMilli()}
	}
	m.mu.Unlock()

	reservations, err := m.store.ListReservations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list reservations at startup: %w", err)
	}

	now := models.NowMilli()

	m.mu.Lock()
	for _, r := range reservations {
		if r.Expired(now) {
			continue
		}

		m.used = m.used.Add(r.Resource)
		m.reservations[r.ResourceID] = r
	}
	m.mu.Unlock()

	err = m.setState(StateRunning)
	if err != nil {
		return err
	}

	m.wg.Add(3)

	go m.admissionLoop(ctx)
	go m.heartbeatLoop(ctx)
	go m.sweeperLoop(ctx)

	m.logger.InfoContext(ctx, "Admission controller started",
		"used", m.Used(), "total", m.config.ClusterTotal)

	return nil
}

// Stop brings the controller to STOPPED and joins the background loops.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStopped {
		m.state = StateStopped
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.cond.Broadcast()
	m.wg.Wait()

	m.logger.InfoContext(ctx, "Admission controller stopped")

	return nil
}

// StateNow returns the current admission state.
func (m *Manager) StateNow() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// SetState applies an operator-requested state change; illegal transitions
// are errors.
func (m *Manager) SetState(state State) error {
	switch state {
	case StateRunning, StateSuspendedAllowNew, StateSuspendedNoNew:
	default:
		return axerror.ErrInvalidParam.WithDetailf("state %q is not settable", state)
	}

	err := m.setState(state)
	if err != nil {
		return err
	}

	// a resume may unblock the admission loop
	m.cond.Broadcast()

	return nil
}

func (m *Manager) setState(state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !fsm.Legal(StateTransitions, fsm.State(m.state), fsm.State(state)) {
		return axerror.ErrIllegalOperation.WithDetailf("cannot move admission state %s -> %s", m.state, state)
	}

	m.state = state

	return nil
}

// Used returns the reserved aggregate.
func (m *Manager) Used() models.Resource {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.used
}

// Total returns the admittable aggregate.
func (m *Manager) Total() models.Resource {
	return m.config.ClusterTotal
}

// CreateWorkflow admits a new workflow into SUSPENDED. The submitted body is
// the full service template including id.
func (m *Manager) CreateWorkflow(ctx context.Context, raw json.RawMessage) (*models.Workflow, error) {
	state := m.StateNow()
	if state == StateUnknown || state == StateStarting {
		return nil, axerror.ErrServiceUnavailable.New("admission controller is still starting")
	}

	if !state.AcceptsNew() {
		return nil, axerror.ErrIllegalOperation.WithDetailf("admission state %s does not accept new workflows", state)
	}

	svc, err := template.Parse(raw)
	if err != nil {
		return nil, axerror.ErrInvalidParam.WithDetailf("failed to parse service template: %v", err)
	}

	if svc.ID == "" {
		return nil, axerror.ErrInvalidParam.New("workflow id is required")
	}

	leaf := svc.MaxLeafResource()
	if !leaf.Fits(m.config.InstanceResource) {
		return nil, axerror.ErrInvalidParam.WithDetailf(
			"cannot accommodate one of the containers: needs %v, instance provides %v",
			leaf, m.config.InstanceResource)
	}

	wf := &models.Workflow{
		ID:              svc.ID,
		ServiceTemplate: raw,
		Status:          models.WorkflowSuspended,
		Resource:        svc.AggregateResource(),
		LeafResource:    leaf,
		Timestamp:       models.NowMilli(),
	}

	err = m.store.CreateWorkflow(ctx, wf)
	if err != nil {
		if errors.Is(err, axdb.ErrAlreadyExists) {
			return nil, axerror.ErrInvalidParam.WithDetailf("workflow %s already exists", svc.ID)
		}

		return nil, fmt.Errorf("failed to persist workflow: %w", err)
	}

	m.appendEvent(ctx, wf.ID, models.EventStart, "workflow accepted")

	m.logger.InfoContext(ctx, "Workflow accepted",
		"workflow_id", wf.ID, "resource", wf.Resource, "leaf_resource", wf.LeafResource)

	m.cond.Broadcast()

	return wf, nil
}

// GetWorkflow returns one workflow; verbose adds the event log and the last
// node tree snapshot reported by its executor.
func (m *Manager) GetWorkflow(ctx context.Context, id string, verbose bool) (map[string]any, error) {
	wf, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		if errors.Is(err, axdb.ErrNotFound) {
			return nil, axerror.ErrResourceNotFound.WithDetailf("workflow %s", id)
		}

		return nil, err
	}

	doc := map[string]any{
		"id":            wf.ID,
		"status":        wf.Status,
		"resource":      wf.Resource,
		"leaf_resource": wf.LeafResource,
		"timestamp":     wf.Timestamp,
	}

	if !verbose {
		return doc, nil
	}

	doc["service_template"] = wf.ServiceTemplate

	events, err := m.store.ListWorkflowEvents(ctx, id)
	if err != nil {
		return nil, err
	}

	doc["events"] = events

	m.mu.Lock()
	if pw, ok := m.workflows[id]; ok && pw.nodes != nil {
		doc["nodes"] = pw.nodes
	}
	m.mu.Unlock()

	return doc, nil
}

// ListWorkflows returns workflows created within the last recentSec seconds
// (0 means all), newest first.
func (m *Manager) ListWorkflows(ctx context.Context, recentSec int64) ([]*models.Workflow, error) {
	workflows, err := m.store.ListWorkflows(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := int64(0)
	if recentSec > 0 {
		cutoff = models.NowMilli() - recentSec*1000
	}

	out := make([]*models.Workflow, 0, len(workflows))

	for _, wf := range workflows {
		if wf.Timestamp >= cutoff {
			out = append(out, wf)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })

	return out, nil
}

// DeleteWorkflow requests termination. Force escalates RUNNING_DEL to
// RUNNING_DEL_FORCE, bypassing always_run cleanup steps.
func (m *Manager) DeleteWorkflow(ctx context.Context, id string, force bool) error {
	return retry.Do(ctx, retry.ConditionalUpdate, func() error {
		wf, err := m.store.GetWorkflow(ctx, id)
		if err != nil {
			if errors.Is(err, axdb.ErrNotFound) {
				return axerror.ErrResourceNotFound.WithDetailf("workflow %s", id)
			}

			return err
		}

		switch wf.Status {
		case models.WorkflowSuspended:
			err = m.store.UpdateWorkflowStatus(ctx, id, models.WorkflowSuspended, models.WorkflowDeleted)
			if err == nil {
				m.appendEvent(ctx, id, models.EventTerminate, "deleted while suspended")
			}

		case models.WorkflowAdmitted:
			err = m.store.UpdateWorkflowStatus(ctx, id, models.WorkflowAdmitted, models.WorkflowAdmittedDel)

		case models.WorkflowRunning:
			err = m.store.UpdateWorkflowStatus(ctx, id, models.WorkflowRunning, models.WorkflowRunningDel)
			if err == nil {
				m.appendEvent(ctx, id, models.EventTerminate, "delete requested")
				err = m.bus.PushList(ctx, redisbus.DeleteListKey(id), map[string]any{
					"workflow_id": id, "timestamp": models.NowMilli(),
				})
			}

		case models.WorkflowRunningDel:
			if !force {
				return nil // already deleting
			}

			err = m.store.UpdateWorkflowStatus(ctx, id, models.WorkflowRunningDel, models.WorkflowRunningDelForce)
			if err == nil {
				m.appendEvent(ctx, id, models.EventForceDelete, "force delete requested")
				err = m.bus.PushList(ctx, redisbus.ForceDeleteListKey(id), map[string]any{
					"workflow_id": id, "timestamp": models.NowMilli(),
				})
			}

		case models.WorkflowAdmittedDel, models.WorkflowRunningDelForce:
			return nil

		default:
			// terminal states: deletion is idempotent
			return nil
		}

		return err
	})
}

// DeleteAllWorkflows is the bulk teardown; only legal in SUSPENDED_NO_NEW.
func (m *Manager) DeleteAllWorkflows(ctx context.Context) error {
	if m.StateNow() != StateSuspendedNoNew {
		return axerror.ErrIllegalOperation.New("delete-all requires admission state SUSPENDED_NO_NEW")
	}

	workflows, err := m.store.ListWorkflows(ctx)
	if err != nil {
		return err
	}

	for _, wf := range workflows {
		if wf.Status.Terminal() {
			continue
		}

		err = m.DeleteWorkflow(ctx, wf.ID, true)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to delete workflow during delete-all",
				"workflow_id", wf.ID, "error", err)
		}
	}

	return nil
}

// releaseWorkflow returns a terminal workflow's reservation to the pool and
// wakes the admission loop.
func (m *Manager) releaseWorkflow(id string, resource models.Resource) {
	m.mu.Lock()
	if _, ok := m.workflows[id]; ok {
		m.used = m.used.Sub(resource).Sub(m.config.ExecutorResource)
		delete(m.workflows, id)
	}
	m.mu.Unlock()

	m.cond.Broadcast()
}

func (m *Manager) appendEvent(ctx context.Context, id string, eventType models.WorkflowEventType, detail string) {
	err := m.store.AppendWorkflowEvent(ctx, &models.WorkflowEvent{
		RootID:    id,
		Timestamp: models.NowMilli(),
		EventType: eventType,
		Detail:    detail,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to append workflow event",
			"workflow_id", id, "event_type", eventType, "error", err)
	}
}
