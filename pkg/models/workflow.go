// Package models defines the persisted documents shared by the admission
// controller, the workflow executor and the fixture manager.
package models

import (
	"encoding/json"
	"time"

	"github.com/axialops/axplatform/pkg/fsm"
)

// WorkflowStatus is the admission-controller-owned lifecycle state of a
// workflow. Every status write is a conditional compare-and-swap against the
// prior status.
type WorkflowStatus string

const (
	WorkflowSuspended       WorkflowStatus = "SUSPENDED"
	WorkflowAdmitted        WorkflowStatus = "ADMITTED"
	WorkflowAdmittedDel     WorkflowStatus = "ADMITTED_DEL"
	WorkflowRunning         WorkflowStatus = "RUNNING"
	WorkflowRunningDel      WorkflowStatus = "RUNNING_DEL"
	WorkflowRunningDelForce WorkflowStatus = "RUNNING_DEL_FORCE"
	WorkflowDeleted         WorkflowStatus = "DELETED"
	WorkflowSucceed         WorkflowStatus = "SUCCEED"
	WorkflowFailed          WorkflowStatus = "FAILED"
	WorkflowForcedFailed    WorkflowStatus = "FORCED_FAILED"
)

// WorkflowTransitions is the only legal evolution of a workflow status.
var WorkflowTransitions = []fsm.Transition{
	{Trigger: "admit", From: fsm.State(WorkflowSuspended), To: fsm.State(WorkflowAdmitted)},
	{Trigger: "delete", From: fsm.State(WorkflowSuspended), To: fsm.State(WorkflowDeleted)},
	{Trigger: "launch", From: fsm.State(WorkflowAdmitted), To: fsm.State(WorkflowRunning)},
	{Trigger: "delete", From: fsm.State(WorkflowAdmitted), To: fsm.State(WorkflowAdmittedDel)},
	{Trigger: "launch", From: fsm.State(WorkflowAdmittedDel), To: fsm.State(WorkflowRunningDel)},
	{Trigger: "delete", From: fsm.State(WorkflowRunning), To: fsm.State(WorkflowRunningDel)},
	{Trigger: "force_delete", From: fsm.State(WorkflowRunningDel), To: fsm.State(WorkflowRunningDelForce)},
	{Trigger: "done", From: fsm.State(WorkflowRunningDel), To: fsm.State(WorkflowDeleted)},
	{Trigger: "done", From: fsm.State(WorkflowRunningDelForce), To: fsm.State(WorkflowDeleted)},
	{Trigger: "succeed", From: fsm.State(WorkflowRunning), To: fsm.State(WorkflowSucceed)},
	{Trigger: "fail", From: fsm.State(WorkflowRunning), To: fsm.State(WorkflowFailed)},
	{Trigger: "force_fail", From: fsm.State(WorkflowRunning), To: fsm.State(WorkflowForcedFailed)},
}

// LegalWorkflowTransition reports whether from -> to is an edge of the
// workflow status graph.
func LegalWorkflowTransition(from, to WorkflowStatus) bool {
	return fsm.Legal(WorkflowTransitions, fsm.State(from), fsm.State(to))
}

// Terminal reports whether the status can never change again.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowDeleted, WorkflowSucceed, WorkflowFailed, WorkflowForcedFailed:
		return true
	default:
		return false
	}
}

// Deleting reports whether the workflow has been asked to stop.
func (s WorkflowStatus) Deleting() bool {
	switch s {
	case WorkflowAdmittedDel, WorkflowRunningDel, WorkflowRunningDelForce:
		return true
	default:
		return false
	}
}

// Workflow is the admission-controller-owned row keyed by workflow id. The
// service template is carried opaquely; only the executor walks it.
type Workflow struct {
	ID              string          `json:"id"`
	ServiceTemplate json.RawMessage `json:"service_template"`
	Status          WorkflowStatus  `json:"status"`
	Resource        Resource        `json:"resource"`
	LeafResource    Resource        `json:"leaf_resource"`
	Timestamp       int64           `json:"timestamp"`
	LastSeen        int64           `json:"-"`

	// Fixtures mirrors fixture-request assignments per service id; written
	// best-effort by the fixture manager.
	Fixtures map[string]map[string]map[string]any `json:"fixtures,omitempty"`
}

// WorkflowEventType tags entries of the append-only workflow event log.
type WorkflowEventType string

const (
	EventStart          WorkflowEventType = "START"
	EventException      WorkflowEventType = "EXCEPTION"
	EventTerminate      WorkflowEventType = "TERMINATE"
	EventForceStart     WorkflowEventType = "FORCE_START"
	EventForceDelete    WorkflowEventType = "FORCE_DELETE"
	EventForceTerminate WorkflowEventType = "FORCE_TERMINATE"
)

type WorkflowEvent struct {
	RootID    string            `json:"root_id"`
	Timestamp int64             `json:"timestamp"`
	EventType WorkflowEventType `json:"event_type"`
	Detail    string            `json:"detail,omitempty"`
}

// NodeResultCode is the terminal-or-progress code of a node result record.
type NodeResultCode string

const (
	ResultLaunched    NodeResultCode = "LAUNCHED"
	ResultInterrupted NodeResultCode = "INTERRUPTED"
	ResultSucceed     NodeResultCode = "SUCCEED"
	ResultFailed      NodeResultCode = "FAILED"
)

// NodeResult is one persisted per-node result. SN is a strictly increasing
// per-workflow serial assigned by the executor; recovery replays results in
// SN order.
type NodeResult struct {
	RootID    string         `json:"root_id"`
	NodeID    string         `json:"node_id"`
	SN        int64          `json:"sn"`
	Code      NodeResultCode `json:"result_code"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// NowMilli is the timestamp convention used across the tables.
func NowMilli() int64 {
	return time.Now().UnixMilli()
}
