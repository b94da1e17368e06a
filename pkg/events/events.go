// Package events defines the status stream flowing from executors to the
// admission controller and the platform notification events.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Kafka topics.
const StatusTopic = "axplatform.workflow.status"  // Executor node / workflow status reports
const NotificationTopic = "axplatform.notifications" // Operator-facing alerts

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	NodeStatusEventType     EventType = "workflow.node.status"
	WorkflowStatusEventType EventType = "workflow.status"
	NotificationEventType   EventType = "platform.notification"
)

// NodeStatus is the state an executor reports for a single node. Reports are
// ordered per workflow by sn; consumers must treat an out-of-order sn as a
// stale duplicate.
type NodeStatus string

const (
	NodeWaiting          NodeStatus = "WAITING"
	NodeRunning          NodeStatus = "RUNNING"
	NodeLoadingArtifacts NodeStatus = "LOADING_ARTIFACTS"
	NodeSavingArtifacts  NodeStatus = "SAVING_ARTIFACTS"
	NodeSucceed          NodeStatus = "SUCCEED"
	NodeFailed           NodeStatus = "FAILED"
	NodeInterrupted      NodeStatus = "INTERRUPTED"
	NodeForceTerminated  NodeStatus = "FORCE_TERMINATED"
)

// Terminal reports whether the status ends the node's lifecycle.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSucceed, NodeFailed, NodeInterrupted, NodeForceTerminated:
		return true
	}

	return false
}

type BaseEvent struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	RootWorkflowID string         `json:"root_workflow_id"`
	ReporterID     string         `json:"reporter_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NodeStatusEvent is one executor report about one node.
type NodeStatusEvent struct {
	BaseEvent

	NodeID      string         `json:"node_id"`
	ServiceName string         `json:"service_name,omitempty"`
	SN          int64          `json:"sn"`
	Status      NodeStatus     `json:"status"`
	Detail      map[string]any `json:"detail,omitempty"`
}

func (e NodeStatusEvent) GetType() EventType {
	return NodeStatusEventType
}

// WorkflowStatusEvent is the executor's terminal verdict for the whole tree,
// or an admission-side status transition other services care about.
type WorkflowStatusEvent struct {
	BaseEvent

	Status     string         `json:"status"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

func (e WorkflowStatusEvent) GetType() EventType {
	return WorkflowStatusEventType
}

// NotificationEvent is an operator alert (stale heartbeat, consistency check
// failure, launch trouble). Dedup happens at the sender via redis markers,
// not here.
type NotificationEvent struct {
	BaseEvent

	Code    string         `json:"code"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func (e NotificationEvent) GetType() EventType {
	return NotificationEventType
}

func NewBaseEvent(eventType EventType, rootWorkflowID string) BaseEvent {
	return BaseEvent{
		ID:             uuid.New().String(),
		Type:           eventType,
		Timestamp:      time.Now().UTC(),
		RootWorkflowID: rootWorkflowID,
		Metadata:       make(map[string]any),
	}
}
