// Package axdb is the typed-table client over the platform's durable store.
//
// Every status-bearing update is a conditional compare-and-swap; callers that
// lose a race get ErrConditionFailed and are expected to re-read and retry
// (pkg/retry.ConditionalUpdate is the shared policy).
package axdb

import (
	"context"
	"errors"

	"github.com/axialops/axplatform/pkg/models"
)

// Table names; kept in one place because the postgres backend derives its DDL
// from them and the tests reference them.
const (
	TableWorkflows         = "workflows"
	TableWorkflowEvents    = "workflow_events"
	TableNodeResults       = "workflow_node_results"
	TableFixtureClasses    = "fixture_classes"
	TableFixtureInstances  = "fixture_instances"
	TableFixtureRequests   = "fixture_requests"
	TableVolumes           = "volumes"
	TableStorageClasses    = "storage_classes"
	TableRetentionPolicies = "retention_policies"
	TableArtifacts         = "artifacts"
	TableArtifactMeta      = "artifact_meta"
	TableReservations      = "resource_reservations"
)

var (
	// ErrNotFound indicates the row does not exist.
	ErrNotFound = errors.New("row not found")

	// ErrAlreadyExists indicates a row with the same key already exists.
	ErrAlreadyExists = errors.New("row already exists")

	// ErrConditionFailed indicates a conditional update lost its race.
	ErrConditionFailed = errors.New("conditional update failed")
)

// IsRetryable reports whether an error should be retried under the
// conditional-update policy.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConditionFailed)
}

// Store is the full table surface the three services share. The postgres
// implementation backs production; the in-memory one backs tests and the
// executor's unit paths.
type Store interface {
	// Workflows.
	CreateWorkflow(ctx context.Context, wf *models.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*models.Workflow, error)
	// UpdateWorkflowStatus CASes id's status from -> to.
	UpdateWorkflowStatus(ctx context.Context, id string, from, to models.WorkflowStatus) error
	// UpdateWorkflow rewrites the non-status fields (resource shrink,
	// template label updates, last-seen).
	UpdateWorkflow(ctx context.Context, wf *models.Workflow) error

	// Workflow event log (append only).
	AppendWorkflowEvent(ctx context.Context, ev *models.WorkflowEvent) error
	ListWorkflowEvents(ctx context.Context, rootID string) ([]*models.WorkflowEvent, error)

	// Node results, listed in sn order.
	InsertNodeResult(ctx context.Context, r *models.NodeResult) error
	ListNodeResults(ctx context.Context, rootID string) ([]*models.NodeResult, error)

	// Key-value metadata (retention progress, executor launch keys).
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
	DeleteMeta(ctx context.Context, key string) error

	// Fixture classes.
	PutFixtureClass(ctx context.Context, class *models.FixtureClass) error
	GetFixtureClass(ctx context.Context, id string) (*models.FixtureClass, error)
	GetFixtureClassByName(ctx context.Context, name string) (*models.FixtureClass, error)
	ListFixtureClasses(ctx context.Context) ([]*models.FixtureClass, error)
	DeleteFixtureClass(ctx context.Context, id string) error

	// Fixture instances. Delete is a physical purge; logical deletion is the
	// DELETED status.
	CreateFixtureInstance(ctx context.Context, inst *models.FixtureInstance) error
	GetFixtureInstance(ctx context.Context, id string) (*models.FixtureInstance, error)
	ListFixtureInstances(ctx context.Context) ([]*models.FixtureInstance, error)
	UpdateFixtureInstance(ctx context.Context, inst *models.FixtureInstance) error
	DeleteFixtureInstance(ctx context.Context, id string) error

	// Fixture requests.
	CreateFixtureRequest(ctx context.Context, req *models.FixtureRequest) error
	GetFixtureRequest(ctx context.Context, serviceID string) (*models.FixtureRequest, error)
	ListFixtureRequests(ctx context.Context) ([]*models.FixtureRequest, error)
	UpdateFixtureRequest(ctx context.Context, req *models.FixtureRequest) error
	DeleteFixtureRequest(ctx context.Context, serviceID string) error

	// Volumes.
	CreateVolume(ctx context.Context, vol *models.Volume) error
	GetVolume(ctx context.Context, id string) (*models.Volume, error)
	GetVolumeByAXRN(ctx context.Context, axrn string) (*models.Volume, error)
	ListVolumes(ctx context.Context) ([]*models.Volume, error)
	UpdateVolume(ctx context.Context, vol *models.Volume) error
	DeleteVolume(ctx context.Context, id string) error

	// Storage classes.
	PutStorageClass(ctx context.Context, sc *models.StorageClass) error
	GetStorageClassByName(ctx context.Context, name string) (*models.StorageClass, error)
	ListStorageClasses(ctx context.Context) ([]*models.StorageClass, error)

	// Retention policies. SwapRetentionTotals CASes the aggregate columns
	// against their prior values.
	PutRetentionPolicy(ctx context.Context, p *models.RetentionPolicy) error
	GetRetentionPolicy(ctx context.Context, tag string) (*models.RetentionPolicy, error)
	ListRetentionPolicies(ctx context.Context) ([]*models.RetentionPolicy, error)
	DeleteRetentionPolicy(ctx context.Context, tag string) error
	SwapRetentionTotals(ctx context.Context, prior, next *models.RetentionPolicy) error

	// Artifacts (external table; retention core only pages and flips rows).
	PageArtifacts(ctx context.Context, afterAXTime int64, limit int) ([]*models.Artifact, error)
	UpdateArtifactDeleted(ctx context.Context, artifactID string, from, to int) error

	// Category reservations. Writes are conditional on the stored timestamp;
	// priorTimestamp 0 means "must not exist yet".
	PutReservation(ctx context.Context, r *models.CategoryReservation, priorTimestamp int64) error
	DeleteReservation(ctx context.Context, resourceID string, priorTimestamp int64) error
	ListReservations(ctx context.Context) ([]*models.CategoryReservation, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
