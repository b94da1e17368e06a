package fixture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/redisbus"
	"github.com/xeipuuv/gojsonschema"
)

// requestSchema is the structural gate every incoming request passes before
// the semantic checks run.
const requestSchema = `{
	"type": "object",
	"required": ["service_id", "requester"],
	"properties": {
		"service_id": {"type": "string", "minLength": 1},
		"requester": {"enum": ["axworkflowadc", "axamm", "axworkflowexecutor"]},
		"user": {"type": "string"},
		"root_workflow_id": {"type": "string"},
		"application_id": {"type": "string"},
		"application_name": {"type": "string"},
		"deployment_name": {"type": "string"},
		"synchronous": {"type": "boolean"},
		"requirements": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"class": {"type": "string"},
					"name": {"type": "string"},
					"attributes": {"type": "object"}
				},
				"additionalProperties": false
			}
		},
		"vol_requirements": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"axrn": {"type": "string"},
					"storage_class": {"type": "string"},
					"size_gb": {"type": "number", "exclusiveMinimum": 0}
				},
				"additionalProperties": false
			}
		}
	}
}`

var compiledRequestSchema = gojsonschema.NewStringLoader(requestSchema)

// NormalizeRequest decodes and structurally validates a raw request body.
func NormalizeRequest(body []byte) (*models.FixtureRequest, error) {
	result, err := gojsonschema.Validate(compiledRequestSchema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, axerror.ErrInvalidParam.WithDetailf("unparseable request: %v", err)
	}

	if !result.Valid() {
		return nil, axerror.ErrInvalidParam.WithDetailf("invalid request: %v", result.Errors())
	}

	var req models.FixtureRequest

	err = json.Unmarshal(body, &req)
	if err != nil {
		return nil, axerror.ErrInvalidParam.WithDetailf("unparseable request: %v", err)
	}

	// Server-assigned fields never come from the caller.
	req.Assignment = nil
	req.VolAssignment = nil
	req.AssignmentTime = 0

	return &req, nil
}

// CreateRequest admits a reservation request. An identical re-POST returns
// the existing entity; a conflicting one is rejected. Synchronous requests
// either return fully assigned (with every volume ACTIVE) or leave no trace.
func (m *Manager) CreateRequest(ctx context.Context, req *models.FixtureRequest) (*models.FixtureRequest, error) {
	err := m.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	existing, err := m.store.GetFixtureRequest(ctx, req.ServiceID)
	if err != nil && !errors.Is(err, axdb.ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		if !sameDemand(existing, req) {
			return nil, axerror.ErrInvalidParam.WithDetailf("service %s already has a different request", req.ServiceID)
		}

		return existing, nil
	}

	req.RequestTime = models.NowMilli()

	err = m.store.CreateFixtureRequest(ctx, req)
	if err != nil {
		if errors.Is(err, axdb.ErrAlreadyExists) {
			return m.store.GetFixtureRequest(ctx, req.ServiceID)
		}

		return nil, err
	}

	if !req.Synchronous {
		m.Trigger()

		return req, nil
	}

	return m.assignSynchronously(ctx, req)
}

// admit runs the semantic admission checks of a normalized request.
func (m *Manager) admit(ctx context.Context, req *models.FixtureRequest) error {
	if len(req.Requirements) == 0 && len(req.VolRequirements) == 0 {
		return axerror.ErrInvalidParam.New("request has neither fixture nor volume requirements")
	}

	for ref, vr := range req.VolRequirements {
		if !vr.Anonymous() {
			if _, err := m.store.GetVolumeByAXRN(ctx, vr.AXRN); errors.Is(err, axdb.ErrNotFound) {
				return axerror.ErrResourceNotFound.WithDetailf("volume %s does not exist", vr.AXRN)
			} else if err != nil {
				return err
			}

			continue
		}

		if req.User == "" || vr.StorageClass == "" || vr.SizeGB <= 0 {
			return axerror.ErrInvalidParam.WithDetailf(
				"anonymous volume %q needs user, storage_class and size_gb", ref)
		}

		if _, err := m.store.GetStorageClassByName(ctx, vr.StorageClass); errors.Is(err, axdb.ErrNotFound) {
			return axerror.ErrResourceNotFound.WithDetailf("storage class %s does not exist", vr.StorageClass)
		} else if err != nil {
			return err
		}
	}

	if len(req.Requirements) == 0 {
		return nil
	}

	// Feasibility: each requirement must have at least one catalog instance
	// that could ever satisfy it, reservable or not.
	instances, err := m.store.ListFixtureInstances(ctx)
	if err != nil {
		return err
	}

	for ref, requirement := range req.Requirements {
		feasible := false

		for _, inst := range instances {
			if inst.Status == models.InstanceDeleted {
				continue
			}

			if catalogMatches(requirement, inst) {
				feasible = true

				break
			}
		}

		if !feasible {
			return axerror.ErrResourceNotFound.WithDetailf("requirement %q cannot be satisfied by any instance", ref)
		}
	}

	return nil
}

// catalogMatches is the feasibility variant of instanceMatches: it ignores
// enabled/status/concurrency and only asks whether the instance is of the
// right shape.
func catalogMatches(req models.Requirement, inst *models.FixtureInstance) bool {
	if req.Class != "" && req.Class != inst.ClassName && req.Class != inst.ClassID {
		return false
	}

	if req.Name != "" && req.Name != inst.Name {
		return false
	}

	for name, wanted := range req.Attributes {
		if !attributeMatches(inst.Attributes[name], wanted) {
			return false
		}
	}

	return true
}

func sameDemand(a, b *models.FixtureRequest) bool {
	return a.Requester == b.Requester &&
		reflect.DeepEqual(a.Requirements, b.Requirements) &&
		reflect.DeepEqual(a.VolRequirements, b.VolRequirements)
}

// assignSynchronously attempts an immediate assignment under the processor
// lock; on a miss the freshly created row is removed and 404 returned. On a
// hit, the call blocks until every assigned volume is ACTIVE or the sync
// timeout fires.
func (m *Manager) assignSynchronously(ctx context.Context, req *models.FixtureRequest) (*models.FixtureRequest, error) {
	m.mu.Lock()
	assigned, err := m.processRequest(ctx, req)
	m.mu.Unlock()

	if err != nil || !assigned {
		if delErr := m.store.DeleteFixtureRequest(ctx, req.ServiceID); delErr != nil {
			m.logger.Error("Failed to remove unassignable request", "service_id", req.ServiceID, "error", delErr)
		}

		if err != nil {
			return nil, err
		}

		return nil, axerror.ErrResourceNotFound.WithDetailf("cannot allocate request %s now", req.ServiceID)
	}

	deadline := time.Now().Add(m.config.SyncTimeout)

	for {
		settled, err := m.volumesActive(ctx, req)
		if err != nil {
			return nil, err
		}

		if settled {
			break
		}

		if time.Now().After(deadline) {
			return nil, axerror.ErrTimeout.WithDetailf("volumes for %s did not become active in %s",
				req.ServiceID, m.config.SyncTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	// Re-read so the response carries the final volume documents.
	out, err := m.store.GetFixtureRequest(ctx, req.ServiceID)
	if err != nil {
		return nil, err
	}

	m.refreshVolAssignment(ctx, out)
	m.maybeNotify(ctx, out)

	return out, nil
}

func (m *Manager) volumesActive(ctx context.Context, req *models.FixtureRequest) (bool, error) {
	for _, doc := range req.VolAssignment {
		id, _ := doc["id"].(string)

		vol, err := m.store.GetVolume(ctx, id)
		if err != nil {
			return false, fmt.Errorf("failed to read assigned volume %s: %w", id, err)
		}

		if vol.Status != models.VolumeActive {
			return false, nil
		}
	}

	return true, nil
}

// refreshVolAssignment re-flattens the assigned volumes so status and
// resource_id reflect the post-provisioning state.
func (m *Manager) refreshVolAssignment(ctx context.Context, req *models.FixtureRequest) {
	changed := false

	for ref, doc := range req.VolAssignment {
		id, _ := doc["id"].(string)

		vol, err := m.store.GetVolume(ctx, id)
		if err != nil {
			continue
		}

		req.VolAssignment[ref] = vol.Flatten()
		changed = true
	}

	if changed {
		if err := m.store.UpdateFixtureRequest(ctx, req); err != nil {
			m.logger.Error("Failed to refresh vol assignment", "service_id", req.ServiceID, "error", err)
		}
	}
}

func (m *Manager) GetRequest(ctx context.Context, serviceID string) (*models.FixtureRequest, error) {
	req, err := m.store.GetFixtureRequest(ctx, serviceID)
	if errors.Is(err, axdb.ErrNotFound) {
		return nil, axerror.ErrResourceNotFound.WithDetailf("fixture request %s", serviceID)
	}

	return req, err
}

func (m *Manager) ListRequests(ctx context.Context) ([]*models.FixtureRequest, error) {
	return m.store.ListFixtureRequests(ctx)
}

// DeleteRequest releases every reservation the request holds, deletes the
// anonymous volumes it owns, and removes the row. Deleting an absent request
// is not an error.
func (m *Manager) DeleteRequest(ctx context.Context, serviceID string) error {
	req, err := m.store.GetFixtureRequest(ctx, serviceID)
	if errors.Is(err, axdb.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	err = m.releaseAssignment(ctx, req)
	if err != nil {
		return err
	}

	err = m.store.DeleteFixtureRequest(ctx, serviceID)
	if err != nil && !errors.Is(err, axdb.ErrNotFound) {
		return err
	}

	err = m.bus.Delete(ctx, redisbus.NotificationKey(serviceID), redisbus.AssignmentKey(serviceID))
	if err != nil {
		m.logger.Error("Failed to clear request channels", "service_id", serviceID, "error", err)
	}

	m.Trigger()

	return nil
}

// releaseAssignment removes the request's referrer from every assigned
// resource and starts deletion of its anonymous volumes.
func (m *Manager) releaseAssignment(ctx context.Context, req *models.FixtureRequest) error {
	for _, doc := range req.Assignment {
		id, _ := doc["id"].(string)
		if id == "" {
			continue
		}

		err := m.withInstance(ctx, id, func(inst *models.FixtureInstance) error {
			if !inst.Referrers.Remove(req.ServiceID) {
				return errUnchanged
			}

			return nil
		})
		if err != nil && !errors.Is(err, axerror.ErrResourceNotFound) {
			return err
		}
	}

	for _, doc := range req.VolAssignment {
		id, _ := doc["id"].(string)
		if id == "" {
			continue
		}

		vol, err := m.store.GetVolume(ctx, id)
		if errors.Is(err, axdb.ErrNotFound) {
			continue
		}

		if err != nil {
			return err
		}

		release := m.locks.Acquire(vol.ID)

		if vol.Referrers.Remove(req.ServiceID) {
			vol.Mtime = models.NowMilli()

			err = m.store.UpdateVolume(ctx, vol)
		}
		release()

		if err != nil {
			return err
		}

		if vol.Anonymous && len(vol.Referrers) == 0 {
			if err := m.volumes.DeleteVolume(ctx, vol.ID); err != nil {
				m.logger.Error("Failed to delete anonymous volume", "volume_id", vol.ID, "error", err)
			}
		}
	}

	return nil
}
