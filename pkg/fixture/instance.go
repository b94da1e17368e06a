package fixture

import (
	"context"
	"errors"
	"fmt"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/fsm"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/google/uuid"
)

// errUnchanged tells withInstance to skip the persist step.
var errUnchanged = errors.New("instance unchanged")

// withInstance runs fn on a freshly-read instance under its per-id lock and
// persists the mutation.
func (m *Manager) withInstance(ctx context.Context, id string, fn func(inst *models.FixtureInstance) error) error {
	release := m.locks.Acquire(id)
	defer release()

	inst, err := m.store.GetFixtureInstance(ctx, id)
	if err != nil {
		if errors.Is(err, axdb.ErrNotFound) {
			return axerror.ErrResourceNotFound.WithDetailf("fixture instance %s", id)
		}

		return err
	}

	err = fn(inst)
	if errors.Is(err, errUnchanged) {
		return nil
	}

	if err != nil {
		return err
	}

	inst.Mtime = models.NowMilli()

	return m.store.UpdateFixtureInstance(ctx, inst)
}

// fire drives the instance state machine and maps illegal transitions to the
// user-facing taxonomy.
func fire(inst *models.FixtureInstance, trigger string) error {
	machine := fsm.New(fsm.State(inst.Status), models.InstanceTransitions)

	next, err := machine.Fire(fsm.Trigger(trigger))
	if err != nil {
		return axerror.ErrIllegalOperation.WithDetailf("instance %s: cannot %s while %s", inst.Name, trigger, inst.Status)
	}

	inst.Status = models.FixtureInstanceStatus(next)

	return nil
}

func machineAllows(inst *models.FixtureInstance, trigger string) bool {
	return fsm.New(fsm.State(inst.Status), models.InstanceTransitions).CanFire(fsm.Trigger(trigger))
}

// CreateInstanceRequest is the POST /v1/fixture/instances payload.
type CreateInstanceRequest struct {
	Name        string         `json:"name" validate:"required"`
	Class       string         `json:"class" validate:"required"`
	Owner       string         `json:"owner,omitempty"`
	Creator     string         `json:"creator,omitempty"`
	Concurrency int            `json:"concurrency,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`

	// MarkActive bypasses the create action for pre-existing physical
	// resources being imported into the catalog.
	MarkActive bool `json:"mark_active,omitempty"`
}

// CreateInstance validates the attributes against the class schema and either
// launches the class's create action or marks the instance active directly.
func (m *Manager) CreateInstance(ctx context.Context, req *CreateInstanceRequest) (*models.FixtureInstance, error) {
	class, err := m.GetClass(ctx, req.Class)
	if err != nil {
		return nil, err
	}

	instances, err := m.store.ListFixtureInstances(ctx)
	if err != nil {
		return nil, err
	}

	for _, other := range instances {
		if other.ClassID == class.ID && other.Name == req.Name && other.Status != models.InstanceDeleted {
			return nil, axerror.ErrInvalidParam.WithDetailf("instance name %q already in use in class %s", req.Name, class.Name)
		}
	}

	attrs, err := normalizeAttributes(class, req.Attributes)
	if err != nil {
		return nil, err
	}

	now := models.NowMilli()
	inst := &models.FixtureInstance{
		ID:          uuid.New().String(),
		Name:        req.Name,
		ClassID:     class.ID,
		ClassName:   class.Name,
		Enabled:     true,
		Owner:       req.Owner,
		Creator:     req.Creator,
		Concurrency: req.Concurrency,
		Referrers:   models.Referrers{},
		Attributes:  attrs,
		Status:      models.InstanceInit,
		Ctime:       now,
		Mtime:       now,
		Atime:       now,
	}

	err = m.store.CreateFixtureInstance(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("failed to persist instance %s: %w", inst.Name, err)
	}

	action, hasCreate := class.Actions["create"]

	switch {
	case req.MarkActive || !hasCreate:
		err = m.withInstance(ctx, inst.ID, func(inst *models.FixtureInstance) error {
			return fire(inst, "mark_active")
		})
	default:
		err = m.launchAction(ctx, inst.ID, "create", "create", action, nil)
	}

	if err != nil {
		return nil, err
	}

	m.Trigger()

	return m.store.GetFixtureInstance(ctx, inst.ID)
}

func (m *Manager) GetInstance(ctx context.Context, id string) (*models.FixtureInstance, error) {
	inst, err := m.store.GetFixtureInstance(ctx, id)
	if errors.Is(err, axdb.ErrNotFound) {
		return nil, axerror.ErrResourceNotFound.WithDetailf("fixture instance %s", id)
	}

	return inst, err
}

func (m *Manager) ListInstances(ctx context.Context) ([]*models.FixtureInstance, error) {
	return m.store.ListFixtureInstances(ctx)
}

// UpdateInstanceRequest is the PUT /v1/fixture/instances/<id> payload. Nil
// fields are left untouched.
type UpdateInstanceRequest struct {
	Enabled       *bool          `json:"enabled,omitempty"`
	DisableReason string         `json:"disable_reason,omitempty"`
	Owner         *string        `json:"owner,omitempty"`
	Concurrency   *int           `json:"concurrency,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

func (m *Manager) UpdateInstance(ctx context.Context, id string, req *UpdateInstanceRequest) (*models.FixtureInstance, error) {
	err := m.withInstance(ctx, id, func(inst *models.FixtureInstance) error {
		if req.Attributes != nil {
			class, err := m.GetClass(ctx, inst.ClassID)
			if err != nil {
				return err
			}

			attrs, err := normalizeAttributes(class, req.Attributes)
			if err != nil {
				return err
			}

			inst.Attributes = attrs
		}

		if req.Enabled != nil {
			inst.Enabled = *req.Enabled
			if inst.Enabled {
				inst.DisableReason = ""
			} else {
				inst.DisableReason = req.DisableReason
			}
		}

		if req.Owner != nil {
			inst.Owner = *req.Owner
		}

		if req.Concurrency != nil {
			inst.Concurrency = *req.Concurrency
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	m.Trigger()

	return m.store.GetFixtureInstance(ctx, id)
}

// DeleteInstance launches the class's delete action, or marks the row
// deleted directly when the class has none. Instances holding reservations
// cannot be deleted.
func (m *Manager) DeleteInstance(ctx context.Context, id string) error {
	inst, err := m.GetInstance(ctx, id)
	if err != nil {
		return err
	}

	if len(inst.Referrers) > 0 {
		return axerror.ErrIllegalOperation.WithDetailf("instance %s is reserved by %v", inst.Name, inst.Referrers.ServiceIDs())
	}

	class, err := m.GetClass(ctx, inst.ClassID)
	if err != nil {
		return err
	}

	action, hasDelete := class.Actions["delete"]
	if hasDelete && inst.Status != models.InstanceInit {
		return m.launchAction(ctx, inst.ID, "delete", "delete", action, nil)
	}

	// No delete action: walk the machine straight to DELETED.
	err = m.withInstance(ctx, inst.ID, func(inst *models.FixtureInstance) error {
		if machineAllows(inst, "mark_deleted") {
			return fire(inst, "mark_deleted")
		}

		if err := fire(inst, "delete"); err != nil {
			return err
		}

		return fire(inst, "action_success")
	})
	if err != nil {
		return err
	}

	m.Trigger()

	return nil
}

// RunAction launches a named class action against an ACTIVE instance, moving
// it to OPERATING until the action result arrives.
func (m *Manager) RunAction(ctx context.Context, id, name string, arguments map[string]any) (*models.FixtureInstance, error) {
	inst, err := m.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}

	class, err := m.GetClass(ctx, inst.ClassID)
	if err != nil {
		return nil, err
	}

	action, ok := class.Actions[name]
	if !ok {
		return nil, axerror.ErrResourceNotFound.WithDetailf("class %s has no action %q", class.Name, name)
	}

	err = m.launchAction(ctx, id, name, "operate", action, arguments)
	if err != nil {
		return nil, err
	}

	return m.store.GetFixtureInstance(ctx, id)
}

// launchAction submits the action job and records it as the instance's
// in-flight operation, firing the matching lifecycle trigger.
func (m *Manager) launchAction(ctx context.Context, id, name, trigger string, action models.ClassAction, arguments map[string]any) error {
	if m.jobs == nil {
		return axerror.ErrServiceUnavailable.New("no job client configured")
	}

	return m.withInstance(ctx, id, func(inst *models.FixtureInstance) error {
		if inst.Operation != nil {
			return axerror.ErrIllegalOperation.WithDetailf("instance %s already runs action %s", inst.Name, inst.Operation.Name)
		}

		if err := fire(inst, trigger); err != nil {
			return err
		}

		params := make(map[string]any, len(action.Parameters)+len(arguments))
		for k, v := range action.Parameters {
			params[k] = v
		}

		for k, v := range arguments {
			params[k] = v
		}

		service := map[string]any{
			"template":   action.Template,
			"parameters": params,
			"instance": map[string]any{
				"id":         inst.ID,
				"name":       inst.Name,
				"class_name": inst.ClassName,
				"attributes": inst.Attributes,
			},
		}

		jobID, err := m.jobs.SubmitJob(ctx, service)
		if err != nil {
			return fmt.Errorf("failed to submit action %s for %s: %w", name, inst.Name, err)
		}

		inst.Operation = &models.InstanceOperation{ID: jobID, Name: name}

		return nil
	})
}

// ActionResult is the POST /v1/fixture/action_result payload reported when an
// action job reaches a terminal state.
type ActionResult struct {
	ServiceID string         `json:"service_id" validate:"required"`
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
}

// HandleActionResult settles the instance whose in-flight operation matches
// the completed job: fires the terminal transition, merges action-produced
// attributes (invalid values are notified and dropped), and applies the
// action's on_success/on_failure enabled flip.
func (m *Manager) HandleActionResult(ctx context.Context, result *ActionResult) error {
	instances, err := m.store.ListFixtureInstances(ctx)
	if err != nil {
		return err
	}

	var target *models.FixtureInstance

	for _, inst := range instances {
		if inst.Operation != nil && inst.Operation.ID == result.ServiceID {
			target = inst

			break
		}
	}

	if target == nil {
		return axerror.ErrResourceNotFound.WithDetailf("no instance is running job %s", result.ServiceID)
	}

	class, err := m.GetClass(ctx, target.ClassID)
	if err != nil {
		return err
	}

	err = m.withInstance(ctx, target.ID, func(inst *models.FixtureInstance) error {
		if inst.Operation == nil || inst.Operation.ID != result.ServiceID {
			return errUnchanged // settled by a concurrent report
		}

		actionName := inst.Operation.Name

		trigger := "action_success"
		if !result.Success {
			trigger = "action_failure"
		}

		if err := fire(inst, trigger); err != nil {
			return err
		}

		inst.Operation = nil
		inst.StatusDetail = map[string]any{"code": trigger}

		if result.Message != "" {
			inst.StatusDetail["message"] = result.Message
		}

		if len(result.Artifacts) > 0 {
			dropped := mergeArtifactAttributes(class, inst, result.Artifacts)
			if len(dropped) > 0 {
				m.notify(ctx, "bad-artifact:"+result.ServiceID, "INVALID_ACTION_ARTIFACT",
					fmt.Sprintf("action %s on %s produced invalid attribute values", actionName, inst.Name),
					map[string]any{"instance_id": inst.ID, "dropped": dropped})
			}
		}

		applyStateFlip(inst, class.Actions[actionName], result.Success, result.Message)

		return nil
	})
	if err != nil {
		return err
	}

	// A DELETED row keeps no reservations and the processor may now have a
	// newly ACTIVE candidate.
	m.Trigger()

	return nil
}

func applyStateFlip(inst *models.FixtureInstance, action models.ClassAction, success bool, message string) {
	flip := action.OnFailure
	if success {
		flip = action.OnSuccess
	}

	switch flip {
	case "enable":
		inst.Enabled = true
		inst.DisableReason = ""
	case "disable":
		inst.Enabled = false
		inst.DisableReason = message
	}
}
