package fixture

import (
	"context"
	"errors"
	"fmt"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/models"
)

// RunConsistencyChecks executes the hourly repair pass, in order: release
// reservations held by dead workflows, re-derive referrers from the request
// table, synthesize action results lost between the workflow side and us,
// and purge long-deleted instance rows.
func (m *Manager) RunConsistencyChecks(ctx context.Context) error {
	err := m.releaseOrphanedRequests(ctx)
	if err != nil {
		return fmt.Errorf("failed to release orphaned requests: %w", err)
	}

	err = m.repairReferrers(ctx)
	if err != nil {
		return fmt.Errorf("failed to repair referrers: %w", err)
	}

	err = m.settleMissedActions(ctx)
	if err != nil {
		return fmt.Errorf("failed to settle missed actions: %w", err)
	}

	err = m.purgeDeletedInstances(ctx)
	if err != nil {
		return fmt.Errorf("failed to purge deleted instances: %w", err)
	}

	return nil
}

// releaseOrphanedRequests drops workflow-backed requests whose root workflow
// is gone or terminal. Deployment requests are deliberately left alone: a
// deployment's reservation outlives any single workflow and only its owner
// may release it.
func (m *Manager) releaseOrphanedRequests(ctx context.Context) error {
	requests, err := m.store.ListFixtureRequests(ctx)
	if err != nil {
		return err
	}

	for _, req := range requests {
		if req.Requester == models.RequesterAXAMM {
			continue
		}

		if req.RootWorkflowID == "" {
			continue
		}

		wf, err := m.store.GetWorkflow(ctx, req.RootWorkflowID)

		switch {
		case errors.Is(err, axdb.ErrNotFound):
		case err != nil:
			return err
		case !wf.Status.Terminal():
			continue
		}

		m.logger.Info("Releasing orphaned fixture request",
			"service_id", req.ServiceID, "root_workflow_id", req.RootWorkflowID)

		err = m.DeleteRequest(ctx, req.ServiceID)
		if err != nil {
			return err
		}
	}

	return nil
}

// repairReferrers makes every instance's and volume's referrer list agree
// with the request table: a referrer without a backing request row is
// removed, and an assignment without its referrer gets it re-added.
func (m *Manager) repairReferrers(ctx context.Context) error {
	requests, err := m.store.ListFixtureRequests(ctx)
	if err != nil {
		return err
	}

	byService := make(map[string]*models.FixtureRequest, len(requests))
	wantInstance := make(map[string]map[string]bool) // instance id -> service ids
	wantVolume := make(map[string]map[string]bool)

	for _, req := range requests {
		byService[req.ServiceID] = req

		for _, doc := range req.Assignment {
			if id, _ := doc["id"].(string); id != "" {
				if wantInstance[id] == nil {
					wantInstance[id] = make(map[string]bool)
				}

				wantInstance[id][req.ServiceID] = true
			}
		}

		for _, doc := range req.VolAssignment {
			if id, _ := doc["id"].(string); id != "" {
				if wantVolume[id] == nil {
					wantVolume[id] = make(map[string]bool)
				}

				wantVolume[id][req.ServiceID] = true
			}
		}
	}

	instances, err := m.store.ListFixtureInstances(ctx)
	if err != nil {
		return err
	}

	for _, inst := range instances {
		err := m.withInstance(ctx, inst.ID, func(inst *models.FixtureInstance) error {
			if !reconcileReferrers(&inst.Referrers, wantInstance[inst.ID], byService) {
				return errUnchanged
			}

			m.logger.Info("Repaired instance referrers", "instance_id", inst.ID)

			return nil
		})
		if err != nil {
			return err
		}
	}

	volumes, err := m.store.ListVolumes(ctx)
	if err != nil {
		return err
	}

	for _, vol := range volumes {
		release := m.locks.Acquire(vol.ID)

		current, err := m.store.GetVolume(ctx, vol.ID)
		if err != nil {
			release()

			if errors.Is(err, axdb.ErrNotFound) {
				continue
			}

			return err
		}

		if reconcileReferrers(&current.Referrers, wantVolume[current.ID], byService) {
			current.Mtime = models.NowMilli()
			err = m.store.UpdateVolume(ctx, current)

			m.logger.Info("Repaired volume referrers", "volume_id", current.ID)
		}
		release()

		if err != nil {
			return err
		}
	}

	return nil
}

// reconcileReferrers edits rs in place to exactly the wanted service set.
// Reports whether anything changed.
func reconcileReferrers(rs *models.Referrers, want map[string]bool, byService map[string]*models.FixtureRequest) bool {
	changed := false

	for _, serviceID := range rs.ServiceIDs() {
		if !want[serviceID] {
			rs.Remove(serviceID)

			changed = true
		}
	}

	for serviceID := range want {
		if req, ok := byService[serviceID]; ok && rs.Add(req.Referrer()) {
			changed = true
		}
	}

	return changed
}

// settleMissedActions synthesizes the action result for any OPERATING-or-
// transitioning instance whose job already finished but whose report never
// arrived.
func (m *Manager) settleMissedActions(ctx context.Context) error {
	if m.jobs == nil {
		return nil
	}

	instances, err := m.store.ListFixtureInstances(ctx)
	if err != nil {
		return err
	}

	for _, inst := range instances {
		if inst.Operation == nil {
			continue
		}

		status, err := m.jobs.JobStatus(ctx, inst.Operation.ID)
		if err != nil {
			m.logger.Error("Failed to query action job",
				"instance_id", inst.ID, "job_id", inst.Operation.ID, "error", err)

			continue
		}

		if !status.Done {
			continue
		}

		m.logger.Info("Synthesizing missed action result",
			"instance_id", inst.ID, "job_id", inst.Operation.ID, "succeeded", status.Succeeded)

		err = m.HandleActionResult(ctx, &ActionResult{
			ServiceID: inst.Operation.ID,
			Success:   status.Succeeded,
			Artifacts: status.Artifacts,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// purgeDeletedInstances removes rows that have sat in DELETED long enough
// that nobody is coming back for them.
func (m *Manager) purgeDeletedInstances(ctx context.Context) error {
	instances, err := m.store.ListFixtureInstances(ctx)
	if err != nil {
		return err
	}

	cutoff := models.NowMilli() - m.config.PurgeDeletedAfter.Milliseconds()

	for _, inst := range instances {
		if inst.Status != models.InstanceDeleted || inst.Mtime >= cutoff {
			continue
		}

		err := m.store.DeleteFixtureInstance(ctx, inst.ID)
		if err != nil && !errors.Is(err, axdb.ErrNotFound) {
			return err
		}
	}

	return nil
}
