package adc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/models"
)

// ReserveCategory records an external (non-workflow) resource reservation,
// deducting from the same cluster counter that admissions use. Concurrent
// operations on the same resource id are rejected via the intermediate set.
func (m *Manager) ReserveCategory(ctx context.Context, r *models.CategoryReservation) error {
	if r.ResourceID == "" || r.Category == "" {
		return axerror.ErrInvalidParam.New("resource_id and category are required")
	}

	if r.Resource.IsZero() {
		return axerror.ErrInvalidParam.New("reservation resource must be non-zero")
	}

	release, err := m.enterReserving(r.ResourceID)
	if err != nil {
		return err
	}
	defer release()

	prior, priorTimestamp, err := m.priorReservation(ctx, r.ResourceID)
	if err != nil {
		return err
	}

	r.Timestamp = models.NowMilli()

	// deduct in memory first; undone below if the store write fails
	m.mu.Lock()
	if prior != nil {
		m.used = m.used.Sub(prior.Resource)
	}

	if !m.used.Add(r.Resource).Fits(m.config.ClusterTotal) {
		if prior != nil {
			m.used = m.used.Add(prior.Resource)
		}
		m.mu.Unlock()

		return axerror.ErrIllegalOperation.WithDetailf(
			"reservation %s does not fit: used %v, total %v", r.ResourceID, m.used, m.config.ClusterTotal)
	}

	m.used = m.used.Add(r.Resource)
	m.reservations[r.ResourceID] = r
	m.mu.Unlock()

	err = m.store.PutReservation(ctx, r, priorTimestamp)
	if err != nil {
		// DB write failed: undo the in-memory deduction
		m.mu.Lock()
		m.used = m.used.Sub(r.Resource)
		if prior != nil {
			m.used = m.used.Add(prior.Resource)
			m.reservations[r.ResourceID] = prior
		} else {
			delete(m.reservations, r.ResourceID)
		}
		m.mu.Unlock()

		if errors.Is(err, axdb.ErrConditionFailed) {
			return axerror.ErrConditionalUpdate.WithDetailf("reservation %s changed concurrently", r.ResourceID)
		}

		return err
	}

	m.cond.Broadcast()

	m.logger.InfoContext(ctx, "Category reservation recorded",
		"resource_id", r.ResourceID, "category", r.Category, "resource", r.Resource)

	return nil
}

// ReleaseCategory drops a reservation by resource id. The delete is
// conditional on the timestamp we hold so a concurrent refresh wins.
func (m *Manager) ReleaseCategory(ctx context.Context, resourceID string) error {
	release, err := m.enterReserving(resourceID)
	if err != nil {
		return err
	}
	defer release()

	prior, priorTimestamp, err := m.priorReservation(ctx, resourceID)
	if err != nil {
		return err
	}

	if prior == nil {
		return axerror.ErrResourceNotFound.WithDetailf("reservation %s", resourceID)
	}

	err = m.store.DeleteReservation(ctx, resourceID, priorTimestamp)
	if err != nil {
		if errors.Is(err, axdb.ErrConditionFailed) {
			return axerror.ErrConditionalUpdate.WithDetailf("reservation %s changed concurrently", resourceID)
		}

		return err
	}

	m.mu.Lock()
	m.used = m.used.Sub(prior.Resource)
	delete(m.reservations, resourceID)
	m.mu.Unlock()

	m.cond.Broadcast()

	m.logger.InfoContext(ctx, "Category reservation released", "resource_id", resourceID)

	return nil
}

// ListReservations returns the live in-memory reservation view.
func (m *Manager) ListReservations() []*models.CategoryReservation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.CategoryReservation, 0, len(m.reservations))
	for _, r := range m.reservations {
		out = append(out, r)
	}

	return out
}

// enterReserving claims the intermediate-set slot for a resource id.
func (m *Manager) enterReserving(resourceID string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.reserving[resourceID]; busy {
		return nil, axerror.ErrIllegalOperation.WithDetailf(
			"another operation on reservation %s is in progress", resourceID)
	}

	m.reserving[resourceID] = struct{}{}

	return func() {
		m.mu.Lock()
		delete(m.reserving, resourceID)
		m.mu.Unlock()
	}, nil
}

func (m *Manager) priorReservation(ctx context.Context, resourceID string) (*models.CategoryReservation, int64, error) {
	m.mu.Lock()
	prior := m.reservations[resourceID]
	m.mu.Unlock()

	if prior != nil {
		return prior, prior.Timestamp, nil
	}

	// another controller instance may own a row we have not seen
	reservations, err := m.store.ListReservations(ctx)
	if err != nil {
		return nil, 0, err
	}

	for _, r := range reservations {
		if r.ResourceID == resourceID {
			return r, r.Timestamp, nil
		}
	}

	return nil, 0, nil
}

// releaseWorkflowReservations drops reservations whose detail names the
// finalized workflow.
func (m *Manager) releaseWorkflowReservations(ctx context.Context, workflowID string) {
	m.mu.Lock()
	var owned []string

	for id, r := range m.reservations {
		if strings.Contains(r.Detail, workflowID) {
			owned = append(owned, id)
		}
	}
	m.mu.Unlock()

	for _, id := range owned {
		err := m.ReleaseCategory(ctx, id)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to release workflow reservation",
				"workflow_id", workflowID, "resource_id", id, "error", err)
		}
	}
}

// sweeperLoop expires category reservations whose ttl has passed.
func (m *Manager) sweeperLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SweeperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepReservations(ctx)
		}
	}
}

func (m *Manager) sweepReservations(ctx context.Context) {
	now := models.NowMilli()

	m.mu.Lock()
	var expired []string

	for id, r := range m.reservations {
		if r.Expired(now) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		err := m.ReleaseCategory(ctx, id)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to expire reservation", "resource_id", id, "error", err)

			continue
		}

		m.logger.InfoContext(ctx, "Category reservation expired", "resource_id", id)
	}
}
