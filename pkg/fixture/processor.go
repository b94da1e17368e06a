package fixture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/redisbus"
)

// processLoop is the single-threaded request processor. It sleeps on the
// condition variable, wakes on any catalog mutation (or the poll interval),
// and walks the whole request table: unassigned requests get an assignment
// attempt, assigned ones get their notification re-emitted if the channel is
// missing. Walking everything on every wake is what makes a crashed consumer
// or a lost trigger recoverable.
func (m *Manager) processLoop() {
	defer m.wg.Done()

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if !m.pending && !m.stopping() {
			waitCond(m.cond, m.config.ProcessInterval)
		}

		if m.stopping() {
			return
		}

		m.pending = false

		m.processAll(context.Background())
	}
}

// waitCond waits on c with an upper bound; the caller holds c.L.
func waitCond(c *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, c.Broadcast)
	defer timer.Stop()

	c.Wait()
}

// processAll runs one pass over the request table. The caller holds m.mu;
// synchronous admission takes the same lock for its immediate attempt, so a
// pass and a sync attempt never interleave.
func (m *Manager) processAll(ctx context.Context) {
	requests, err := m.store.ListFixtureRequests(ctx)
	if err != nil {
		m.logger.Error("Failed to list fixture requests", "error", err)

		return
	}

	for _, req := range requests {
		if req.Assigned() {
			m.maybeNotify(ctx, req)

			continue
		}

		assigned, err := m.processRequest(ctx, req)
		if err != nil {
			m.logger.Error("Failed to process fixture request", "service_id", req.ServiceID, "error", err)

			continue
		}

		if assigned {
			m.logger.InfoContext(ctx, "Assigned fixture request", "service_id", req.ServiceID)
		}
	}
}

// processRequest attempts one assignment. Returns false with a nil error when
// the request is simply not satisfiable right now. The caller holds m.mu.
func (m *Manager) processRequest(ctx context.Context, req *models.FixtureRequest) (bool, error) {
	a := &assignment{}

	if len(req.Requirements) > 0 {
		instances, err := m.store.ListFixtureInstances(ctx)
		if err != nil {
			return false, err
		}

		a.instances = matchInstances(req, instances)
		if a.instances == nil {
			return false, nil
		}
	}

	vols, err := m.matchVolumes(ctx, req)
	if err != nil {
		return false, err
	}

	if len(req.VolRequirements) > 0 && vols == nil {
		return false, nil
	}

	a.volumes = vols

	err = m.reserve(ctx, req, a)
	if errors.Is(err, errLostRace) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	m.maybeNotify(ctx, req)

	return true, nil
}

// maybeNotify pushes the full request document onto its notification channel
// once the assignment is complete and every assigned volume is ACTIVE.
// An existing channel entry suppresses the push.
func (m *Manager) maybeNotify(ctx context.Context, req *models.FixtureRequest) {
	if !req.Assigned() {
		return
	}

	settled, err := m.volumesActive(ctx, req)
	if err != nil || !settled {
		return
	}

	key := redisbus.NotificationKey(req.ServiceID)

	if exists, err := m.bus.HasKey(ctx, key); err != nil || exists {
		return
	}

	m.refreshVolAssignment(ctx, req)

	err = m.bus.PushNotification(ctx, key, req)
	if err != nil {
		m.logger.Error("Failed to push assignment notification", "service_id", req.ServiceID, "error", err)
	}
}
