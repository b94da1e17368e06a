// Package volume implements the volume side of the fixture manager: a worker
// pool that drives volumes through their lifecycle against the container
// runtime, plus the CRUD surface behind /v1/storage/volumes.
package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/axsys"
	"github.com/axialops/axplatform/pkg/fsm"
	"github.com/axialops/axplatform/pkg/lockmanager"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/google/uuid"
)

// Config carries the worker-pool sizing and retry pacing.
type Config struct {
	Workers       int
	RetryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:       4,
		RetryInterval: 2 * time.Minute,
	}
}

// Manager owns the volume table and the workers that reconcile it against
// the runtime.
type Manager struct {
	logger  *slog.Logger
	store   axdb.Store
	runtime axsys.Client
	locks   *lockmanager.Manager
	config  Config

	queue *workQueue

	inflightMu sync.Mutex
	inflight   map[string]bool

	// waker pokes the fixture request processor after a volume changes in a
	// way that may unblock a pending request. Called only from worker
	// goroutines, never inline with a caller that may hold the processor
	// lock.
	waker func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewManager(logger *slog.Logger, store axdb.Store, runtime axsys.Client, config Config) *Manager {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}

	return &Manager{
		logger:   logger.With("module", "volume"),
		store:    store,
		runtime:  runtime,
		locks:    lockmanager.New(),
		config:   config,
		queue:    newWorkQueue(),
		inflight: make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// SetWaker wires the fixture processor trigger; must be called before Start.
func (m *Manager) SetWaker(waker func()) {
	m.waker = waker
}

// Start requeues every unsettled volume and launches the pool.
func (m *Manager) Start(ctx context.Context) error {
	volumes, err := m.store.ListVolumes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list volumes: %w", err)
	}

	for _, vol := range volumes {
		if vol.Status != models.VolumeActive {
			m.queue.Push(vol.ID, vol.Mtime)
		}
	}

	for i := 0; i < m.config.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	m.wg.Add(1)
	go m.retryLoop()

	m.logger.InfoContext(ctx, "Volume manager started", "workers", m.config.Workers)

	return nil
}

func (m *Manager) Stop() {
	close(m.stopCh)
	m.queue.Close()
	m.wg.Wait()
}

func (m *Manager) wake() {
	if m.waker != nil {
		m.waker()
	}
}

// resourceName is the substrate-side name of a volume.
func resourceName(vol *models.Volume) string {
	return "axvol-" + vol.ID
}

func fireVolume(vol *models.Volume, trigger string) error {
	machine := fsm.New(fsm.State(vol.Status), models.VolumeTransitions)

	next, err := machine.Fire(fsm.Trigger(trigger))
	if err != nil {
		return axerror.ErrIllegalOperation.WithDetailf("volume %s: cannot %s while %s", vol.AXRN, trigger, vol.Status)
	}

	vol.Status = models.VolumeStatus(next)

	return nil
}

// CreateVolume persists a new volume row and hands it to the worker pool.
// Satisfies the fixture manager's VolumeService.
func (m *Manager) CreateVolume(ctx context.Context, vol *models.Volume) (*models.Volume, error) {
	if vol.AXRN == "" {
		return nil, axerror.ErrInvalidParam.New("volume has no axrn")
	}

	if vol.StorageClass == "" {
		return nil, axerror.ErrInvalidParam.New("volume has no storage_class")
	}

	if vol.SizeGB() <= 0 {
		return nil, axerror.ErrInvalidParam.New("volume needs a positive size_gb attribute")
	}

	if _, err := m.store.GetStorageClassByName(ctx, vol.StorageClass); errors.Is(err, axdb.ErrNotFound) {
		return nil, axerror.ErrResourceNotFound.WithDetailf("storage class %s does not exist", vol.StorageClass)
	} else if err != nil {
		return nil, err
	}

	if vol.ID == "" {
		vol.ID = uuid.New().String()
	}

	if vol.Ctime == 0 {
		now := models.NowMilli()
		vol.Ctime, vol.Mtime, vol.Atime = now, now, now
	}

	vol.Status = models.VolumeInit
	if vol.Referrers == nil {
		vol.Referrers = models.Referrers{}
	}

	release := m.locks.Acquire(vol.AXRN)
	defer release()

	if _, err := m.store.GetVolumeByAXRN(ctx, vol.AXRN); err == nil {
		return nil, axerror.ErrInvalidParam.WithDetailf("axrn %s already in use", vol.AXRN)
	} else if !errors.Is(err, axdb.ErrNotFound) {
		return nil, err
	}

	err := m.store.CreateVolume(ctx, vol)
	if err != nil {
		return nil, fmt.Errorf("failed to persist volume %s: %w", vol.AXRN, err)
	}

	m.queue.Push(vol.ID, vol.Ctime)

	return vol, nil
}

func (m *Manager) GetVolume(ctx context.Context, id string) (*models.Volume, error) {
	vol, err := m.store.GetVolume(ctx, id)
	if errors.Is(err, axdb.ErrNotFound) {
		vol, err = m.store.GetVolumeByAXRN(ctx, models.NamedAXRN(id))
	}

	if errors.Is(err, axdb.ErrNotFound) {
		return nil, axerror.ErrResourceNotFound.WithDetailf("volume %s", id)
	}

	return vol, err
}

// ListFilter narrows ListVolumes; zero value lists everything.
type ListFilter struct {
	Anonymous    *bool
	DeploymentID string
}

func (m *Manager) ListVolumes(ctx context.Context, filter ListFilter) ([]*models.Volume, error) {
	volumes, err := m.store.ListVolumes(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Volume, 0, len(volumes))

	for _, vol := range volumes {
		if filter.Anonymous != nil && vol.Anonymous != *filter.Anonymous {
			continue
		}

		if filter.DeploymentID != "" && !refersToDeployment(vol, filter.DeploymentID) {
			continue
		}

		out = append(out, vol)
	}

	return out, nil
}

func refersToDeployment(vol *models.Volume, deploymentID string) bool {
	for _, ref := range vol.Referrers {
		if ref.ApplicationID == deploymentID || ref.ServiceID == deploymentID {
			return true
		}
	}

	return false
}

// UpdateRequest is the PUT /v1/storage/volumes/<id> payload.
type UpdateRequest struct {
	Name    *string `json:"name,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
}

// UpdateVolume applies enabled flips and renames. A rename is only legal on
// an ACTIVE named volume with no in-flight worker operation; the external
// tag moves first, under the new axrn's lock, so a failed external call
// leaves the table untouched.
func (m *Manager) UpdateVolume(ctx context.Context, id string, req *UpdateRequest) (*models.Volume, error) {
	vol, err := m.GetVolume(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil && *req.Name != vol.Name {
		vol, err = m.rename(ctx, vol.ID, *req.Name)
		if err != nil {
			return nil, err
		}
	}

	if req.Enabled != nil {
		release := m.locks.Acquire(vol.ID)

		vol, err = m.store.GetVolume(ctx, vol.ID)
		if err == nil {
			vol.Enabled = *req.Enabled
			vol.Mtime = models.NowMilli()
			err = m.store.UpdateVolume(ctx, vol)
		}
		release()

		if err != nil {
			return nil, err
		}

		m.wake()
	}

	return vol, nil
}

func (m *Manager) rename(ctx context.Context, id, newName string) (*models.Volume, error) {
	if newName == "" {
		return nil, axerror.ErrInvalidParam.New("volume name cannot be empty")
	}

	if m.isInflight(id) {
		return nil, axerror.ErrIllegalOperation.WithDetailf("volume %s has an operation in flight", id)
	}

	newAXRN := models.NamedAXRN(newName)

	release := m.locks.AcquireAll([]string{id, newAXRN})
	defer release()

	vol, err := m.store.GetVolume(ctx, id)
	if err != nil {
		return nil, err
	}

	if vol.Anonymous {
		return nil, axerror.ErrIllegalOperation.New("anonymous volumes cannot be renamed")
	}

	if vol.Status != models.VolumeActive {
		return nil, axerror.ErrIllegalOperation.WithDetailf("volume %s is %s, rename needs ACTIVE", vol.Name, vol.Status)
	}

	if _, err := m.store.GetVolumeByAXRN(ctx, newAXRN); err == nil {
		return nil, axerror.ErrInvalidParam.WithDetailf("axrn %s already in use", newAXRN)
	} else if !errors.Is(err, axdb.ErrNotFound) {
		return nil, err
	}

	err = m.runtime.UpdateVolume(ctx, &axsys.VolumeSpec{
		Name:         resourceName(vol),
		StorageClass: vol.StorageClass,
		SizeGB:       vol.SizeGB(),
		Labels:       map[string]string{"axrn": newAXRN},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retag volume %s: %w", vol.Name, err)
	}

	vol.Name = newName
	vol.AXRN = newAXRN
	vol.Mtime = models.NowMilli()

	err = m.store.UpdateVolume(ctx, vol)
	if err != nil {
		return nil, err
	}

	return vol, nil
}

// DeleteVolume starts deletion: the row flips to DELETING (anonymous axrns
// get their deleting suffix so the logical name frees up immediately) and a
// worker removes the substrate volume and then the row. Satisfies the
// fixture manager's VolumeService.
func (m *Manager) DeleteVolume(ctx context.Context, id string) error {
	release := m.locks.Acquire(id)
	defer release()

	vol, err := m.store.GetVolume(ctx, id)
	if errors.Is(err, axdb.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	if len(vol.Referrers) > 0 {
		return axerror.ErrIllegalOperation.WithDetailf("volume %s is reserved by %v", vol.AXRN, vol.Referrers.ServiceIDs())
	}

	if vol.Status == models.VolumeDeleting {
		m.queue.Push(vol.ID, models.NowMilli())

		return nil
	}

	if err := fireVolume(vol, "delete"); err != nil {
		return err
	}

	vol.Mtime = models.NowMilli()

	if vol.Anonymous && !models.MarkedDeleting(vol.AXRN) {
		vol.AXRN = models.DeletingAXRN(vol.AXRN, vol.Mtime)
	}

	err = m.store.UpdateVolume(ctx, vol)
	if err != nil {
		return err
	}

	m.queue.Push(vol.ID, vol.Mtime)

	return nil
}

func (m *Manager) isInflight(id string) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()

	return m.inflight[id]
}

// claim marks id in flight; reports false when another worker holds it.
func (m *Manager) claim(id string) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()

	if m.inflight[id] {
		return false
	}

	m.inflight[id] = true

	return true
}

func (m *Manager) unclaim(id string) {
	m.inflightMu.Lock()
	delete(m.inflight, id)
	m.inflightMu.Unlock()
}

func (m *Manager) worker() {
	defer m.wg.Done()

	for {
		id, ok := m.queue.Pop()
		if !ok {
			return
		}

		if !m.claim(id) {
			continue
		}

		m.process(context.Background(), id)
		m.unclaim(id)
	}
}

// process runs one reconciliation pass over a volume.
func (m *Manager) process(ctx context.Context, id string) {
	vol, err := m.store.GetVolume(ctx, id)
	if errors.Is(err, axdb.ErrNotFound) {
		return
	}

	if err != nil {
		m.logger.Error("Failed to read volume", "volume_id", id, "error", err)

		return
	}

	switch vol.Status {
	case models.VolumeInit:
		release := m.locks.Acquire(id)

		err = fireVolume(vol, "create")
		if err == nil {
			vol.Mtime = models.NowMilli()
			err = m.store.UpdateVolume(ctx, vol)
		}
		release()

		if err != nil {
			m.logger.Error("Failed to start volume create", "volume_id", id, "error", err)

			return
		}

		m.provision(ctx, vol)

	case models.VolumeCreating:
		m.provision(ctx, vol)

	case models.VolumeDeleting:
		m.deprovision(ctx, vol)

	case models.VolumeActive:
		// settled; nothing to reconcile
	}
}

func (m *Manager) provision(ctx context.Context, vol *models.Volume) {
	err := m.runtime.CreateVolume(ctx, &axsys.VolumeSpec{
		Name:         resourceName(vol),
		StorageClass: vol.StorageClass,
		SizeGB:       vol.SizeGB(),
		Attributes:   vol.Attributes,
		Labels:       map[string]string{"axrn": vol.AXRN},
	})
	if err != nil {
		m.logger.Error("Failed to provision volume", "axrn", vol.AXRN, "error", err)

		return // the retry worker requeues CREATING volumes
	}

	release := m.locks.Acquire(vol.ID)
	defer release()

	current, err := m.store.GetVolume(ctx, vol.ID)
	if err != nil {
		return
	}

	if current.Status != models.VolumeCreating {
		return
	}

	if err := fireVolume(current, "create_done"); err != nil {
		return
	}

	current.ResourceID = resourceName(current)
	current.Mtime = models.NowMilli()

	err = m.store.UpdateVolume(ctx, current)
	if err != nil {
		m.logger.Error("Failed to mark volume active", "axrn", vol.AXRN, "error", err)

		return
	}

	m.logger.InfoContext(ctx, "Volume active", "axrn", current.AXRN, "resource_id", current.ResourceID)
	m.wake()
}

func (m *Manager) deprovision(ctx context.Context, vol *models.Volume) {
	err := m.runtime.DeleteVolume(ctx, resourceName(vol))
	if err != nil {
		m.logger.Error("Failed to deprovision volume", "axrn", vol.AXRN, "error", err)

		return
	}

	err = m.store.DeleteVolume(ctx, vol.ID)
	if err != nil && !errors.Is(err, axdb.ErrNotFound) {
		m.logger.Error("Failed to remove volume row", "axrn", vol.AXRN, "error", err)

		return
	}

	m.logger.InfoContext(ctx, "Volume deleted", "axrn", vol.AXRN)
	m.wake()
}

// retryLoop periodically requeues every unsettled volume that no worker is
// touching, and drops referrers whose requests are gone.
func (m *Manager) retryLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		ctx := context.Background()

		m.requeueUnsettled(ctx)
		m.dropDeadReferrers(ctx)
	}
}

func (m *Manager) requeueUnsettled(ctx context.Context) {
	volumes, err := m.store.ListVolumes(ctx)
	if err != nil {
		m.logger.Error("Failed to list volumes for retry", "error", err)

		return
	}

	for _, vol := range volumes {
		if vol.Status == models.VolumeActive || m.isInflight(vol.ID) {
			continue
		}

		m.queue.Push(vol.ID, vol.Mtime)
	}
}

func (m *Manager) dropDeadReferrers(ctx context.Context) {
	volumes, err := m.store.ListVolumes(ctx)
	if err != nil {
		return
	}

	for _, vol := range volumes {
		var dead []string

		for _, ref := range vol.Referrers {
			_, err := m.store.GetFixtureRequest(ctx, ref.ServiceID)
			if errors.Is(err, axdb.ErrNotFound) {
				dead = append(dead, ref.ServiceID)
			}
		}

		if len(dead) == 0 {
			continue
		}

		release := m.locks.Acquire(vol.ID)

		current, err := m.store.GetVolume(ctx, vol.ID)
		if err == nil {
			changed := false

			for _, serviceID := range dead {
				if current.Referrers.Remove(serviceID) {
					changed = true
				}
			}

			if changed {
				current.Mtime = models.NowMilli()
				err = m.store.UpdateVolume(ctx, current)

				m.logger.Info("Dropped dead volume referrers", "axrn", current.AXRN, "service_ids", dead)
			}
		}
		release()

		if err != nil {
			m.logger.Error("Failed to drop dead referrers", "volume_id", vol.ID, "error", err)
		}
	}
}
