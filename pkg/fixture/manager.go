// Package fixture implements the fixture and volume manager: class and
// instance catalogs, reservation requests with atomic assignment, and the
// background processor that matches requests to reservable resources.
package fixture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/eventbus"
	"github.com/axialops/axplatform/pkg/events"
	"github.com/axialops/axplatform/pkg/lockmanager"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/redisbus"
)

// Config carries the manager's loop intervals and limits.
type Config struct {
	// ProcessInterval bounds how long the request processor sleeps between
	// wake-ups when nothing triggers it.
	ProcessInterval time.Duration

	// TemplateUpdateInterval paces the template re-sync against axops.
	TemplateUpdateInterval time.Duration

	// ConsistencyInterval paces the repair pass.
	ConsistencyInterval time.Duration

	// SyncTimeout bounds how long a synchronous request waits for its
	// assigned volumes to reach ACTIVE.
	SyncTimeout time.Duration

	// PurgeDeletedAfter is how long DELETED instances stay visible before the
	// consistency checker removes the row.
	PurgeDeletedAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		ProcessInterval:        30 * time.Second,
		TemplateUpdateInterval: 10 * time.Minute,
		ConsistencyInterval:    time.Hour,
		SyncTimeout:            10 * time.Minute,
		PurgeDeletedAfter:      3 * 24 * time.Hour,
	}
}

// VolumeService is the slice of the volume manager the fixture side needs:
// provisioning anonymous volumes during matching and tearing them down when
// the owning request is released.
type VolumeService interface {
	CreateVolume(ctx context.Context, vol *models.Volume) (*models.Volume, error)
	DeleteVolume(ctx context.Context, id string) error
}

// JobStatus is the terminal view of a submitted action job.
type JobStatus struct {
	Done      bool           `json:"done"`
	Succeeded bool           `json:"succeeded"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
}

// JobClient submits instance action jobs to the workflow side and reads their
// outcome back. The consistency checker uses JobStatus to synthesize action
// results that never arrived.
type JobClient interface {
	SubmitJob(ctx context.Context, service map[string]any) (string, error)
	JobStatus(ctx context.Context, serviceID string) (*JobStatus, error)
}

// ClassTemplate is the upstream source document a fixture class is installed
// from.
type ClassTemplate struct {
	ID          string                            `json:"id"`
	Name        string                            `json:"name"`
	Description string                            `json:"description,omitempty"`
	Repo        string                            `json:"repo,omitempty"`
	Branch      string                            `json:"branch,omitempty"`
	Attributes  map[string]models.AttributeSchema `json:"attributes"`
	Actions     map[string]models.ClassAction     `json:"actions,omitempty"`
}

// TemplateSource resolves template ids to their current documents.
type TemplateSource interface {
	FixtureTemplate(ctx context.Context, templateID string) (*ClassTemplate, error)
	ListFixtureTemplates(ctx context.Context) ([]*ClassTemplate, error)
}

// Manager is the fixture manager singleton, owned by main and wired into the
// HTTP handlers by construction.
type Manager struct {
	logger    *slog.Logger
	store     axdb.Store
	bus       redisbus.Bus
	publisher eventbus.EventPublisher
	locks     *lockmanager.Manager
	volumes   VolumeService
	jobs      JobClient
	templates TemplateSource
	config    Config

	// Request processor state. mu doubles as the processor lock synchronous
	// requests take for their immediate-assignment attempt.
	mu      sync.Mutex
	cond    *sync.Cond
	pending bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewManager(
	logger *slog.Logger,
	store axdb.Store,
	bus redisbus.Bus,
	publisher eventbus.EventPublisher,
	volumes VolumeService,
	jobs JobClient,
	templates TemplateSource,
	config Config,
) *Manager {
	m := &Manager{
		logger:    logger.With("module", "fixture"),
		store:     store,
		bus:       bus,
		publisher: publisher,
		locks:     lockmanager.New(),
		volumes:   volumes,
		jobs:      jobs,
		templates: templates,
		config:    config,
		stopCh:    make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)

	return m
}

// Start seeds the storage-class catalog and launches the background loops.
func (m *Manager) Start(ctx context.Context) error {
	err := m.seedStorageClasses(ctx)
	if err != nil {
		return err
	}

	m.wg.Add(1)
	go m.processLoop()

	if m.templates != nil {
		m.wg.Add(1)
		go m.templateLoop()
	}

	m.wg.Add(1)
	go m.consistencyLoop()

	m.logger.InfoContext(ctx, "Fixture manager started")

	return nil
}

// Stop shuts the loops down and waits for them.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.Trigger()
	m.wg.Wait()
}

// Trigger wakes the request processor; called on every request, instance,
// volume and class mutation.
func (m *Manager) Trigger() {
	m.mu.Lock()
	m.pending = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *Manager) stopping() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// seedStorageClasses installs the built-in classes so volume feasibility
// checks work on a fresh install.
func (m *Manager) seedStorageClasses(ctx context.Context) error {
	seeds := []*models.StorageClass{
		{ID: "ssd", Name: "ssd", Description: "General purpose SSD", Provider: "ebs"},
		{ID: "standard", Name: "standard", Description: "Magnetic", Provider: "ebs"},
	}

	for _, sc := range seeds {
		if _, err := m.store.GetStorageClassByName(ctx, sc.Name); err == nil {
			continue
		}

		err := m.store.PutStorageClass(ctx, sc)
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) templateLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.TemplateUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		ctx := context.Background()

		templates, err := m.templates.ListFixtureTemplates(ctx)
		if err != nil {
			m.logger.Error("Failed to list fixture templates", "error", err)

			continue
		}

		err = m.ApplyTemplateUpdates(ctx, templates)
		if err != nil {
			m.logger.Error("Failed to apply template updates", "error", err)
		}
	}
}

func (m *Manager) consistencyLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ConsistencyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		ctx := context.Background()

		err := m.RunConsistencyChecks(ctx)
		if err != nil {
			m.logger.Error("Consistency check failed", "error", err)
		}
	}
}

// notify emits an operator alert at most once per dedup key.
func (m *Manager) notify(ctx context.Context, dedupKey, code, message string, detail map[string]any) {
	if exists, err := m.bus.HasKey(ctx, redisbus.NotificationKey(dedupKey)); err == nil && exists {
		return
	}

	err := m.bus.Notify(ctx, redisbus.NotificationKey(dedupKey), map[string]any{"code": code, "message": message})
	if err != nil {
		m.logger.Error("Failed to record notification marker", "key", dedupKey, "error", err)
	}

	if m.publisher == nil {
		return
	}

	event := events.NotificationEvent{
		BaseEvent: events.NewBaseEvent(events.NotificationEventType, ""),
		Code:      code,
		Message:   message,
		Detail:    detail,
	}

	err = m.publisher.Publish(ctx, dedupKey, event)
	if err != nil {
		m.logger.Error("Failed to publish notification", "code", code, "error", err)
	}
}
