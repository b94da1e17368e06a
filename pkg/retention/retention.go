// Package retention evaluates artifact retention policies and keeps the
// per-tag space accounting in the policy table current.
//
// One sweeper walks the artifacts table at most once a day, expiring rows
// whose policy TTL has passed and rebuilding the per-tag totals from scratch.
// Between sweeps a lighter usage updater folds the in-flight deltas reported
// by artifact producers into the persisted totals.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/retry"
	"github.com/robfig/cron/v3"
)

// Meta keys the sweeper checkpoints under.
const (
	metaProgress  = "retention_progress"
	metaSweepDone = "retention_sweep_finished"
)

// Config carries the sweep pacing.
type Config struct {
	TickSchedule  string
	SweepInterval time.Duration
	PageSize      int

	// GracePeriod is how long a to-be-deleted artifact survives past its
	// mark before the sweeper reclaims it.
	GracePeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickSchedule:  "@every 30m",
		SweepInterval: 24 * time.Hour,
		PageSize:      500,
		GracePeriod:   24 * time.Hour,
	}
}

// blobDeletePolicy bounds the S3 delete retries inside a sweep.
var blobDeletePolicy = retry.Policy{
	MaxAttempts:  10,
	InitialDelay: 5 * time.Millisecond,
}

// tagTotals is one tag's aggregate, rebuilt per sweep.
type tagTotals struct {
	Number   int64
	Size     int64
	RealSize int64
}

// Manager owns the retention policy table and the sweep/usage loops.
type Manager struct {
	logger *slog.Logger
	store  axdb.Store
	blobs  BlobStore
	config Config

	cron *cron.Cron

	sweepMu  sync.Mutex
	sweeping bool

	// usageMu guards the in-flight deltas reported between sweeps.
	usageMu sync.Mutex
	usage   map[string]*tagTotals
}

func NewManager(logger *slog.Logger, store axdb.Store, blobs BlobStore, config Config) *Manager {
	if config.PageSize <= 0 {
		config.PageSize = DefaultConfig().PageSize
	}

	return &Manager{
		logger: logger.With("module", "retention"),
		store:  store,
		blobs:  blobs,
		config: config,
		usage:  make(map[string]*tagTotals),
	}
}

// Start seeds the built-in policies and schedules the sweep tick and the
// usage updater.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.seedPolicies(ctx); err != nil {
		return err
	}

	m.cron = cron.New()

	_, err := m.cron.AddFunc(m.config.TickSchedule, func() { m.tick(context.Background()) })
	if err != nil {
		return fmt.Errorf("failed to schedule retention tick: %w", err)
	}

	_, err = m.cron.AddFunc(m.config.TickSchedule, func() { m.flushUsage(context.Background()) })
	if err != nil {
		return fmt.Errorf("failed to schedule usage updater: %w", err)
	}

	m.cron.Start()
	m.logger.InfoContext(ctx, "Retention manager started", "tick", m.config.TickSchedule)

	return nil
}

func (m *Manager) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

// seeded policies; ax-log-external is tracked but never swept.
func (m *Manager) seedPolicies(ctx context.Context) error {
	builtins := []*models.RetentionPolicy{
		{TagName: models.RetentionTagDefault, PolicyMS: (180 * 24 * time.Hour).Milliseconds(), Description: "default artifact retention"},
		{TagName: models.RetentionTagLog, PolicyMS: (7 * 24 * time.Hour).Milliseconds(), Description: "container log retention"},
		{TagName: models.RetentionTagLogExt, PolicyMS: 0, Description: "externally managed logs"},
	}

	for _, p := range builtins {
		if _, err := m.store.GetRetentionPolicy(ctx, p.TagName); err == nil {
			continue
		} else if !errors.Is(err, axdb.ErrNotFound) {
			return err
		}

		if err := m.store.PutRetentionPolicy(ctx, p); err != nil {
			return fmt.Errorf("failed to seed retention policy %s: %w", p.TagName, err)
		}
	}

	return nil
}

// tick runs from cron: sweep only when the last full sweep is older than the
// sweep interval.
func (m *Manager) tick(ctx context.Context) {
	done, err := m.lastSweepFinished(ctx)
	if err != nil {
		m.logger.Error("Failed to read sweep checkpoint", "error", err)

		return
	}

	if time.Since(done) < m.config.SweepInterval {
		return
	}

	if err := m.Sweep(ctx); err != nil {
		m.logger.Error("Retention sweep failed", "error", err)
	}
}

func (m *Manager) lastSweepFinished(ctx context.Context) (time.Time, error) {
	raw, err := m.store.GetMeta(ctx, metaSweepDone)
	if errors.Is(err, axdb.ErrNotFound) {
		return time.Time{}, nil
	}

	if err != nil {
		return time.Time{}, err
	}

	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}

	return time.UnixMilli(millis), nil
}

// Sweep walks every artifact page by page, expiring what the policy table
// says is overdue and rebuilding the per-tag totals. Resumable: the cursor
// is checkpointed after each page, so a restart continues mid-table.
func (m *Manager) Sweep(ctx context.Context) error {
	m.sweepMu.Lock()
	if m.sweeping {
		m.sweepMu.Unlock()

		return nil
	}

	m.sweeping = true
	m.sweepMu.Unlock()

	defer func() {
		m.sweepMu.Lock()
		m.sweeping = false
		m.sweepMu.Unlock()
	}()

	policies, err := m.loadPolicies(ctx)
	if err != nil {
		return err
	}

	live, err := m.liveWorkflows(ctx)
	if err != nil {
		return err
	}

	after, err := m.readProgress(ctx)
	if err != nil {
		return err
	}

	totals := make(map[string]*tagTotals)
	now := models.NowMilli()

	for {
		page, err := m.store.PageArtifacts(ctx, after, m.config.PageSize)
		if err != nil {
			return fmt.Errorf("failed to page artifacts: %w", err)
		}

		if len(page) == 0 {
			break
		}

		for _, artifact := range page {
			m.checkArtifact(ctx, artifact, policies, live, totals, now)
		}

		after = page[len(page)-1].AXTime + 1

		err = m.store.SetMeta(ctx, metaProgress, strconv.FormatInt(after, 10))
		if err != nil {
			return fmt.Errorf("failed to checkpoint sweep: %w", err)
		}
	}

	err = m.writeTotals(ctx, totals)
	if err != nil {
		return err
	}

	m.usageMu.Lock()
	m.usage = make(map[string]*tagTotals)
	m.usageMu.Unlock()

	if err := m.store.DeleteMeta(ctx, metaProgress); err != nil && !errors.Is(err, axdb.ErrNotFound) {
		return err
	}

	err = m.store.SetMeta(ctx, metaSweepDone, strconv.FormatInt(models.NowMilli(), 10))
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "Retention sweep finished", "tags", len(totals))

	return nil
}

func (m *Manager) readProgress(ctx context.Context) (int64, error) {
	raw, err := m.store.GetMeta(ctx, metaProgress)
	if errors.Is(err, axdb.ErrNotFound) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}

	return after, nil
}

func (m *Manager) loadPolicies(ctx context.Context) (map[string]*models.RetentionPolicy, error) {
	list, err := m.store.ListRetentionPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list retention policies: %w", err)
	}

	policies := make(map[string]*models.RetentionPolicy, len(list))
	for _, p := range list {
		policies[p.TagName] = p
	}

	return policies, nil
}

// liveWorkflows is the set of workflow ids whose artifacts must survive the
// sweep regardless of age.
func (m *Manager) liveWorkflows(ctx context.Context) (map[string]bool, error) {
	workflows, err := m.store.ListWorkflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	live := make(map[string]bool)

	for _, wf := range workflows {
		if !wf.Status.Terminal() {
			live[wf.ID] = true
		}
	}

	return live, nil
}

// checkArtifact applies the retention decision table to one row.
func (m *Manager) checkArtifact(ctx context.Context, artifact *models.Artifact,
	policies map[string]*models.RetentionPolicy, live map[string]bool,
	totals map[string]*tagTotals, now int64,
) {
	if artifact.Deleted == models.ArtifactDeleted || artifact.Deleted == models.ArtifactDeletedByUser {
		return
	}

	if artifact.RetentionTags == models.RetentionTagLogExt {
		return
	}

	count := func() { addTotals(totals, artifact) }

	if live[artifact.WorkflowID] {
		count()

		return
	}

	policy, known := policies[artifact.RetentionTags]
	if !known {
		count()

		return
	}

	if artifact.Tags != "" {
		count()

		return
	}

	var expired bool

	switch artifact.Deleted {
	case models.ArtifactAlive:
		expired = artifact.Timestamp+policy.PolicyMS < now
	case models.ArtifactToBeDeleted:
		expired = artifact.Timestamp+m.config.GracePeriod.Milliseconds() < now
	}

	if !expired {
		count()

		return
	}

	if err := m.expireArtifact(ctx, artifact); err != nil {
		m.logger.Error("Failed to expire artifact",
			"artifact_id", artifact.ArtifactID, "tag", artifact.RetentionTags, "error", err)
		count() // still occupying space
	}
}

func addTotals(totals map[string]*tagTotals, artifact *models.Artifact) {
	t, ok := totals[artifact.RetentionTags]
	if !ok {
		t = &tagTotals{}
		totals[artifact.RetentionTags] = t
	}

	t.Number++
	t.Size += artifact.StoredByte

	if !artifact.IsAlias {
		t.RealSize += artifact.NumByte
	}
}

// expireArtifact deletes the stored bytes, then flips the row. The row flip
// is conditional on the deleted state observed during the page read, so a
// racing user delete wins.
func (m *Manager) expireArtifact(ctx context.Context, artifact *models.Artifact) error {
	if artifact.StorageMethod == models.StorageMethodS3 && artifact.StoragePath != "" {
		err := retry.Do(ctx, blobDeletePolicy, func() error {
			return m.blobs.DeleteObject(ctx, artifact.StoragePath)
		})
		if err != nil {
			return err
		}
	}

	err := m.store.UpdateArtifactDeleted(ctx, artifact.ArtifactID, artifact.Deleted, models.ArtifactDeleted)
	if errors.Is(err, axdb.ErrConditionFailed) {
		return nil
	}

	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "Artifact expired",
		"artifact_id", artifact.ArtifactID, "tag", artifact.RetentionTags, "bytes", artifact.StoredByte)

	return nil
}

// writeTotals replaces each tag's persisted aggregate with the sweep's
// freshly computed one, CASed against the prior row.
func (m *Manager) writeTotals(ctx context.Context, totals map[string]*tagTotals) error {
	policies, err := m.loadPolicies(ctx)
	if err != nil {
		return err
	}

	for tag, prior := range policies {
		t := totals[tag]
		if t == nil {
			t = &tagTotals{}
		}

		next := *prior
		next.TotalNumber = t.Number
		next.TotalSize = t.Size
		next.TotalRealSize = t.RealSize

		if next == *prior {
			continue
		}

		err := retry.Do(ctx, retry.ConditionalUpdate, func() error {
			current, err := m.store.GetRetentionPolicy(ctx, tag)
			if err != nil {
				return err
			}

			next.PolicyMS = current.PolicyMS
			next.Description = current.Description

			return m.store.SwapRetentionTotals(ctx, current, &next)
		})
		if err != nil {
			return fmt.Errorf("failed to write totals for %s: %w", tag, err)
		}
	}

	return nil
}

// AddUsage records an in-flight space delta for a tag; negative values
// account deletions. The usage updater folds these into the policy table
// between sweeps.
func (m *Manager) AddUsage(tag string, number, size, realSize int64) {
	m.usageMu.Lock()
	defer m.usageMu.Unlock()

	t, ok := m.usage[tag]
	if !ok {
		t = &tagTotals{}
		m.usage[tag] = t
	}

	t.Number += number
	t.Size += size
	t.RealSize += realSize
}

// flushUsage merges the accumulated deltas into the persisted totals.
func (m *Manager) flushUsage(ctx context.Context) {
	m.usageMu.Lock()
	pending := m.usage
	m.usage = make(map[string]*tagTotals)
	m.usageMu.Unlock()

	for tag, delta := range pending {
		if delta.Number == 0 && delta.Size == 0 && delta.RealSize == 0 {
			continue
		}

		err := retry.Do(ctx, retry.ConditionalUpdate, func() error {
			current, err := m.store.GetRetentionPolicy(ctx, tag)
			if errors.Is(err, axdb.ErrNotFound) {
				return nil
			}

			if err != nil {
				return err
			}

			next := *current
			next.TotalNumber += delta.Number
			next.TotalSize += delta.Size
			next.TotalRealSize += delta.RealSize

			return m.store.SwapRetentionTotals(ctx, current, &next)
		})
		if err != nil {
			m.logger.Error("Failed to flush usage delta", "tag", tag, "error", err)
			// put the delta back so the next flush retries it
			m.AddUsage(tag, delta.Number, delta.Size, delta.RealSize)
		}
	}
}

// CreatePolicy registers a new retention tag.
func (m *Manager) CreatePolicy(ctx context.Context, p *models.RetentionPolicy) (*models.RetentionPolicy, error) {
	if p.TagName == "" {
		return nil, axerror.ErrInvalidParam.New("retention policy needs a tag_name")
	}

	if p.PolicyMS <= 0 {
		return nil, axerror.ErrInvalidParam.New("retention policy needs a positive policy_ms")
	}

	if _, err := m.store.GetRetentionPolicy(ctx, p.TagName); err == nil {
		return nil, axerror.ErrInvalidParam.WithDetailf("retention policy %s already exists", p.TagName)
	} else if !errors.Is(err, axdb.ErrNotFound) {
		return nil, err
	}

	p.TotalNumber, p.TotalSize, p.TotalRealSize = 0, 0, 0

	err := m.store.PutRetentionPolicy(ctx, p)
	if err != nil {
		return nil, err
	}

	return p, nil
}

func (m *Manager) GetPolicy(ctx context.Context, tag string) (*models.RetentionPolicy, error) {
	p, err := m.store.GetRetentionPolicy(ctx, tag)
	if errors.Is(err, axdb.ErrNotFound) {
		return nil, axerror.ErrResourceNotFound.WithDetailf("retention policy %s", tag)
	}

	return p, err
}

func (m *Manager) ListPolicies(ctx context.Context) ([]*models.RetentionPolicy, error) {
	return m.store.ListRetentionPolicies(ctx)
}

// UpdatePolicy changes the TTL or description; totals are owned by the
// sweeper and cannot be set through the API.
func (m *Manager) UpdatePolicy(ctx context.Context, tag string, policyMS *int64, description *string) (*models.RetentionPolicy, error) {
	p, err := m.GetPolicy(ctx, tag)
	if err != nil {
		return nil, err
	}

	if policyMS != nil {
		if *policyMS <= 0 {
			return nil, axerror.ErrInvalidParam.New("policy_ms must be positive")
		}

		p.PolicyMS = *policyMS
	}

	if description != nil {
		p.Description = *description
	}

	err = m.store.PutRetentionPolicy(ctx, p)
	if err != nil {
		return nil, err
	}

	return p, nil
}

func (m *Manager) DeletePolicy(ctx context.Context, tag string) error {
	p, err := m.GetPolicy(ctx, tag)
	if err != nil {
		return err
	}

	if p.Undeletable() {
		return axerror.ErrIllegalOperation.WithDetailf("retention policy %s is built in", tag)
	}

	return m.store.DeleteRetentionPolicy(ctx, tag)
}
