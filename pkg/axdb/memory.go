package axdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/axialops/axplatform/pkg/models"
)

// Memory is an in-process Store used by tests and by manager-level code that
// is exercised without a database.
type Memory struct {
	mu sync.Mutex

	workflows    map[string]*models.Workflow
	events       []*models.WorkflowEvent
	nodeResults  []*models.NodeResult
	meta         map[string]string
	classes      map[string]*models.FixtureClass
	instances    map[string]*models.FixtureInstance
	requests     map[string]*models.FixtureRequest
	volumes      map[string]*models.Volume
	storage      map[string]*models.StorageClass
	policies     map[string]*models.RetentionPolicy
	artifacts    map[string]*models.Artifact
	reservations map[string]*models.CategoryReservation
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		workflows:    make(map[string]*models.Workflow),
		meta:         make(map[string]string),
		classes:      make(map[string]*models.FixtureClass),
		instances:    make(map[string]*models.FixtureInstance),
		requests:     make(map[string]*models.FixtureRequest),
		volumes:      make(map[string]*models.Volume),
		storage:      make(map[string]*models.StorageClass),
		policies:     make(map[string]*models.RetentionPolicy),
		artifacts:    make(map[string]*models.Artifact),
		reservations: make(map[string]*models.CategoryReservation),
	}
}

// clone deep-copies a document so callers never alias stored state.
func clone[T any](in *T) *T {
	raw, err := json.Marshal(in)
	if err != nil {
		panic(fmt.Sprintf("axdb memory clone: %v", err))
	}

	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("axdb memory clone: %v", err))
	}

	return out
}

func (m *Memory) CreateWorkflow(_ context.Context, wf *models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workflows[wf.ID]; ok {
		return fmt.Errorf("workflow %s: %w", wf.ID, ErrAlreadyExists)
	}

	m.workflows[wf.ID] = clone(wf)

	return nil
}

func (m *Memory) GetWorkflow(_ context.Context, id string) (*models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}

	return clone(wf), nil
}

func (m *Memory) ListWorkflows(_ context.Context) ([]*models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		out = append(out, clone(wf))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })

	return out, nil
}

func (m *Memory) UpdateWorkflowStatus(_ context.Context, id string, from, to models.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, ok := m.workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}

	if wf.Status != from {
		return fmt.Errorf("workflow %s is %s not %s: %w", id, wf.Status, from, ErrConditionFailed)
	}

	wf.Status = to

	return nil
}

func (m *Memory) UpdateWorkflow(_ context.Context, wf *models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.workflows[wf.ID]
	if !ok {
		return fmt.Errorf("workflow %s: %w", wf.ID, ErrNotFound)
	}

	next := clone(wf)
	next.Status = stored.Status // status only moves through UpdateWorkflowStatus
	m.workflows[wf.ID] = next

	return nil
}

func (m *Memory) AppendWorkflowEvent(_ context.Context, ev *models.WorkflowEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, clone(ev))

	return nil
}

func (m *Memory) ListWorkflowEvents(_ context.Context, rootID string) ([]*models.WorkflowEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.WorkflowEvent, 0)
	for _, ev := range m.events {
		if ev.RootID == rootID {
			out = append(out, clone(ev))
		}
	}

	return out, nil
}

func (m *Memory) InsertNodeResult(_ context.Context, r *models.NodeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nodeResults = append(m.nodeResults, clone(r))

	return nil
}

func (m *Memory) ListNodeResults(_ context.Context, rootID string) ([]*models.NodeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.NodeResult, 0)
	for _, r := range m.nodeResults {
		if r.RootID == rootID {
			out = append(out, clone(r))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SN < out[j].SN })

	return out, nil
}

func (m *Memory) GetMeta(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.meta[key]
	if !ok {
		return "", fmt.Errorf("meta %s: %w", key, ErrNotFound)
	}

	return v, nil
}

func (m *Memory) SetMeta(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.meta[key] = value

	return nil
}

func (m *Memory) DeleteMeta(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.meta, key)

	return nil
}

func (m *Memory) PutFixtureClass(_ context.Context, class *models.FixtureClass) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.classes[class.ID] = clone(class)

	return nil
}

func (m *Memory) GetFixtureClass(_ context.Context, id string) (*models.FixtureClass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.classes[id]
	if !ok {
		return nil, fmt.Errorf("fixture class %s: %w", id, ErrNotFound)
	}

	return clone(c), nil
}

func (m *Memory) GetFixtureClassByName(_ context.Context, name string) (*models.FixtureClass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.classes {
		if c.Name == name {
			return clone(c), nil
		}
	}

	return nil, fmt.Errorf("fixture class %q: %w", name, ErrNotFound)
}

func (m *Memory) ListFixtureClasses(_ context.Context) ([]*models.FixtureClass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.FixtureClass, 0, len(m.classes))
	for _, c := range m.classes {
		out = append(out, clone(c))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

func (m *Memory) DeleteFixtureClass(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.classes[id]; !ok {
		return fmt.Errorf("fixture class %s: %w", id, ErrNotFound)
	}

	delete(m.classes, id)

	return nil
}

func (m *Memory) CreateFixtureInstance(_ context.Context, inst *models.FixtureInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[inst.ID]; ok {
		return fmt.Errorf("fixture instance %s: %w", inst.ID, ErrAlreadyExists)
	}

	m.instances[inst.ID] = clone(inst)

	return nil
}

func (m *Memory) GetFixtureInstance(_ context.Context, id string) (*models.FixtureInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("fixture instance %s: %w", id, ErrNotFound)
	}

	return clone(inst), nil
}

func (m *Memory) ListFixtureInstances(_ context.Context) ([]*models.FixtureInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.FixtureInstance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, clone(inst))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (m *Memory) UpdateFixtureInstance(_ context.Context, inst *models.FixtureInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[inst.ID]; !ok {
		return fmt.Errorf("fixture instance %s: %w", inst.ID, ErrNotFound)
	}

	m.instances[inst.ID] = clone(inst)

	return nil
}

func (m *Memory) DeleteFixtureInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[id]; !ok {
		return fmt.Errorf("fixture instance %s: %w", id, ErrNotFound)
	}

	delete(m.instances, id)

	return nil
}

func (m *Memory) CreateFixtureRequest(_ context.Context, req *models.FixtureRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[req.ServiceID]; ok {
		return fmt.Errorf("fixture request %s: %w", req.ServiceID, ErrAlreadyExists)
	}

	m.requests[req.ServiceID] = clone(req)

	return nil
}

func (m *Memory) GetFixtureRequest(_ context.Context, serviceID string) (*models.FixtureRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[serviceID]
	if !ok {
		return nil, fmt.Errorf("fixture request %s: %w", serviceID, ErrNotFound)
	}

	return clone(req), nil
}

func (m *Memory) ListFixtureRequests(_ context.Context) ([]*models.FixtureRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.FixtureRequest, 0, len(m.requests))
	for _, req := range m.requests {
		out = append(out, clone(req))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RequestTime < out[j].RequestTime })

	return out, nil
}

func (m *Memory) UpdateFixtureRequest(_ context.Context, req *models.FixtureRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[req.ServiceID]; !ok {
		return fmt.Errorf("fixture request %s: %w", req.ServiceID, ErrNotFound)
	}

	m.requests[req.ServiceID] = clone(req)

	return nil
}

func (m *Memory) DeleteFixtureRequest(_ context.Context, serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[serviceID]; !ok {
		return fmt.Errorf("fixture request %s: %w", serviceID, ErrNotFound)
	}

	delete(m.requests, serviceID)

	return nil
}

func (m *Memory) CreateVolume(_ context.Context, vol *models.Volume) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.volumes[vol.ID]; ok {
		return fmt.Errorf("volume %s: %w", vol.ID, ErrAlreadyExists)
	}

	for _, v := range m.volumes {
		if v.AXRN == vol.AXRN {
			return fmt.Errorf("volume axrn %s: %w", vol.AXRN, ErrAlreadyExists)
		}
	}

	m.volumes[vol.ID] = clone(vol)

	return nil
}

func (m *Memory) GetVolume(_ context.Context, id string) (*models.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vol, ok := m.volumes[id]
	if !ok {
		return nil, fmt.Errorf("volume %s: %w", id, ErrNotFound)
	}

	return clone(vol), nil
}

func (m *Memory) GetVolumeByAXRN(_ context.Context, axrn string) (*models.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, vol := range m.volumes {
		if vol.AXRN == axrn {
			return clone(vol), nil
		}
	}

	return nil, fmt.Errorf("volume axrn %s: %w", axrn, ErrNotFound)
}

func (m *Memory) ListVolumes(_ context.Context) ([]*models.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Volume, 0, len(m.volumes))
	for _, vol := range m.volumes {
		out = append(out, clone(vol))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Ctime < out[j].Ctime })

	return out, nil
}

func (m *Memory) UpdateVolume(_ context.Context, vol *models.Volume) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.volumes[vol.ID]; !ok {
		return fmt.Errorf("volume %s: %w", vol.ID, ErrNotFound)
	}

	for _, v := range m.volumes {
		if v.ID != vol.ID && v.AXRN == vol.AXRN {
			return fmt.Errorf("volume axrn %s: %w", vol.AXRN, ErrAlreadyExists)
		}
	}

	m.volumes[vol.ID] = clone(vol)

	return nil
}

func (m *Memory) DeleteVolume(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.volumes[id]; !ok {
		return fmt.Errorf("volume %s: %w", id, ErrNotFound)
	}

	delete(m.volumes, id)

	return nil
}

func (m *Memory) PutStorageClass(_ context.Context, sc *models.StorageClass) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.storage[sc.Name] = clone(sc)

	return nil
}

func (m *Memory) GetStorageClassByName(_ context.Context, name string) (*models.StorageClass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc, ok := m.storage[name]
	if !ok {
		return nil, fmt.Errorf("storage class %q: %w", name, ErrNotFound)
	}

	return clone(sc), nil
}

func (m *Memory) ListStorageClasses(_ context.Context) ([]*models.StorageClass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.StorageClass, 0, len(m.storage))
	for _, sc := range m.storage {
		out = append(out, clone(sc))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

func (m *Memory) PutRetentionPolicy(_ context.Context, p *models.RetentionPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.policies[p.TagName] = clone(p)

	return nil
}

func (m *Memory) GetRetentionPolicy(_ context.Context, tag string) (*models.RetentionPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.policies[tag]
	if !ok {
		return nil, fmt.Errorf("retention policy %q: %w", tag, ErrNotFound)
	}

	return clone(p), nil
}

func (m *Memory) ListRetentionPolicies(_ context.Context) ([]*models.RetentionPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.RetentionPolicy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, clone(p))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TagName < out[j].TagName })

	return out, nil
}

func (m *Memory) DeleteRetentionPolicy(_ context.Context, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[tag]; !ok {
		return fmt.Errorf("retention policy %q: %w", tag, ErrNotFound)
	}

	delete(m.policies, tag)

	return nil
}

func (m *Memory) SwapRetentionTotals(_ context.Context, prior, next *models.RetentionPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.policies[next.TagName]
	if !ok {
		return fmt.Errorf("retention policy %q: %w", next.TagName, ErrNotFound)
	}

	if p.TotalNumber != prior.TotalNumber || p.TotalSize != prior.TotalSize || p.TotalRealSize != prior.TotalRealSize {
		return fmt.Errorf("retention policy %q totals moved: %w", next.TagName, ErrConditionFailed)
	}

	p.TotalNumber = next.TotalNumber
	p.TotalSize = next.TotalSize
	p.TotalRealSize = next.TotalRealSize

	return nil
}

// PutArtifact seeds a row; production rows are written by the artifact
// pipeline, this exists for the retention tests.
func (m *Memory) PutArtifact(a *models.Artifact) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.artifacts[a.ArtifactID] = clone(a)
}

func (m *Memory) PageArtifacts(_ context.Context, afterAXTime int64, limit int) ([]*models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Artifact, 0)
	for _, a := range m.artifacts {
		if a.AXTime >= afterAXTime {
			out = append(out, clone(a))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].AXTime != out[j].AXTime {
			return out[i].AXTime < out[j].AXTime
		}

		return out[i].AXUUID < out[j].AXUUID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (m *Memory) UpdateArtifactDeleted(_ context.Context, artifactID string, from, to int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.artifacts[artifactID]
	if !ok {
		return fmt.Errorf("artifact %s: %w", artifactID, ErrNotFound)
	}

	if a.Deleted != from {
		return fmt.Errorf("artifact %s deleted=%d not %d: %w", artifactID, a.Deleted, from, ErrConditionFailed)
	}

	a.Deleted = to

	return nil
}

func (m *Memory) PutReservation(_ context.Context, r *models.CategoryReservation, priorTimestamp int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.reservations[r.ResourceID]
	if priorTimestamp == 0 {
		if ok {
			return fmt.Errorf("reservation %s: %w", r.ResourceID, ErrAlreadyExists)
		}
	} else {
		if !ok {
			return fmt.Errorf("reservation %s: %w", r.ResourceID, ErrNotFound)
		}

		if stored.Timestamp != priorTimestamp {
			return fmt.Errorf("reservation %s moved: %w", r.ResourceID, ErrConditionFailed)
		}
	}

	m.reservations[r.ResourceID] = clone(r)

	return nil
}

func (m *Memory) DeleteReservation(_ context.Context, resourceID string, priorTimestamp int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.reservations[resourceID]
	if !ok {
		return fmt.Errorf("reservation %s: %w", resourceID, ErrNotFound)
	}

	if priorTimestamp != 0 && stored.Timestamp != priorTimestamp {
		return fmt.Errorf("reservation %s moved: %w", resourceID, ErrConditionFailed)
	}

	delete(m.reservations, resourceID)

	return nil
}

func (m *Memory) ListReservations(_ context.Context) ([]*models.CategoryReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.CategoryReservation, 0, len(m.reservations))
	for _, r := range m.reservations {
		out = append(out, clone(r))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })

	return out, nil
}

func (m *Memory) HealthCheck(_ context.Context) error { return nil }

func (m *Memory) Close(_ context.Context) error { return nil }
