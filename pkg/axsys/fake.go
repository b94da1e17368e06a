package axsys

import (
	"context"
	"sync"

	"github.com/axialops/axplatform/pkg/axerror"
)

// Fake is an in-memory Client for tests. Tests script container outcomes by
// calling SetContainerStatus.
type Fake struct {
	mu       sync.Mutex
	services map[string]*ServiceSpec
	statuses map[string]*ContainerStatus
	volumes  map[string]*VolumeSpec

	// CreateServiceErr, when set, fails the next CreateService call.
	CreateServiceErr error
}

func NewFake() *Fake {
	return &Fake{
		services: make(map[string]*ServiceSpec),
		statuses: make(map[string]*ContainerStatus),
		volumes:  make(map[string]*VolumeSpec),
	}
}

func (f *Fake) CreateService(_ context.Context, spec *ServiceSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateServiceErr != nil {
		err := f.CreateServiceErr
		f.CreateServiceErr = nil

		return err
	}

	f.services[spec.Name] = spec
	if _, ok := f.statuses[spec.Name]; !ok {
		f.statuses[spec.Name] = &ContainerStatus{Name: spec.Name, State: ContainerPending}
	}

	return nil
}

func (f *Fake) DeleteService(_ context.Context, name string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.services, name)
	delete(f.statuses, name)

	return nil
}

func (f *Fake) GetContainerStatus(_ context.Context, name string) (*ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	status, ok := f.statuses[name]
	if !ok {
		return &ContainerStatus{Name: name, State: ContainerNotFound}, nil
	}

	copied := *status

	return &copied, nil
}

// SetContainerStatus scripts what GetContainerStatus reports for name.
func (f *Fake) SetContainerStatus(name string, status *ContainerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()

	status.Name = name
	f.statuses[name] = status
}

// HasService reports whether a CreateService for name is still live.
func (f *Fake) HasService(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.services[name]

	return ok
}

// Service returns the spec recorded for name.
func (f *Fake) Service(name string) *ServiceSpec {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.services[name]
}

func (f *Fake) CreateVolume(_ context.Context, spec *VolumeSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.volumes[spec.Name] = spec

	return nil
}

func (f *Fake) UpdateVolume(_ context.Context, spec *VolumeSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.volumes[spec.Name]; !ok {
		return axerror.ErrResourceNotFound.WithDetailf("volume %s", spec.Name)
	}

	f.volumes[spec.Name] = spec

	return nil
}

func (f *Fake) DeleteVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.volumes, name)

	return nil
}

// HasVolume reports whether a volume create for name is still live.
func (f *Fake) HasVolume(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.volumes[name]

	return ok
}
