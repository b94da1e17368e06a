// Package template models the service template tree a workflow is submitted
// as. The admission controller only needs the resource shape; the executor
// walks the whole tree.
package template

import (
	"encoding/json"
	"fmt"

	"github.com/axialops/axplatform/pkg/models"
)

// Template types.
const (
	TypeContainer  = "container"
	TypeWorkflow   = "workflow"
	TypeDeployment = "deployment"
)

// Labels interpreted by the executor.
const (
	LabelCrashSecond = "executor.crash_second" // crash-test mode: exit(10) within N seconds
	LabelDockerSpec  = "docker.spec"           // docker-in-docker sidecar cpu/mem, json
)

// ContainerResources is the requested shape of one container.
type ContainerResources struct {
	CPUCores float64 `json:"cpu_cores"`
	MemMiB   float64 `json:"mem_mib"`
	DiskGB   float64 `json:"disk_gb,omitempty"`
}

func (c ContainerResources) Resource() models.Resource {
	return models.Resource{CPU: c.CPUCores, MemMiB: c.MemMiB}
}

// Container is the payload of a container-type template.
type Container struct {
	Image     string             `json:"image"`
	Command   []string           `json:"command,omitempty"`
	Env       map[string]string  `json:"env,omitempty"`
	Resources ContainerResources `json:"resources"`
}

// FixtureEntry is one fixtures[i] member: a static reservation (class/name/
// attributes) or, when Template is set, a dynamic fixture container held for
// the lifetime of the enclosing workflow node.
type FixtureEntry struct {
	Class      string         `json:"class,omitempty"`
	Name       string         `json:"name,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Template   *Template      `json:"template,omitempty"`
}

func (f *FixtureEntry) Dynamic() bool {
	return f.Template != nil
}

// VolumeClaim is one volumes map member on a workflow template. Claims are
// rewritten into a merged static-fixture entry at tree-build time so they
// participate in fixture reservation.
type VolumeClaim struct {
	AXRN         string  `json:"axrn,omitempty"`
	StorageClass string  `json:"storage_class,omitempty"`
	SizeGB       float64 `json:"size_gb,omitempty"`
}

// Service wraps a template with the per-use flags of the enclosing step.
type Service struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name,omitempty"`
	Template    *Template         `json:"template"`
	IgnoreError bool              `json:"ignore_error,omitempty"`
	AutoRetry   bool              `json:"auto_retry,omitempty"`
	AlwaysRun   bool              `json:"always_run,omitempty"`
	CostID      map[string]string `json:"costid,omitempty"`
}

// Template is one vertex of the service template tree.
type Template struct {
	Type      string                     `json:"type"`
	Name      string                     `json:"name,omitempty"`
	Container *Container                 `json:"container,omitempty"`
	Steps     []map[string]*Service      `json:"steps,omitempty"`
	Fixtures  []map[string]*FixtureEntry `json:"fixtures,omitempty"`
	Volumes   map[string]VolumeClaim     `json:"volumes,omitempty"`
	Labels    map[string]string          `json:"labels,omitempty"`

	// Deployment-type templates only.
	ApplicationName string `json:"application_name,omitempty"`
	DeploymentName  string `json:"deployment_name,omitempty"`
}

// Parse decodes a stored service template document.
func Parse(raw json.RawMessage) (*Service, error) {
	var svc Service

	if err := json.Unmarshal(raw, &svc); err != nil {
		return nil, fmt.Errorf("failed to parse service template: %w", err)
	}

	if svc.Template == nil {
		return nil, fmt.Errorf("service template has no template body")
	}

	return &svc, nil
}

// MaxLeafResource returns the componentwise maximum over every container leaf,
// dynamic fixtures included.
func (s *Service) MaxLeafResource() models.Resource {
	return maxLeaf(s.Template)
}

func maxLeaf(t *Template) models.Resource {
	if t == nil {
		return models.Resource{}
	}

	var out models.Resource

	if t.Container != nil {
		out = out.Max(t.Container.Resources.Resource())
	}

	for _, step := range t.Steps {
		for _, child := range step {
			out = out.Max(maxLeaf(child.Template))
		}
	}

	for _, fix := range t.Fixtures {
		for _, entry := range fix {
			if entry.Dynamic() {
				out = out.Max(maxLeaf(entry.Template))
			}
		}
	}

	return out
}

// AggregateResource returns the maximum resource the workflow ever holds
// concurrently: dynamic fixtures are held for the whole node lifetime, steps
// run one row at a time with every member of a row in parallel.
func (s *Service) AggregateResource() models.Resource {
	return aggregate(s.Template)
}

func aggregate(t *Template) models.Resource {
	if t == nil {
		return models.Resource{}
	}

	if t.Container != nil {
		return t.Container.Resources.Resource()
	}

	var fixtures models.Resource

	for _, fix := range t.Fixtures {
		for _, entry := range fix {
			if entry.Dynamic() {
				fixtures = fixtures.Add(aggregate(entry.Template))
			}
		}
	}

	var peakStep models.Resource

	for _, step := range t.Steps {
		var row models.Resource
		for _, child := range step {
			row = row.Add(aggregate(child.Template))
		}

		peakStep = peakStep.Max(row)
	}

	return fixtures.Add(peakStep)
}

// CrashSecond returns the crash-test bound, 0 when the label is absent.
func (s *Service) CrashSecond() int {
	if s.Template == nil {
		return 0
	}

	var n int

	_, err := fmt.Sscanf(s.Template.Labels[LabelCrashSecond], "%d", &n)
	if err != nil || n < 0 {
		return 0
	}

	return n
}
