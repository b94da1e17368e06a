// Package axsys talks to the container runtime proxy that actually creates
// services and volumes on the substrate.
package axsys

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/axialops/axplatform/pkg/axerror"
)

// ContainerState is what the proxy reports for a named container.
type ContainerState string

const (
	ContainerRunning         ContainerState = "RUNNING"
	ContainerPending         ContainerState = "PENDING"
	ContainerImagePullBackoff ContainerState = "IMAGE_PULL_BACKOFF"
	ContainerStopped         ContainerState = "STOPPED"
	ContainerFailed          ContainerState = "FAILED"
	ContainerNotFound        ContainerState = "NOT_FOUND"
)

// ContainerStatus is the proxy's view of one container.
type ContainerStatus struct {
	Name       string         `json:"name"`
	State      ContainerState `json:"state"`
	ReturnCode *int           `json:"return_code,omitempty"`
	OOMKilled  bool           `json:"oom_killed"`
	Reason     string         `json:"reason,omitempty"`
}

// ServiceSpec names a container and carries its runtime document verbatim;
// the proxy owns the document's schema.
type ServiceSpec struct {
	Name     string         `json:"name"`
	Spec     map[string]any `json:"spec"`
	RootID   string         `json:"root_id,omitempty"`
	CostID   map[string]any `json:"cost_id,omitempty"`
}

// VolumeSpec describes a volume create or resize.
type VolumeSpec struct {
	Name         string            `json:"name"`
	StorageClass string            `json:"storage_class"`
	SizeGB       float64           `json:"size_gb"`
	Attributes   map[string]any    `json:"attributes,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// Client is what the admission controller, executor and volume workers need
// from the runtime proxy.
type Client interface {
	CreateService(ctx context.Context, spec *ServiceSpec) error
	DeleteService(ctx context.Context, name string, force bool) error
	GetContainerStatus(ctx context.Context, name string) (*ContainerStatus, error)

	CreateVolume(ctx context.Context, spec *VolumeSpec) error
	UpdateVolume(ctx context.Context, spec *VolumeSpec) error
	DeleteVolume(ctx context.Context, name string) error
}

// HTTPClient is the production client.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPClient(logger *slog.Logger, baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  logger.With("module", "axsys"),
	}
}

func (c *HTTPClient) CreateService(ctx context.Context, spec *ServiceSpec) error {
	return c.do(ctx, http.MethodPost, "/v1/axsys/services", spec, nil)
}

func (c *HTTPClient) DeleteService(ctx context.Context, name string, force bool) error {
	path := "/v1/axsys/services/" + url.PathEscape(name)
	if force {
		path += "?force=true"
	}

	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if axerror.StatusOf(err) == http.StatusNotFound {
		// deleting an absent service is success for every caller
		return nil
	}

	return err
}

func (c *HTTPClient) GetContainerStatus(ctx context.Context, name string) (*ContainerStatus, error) {
	var status ContainerStatus

	err := c.do(ctx, http.MethodGet, "/v1/axsys/containers/"+url.PathEscape(name), nil, &status)
	if axerror.StatusOf(err) == http.StatusNotFound {
		return &ContainerStatus{Name: name, State: ContainerNotFound}, nil
	}

	if err != nil {
		return nil, err
	}

	return &status, nil
}

func (c *HTTPClient) CreateVolume(ctx context.Context, spec *VolumeSpec) error {
	return c.do(ctx, http.MethodPost, "/v1/axsys/volumes", spec, nil)
}

func (c *HTTPClient) UpdateVolume(ctx context.Context, spec *VolumeSpec) error {
	return c.do(ctx, http.MethodPut, "/v1/axsys/volumes/"+url.PathEscape(spec.Name), spec, nil)
}

func (c *HTTPClient) DeleteVolume(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/axsys/volumes/"+url.PathEscape(name), nil, nil)
	if axerror.StatusOf(err) == http.StatusNotFound {
		return nil
	}

	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return axerror.ErrServiceUnavailable.WithDetailf("axsys %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}

	if out != nil {
		err = json.NewDecoder(resp.Body).Decode(out)
		if err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}

	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope axerror.AXError
	if json.Unmarshal(data, &envelope) == nil && envelope.Code != "" {
		return envelope.WithStatus(resp.StatusCode)
	}

	if resp.StatusCode == http.StatusNotFound {
		return axerror.ErrResourceNotFound.WithDetailf("axsys: %s", string(data))
	}

	return axerror.ErrInternal.WithStatus(resp.StatusCode).WithDetailf("axsys: %s", string(data))
}
