package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/models"
)

// NodeInfo is one entry of the live tree snapshot the executor reports back
// on a query-list poll.
type NodeInfo struct {
	ID    string    `json:"id"`
	Name  string    `json:"name,omitempty"`
	Path  string    `json:"path,omitempty"`
	State NodeState `json:"state"`
}

// Reporter is the executor's channel back to the admission controller.
type Reporter interface {
	Heartbeat(ctx context.Context, workflowID string, resource models.Resource) error
	ReportDone(ctx context.Context, workflowID string, last models.WorkflowStatus) error
	ReportWorkflowInfo(ctx context.Context, workflowID string, nodes []NodeInfo) error
}

// FixtureClient is the slice of the fixture manager API a static fixture node
// needs: create a reservation request, then release it on termination.
type FixtureClient interface {
	CreateRequest(ctx context.Context, req *models.FixtureRequest) (*models.FixtureRequest, error)
	DeleteRequest(ctx context.Context, serviceID string) error
}

// ADCClient posts workflow notifications to the admission controller.
type ADCClient struct {
	baseURL string
	client  *http.Client
}

func NewADCClient(baseURL string) *ADCClient {
	return &ADCClient{baseURL: baseURL, client: &http.Client{Timeout: 60 * time.Second}}
}

func (c *ADCClient) Heartbeat(ctx context.Context, workflowID string, resource models.Resource) error {
	return c.notify(ctx, map[string]any{
		"workflow_id": workflowID,
		"event":       "heartbeat",
		"resource":    resource,
	})
}

func (c *ADCClient) ReportDone(ctx context.Context, workflowID string, last models.WorkflowStatus) error {
	return c.notify(ctx, map[string]any{
		"workflow_id": workflowID,
		"event":       "done",
		"last_status": last,
	})
}

func (c *ADCClient) ReportWorkflowInfo(ctx context.Context, workflowID string, nodes []NodeInfo) error {
	return c.notify(ctx, map[string]any{
		"workflow_id": workflowID,
		"event":       "workflow_info",
		"nodes":       nodes,
	})
}

func (c *ADCClient) notify(ctx context.Context, payload map[string]any) error {
	return postJSON(ctx, c.client, c.baseURL+"/v1/adc/notification/workflow", payload, nil)
}

// FVMClient is the production FixtureClient.
type FVMClient struct {
	baseURL string
	client  *http.Client
}

func NewFVMClient(baseURL string) *FVMClient {
	return &FVMClient{baseURL: baseURL, client: &http.Client{Timeout: 60 * time.Second}}
}

func (c *FVMClient) CreateRequest(ctx context.Context, req *models.FixtureRequest) (*models.FixtureRequest, error) {
	var out models.FixtureRequest

	err := postJSON(ctx, c.client, c.baseURL+"/v1/fixture/requests", req, &out)
	if err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *FVMClient) DeleteRequest(ctx context.Context, serviceID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/v1/fixture/requests/"+url.PathEscape(serviceID), nil)
	if err != nil {
		return fmt.Errorf("failed to build fixture request delete: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete fixture request %s: %w", serviceID, err)
	}
	defer resp.Body.Close()

	// releasing an already-released request is fine
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	if out != nil {
		err = json.NewDecoder(resp.Body).Decode(out)
		if err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", url, err)
		}
	}

	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}

	if json.Unmarshal(data, &envelope) == nil && envelope.Code != "" {
		ax := &axerror.AXError{Code: envelope.Code, Message: envelope.Message, Detail: envelope.Detail}

		return ax.WithStatus(resp.StatusCode)
	}

	return axerror.ErrInternal.WithDetailf("unexpected response %d: %s", resp.StatusCode, string(data)).WithStatus(resp.StatusCode)
}
