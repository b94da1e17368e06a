package fixture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/models"
)

const clientTimeout = 30 * time.Second

// AWCJobClient submits action jobs as workflows to the admission controller
// and reads their status back.
type AWCJobClient struct {
	base   string
	client *http.Client
}

func NewAWCJobClient(base string) *AWCJobClient {
	return &AWCJobClient{base: base, client: &http.Client{Timeout: clientTimeout}}
}

func (c *AWCJobClient) SubmitJob(ctx context.Context, service map[string]any) (string, error) {
	var out struct {
		ID string `json:"id"`
	}

	err := doJSON(ctx, c.client, http.MethodPost, c.base+"/v1/adc/workflows", service, &out)
	if err != nil {
		return "", err
	}

	return out.ID, nil
}

func (c *AWCJobClient) JobStatus(ctx context.Context, serviceID string) (*JobStatus, error) {
	var wf models.Workflow

	url := fmt.Sprintf("%s/v1/adc/workflows/%s?state_only=true", c.base, serviceID)

	err := doJSON(ctx, c.client, http.MethodGet, url, nil, &wf)
	if err != nil {
		return nil, err
	}

	return &JobStatus{
		Done:      wf.Status.Terminal(),
		Succeeded: wf.Status == models.WorkflowSucceed,
	}, nil
}

// AXOPSTemplateSource fetches fixture class templates from axops.
type AXOPSTemplateSource struct {
	base   string
	client *http.Client
}

func NewAXOPSTemplateSource(base string) *AXOPSTemplateSource {
	return &AXOPSTemplateSource{base: base, client: &http.Client{Timeout: clientTimeout}}
}

func (s *AXOPSTemplateSource) FixtureTemplate(ctx context.Context, templateID string) (*ClassTemplate, error) {
	var tpl ClassTemplate

	url := fmt.Sprintf("%s/v1/templates/%s", s.base, templateID)

	err := doJSON(ctx, s.client, http.MethodGet, url, nil, &tpl)
	if err != nil {
		return nil, err
	}

	return &tpl, nil
}

func (s *AXOPSTemplateSource) ListFixtureTemplates(ctx context.Context) ([]*ClassTemplate, error) {
	var out struct {
		Data []*ClassTemplate `json:"data"`
	}

	err := doJSON(ctx, s.client, http.MethodGet, s.base+"/v1/templates?type=fixture", nil, &out)
	if err != nil {
		return nil, err
	}

	return out.Data, nil
}

func doJSON(ctx context.Context, client *http.Client, method, url string, in, out any) error {
	var body *bytes.Reader

	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}

		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var axErr axerror.AXError

		if decodeErr := json.NewDecoder(resp.Body).Decode(&axErr); decodeErr == nil && axErr.Code != "" {
			return axErr.WithStatus(resp.StatusCode)
		}

		return axerror.ErrInternal.WithDetailf("%s %s returned %d", method, url, resp.StatusCode).
			WithStatus(resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}

	return nil
}
