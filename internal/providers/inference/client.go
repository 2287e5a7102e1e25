package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/propreel/propreel/internal/config"
	inferencedomain "github.com/propreel/propreel/internal/providers/inference/domain"
)

type predictionRequest struct {
	Model   string         `json:"model,omitempty"`
	Version string         `json:"version,omitempty"`
	Input   map[string]any `json:"input"`
}

type predictionResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

type providerErrorResponse struct {
	Detail string `json:"detail"`
	Title  string `json:"title"`
}

// Client talks to the hosted prediction API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(cfg config.Config) inferencedomain.Adapter {
	timeout := time.Duration(cfg.Inference.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.Inference.BaseURL), "/"),
		token:   strings.TrimSpace(cfg.Inference.APIToken),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) Submit(ctx context.Context, req inferencedomain.SubmitRequest) (string, error) {
	if strings.TrimSpace(req.Model) == "" && strings.TrimSpace(req.Version) == "" {
		return "", inferencedomain.ErrInvalidModel
	}
	if strings.TrimSpace(req.InputRef) == "" {
		return "", inferencedomain.ErrInvalidInput
	}

	input := map[string]any{"image": req.InputRef}
	for k, v := range req.Params {
		input[k] = v
	}

	payload := predictionRequest{Input: input}
	if req.Version != "" {
		payload.Version = req.Version
	} else {
		payload.Model = req.Model
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/predictions", payload)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.ID) == "" {
		return "", fmt.Errorf("%w: provider returned no prediction id", inferencedomain.ErrAdapter)
	}
	return resp.ID, nil
}

func (c *Client) Poll(ctx context.Context, externalID string) (*inferencedomain.Prediction, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, inferencedomain.ErrInvalidExternalID
	}

	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/predictions/"+externalID, nil)
	if err != nil {
		return nil, err
	}

	return &inferencedomain.Prediction{
		ExternalID: resp.ID,
		Status:     normalizeStatus(resp.Status),
		Output:     firstOutputRef(resp.Output),
		Error:      providerError(resp),
	}, nil
}

func (c *Client) Cancel(ctx context.Context, externalID string) error {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return inferencedomain.ErrInvalidExternalID
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/v1/predictions/"+externalID+"/cancel", nil)
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any) (*predictionResponse, error) {
	if c.token == "" {
		return nil, inferencedomain.ErrNotConfigured
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", inferencedomain.ErrAdapter, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", inferencedomain.ErrAdapter, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var provErr providerErrorResponse
		_ = json.Unmarshal(raw, &provErr)
		detail := strings.TrimSpace(provErr.Detail)
		if detail == "" {
			detail = strings.TrimSpace(provErr.Title)
		}
		if detail == "" {
			detail = http.StatusText(httpResp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s (status %d)", inferencedomain.ErrAdapter, detail, httpResp.StatusCode)
	}

	var resp predictionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", inferencedomain.ErrAdapter, err)
	}
	return &resp, nil
}

func normalizeStatus(raw string) inferencedomain.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "starting", "queued":
		return inferencedomain.StatusQueued
	case "processing":
		return inferencedomain.StatusRunning
	case "succeeded":
		return inferencedomain.StatusSucceeded
	case "failed", "cancelled", "canceled":
		return inferencedomain.StatusFailed
	default:
		return inferencedomain.StatusQueued
	}
}

// firstOutputRef extracts the artifact URL. The provider returns either a
// bare string or an array of strings depending on the model.
func firstOutputRef(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0]
	}
	return ""
}

func providerError(resp *predictionResponse) string {
	if resp == nil {
		return ""
	}
	errMsg := strings.TrimSpace(resp.Error)
	if errMsg == "" && strings.EqualFold(resp.Status, "cancelled") {
		errMsg = "cancelled by provider"
	}
	return errMsg
}
