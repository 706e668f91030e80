package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/models"
)

// APIClient talks to the backend's HTTP API
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// PromptRequest is the body of POST /prompt
type PromptRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

// PromptResponse is returned by POST /prompt
type PromptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// SystemStats is the subset of GET /system_stats we use for diagnostics
type SystemStats struct {
	Devices []struct {
		Name      string `json:"name"`
		VRAMTotal int64  `json:"vram_total"`
		VRAMFree  int64  `json:"vram_free"`
	} `json:"devices"`
}

// MemoryMB returns used and total VRAM of the first device in megabytes
func (s *SystemStats) MemoryMB() (used, total int64, ok bool) {
	if len(s.Devices) == 0 {
		return 0, 0, false
	}
	d := s.Devices[0]
	return (d.VRAMTotal - d.VRAMFree) / (1 << 20), d.VRAMTotal / (1 << 20), true
}

// APIError is a non-2xx response from the backend
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend API error (%d): %s", e.Status, e.Body)
}

// NewAPIClient creates a client for the backend at baseURL
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SubmitPrompt queues a workflow under clientID. Non-2xx responses wrap
// models.ErrSubmissionRejected; transport failures wrap models.ErrConnectionLost.
func (c *APIClient) SubmitPrompt(ctx context.Context, workflow json.RawMessage, clientID string) (*PromptResponse, error) {
	body, err := json.Marshal(PromptRequest{Prompt: workflow, ClientID: clientID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prompt: %w", err)
	}

	var out PromptResponse
	if err := c.do(ctx, http.MethodPost, "/prompt", body, &out); err != nil {
		return nil, err
	}
	if out.PromptID == "" {
		return nil, fmt.Errorf("%w: response carried no prompt_id", models.ErrSubmissionRejected)
	}
	return &out, nil
}

// DeleteQueued removes a prompt that has not started yet
func (c *APIClient) DeleteQueued(ctx context.Context, promptID string) error {
	body, err := json.Marshal(map[string][]string{"delete": {promptID}})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/queue", body, nil)
}

// Interrupt stops whatever prompt is currently executing
func (c *APIClient) Interrupt(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/interrupt", nil, nil)
}

// History returns the raw history entry of a prompt
func (c *APIClient) History(ctx context.Context, promptID string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SystemStats returns device memory information
func (c *APIClient) SystemStats(ctx context.Context) (*SystemStats, error) {
	var out SystemStats
	if err := c.do(ctx, http.MethodGet, "/system_stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", models.ErrConnectionLost, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode, Body: string(bodyBytes)}
		if path == "/prompt" {
			return fmt.Errorf("%w: %v", models.ErrSubmissionRejected, apiErr)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
