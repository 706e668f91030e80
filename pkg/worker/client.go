package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnknownWorker means the platform has no record of this worker id.
var ErrUnknownWorker = errors.New("worker not known to platform")

// Registration is what the agent reports about its machine.
type Registration struct {
	Name        string   `json:"name"`
	Hostname    string   `json:"hostname,omitempty"`
	IPAddress   string   `json:"ip_address,omitempty"`
	GPUModel    string   `json:"gpu_model,omitempty"`
	GPUCount    int      `json:"gpu_count,omitempty"`
	VRAMTotalMB int64    `json:"vram_total_mb,omitempty"`
	JobTypes    []string `json:"job_types,omitempty"`
	InstanceID  string   `json:"instance_id,omitempty"`
}

// Ack is the platform's reply to a registration or heartbeat.
type Ack struct {
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"`
}

// Client talks to the platform's worker endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the platform at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Register announces the worker. The platform keeps new workers pending
// until an operator approves them.
func (c *Client) Register(ctx context.Context, reg Registration) (*Ack, error) {
	var ack Ack
	if err := c.post(ctx, "/workers/register", reg, &ack); err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}
	return &ack, nil
}

// Heartbeat reports liveness for workerID.
func (c *Client) Heartbeat(ctx context.Context, workerID string) (*Ack, error) {
	var ack Ack
	if err := c.post(ctx, "/workers/"+workerID+"/heartbeat", nil, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrUnknownWorker
	case resp.StatusCode >= 300:
		return fmt.Errorf("platform returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
