package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tidwall/gjson"

	herderrors "github.com/herdtools/herd/internal/errors"
)

// EndpointEnv names the environment variable carrying the worker's base
// URL when no endpoint is configured explicitly.
const EndpointEnv = "WORKER_ENDPOINT"

// HTTPClient drives one worker process over HTTP.
type HTTPClient struct {
	workerID string
	endpoint string
	timeout  time.Duration
	client   *http.Client
}

// NewHTTPClient returns a client for the worker at endpoint. An empty
// endpoint falls back to $WORKER_ENDPOINT. timeout bounds each execute
// call end to end.
func NewHTTPClient(workerID, endpoint string, timeout time.Duration) (*HTTPClient, error) {
	if endpoint == "" {
		endpoint = os.Getenv(EndpointEnv)
	}
	if endpoint == "" {
		return nil, herderrors.ErrValidation(
			"no worker endpoint configured",
			"Set worker.endpoint in config or the "+EndpointEnv+" environment variable")
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPClient{
		workerID: workerID,
		endpoint: endpoint,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Execute posts the prompt to the worker and decodes its reply. The
// call is bounded by the configured timeout; a timeout surfaces as a
// worker-timeout error.
func (c *HTTPClient) Execute(ctx context.Context, prompt string, allowedTools []string) (*ExecuteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"prompt":        prompt,
		"allowed_tools": allowedTools,
	})
	if err != nil {
		return nil, err
	}
	data, err := c.post(ctx, "/execute", body)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, herderrors.ErrWorkerTimeout(c.workerID, "", c.timeout.String())
		}
		return nil, err
	}

	return &ExecuteResult{
		Success:    gjson.GetBytes(data, "success").Bool(),
		Output:     gjson.GetBytes(data, "output").String(),
		Error:      gjson.GetBytes(data, "error").String(),
		TokensUsed: int(gjson.GetBytes(data, "usage.tokens_used").Int()),
		RequestID:  gjson.GetBytes(data, "request_id").String(),
	}, nil
}

// Heartbeat probes the worker's liveness endpoint.
func (c *HTTPClient) Heartbeat(ctx context.Context) (*HeartbeatInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/heartbeat", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("heartbeat returned %s", resp.Status)
	}

	info := &HeartbeatInfo{
		Status:     gjson.GetBytes(data, "status").String(),
		CPU:        gjson.GetBytes(data, "cpu").Float(),
		Memory:     gjson.GetBytes(data, "memory").Float(),
		UptimeSecs: gjson.GetBytes(data, "uptime").Float(),
	}
	if raw := gjson.GetBytes(data, "last_activity").String(); raw != "" {
		if at, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			info.LastActivity = at
		}
	}
	return info, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker returned %s: %s", resp.Status, truncate(string(data), 200))
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
