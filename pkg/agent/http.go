package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openclaw/conductor/pkg/models"
)

// HTTPAdapter executes tasks against a remote HTTP endpoint. The task is
// POSTed as JSON {"task": "..."} and the response body is the output:
// either a JSON object with an "output" field or raw text.
type HTTPAdapter struct {
	info    Info
	url     string
	client  *http.Client
	timeout time.Duration
	headers map[string]string
}

// HTTPOption configures an HTTPAdapter.
type HTTPOption func(*HTTPAdapter)

// WithHTTPTimeout overrides the default 60 s request timeout.
func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(a *HTTPAdapter) { a.timeout = d }
}

// WithHTTPClient injects a custom http.Client (used by tests).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAdapter) { a.client = c }
}

// WithHTTPHeaders sets extra request headers (e.g. authorization).
func WithHTTPHeaders(h map[string]string) HTTPOption {
	return func(a *HTTPAdapter) { a.headers = h }
}

// WithHTTPDescription sets the adapter description.
func WithHTTPDescription(desc string) HTTPOption {
	return func(a *HTTPAdapter) { a.info.Description = desc }
}

// WithHTTPCapabilities sets the capability tags used for routing.
func WithHTTPCapabilities(caps ...string) HTTPOption {
	return func(a *HTTPAdapter) { a.info.Capabilities = caps }
}

// NewHTTPAdapter creates an adapter that POSTs tasks to url.
func NewHTTPAdapter(name, url string, opts ...HTTPOption) *HTTPAdapter {
	a := &HTTPAdapter{
		info:    Info{Name: name, Type: TypeHTTP},
		url:     url,
		client:  http.DefaultClient,
		timeout: defaultExecuteTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Info returns the adapter metadata.
func (a *HTTPAdapter) Info() Info { return a.info }

// Execute POSTs the task and reads the response. Timeouts produce a
// timeout TaskResult; transport and non-2xx failures produce an error
// TaskResult. Both are contained task outcomes, not adapter errors.
func (a *HTTPAdapter) Execute(ctx context.Context, task string) (*models.TaskResult, error) {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"task": task})
	if err != nil {
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return models.NewTaskResult(models.ResultTimeout,
				fmt.Sprintf("task timed out after %v", a.timeout), time.Since(start)), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return models.NewTaskResult(models.ResultError, err.Error(), time.Since(start)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return models.NewTaskResult(models.ResultError,
			fmt.Sprintf("failed to read response: %v", err), time.Since(start)), nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.NewTaskResult(models.ResultError,
			fmt.Sprintf("agent endpoint returned %d: %s", resp.StatusCode, string(raw)), time.Since(start)), nil
	}

	return models.NewTaskResult(models.ResultOK, extractOutput(raw), time.Since(start)), nil
}

// HealthCheck probes the endpoint with a GET request.
func (a *HTTPAdapter) HealthCheck(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, a.url, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("agent endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// extractOutput unwraps {"output": "..."} response bodies, passing raw
// text through unchanged.
func extractOutput(raw []byte) string {
	var wrapped struct {
		Output *string `json:"output"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Output != nil {
		return *wrapped.Output
	}
	return string(raw)
}
