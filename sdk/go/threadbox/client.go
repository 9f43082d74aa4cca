package threadbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the threadbox server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is a bearer token issued by "threadbox token". Leave empty when
	// the server runs with auth disabled.
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a client with
	// Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the threadbox API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("threadbox: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("threadbox: invalid BaseURL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  httpClient,
	}, nil
}

// Health returns the server's health report. A 503 (storage down) is
// returned as an *Error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Threads
// ---------------------------------------------------------------------------

// CreateThread creates an idle thread.
func (c *Client) CreateThread(ctx context.Context, req CreateThreadRequest) (*Thread, error) {
	var resp Thread
	if err := c.do(ctx, http.MethodPost, "/v1/threads", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListThreads returns every thread, newest first.
func (c *Client) ListThreads(ctx context.Context) ([]ThreadSummary, error) {
	var resp []ThreadSummary
	if err := c.do(ctx, http.MethodGet, "/v1/threads", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetThread returns a thread with its logs and sandbox health.
func (c *Client) GetThread(ctx context.Context, threadID string) (*ThreadDetail, error) {
	var resp ThreadDetail
	if err := c.do(ctx, http.MethodGet, threadPath(threadID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateThread renames a thread and merges metadata.
func (c *Client) UpdateThread(ctx context.Context, threadID string, req UpdateThreadRequest) (*Thread, error) {
	var resp Thread
	if err := c.do(ctx, http.MethodPut, threadPath(threadID), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteThread cancels any active run, removes the sandbox and deletes the
// thread with its logs.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	return c.do(ctx, http.MethodDelete, threadPath(threadID), nil, nil)
}

// StartThread launches the thread's background run. It returns once the
// thread is in starting; use WaitForThread or RunStatus to follow it.
// A thread that is already running yields an error for which IsConflict
// is true.
func (c *Client) StartThread(ctx context.Context, threadID string) (*StartResponse, error) {
	var resp StartResponse
	if err := c.do(ctx, http.MethodPost, threadPath(threadID)+"/start", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunStatus reports whether the thread has an active run and its phase.
func (c *Client) RunStatus(ctx context.Context, threadID string) (*RunStatus, error) {
	var resp RunStatus
	if err := c.do(ctx, http.MethodGet, threadPath(threadID)+"/run", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForThread polls the thread every interval until it reaches completed
// or error, or ctx ends. interval defaults to one second.
func (c *Client) WaitForThread(ctx context.Context, threadID string, interval time.Duration) (*ThreadDetail, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		detail, err := c.GetThread(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if detail.Terminal() {
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return detail, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ---------------------------------------------------------------------------
// Logs
// ---------------------------------------------------------------------------

// AppendLog appends an entry to a thread's log.
func (c *Client) AppendLog(ctx context.Context, threadID string, req AppendLogRequest) (*Log, error) {
	var resp Log
	if err := c.do(ctx, http.MethodPost, threadPath(threadID)+"/logs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListLogs returns a thread's logs, oldest first.
func (c *Client) ListLogs(ctx context.Context, threadID string) ([]Log, error) {
	var resp []Log
	if err := c.do(ctx, http.MethodGet, threadPath(threadID)+"/logs", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// UpdateLog edits a log entry.
func (c *Client) UpdateLog(ctx context.Context, logID string, req UpdateLogRequest) (*Log, error) {
	var resp Log
	if err := c.do(ctx, http.MethodPut, "/v1/logs/"+url.PathEscape(logID), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteLog deletes a log entry.
func (c *Client) DeleteLog(ctx context.Context, logID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/logs/"+url.PathEscape(logID), nil, nil)
}

// ---------------------------------------------------------------------------
// Settings (admin)
// ---------------------------------------------------------------------------

// GetCompletionSettings returns the stored completion API settings.
func (c *Client) GetCompletionSettings(ctx context.Context) (*CompletionSettings, error) {
	var resp CompletionSettings
	if err := c.do(ctx, http.MethodGet, "/v1/settings/completion", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PutCompletionSettings stores the completion API endpoint, key and model.
func (c *Client) PutCompletionSettings(ctx context.Context, req PutCompletionSettingsRequest) (*CompletionSettings, error) {
	var resp CompletionSettings
	if err := c.do(ctx, http.MethodPut, "/v1/settings/completion", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListModels returns the model ids offered by the configured completion API.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	var resp struct {
		Models []string `json:"models"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/settings/completion/models", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

func threadPath(id string) string {
	return "/v1/threads/" + url.PathEscape(id)
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("threadbox: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("threadbox: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("threadbox: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("threadbox: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("threadbox: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("threadbox: response has no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
