// Package models lists the models available on an OpenAI-compatible
// completion API. Credentials are passed per call; the client holds none.
package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ashita-ai/threadbox/internal/model"
)

// ErrNotConfigured is returned when the endpoint or key is missing.
var ErrNotConfigured = errors.New("models: completion API endpoint and key must be configured first")

// Client calls the completion API's model listing endpoint.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Client. A zero timeout defaults to 30s.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

type listResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels returns the sorted model ids exposed by the API described by s.
func (c *Client) ListModels(ctx context.Context, s model.CompletionSettings) ([]string, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}
	url := strings.TrimRight(s.APIEndpoint, "/") + "/models"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("models: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("models: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("models: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result listResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("models: decode response: %w", err)
	}

	ids := make([]string, 0, len(result.Data))
	for _, m := range result.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
