package model

import (
	"fmt"
	"time"
)

// Field length limits for log fields. Payload carries captured command
// output, so it gets the most room.
const (
	MaxSenderLen  = 100
	MaxLogTypeLen = 100
	MaxPayloadLen = 1024 * 1024 // 1 MB
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeBadGateway    = "BAD_GATEWAY"
)

// CreateThreadRequest is the request body for POST /v1/threads.
type CreateThreadRequest struct {
	Name     string         `json:"thread_name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UpdateThreadRequest is the request body for PUT /v1/threads/{thread_id}.
// There is deliberately no state field.
type UpdateThreadRequest struct {
	Name     *string        `json:"thread_name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StartThreadResponse is returned by the start operation before any
// background work has run.
type StartThreadResponse struct {
	Message  string      `json:"message"`
	ThreadID string      `json:"thread_id"`
	State    ThreadState `json:"state"`
}

// DeleteThreadResponse is returned by DELETE /v1/threads/{thread_id}.
type DeleteThreadResponse struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
}

// CreateLogRequest is the request body for POST /v1/threads/{thread_id}/logs.
type CreateLogRequest struct {
	Sender   string         `json:"sender"`
	Type     string         `json:"type"`
	Payload  string         `json:"payload"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate enforces required fields and length limits.
func (r CreateLogRequest) Validate() error {
	if r.Sender == "" || r.Type == "" || r.Payload == "" {
		return fmt.Errorf("sender, type, and payload are required")
	}
	return validateLogFields(&r.Sender, &r.Type, &r.Payload)
}

// UpdateLogRequest is the request body for PUT /v1/logs/{log_id}.
type UpdateLogRequest struct {
	Sender   *string        `json:"sender,omitempty"`
	Type     *string        `json:"type,omitempty"`
	Payload  *string        `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Patch converts the request into a storage patch after validation.
func (r UpdateLogRequest) Patch() (LogPatch, error) {
	if err := validateLogFields(r.Sender, r.Type, r.Payload); err != nil {
		return LogPatch{}, err
	}
	p := LogPatch{Sender: r.Sender, Type: r.Type, Payload: r.Payload, Metadata: r.Metadata}
	if p.Empty() {
		return LogPatch{}, fmt.Errorf("at least one of sender, type, payload, metadata is required")
	}
	return p, nil
}

func validateLogFields(sender, typ, payload *string) error {
	if sender != nil && len(*sender) > MaxSenderLen {
		return fmt.Errorf("sender exceeds maximum length of %d characters", MaxSenderLen)
	}
	if typ != nil && len(*typ) > MaxLogTypeLen {
		return fmt.Errorf("type exceeds maximum length of %d characters", MaxLogTypeLen)
	}
	if payload != nil && len(*payload) > MaxPayloadLen {
		return fmt.Errorf("payload exceeds maximum length of %d bytes", MaxPayloadLen)
	}
	return nil
}

// UpdateCompletionSettingsRequest is the request body for
// PUT /v1/settings/completion.
type UpdateCompletionSettingsRequest struct {
	APIEndpoint string `json:"api_endpoint"`
	APIKey      string `json:"api_key"`
	APIModel    string `json:"api_model,omitempty"`
}

// CompletionSettingsView is the read view of the completion settings. The API
// key itself is never returned.
type CompletionSettingsView struct {
	APIEndpoint string `json:"api_endpoint"`
	APIModel    string `json:"api_model"`
	APIKeySet   bool   `json:"api_key_set"`
}

// ModelsResponse lists model ids available on the completion API.
type ModelsResponse struct {
	Models []string `json:"models"`
}

// RunStatus reports whether a background run is active for a thread.
type RunStatus struct {
	ThreadID  string     `json:"thread_id"`
	Active    bool       `json:"active"`
	Phase     string     `json:"phase,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Storage    string `json:"storage"`
	Runtime    string `json:"runtime"`
	Uptime     int64  `json:"uptime_seconds"`
	ActiveRuns int    `json:"active_runs"`
}

// TokenResponse is printed by the token command.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
