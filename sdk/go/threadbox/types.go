package threadbox

import "time"

// Thread states.
const (
	StateIdle      = "idle"
	StateStarting  = "starting"
	StateCompleted = "completed"
	StateError     = "error"
)

// Thread mirrors the server's thread representation.
type Thread struct {
	ID        string         `json:"id"`
	Name      string         `json:"thread_name"`
	State     string         `json:"state"`
	Metadata  map[string]any `json:"metadata"`
	CreatedOn time.Time      `json:"created_on"`
	EditedOn  time.Time      `json:"edited_on"`
}

// Terminal reports whether the thread's last run has finished.
func (t Thread) Terminal() bool {
	return t.State == StateCompleted || t.State == StateError
}

// ThreadSummary is a list entry.
type ThreadSummary struct {
	Thread
	LogCount int `json:"log_count"`
}

// SandboxHealth is the state of a thread's container.
type SandboxHealth struct {
	Healthy bool   `json:"healthy"`
	Status  string `json:"status"`
}

// ThreadDetail is a thread with its logs, oldest first.
type ThreadDetail struct {
	Thread
	LogCount int           `json:"log_count"`
	Health   SandboxHealth `json:"health"`
	Logs     []Log         `json:"logs"`
}

// Log is one entry in a thread's log.
type Log struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Sender    string         `json:"sender"`
	Type      string         `json:"type"`
	Payload   string         `json:"payload"`
	Metadata  map[string]any `json:"metadata"`
	CreatedOn time.Time      `json:"created_on"`
	EditedOn  time.Time      `json:"edited_on"`
}

// CreateThreadRequest is the body of CreateThread.
type CreateThreadRequest struct {
	Name     string         `json:"thread_name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UpdateThreadRequest renames a thread and merges metadata. Nil fields are
// left unchanged.
type UpdateThreadRequest struct {
	Name     *string        `json:"thread_name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StartResponse acknowledges a launched run.
type StartResponse struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
	State    string `json:"state"`
}

// RunStatus reports a thread's background run.
type RunStatus struct {
	ThreadID  string     `json:"thread_id"`
	Active    bool       `json:"active"`
	Phase     string     `json:"phase,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// AppendLogRequest is the body of AppendLog. Sender, Type and Payload are
// required.
type AppendLogRequest struct {
	Sender   string         `json:"sender"`
	Type     string         `json:"type"`
	Payload  string         `json:"payload"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UpdateLogRequest edits a log. Nil fields are left unchanged.
type UpdateLogRequest struct {
	Sender   *string        `json:"sender,omitempty"`
	Type     *string        `json:"type,omitempty"`
	Payload  *string        `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CompletionSettings is the stored completion API configuration. The key
// is write-only.
type CompletionSettings struct {
	APIEndpoint string `json:"api_endpoint"`
	APIModel    string `json:"api_model"`
	APIKeySet   bool   `json:"api_key_set"`
}

// PutCompletionSettingsRequest stores completion API settings.
type PutCompletionSettingsRequest struct {
	APIEndpoint string `json:"api_endpoint"`
	APIKey      string `json:"api_key"`
	APIModel    string `json:"api_model,omitempty"`
}

// Health is the server's /health report.
type Health struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Storage       string `json:"storage"`
	Runtime       string `json:"runtime"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ActiveRuns    int    `json:"active_runs"`
}
