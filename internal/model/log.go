package model

import (
	"strings"
	"time"
)

// Well-known senders and log types. Both fields are open strings; these are
// the values the orchestrator itself writes.
const (
	SenderSystem = "system"

	LogTypeOutput = "output"
	LogTypeError  = "error"
)

// MetaRawBytes records the original byte length of a payload that
// StoredText had to alter.
const MetaRawBytes = "raw_bytes"

// StoredText returns s in a form every backend accepts: invalid UTF-8
// sequences become U+FFFD and NUL bytes are dropped. changed reports
// whether s was altered.
func StoredText(s string) (clean string, changed bool) {
	clean = strings.ToValidUTF8(s, "\uFFFD")
	clean = strings.ReplaceAll(clean, "\x00", "")
	return clean, clean != s
}

// Log is an append-only record attached to exactly one thread.
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

// NewLog describes a log row to insert.
type NewLog struct {
	ThreadID string
	Sender   string
	Type     string
	Payload  string
	Metadata map[string]any
}

// LogPatch is a partial update of a log row. Nil fields are left as they are;
// Metadata is shallow-merged.
type LogPatch struct {
	Sender   *string
	Type     *string
	Payload  *string
	Metadata map[string]any
}

// Empty reports whether the patch changes nothing.
func (p LogPatch) Empty() bool {
	return p.Sender == nil && p.Type == nil && p.Payload == nil && len(p.Metadata) == 0
}
