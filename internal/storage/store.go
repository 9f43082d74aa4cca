package storage

import (
	"context"

	"github.com/ashita-ai/threadbox/internal/model"
)

// Store is the persistence contract shared by the Postgres and SQLite
// backends. Metadata arguments are always shallow-merged into the stored
// object, never substituted for it.
type Store interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context)

	CreateThread(ctx context.Context, name string, metadata map[string]any) (model.Thread, error)
	GetThread(ctx context.Context, id string) (model.Thread, error)
	ListThreads(ctx context.Context) ([]model.ThreadSummary, error)
	// UpdateThread renames (when name is non-nil) and merges metadata. It
	// cannot touch state.
	UpdateThread(ctx context.Context, id string, name *string, metadata map[string]any) (model.Thread, error)
	MergeThreadMetadata(ctx context.Context, id string, metadata map[string]any) (model.Thread, error)
	// TransitionThread moves the thread to state `to` only if its current
	// state is one of to.AllowedFrom(). It returns ErrInvalidTransition
	// otherwise and ErrNotFound when the thread does not exist.
	TransitionThread(ctx context.Context, id string, to model.ThreadState, metadata map[string]any) (model.Thread, error)
	// TouchThread bumps edited_on on a thread in starting. A run calls it
	// periodically so other processes can tell a live run from an orphan.
	TouchThread(ctx context.Context, id string) error
	DeleteThread(ctx context.Context, id string) error

	CreateLog(ctx context.Context, l model.NewLog) (model.Log, error)
	GetLog(ctx context.Context, id string) (model.Log, error)
	ListLogs(ctx context.Context, threadID string) ([]model.Log, error)
	CountLogs(ctx context.Context, threadID string) (int, error)
	UpdateLog(ctx context.Context, id string, patch model.LogPatch) (model.Log, error)
	DeleteLog(ctx context.Context, id string) error

	GetSetting(ctx context.Context, key string) (string, error)
	PutSettings(ctx context.Context, values map[string]string) error
}

var _ Store = (*DB)(nil)
