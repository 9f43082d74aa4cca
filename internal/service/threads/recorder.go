package threads

import (
	"context"
	"fmt"

	"github.com/ashita-ai/threadbox/internal/model"
	"github.com/ashita-ai/threadbox/internal/storage"
)

// Recorder appends logs to threads. It never mutates existing rows.
type Recorder struct {
	store storage.Store
}

// NewRecorder creates a Recorder over store.
func NewRecorder(store storage.Store) *Recorder {
	return &Recorder{store: store}
}

// Append inserts a new log. Returns storage.ErrNotFound if the thread does
// not exist. A payload that is not storable text is cleaned with
// model.StoredText and its original length kept under model.MetaRawBytes.
func (r *Recorder) Append(ctx context.Context, threadID, sender, typ, payload string, metadata map[string]any) (model.Log, error) {
	if clean, changed := model.StoredText(payload); changed {
		metadata = model.MergeMetadata(metadata, map[string]any{model.MetaRawBytes: len(payload)})
		payload = clean
	}
	l, err := r.store.CreateLog(ctx, model.NewLog{
		ThreadID: threadID,
		Sender:   sender,
		Type:     typ,
		Payload:  payload,
		Metadata: metadata,
	})
	if err != nil {
		return model.Log{}, fmt.Errorf("threads: append %s log: %w", typ, err)
	}
	return l, nil
}
