package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/threadbox/internal/model"
)

const threadColumns = `id, thread_name, state, metadata, created_on, edited_on`

// CreateThread inserts a new idle thread and returns it.
func (db *DB) CreateThread(ctx context.Context, name string, metadata map[string]any) (model.Thread, error) {
	now := time.Now().UTC()
	t := model.Thread{
		ID:        model.NewID(),
		Name:      name,
		State:     model.ThreadStateIdle,
		Metadata:  metadata,
		CreatedOn: now,
		EditedOn:  now,
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO threads (id, thread_name, state, metadata, created_on, edited_on)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, string(t.State), t.Metadata, t.CreatedOn, t.EditedOn,
	)
	if err != nil {
		return model.Thread{}, fmt.Errorf("storage: create thread: %w", err)
	}
	return t, nil
}

// GetThread retrieves a thread by ID.
func (db *DB) GetThread(ctx context.Context, id string) (model.Thread, error) {
	t, err := scanThread(db.pool.QueryRow(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Thread{}, fmt.Errorf("storage: thread %s: %w", id, ErrNotFound)
		}
		return model.Thread{}, fmt.Errorf("storage: get thread: %w", err)
	}
	return t, nil
}

// ListThreads returns every thread with its log count, newest first.
func (db *DB) ListThreads(ctx context.Context) ([]model.ThreadSummary, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT t.id, t.thread_name, t.state, t.metadata, t.created_on, t.edited_on,
		        (SELECT COUNT(*) FROM logs l WHERE l.thread_id = t.id)
		 FROM threads t
		 ORDER BY t.created_on DESC, t.id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list threads: %w", err)
	}
	defer rows.Close()

	threads := []model.ThreadSummary{}
	for rows.Next() {
		var s model.ThreadSummary
		var state string
		if err := rows.Scan(
			&s.ID, &s.Name, &state, &s.Metadata, &s.CreatedOn, &s.EditedOn, &s.LogCount,
		); err != nil {
			return nil, fmt.Errorf("storage: scan thread: %w", err)
		}
		s.State = model.ThreadState(state)
		threads = append(threads, s)
	}
	return threads, rows.Err()
}

// UpdateThread renames the thread (when name is non-nil) and merges metadata.
func (db *DB) UpdateThread(ctx context.Context, id string, name *string, metadata map[string]any) (model.Thread, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	t, err := scanThread(db.pool.QueryRow(ctx,
		`UPDATE threads
		 SET thread_name = COALESCE($2, thread_name), metadata = metadata || $3, edited_on = $4
		 WHERE id = $1
		 RETURNING `+threadColumns,
		id, name, metadata, time.Now().UTC(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Thread{}, fmt.Errorf("storage: thread %s: %w", id, ErrNotFound)
		}
		return model.Thread{}, fmt.Errorf("storage: update thread: %w", err)
	}
	return t, nil
}

// MergeThreadMetadata shallow-merges metadata into the thread.
func (db *DB) MergeThreadMetadata(ctx context.Context, id string, metadata map[string]any) (model.Thread, error) {
	return db.UpdateThread(ctx, id, nil, metadata)
}

// TransitionThread is a compare-and-set on state: the row is only updated if
// its current state is one the target may be entered from.
func (db *DB) TransitionThread(ctx context.Context, id string, to model.ThreadState, metadata map[string]any) (model.Thread, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	from := model.StateStrings(to.AllowedFrom())

	var t model.Thread
	err := db.inContendedTx(ctx, "transition thread", id, func(tx pgx.Tx) error {
		var scanErr error
		t, scanErr = scanThread(tx.QueryRow(ctx,
			`UPDATE threads
			 SET state = $2, metadata = metadata || $3, edited_on = $4
			 WHERE id = $1 AND state = ANY($5)
			 RETURNING `+threadColumns,
			id, string(to), metadata, time.Now().UTC(), from,
		))
		return scanErr
	})
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Thread{}, fmt.Errorf("storage: transition thread: %w", err)
	}

	// Nothing matched: either the thread is gone or it is in the wrong state.
	current, getErr := db.GetThread(ctx, id)
	if getErr != nil {
		return model.Thread{}, getErr
	}
	return model.Thread{}, fmt.Errorf("storage: %s -> %s: %w", current.State, to, ErrInvalidTransition)
}

// TouchThread renews the run lease on a starting thread by bumping
// edited_on. It returns ErrInvalidTransition when the thread has left
// starting and ErrNotFound when it is gone.
func (db *DB) TouchThread(ctx context.Context, id string) error {
	var n int64
	err := db.inContendedTx(ctx, "touch thread", id, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE threads SET edited_on = $2 WHERE id = $1 AND state = $3`,
			id, time.Now().UTC(), string(model.ThreadStateStarting))
		n = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: touch thread: %w", err)
	}
	if n > 0 {
		return nil
	}
	current, err := db.GetThread(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("storage: touch %s thread: %w", current.State, ErrInvalidTransition)
}

// DeleteThread removes a thread. Its logs go with it (ON DELETE CASCADE).
func (db *DB) DeleteThread(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM threads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: thread %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanThread(row pgx.Row) (model.Thread, error) {
	var t model.Thread
	var state string
	if err := row.Scan(&t.ID, &t.Name, &state, &t.Metadata, &t.CreatedOn, &t.EditedOn); err != nil {
		return model.Thread{}, err
	}
	t.State = model.ThreadState(state)
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	return t, nil
}
