package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/threadbox/internal/model"
	"github.com/ashita-ai/threadbox/internal/storage"
)

const threadColumns = `id, thread_name, state, metadata, created_on, edited_on`

func (s *DB) CreateThread(ctx context.Context, name string, metadata map[string]any) (model.Thread, error) {
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
	meta, err := encodeMetadata(t.Metadata)
	if err != nil {
		return model.Thread{}, err
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, thread_name, state, metadata, created_on, edited_on) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, string(t.State), meta, formatTime(now), formatTime(now),
	); err != nil {
		return model.Thread{}, fmt.Errorf("sqlite: create thread: %w", err)
	}
	return t, nil
}

func (s *DB) GetThread(ctx context.Context, id string) (model.Thread, error) {
	return getThread(ctx, s.db, id)
}

func (s *DB) ListThreads(ctx context.Context) ([]model.ThreadSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.thread_name, t.state, t.metadata, t.created_on, t.edited_on,
		        (SELECT COUNT(*) FROM logs l WHERE l.thread_id = t.id)
		 FROM threads t
		 ORDER BY t.created_on DESC, t.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.ThreadSummary{}
	for rows.Next() {
		var (
			sum                          model.ThreadSummary
			state, meta, created, edited string
		)
		if err := rows.Scan(&sum.ID, &sum.Name, &state, &meta, &created, &edited, &sum.LogCount); err != nil {
			return nil, fmt.Errorf("sqlite: scan thread: %w", err)
		}
		t, err := buildThread(sum.ID, sum.Name, state, meta, created, edited)
		if err != nil {
			return nil, err
		}
		sum.Thread = t
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *DB) UpdateThread(ctx context.Context, id string, name *string, metadata map[string]any) (model.Thread, error) {
	var out model.Thread
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getThread(ctx, tx, id)
		if err != nil {
			return err
		}
		if name != nil {
			t.Name = *name
		}
		t.Metadata = model.MergeMetadata(t.Metadata, metadata)
		t.EditedOn = time.Now().UTC()
		if err := writeThread(ctx, tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *DB) MergeThreadMetadata(ctx context.Context, id string, metadata map[string]any) (model.Thread, error) {
	return s.UpdateThread(ctx, id, nil, metadata)
}

func (s *DB) TransitionThread(ctx context.Context, id string, to model.ThreadState, metadata map[string]any) (model.Thread, error) {
	var out model.Thread
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getThread(ctx, tx, id)
		if err != nil {
			return err
		}
		if !model.CanTransition(t.State, to) {
			return fmt.Errorf("sqlite: %s -> %s: %w", t.State, to, storage.ErrInvalidTransition)
		}
		t.State = to
		t.Metadata = model.MergeMetadata(t.Metadata, metadata)
		t.EditedOn = time.Now().UTC()
		if err := writeThread(ctx, tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *DB) TouchThread(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getThread(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.State != model.ThreadStateStarting {
			return fmt.Errorf("sqlite: touch %s thread: %w", t.State, storage.ErrInvalidTransition)
		}
		t.EditedOn = time.Now().UTC()
		return writeThread(ctx, tx, t)
	})
}

func (s *DB) DeleteThread(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: thread %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getThread(ctx context.Context, q queryer, id string) (model.Thread, error) {
	t, err := scanThread(q.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Thread{}, fmt.Errorf("sqlite: thread %s: %w", id, storage.ErrNotFound)
		}
		return model.Thread{}, fmt.Errorf("sqlite: get thread: %w", err)
	}
	return t, nil
}

func writeThread(ctx context.Context, tx *sql.Tx, t model.Thread) error {
	meta, err := encodeMetadata(t.Metadata)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET thread_name = ?, state = ?, metadata = ?, edited_on = ? WHERE id = ?`,
		t.Name, string(t.State), meta, formatTime(t.EditedOn), t.ID,
	); err != nil {
		return fmt.Errorf("sqlite: update thread: %w", err)
	}
	return nil
}

func scanThread(row rowScanner) (model.Thread, error) {
	var id, name, state, meta, created, edited string
	if err := row.Scan(&id, &name, &state, &meta, &created, &edited); err != nil {
		return model.Thread{}, err
	}
	return buildThread(id, name, state, meta, created, edited)
}

func buildThread(id, name, state, meta, created, edited string) (model.Thread, error) {
	md, err := decodeMetadata(meta)
	if err != nil {
		return model.Thread{}, err
	}
	createdOn, err := parseTime(created)
	if err != nil {
		return model.Thread{}, fmt.Errorf("sqlite: parse created_on: %w", err)
	}
	editedOn, err := parseTime(edited)
	if err != nil {
		return model.Thread{}, fmt.Errorf("sqlite: parse edited_on: %w", err)
	}
	return model.Thread{
		ID:        id,
		Name:      name,
		State:     model.ThreadState(state),
		Metadata:  md,
		CreatedOn: createdOn,
		EditedOn:  editedOn,
	}, nil
}

func (s *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}
