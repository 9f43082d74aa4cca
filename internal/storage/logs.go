package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/threadbox/internal/model"
)

const logColumns = `id, thread_id, sender, type, payload, metadata, created_on, edited_on`

// CreateLog appends a log to a live thread.
func (db *DB) CreateLog(ctx context.Context, nl model.NewLog) (model.Log, error) {
	now := time.Now().UTC()
	l := model.Log{
		ID:        model.NewID(),
		ThreadID:  nl.ThreadID,
		Sender:    nl.Sender,
		Type:      nl.Type,
		Payload:   nl.Payload,
		Metadata:  nl.Metadata,
		CreatedOn: now,
		EditedOn:  now,
	}
	if l.Metadata == nil {
		l.Metadata = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO logs (id, thread_id, sender, type, payload, metadata, created_on, edited_on)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.ThreadID, l.Sender, l.Type, l.Payload, l.Metadata, l.CreatedOn, l.EditedOn,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.Log{}, fmt.Errorf("storage: thread %s: %w", nl.ThreadID, ErrNotFound)
		}
		return model.Log{}, fmt.Errorf("storage: create log: %w", err)
	}
	return l, nil
}

// GetLog retrieves a log by ID.
func (db *DB) GetLog(ctx context.Context, id string) (model.Log, error) {
	l, err := scanLog(db.pool.QueryRow(ctx, `SELECT `+logColumns+` FROM logs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Log{}, fmt.Errorf("storage: log %s: %w", id, ErrNotFound)
		}
		return model.Log{}, fmt.Errorf("storage: get log: %w", err)
	}
	return l, nil
}

// ListLogs returns a thread's logs in creation order.
func (db *DB) ListLogs(ctx context.Context, threadID string) ([]model.Log, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+logColumns+` FROM logs WHERE thread_id = $1 ORDER BY created_on ASC, id ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list logs: %w", err)
	}
	defer rows.Close()

	logs := []model.Log{}
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CountLogs returns the number of logs attached to a thread.
func (db *DB) CountLogs(ctx context.Context, threadID string) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM logs WHERE thread_id = $1`, threadID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count logs: %w", err)
	}
	return n, nil
}

// UpdateLog applies a partial update. Metadata is merged.
func (db *DB) UpdateLog(ctx context.Context, id string, patch model.LogPatch) (model.Log, error) {
	metadata := patch.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	l, err := scanLog(db.pool.QueryRow(ctx,
		`UPDATE logs
		 SET sender = COALESCE($2, sender), type = COALESCE($3, type), payload = COALESCE($4, payload),
		     metadata = metadata || $5, edited_on = $6
		 WHERE id = $1
		 RETURNING `+logColumns,
		id, patch.Sender, patch.Type, patch.Payload, metadata, time.Now().UTC(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Log{}, fmt.Errorf("storage: log %s: %w", id, ErrNotFound)
		}
		return model.Log{}, fmt.Errorf("storage: update log: %w", err)
	}
	return l, nil
}

// DeleteLog removes a single log.
func (db *DB) DeleteLog(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM logs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: log %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanLog(row pgx.Row) (model.Log, error) {
	var l model.Log
	if err := row.Scan(
		&l.ID, &l.ThreadID, &l.Sender, &l.Type, &l.Payload, &l.Metadata, &l.CreatedOn, &l.EditedOn,
	); err != nil {
		return model.Log{}, err
	}
	if l.Metadata == nil {
		l.Metadata = map[string]any{}
	}
	return l, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
