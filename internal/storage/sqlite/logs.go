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

const logColumns = `id, thread_id, sender, type, payload, metadata, created_on, edited_on`

func (s *DB) CreateLog(ctx context.Context, nl model.NewLog) (model.Log, error) {
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
	meta, err := encodeMetadata(l.Metadata)
	if err != nil {
		return model.Log{}, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getThread(ctx, tx, nl.ThreadID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO logs (id, thread_id, sender, type, payload, metadata, created_on, edited_on)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, l.ThreadID, l.Sender, l.Type, l.Payload, meta, formatTime(now), formatTime(now),
		); err != nil {
			return fmt.Errorf("sqlite: create log: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Log{}, err
	}
	return l, nil
}

func (s *DB) GetLog(ctx context.Context, id string) (model.Log, error) {
	return getLog(ctx, s.db, id)
}

func (s *DB) ListLogs(ctx context.Context, threadID string) ([]model.Log, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+logColumns+` FROM logs WHERE thread_id = ? ORDER BY created_on ASC, id ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.Log{}
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *DB) CountLogs(ctx context.Context, threadID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs WHERE thread_id = ?`, threadID).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count logs: %w", err)
	}
	return n, nil
}

func (s *DB) UpdateLog(ctx context.Context, id string, patch model.LogPatch) (model.Log, error) {
	var out model.Log
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		l, err := getLog(ctx, tx, id)
		if err != nil {
			return err
		}
		if patch.Sender != nil {
			l.Sender = *patch.Sender
		}
		if patch.Type != nil {
			l.Type = *patch.Type
		}
		if patch.Payload != nil {
			l.Payload = *patch.Payload
		}
		l.Metadata = model.MergeMetadata(l.Metadata, patch.Metadata)
		l.EditedOn = time.Now().UTC()

		meta, err := encodeMetadata(l.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE logs SET sender = ?, type = ?, payload = ?, metadata = ?, edited_on = ? WHERE id = ?`,
			l.Sender, l.Type, l.Payload, meta, formatTime(l.EditedOn), l.ID,
		); err != nil {
			return fmt.Errorf("sqlite: update log: %w", err)
		}
		out = l
		return nil
	})
	return out, err
}

func (s *DB) DeleteLog(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: log %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func getLog(ctx context.Context, q queryer, id string) (model.Log, error) {
	l, err := scanLog(q.QueryRowContext(ctx, `SELECT `+logColumns+` FROM logs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Log{}, fmt.Errorf("sqlite: log %s: %w", id, storage.ErrNotFound)
		}
		return model.Log{}, fmt.Errorf("sqlite: get log: %w", err)
	}
	return l, nil
}

func scanLog(row rowScanner) (model.Log, error) {
	var (
		l                      model.Log
		meta, created, edited string
	)
	if err := row.Scan(&l.ID, &l.ThreadID, &l.Sender, &l.Type, &l.Payload, &meta, &created, &edited); err != nil {
		return model.Log{}, err
	}
	md, err := decodeMetadata(meta)
	if err != nil {
		return model.Log{}, err
	}
	l.Metadata = md
	if l.CreatedOn, err = parseTime(created); err != nil {
		return model.Log{}, fmt.Errorf("sqlite: parse created_on: %w", err)
	}
	if l.EditedOn, err = parseTime(edited); err != nil {
		return model.Log{}, fmt.Errorf("sqlite: parse edited_on: %w", err)
	}
	return l, nil
}
