package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/threadbox/internal/storage"
)

func (s *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("sqlite: setting %s: %w", key, storage.ErrNotFound)
		}
		return "", fmt.Errorf("sqlite: get setting: %w", err)
	}
	return v, nil
}

func (s *DB) PutSettings(ctx context.Context, values map[string]string) error {
	now := formatTime(time.Now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for k, v := range values {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO settings (key, value, edited_on) VALUES (?, ?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value, edited_on = excluded.edited_on`,
				k, v, now,
			); err != nil {
				return fmt.Errorf("sqlite: put setting %s: %w", k, err)
			}
		}
		return nil
	})
}
