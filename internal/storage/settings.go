package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetSetting returns the value stored under key.
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := db.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("storage: setting %s: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("storage: get setting: %w", err)
	}
	return v, nil
}

// PutSettings upserts all values in one transaction.
func (db *DB) PutSettings(ctx context.Context, values map[string]string) error {
	now := time.Now().UTC()
	return db.inContendedTx(ctx, "put settings", "", func(tx pgx.Tx) error {
		// Fixed key order keeps two concurrent writers from deadlocking.
		for _, k := range slices.Sorted(maps.Keys(values)) {
			if _, err := tx.Exec(ctx,
				`INSERT INTO settings (key, value, edited_on) VALUES ($1, $2, $3)
				 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, edited_on = EXCLUDED.edited_on`,
				k, values[k], now,
			); err != nil {
				return fmt.Errorf("storage: put setting %s: %w", k, err)
			}
		}
		return nil
	})
}
