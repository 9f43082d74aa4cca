package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Lock waits on thread and settings rows are bounded so a stuck writer
// surfaces as 55P03 instead of stalling a run's finalize step.
const (
	writeLockTimeout = "2s"
	writeMaxTries    = 4
)

// contentionCode returns the SQLSTATE when err is a lock conflict that a
// fresh attempt can get past.
func contentionCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	switch pgErr.Code {
	case "40P01", // deadlock_detected
		"55P03", // lock_not_available
		"40001": // serialization_failure
		return pgErr.Code, true
	}
	return "", false
}

// writeBackOff is short: the callers hold a run's finalize deadline.
func writeBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 200 * time.Millisecond
	return b
}

// inContendedTx runs fn in a transaction with a bounded lock wait and
// retries it on lock contention. Errors from fn that are not contention
// (ErrNotFound, ErrInvalidTransition, pgx.ErrNoRows) are returned as is.
// When every attempt loses, the last error is wrapped with ErrBusy.
// threadID is only used for logging and may be empty.
func (db *DB) inContendedTx(ctx context.Context, op, threadID string, fn func(pgx.Tx) error) error {
	attempt := func() (struct{}, error) {
		err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SET LOCAL lock_timeout = '`+writeLockTimeout+`'`); err != nil {
				return err
			}
			return fn(tx)
		})
		if err == nil {
			return struct{}{}, nil
		}
		if _, ok := contentionCode(err); !ok {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(writeBackOff()),
		backoff.WithMaxTries(writeMaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			code, _ := contentionCode(err)
			db.logger.Debug("storage: write contended, retrying",
				"op", op, "thread_id", threadID, "sqlstate", code, "backoff", next)
		}),
	)
	if err == nil {
		return nil
	}
	if code, ok := contentionCode(err); ok {
		db.logger.Warn("storage: write gave up under contention",
			"op", op, "thread_id", threadID, "sqlstate", code)
		return fmt.Errorf("storage: %s: %w: %w", op, ErrBusy, err)
	}
	return err
}
