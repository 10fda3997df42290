package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunTx runs fn inside a transaction, retrying a bounded number of times on
// SQLITE_BUSY-style contention. Commit errors are retried the same way.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	const maxAttempts = 3
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts-1 {
				continue
			}
			return fmt.Errorf("data: begin tx: %w", err)
		}

		if err := fn(tx); err != nil {
			SafeRollback(tx, "RunTx")
			if attempt < maxAttempts-1 && isBusy(err) {
				lastErr = err
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if attempt < maxAttempts-1 && isBusy(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("data: commit tx: %w", err)
		}
		return nil
	}
	return fmt.Errorf("data: tx failed after %d attempts: %w", maxAttempts, lastErr)
}

// ExecRetry runs db.ExecContext, retrying a bounded number of times on
// SQLITE_BUSY contention.
func ExecRetry(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err := db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if attempt < maxAttempts-1 && isBusy(err) {
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("data: exec failed after retries: %w", lastErr)
}

// IsUniqueViolation reports whether err is a unique/primary-key constraint
// violation from the sqlite driver. Callers use this to distinguish a
// genuine race (re-read the winner) from an unrelated failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
