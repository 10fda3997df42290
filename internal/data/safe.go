package data

import (
	"database/sql"
	"io"
	"log/slog"
)

// SafeClose closes an io.Closer and logs a warning on failure instead of
// silently discarding the error (file descriptor leaks and pool exhaustion
// are otherwise invisible).
func SafeClose(closer io.Closer, context string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		slog.Warn("data: close failed", "context", context, "error", err)
	}
}

// SafeRollback rolls back tx and logs unexpected failures. sql.ErrTxDone is
// expected whenever the transaction already committed, so it is swallowed.
func SafeRollback(tx *sql.Tx, context string) {
	if tx == nil {
		return
	}
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		slog.Warn("data: rollback failed", "context", context, "error", err)
	}
}
