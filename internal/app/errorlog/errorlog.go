// Package errorlog writes unexpected server-side failures to the
// internal_error_log table (spec §7's InternalError handling, supplemented
// with a concrete shape in SPEC_FULL.md §3). Grounded on the shape of the
// other postgres/*.go writers in this module: a thin wrapper around *sql.DB
// with one INSERT per call.
package errorlog

import (
	"context"
	"database/sql"
)

// Writer appends rows to internal_error_log. A nil *sql.DB (e.g. when the
// server runs against storage.Memory in tests) makes Write a no-op.
type Writer struct {
	db *sql.DB
}

// New creates a Writer. db may be nil.
func New(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// Write records one internal error. errorType is a short machine-readable
// label (e.g. "panic", "unhandled"); traceback, user, and requestPath may be
// empty.
func (w *Writer) Write(ctx context.Context, errorType, errorText, traceback, user, requestPath string) error {
	if w == nil || w.db == nil {
		return nil
	}
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO internal_error_log (error_type, error_text, traceback, app_user, request_path)
		VALUES ($1, $2, $3, $4, $5)
	`, errorType, errorText, traceback, user, requestPath)
	return err
}
