// Package backend implements the fixed set of parameterised per-shard backend
// operations (component C4): insert/select/update/delete with row-level
// bookkeeping for position-ordered lists, tombstoning and flag bitmaps.
//
// Every operation here is pure with respect to a single shard/connection —
// cross-shard coordination lives in package txn. SQL text targets the
// MySQL/Dolt dialect.
package backend

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/latticedb/latticedb/internal/errs"
)

// Queryer is the minimal surface backend operations need. *sql.DB, *sql.Tx
// and *sql.Conn all satisfy it, so the same operation functions run whether
// called directly against a pooled connection or inside a transaction.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// errNoRows is the sentinel row-scan functions in this package compare
// against to detect a missing row; most report it as not found, GetEntity
// as errs.NoObject.
var errNoRows = sql.ErrNoRows

// rowsErr finalizes a rows iteration, translating a cancellation that cut
// the result stream short into the public timeout error.
func rowsErr(rows *sql.Rows) error {
	err := rows.Err()
	if err != nil && errs.IsCancellation(err) {
		return errs.ErrTimeout
	}
	return err
}

// wrapErr tags an operation's error with its name, translating a context
// cancellation — surfaced by ExecContext/QueryContext or only at Scan time
// on a QueryRowContext row — into the public timeout error, so callers of
// the record operations never see the driver's raw cancellation shape.
func wrapErr(op string, err error) error {
	if errs.IsCancellation(err) {
		return fmt.Errorf("backend: %s: %w", op, errs.ErrTimeout)
	}
	return fmt.Errorf("backend: %s: %w", op, err)
}

// ErrIntegrityViolation is a duplicate-key sentinel that IsIntegrityViolation
// recognises. No function in this package returns it: a duplicate-key race
// comes back as the driver's own error wrapped by wrapErr, so callers detect
// it with IsIntegrityViolation rather than errors.Is.
var ErrIntegrityViolation = &integrityError{}

type integrityError struct{}

func (*integrityError) Error() string { return "backend: integrity constraint violation" }

// IsIntegrityViolation reports whether err is the sentinel above or carries a
// MySQL/Dolt duplicate-key error (error 1062). It returns only a bool; err
// itself is not converted.
func IsIntegrityViolation(err error) bool {
	if err == nil {
		return false
	}
	if err == ErrIntegrityViolation {
		return true
	}
	// go-sql-driver/mysql reports duplicate keys as *mysql.MySQLError with
	// Number 1062; avoid importing the driver package here so this file has
	// no cgo/driver build constraints, and match on the message text the
	// driver formats, "Error 1062".
	msg := err.Error()
	return containsDuplicateKey(msg)
}

func containsDuplicateKey(msg string) bool {
	const needle = "1062"
	for i := 0; i+len(needle) <= len(msg); i++ {
		if msg[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
