// Package backendtest provides a Queryer backed by a scripted SQL mock
// driver, letting higher-level packages (txn, estate, store) exercise backend
// operations without a real Dolt/MySQL server.
//
// database/sql builds *sql.Row and *sql.Rows from unexported fields, so a
// hand-rolled fake cannot return them directly, and sql.Open offers nothing
// to intercept. go-sqlmock solves this the idiomatic Go way: it registers a
// real database/sql/driver.Driver backed by scripted expectations, so
// *sql.DB (and the *sql.Row/*sql.Rows it returns) are the genuine stdlib
// types, just backed by a fake connection.
package backendtest

import (
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// New opens a *sql.DB backed by a sqlmock driver and returns it alongside the
// sqlmock.Sqlmock used to script expectations. Both are closed automatically
// via t.Cleanup.
func New(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db, mock
}
