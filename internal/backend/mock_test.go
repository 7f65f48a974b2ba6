package backend_test

import (
	"database/sql/driver"

	"github.com/DATA-DOG/go-sqlmock"
)

func sqlmockResult(rowsAffected int64) driver.Result {
	return sqlmock.NewResult(0, rowsAffected)
}
