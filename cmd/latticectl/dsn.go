package main

import (
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/latticedb/latticedb/internal/config"
)

// serverDSN builds a go-sql-driver/mysql DSN for a shard served by a remote
// Dolt SQL server or MySQL instance, the driver pool.Start uses in production.
func serverDSN(sc config.ShardConfig) (driverName, dsn string, err error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", sc.Host, sc.Port)
	cfg.User = sc.User
	cfg.Passwd = sc.Password
	cfg.DBName = sc.Database
	cfg.ParseTime = true
	return "mysql", cfg.FormatDSN(), nil
}

// embeddedDoltDSN builds a dolthub/driver DSN for a shard run as an embedded,
// in-process Dolt database rather than dialing a separate server process,
// the option `latticectl shard bootstrap --embedded` exercises.
func embeddedDoltDSN(sc config.ShardConfig, dataDir string) (driverName, dsn string, err error) {
	return "dolt", fmt.Sprintf("file://%s?commitname=latticectl&commitemail=latticectl@local&database=%s", dataDir, sc.Database), nil
}
