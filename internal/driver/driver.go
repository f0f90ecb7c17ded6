// Package driver holds the data model shared by the source reader, the
// coercion table, the target writer and the orchestrator, plus the
// connection factory both database ends use.
package driver

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sqldblogger "github.com/simukti/sqldb-logger"
	"github.com/simukti/sqldb-logger/logadapter/zerologadapter"

	"github.com/johndauphine/oracle-mssql-migrate/internal/dbconfig"
	"github.com/johndauphine/oracle-mssql-migrate/internal/logging"
)

// OpenOptions configures OpenDB.
type OpenOptions struct {
	DriverName string
	DSN        string
	Pool       dbconfig.PoolConfig
	// LogQueries wraps the connection so every statement is logged at debug level.
	LogQueries bool
	// Ping verifies connectivity before returning.
	Ping bool
}

// OpenDB opens a connection pool owned by exactly one reader or writer.
func OpenDB(ctx context.Context, opts OpenOptions) (*sql.DB, error) {
	db, err := sql.Open(opts.DriverName, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s connection: %w", opts.DriverName, err)
	}
	if opts.LogQueries {
		adapter := zerologadapter.New(logging.Logger().With().Str("driver", opts.DriverName).Logger())
		db = sqldblogger.OpenDriver(opts.DSN, db.Driver(), adapter,
			sqldblogger.WithWrapResult(false),
			sqldblogger.WithDurationFieldname("dur_ms"),
			sqldblogger.WithDurationUnit(sqldblogger.DurationMillisecond),
			sqldblogger.WithSQLQueryFieldname("sql_query"),
			sqldblogger.WithMinimumLevel(sqldblogger.LevelDebug),
		)
	}

	maxOpen := opts.Pool.MaxOpen
	if maxOpen <= 0 {
		maxOpen = 2
	}
	db.SetMaxOpenConns(maxOpen)
	idle := opts.Pool.MaxIdle
	if idle <= 0 {
		idle = 1
	}
	db.SetMaxIdleConns(idle)
	lifetime := opts.Pool.MaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	db.SetConnMaxLifetime(lifetime)

	if opts.Ping {
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("pinging %s: %w", opts.DriverName, err)
		}
	}
	return db, nil
}
