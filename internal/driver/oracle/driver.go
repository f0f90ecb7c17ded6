// Package oracle implements the row stream reader for an Oracle source.
package oracle

import (
	"context"
	"fmt"

	"github.com/johndauphine/oracle-mssql-migrate/internal/dbconfig"
	"github.com/johndauphine/oracle-mssql-migrate/internal/driver"
	"github.com/johndauphine/oracle-mssql-migrate/internal/logging"
)

// DriverName is the database/sql driver name registered by godror.
const DriverName = "godror"

// DefaultPort is the Oracle listener port.
const DefaultPort = 1521

// Connect opens the Oracle connection for one run and wraps it in a Reader
// that owns it.
func Connect(ctx context.Context, cfg dbconfig.SourceConfig, pool dbconfig.PoolConfig) (*Reader, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	db, err := driver.OpenDB(ctx, driver.OpenOptions{
		DriverName: DriverName,
		DSN:        BuildDSN(cfg),
		Pool:       pool,
		LogQueries: cfg.LogQueries,
		Ping:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to oracle %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	var version string
	if err := db.QueryRowContext(ctx, "SELECT BANNER FROM V$VERSION WHERE ROWNUM = 1").Scan(&version); err != nil {
		// V$VERSION needs an explicit grant.
		version = "version unknown"
	}
	logging.Debug("Connected to Oracle source %s:%d (%s)", cfg.Host, cfg.Port, version)

	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = cfg.FetchSize + 1
	}
	return NewReader(db, ReaderOptions{
		FetchSize:    cfg.FetchSize,
		QueryOptions: FetchOptions(cfg.FetchSize, prefetch),
	}), nil
}
