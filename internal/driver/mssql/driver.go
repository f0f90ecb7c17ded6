// Package mssql implements the SQL Server batch writer.
package mssql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/johndauphine/oracle-mssql-migrate/internal/dbconfig"
	"github.com/johndauphine/oracle-mssql-migrate/internal/driver"
	"github.com/johndauphine/oracle-mssql-migrate/internal/logging"
	"github.com/johndauphine/oracle-mssql-migrate/internal/typemap"
)

// DriverName is the database/sql driver name registered by go-mssqldb.
const DriverName = "sqlserver"

// Connect opens the SQL Server pool used by the writer.
func Connect(ctx context.Context, cfg dbconfig.TargetConfig, pool dbconfig.PoolConfig) (*sql.DB, error) {
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
		return nil, fmt.Errorf("connecting to sql server %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	logging.Debug("Connected to MSSQL target: %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	return db, nil
}

const describeColumnsQuery = `
	SELECT COLUMN_NAME, DATA_TYPE, CHARACTER_MAXIMUM_LENGTH, NUMERIC_PRECISION,
	       NUMERIC_SCALE, DATETIME_PRECISION, IS_NULLABLE
	FROM INFORMATION_SCHEMA.COLUMNS
	WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2
	ORDER BY ORDINAL_POSITION`

// DescribeColumns reads the column layout of an existing table. It returns
// an error when the table does not exist.
func DescribeColumns(ctx context.Context, db *sql.DB, schema, table string) ([]driver.TargetColumn, error) {
	rows, err := db.QueryContext(ctx, describeColumnsQuery, schema, table)
	if err != nil {
		return nil, fmt.Errorf("describing %s: %w", QualifyTable(schema, table), err)
	}
	defer rows.Close()

	var cols []driver.TargetColumn
	for rows.Next() {
		var (
			name, dataType, nullable          string
			maxLen, precision, scale, dtScale sql.NullInt64
		)
		if err := rows.Scan(&name, &dataType, &maxLen, &precision, &scale, &dtScale, &nullable); err != nil {
			return nil, fmt.Errorf("scanning column of %s: %w", QualifyTable(schema, table), err)
		}
		s := scale.Int64
		if dtScale.Valid {
			s = dtScale.Int64
		}
		cols = append(cols, typemap.FromMSSQL(name, dataType, int(maxLen.Int64), int(precision.Int64), int(s), nullable == "YES"))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("describing %s: %w", QualifyTable(schema, table), err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s does not exist or has no visible columns", QualifyTable(schema, table))
	}
	return cols, nil
}
