package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/johndauphine/oracle-mssql-migrate/internal/config"
	"github.com/johndauphine/oracle-mssql-migrate/internal/driver"
	"github.com/johndauphine/oracle-mssql-migrate/internal/driver/mssql"
	"github.com/johndauphine/oracle-mssql-migrate/internal/driver/oracle"
	"github.com/johndauphine/oracle-mssql-migrate/internal/orchestrator"
	"github.com/johndauphine/oracle-mssql-migrate/internal/typemap"
)

func validateCommand(c *cli.Context) error {
	cfg, closer, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer closer.Close()

	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Println("Configuration OK")
	fmt.Println(indent(describeConfig(cfg)))

	if c.IsSet("query") || c.IsSet("query-file") {
		query, err := readQuery(c)
		if err != nil {
			return err
		}
		if err := oracle.ValidateQuery(query); err != nil {
			return cli.Exit(fmt.Sprintf("Query rejected: %v", err), 1)
		}
		fmt.Println("Query OK")
	}

	if !c.Bool("connect") {
		return nil
	}
	ctx, stop := signalContext()
	defer stop()

	result := orchestrator.HealthCheck(ctx, orchestrator.DefaultCheckTimeout, connectivityChecks(cfg)...)
	printHealth(os.Stdout, result)
	if !result.Healthy {
		return cli.Exit("connectivity check failed", 1)
	}
	return nil
}

func connectivityChecks(cfg *config.Config) []orchestrator.Check {
	return []orchestrator.Check{
		{
			Name: fmt.Sprintf("oracle %s:%d", cfg.Source.Host, cfg.Source.Port),
			Ping: func(ctx context.Context) error {
				r, err := oracle.Connect(ctx, cfg.SourceConfig(), cfg.PoolConfig())
				if err != nil {
					return err
				}
				return r.Close()
			},
		},
		{
			Name: fmt.Sprintf("sqlserver %s:%d/%s", cfg.Target.Host, cfg.Target.Port, cfg.Target.Database),
			Ping: func(ctx context.Context) error {
				db, err := mssql.Connect(ctx, cfg.TargetConfig(), cfg.PoolConfig())
				if err != nil {
					return err
				}
				return db.Close()
			},
		},
	}
}

func printHealth(w io.Writer, r *orchestrator.HealthCheckResult) {
	for _, c := range r.Checks {
		if c.Connected {
			fmt.Fprintf(w, "  %-40s OK (%d ms)\n", c.Name, c.LatencyMs)
		} else {
			fmt.Fprintf(w, "  %-40s FAILED (%d ms): %s\n", c.Name, c.LatencyMs, c.Error)
		}
	}
}

func describeConfig(cfg *config.Config) string {
	r := cfg.Redacted()
	m := r.Migration
	var b strings.Builder
	fmt.Fprintf(&b, "source:    %s@%s:%d (sid=%q service=%q) fetch_size=%d\n",
		r.Source.User, r.Source.Host, r.Source.Port, r.Source.SID, r.Source.Service, r.Source.FetchSize)
	fmt.Fprintf(&b, "target:    %s@%s:%d/%s schema=%s\n",
		r.Target.User, r.Target.Host, r.Target.Port, r.Target.Database, r.Target.Schema)
	fmt.Fprintf(&b, "batching:  rows=%d bytes=%d latency=%s queue=%d method=%s\n",
		m.MaxBatchRows, m.MaxBatchBytes, m.MaxBatchLatency, m.QueueDepth, m.InsertMethod)
	fmt.Fprintf(&b, "retries:   max=%d backoff=%s partial_retry=%v\n",
		m.MaxRetries, m.BackoffBase, m.PartialRetryOnConstraintViolation)
	fmt.Fprintf(&b, "coercion:  truncate=%v precision_loss_tolerance=%d\n",
		m.TruncateOversizedStrings, m.PrecisionLossTolerance)
	fmt.Fprintf(&b, "state:     %s", r.State.Path)
	return b.String()
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}

func describeCommand(c *cli.Context) error {
	cfg, closer, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer closer.Close()
	if err := cfg.Validate(); err != nil {
		return err
	}

	query, err := readQuery(c)
	if err != nil {
		return err
	}
	if err := oracle.ValidateQuery(query); err != nil {
		return fmt.Errorf("invalid query: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	reader, err := oracle.Connect(ctx, cfg.SourceConfig(), cfg.PoolConfig())
	if err != nil {
		return err
	}
	defer reader.Close()

	cols, err := reader.Open(ctx, oracle.TrimStatement(query), bindArgs(c.StringSlice("param"))...)
	if err != nil {
		return err
	}

	var existing []driver.TargetColumn
	if table := c.String("table"); table != "" {
		schema, name, err := mssql.ParseTableName(table, cfg.Target.Schema)
		if err != nil {
			return err
		}
		db, err := mssql.Connect(ctx, cfg.TargetConfig(), cfg.PoolConfig())
		if err != nil {
			return err
		}
		defer db.Close()
		existing, err = mssql.DescribeColumns(ctx, db, schema, name)
		if err != nil {
			return err
		}
	}

	printColumns(os.Stdout, cols, existing)
	return nil
}

// printColumns lists each source column with the target type it maps to.
// When the target table is known, the table column of the same name is shown
// next to it, and table columns the query does not fill are listed.
func printColumns(w io.Writer, cols []driver.ColumnDescriptor, existing []driver.TargetColumn) {
	inferred := typemap.InferTargets(cols)
	byName := make(map[string]driver.TargetColumn, len(existing))
	for _, c := range existing {
		byName[strings.ToLower(c.Name)] = c
	}

	fmt.Fprintf(w, "%-4s %-30s %-22s %-24s", "#", "SOURCE COLUMN", "SOURCE TYPE", "INFERRED TARGET")
	if existing != nil {
		fmt.Fprintf(w, " %s", "TARGET COLUMN")
	}
	fmt.Fprintln(w)

	used := make(map[string]bool, len(cols))
	missing := 0
	for i, col := range cols {
		null := ""
		if !col.Nullable {
			null = " NOT NULL"
		}
		fmt.Fprintf(w, "%-4d %-30s %-22s %-24s", i+1, col.Name, col.TypeLabel()+null, typemap.DDLType(inferred[i]))
		if existing != nil {
			key := strings.ToLower(col.Name)
			if tc, ok := byName[key]; ok {
				used[key] = true
				fmt.Fprintf(w, " %s", typemap.ColumnDefinition(tc))
			} else {
				missing++
				fmt.Fprint(w, " (missing)")
			}
		}
		fmt.Fprintln(w)
	}
	if existing == nil {
		return
	}

	var unset []string
	for _, c := range existing {
		if !used[strings.ToLower(c.Name)] {
			unset = append(unset, c.Name)
		}
	}
	if len(unset) > 0 {
		fmt.Fprintf(w, "\nTarget columns not set by the query: %s\n", strings.Join(unset, ", "))
	}
	if missing > 0 {
		fmt.Fprintf(w, "\n%d query column(s) have no target column; run will fail\n", missing)
	}
}
