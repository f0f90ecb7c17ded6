package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/johndauphine/oracle-mssql-migrate/internal/checkpoint"
	"github.com/johndauphine/oracle-mssql-migrate/internal/config"
	"github.com/johndauphine/oracle-mssql-migrate/internal/driver/mssql"
	"github.com/johndauphine/oracle-mssql-migrate/internal/driver/oracle"
	"github.com/johndauphine/oracle-mssql-migrate/internal/events"
	"github.com/johndauphine/oracle-mssql-migrate/internal/logging"
	"github.com/johndauphine/oracle-mssql-migrate/internal/orchestrator"
	"github.com/johndauphine/oracle-mssql-migrate/internal/progress"
	"github.com/johndauphine/oracle-mssql-migrate/internal/report"
)

// job is one migration to execute.
type job struct {
	RunID       string
	Query       string
	Params      []string
	Table       string
	ResumeAfter int64
	ResumedFrom string
	Count       bool
	Report      string
	Format      string
}

func runMigration(c *cli.Context) error {
	cfg, closer, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer closer.Close()

	applyRunFlags(c, cfg)
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

	return execute(cfg, job{
		RunID:  c.String("run-id"),
		Query:  oracle.TrimStatement(query),
		Params: c.StringSlice("param"),
		Table:  c.String("table"),
		Count:  c.Bool("count") || cfg.Migration.CountRows,
		Report: reportPath(c, cfg),
		Format: reportFormat(c, cfg),
	})
}

// applyRunFlags copies command-line overrides into cfg.
func applyRunFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("batch-rows") {
		cfg.Migration.MaxBatchRows = c.Int("batch-rows")
	}
	if c.IsSet("insert-method") {
		cfg.Migration.InsertMethod = c.String("insert-method")
	}
	if c.IsSet("partial-retry") {
		cfg.Migration.PartialRetryOnConstraintViolation = c.Bool("partial-retry")
	}
	if c.IsSet("truncate") {
		cfg.Migration.TruncateOversizedStrings = c.Bool("truncate")
	}
}

func resumeMigration(c *cli.Context) error {
	cfg, closer, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer closer.Close()
	if err := cfg.Validate(); err != nil {
		return err
	}

	prev, err := findResumable(cfg.State.Path, c.String("run"))
	if err != nil {
		return err
	}
	logging.Info("Resuming run %s after source row %d", prev.ID, prev.LastCommittedOrdinal)

	return execute(cfg, job{
		Query:       prev.Query,
		Params:      prev.Args,
		Table:       prev.Table,
		ResumeAfter: prev.LastCommittedOrdinal,
		ResumedFrom: prev.ID,
		Count:       c.Bool("count") || cfg.Migration.CountRows,
		Report:      reportPath(c, cfg),
		Format:      reportFormat(c, cfg),
	})
}

// findResumable returns the named run, or the last incomplete one.
func findResumable(statePath, runID string) (*checkpoint.Run, error) {
	store, err := checkpoint.Open(statePath)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if runID != "" {
		run, err := store.GetRun(runID)
		if err != nil {
			return nil, err
		}
		if run.State == events.StateCompleted {
			return nil, cli.Exit(fmt.Sprintf("run %s already completed", run.ID), 1)
		}
		return run, nil
	}

	run, err := store.LastIncompleteRun()
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, cli.Exit("no incomplete run to resume", 1)
	}
	return run, nil
}

func reportPath(c *cli.Context, cfg *config.Config) string {
	if c.IsSet("report") {
		return c.String("report")
	}
	return cfg.Report.Path
}

func reportFormat(c *cli.Context, cfg *config.Config) string {
	if c.IsSet("report-format") {
		return c.String("report-format")
	}
	if c.IsSet("report") {
		// an explicit file picks its own format from the extension
		return ""
	}
	return cfg.Report.Format
}

// execute wires reader, writer, sinks and store for one run and reports
// the outcome. The exit code is 0 for completed runs, 130 for cancelled
// ones and 1 otherwise.
func execute(cfg *config.Config, j job) error {
	ctx, stop := signalContext()
	defer stop()

	store, err := checkpoint.Open(cfg.State.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	reader, err := oracle.Connect(ctx, cfg.SourceConfig(), cfg.PoolConfig())
	if err != nil {
		return err
	}
	// The orchestrator closes the reader too; Close is idempotent.
	defer reader.Close()

	args := bindArgs(j.Params)
	var total int64
	if j.Count {
		n, err := reader.CountRows(ctx, j.Query, args...)
		if err != nil {
			logging.Warn("Counting rows failed, progress will have no total: %v", err)
		} else {
			total = n - j.ResumeAfter
			logging.Info("Query returns %d rows", n)
		}
	}

	writer, err := openWriter(ctx, cfg, j.Table)
	if err != nil {
		return err
	}
	defer writer.Close()

	runID := j.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	if err := store.CreateRun(newRunRecord(runID, j, writer)); err != nil {
		return err
	}

	tracker := progress.New(total, os.Stderr)
	sink := events.Multi(events.LogSink{Batches: logging.IsDebug()}, tracker, store)

	orch := orchestrator.New(reader, writer, nil, sink, orchestrator.Options{
		RunID:       runID,
		Table:       writer.Table(),
		MaxRetries:  cfg.Migration.MaxRetries,
		BackoffBase: cfg.Migration.BackoffBase,
		BackoffCap:  cfg.Migration.BackoffCap,
		QueueDepth:  cfg.Migration.QueueDepth,
		ResumeAfter: j.ResumeAfter,
		Coerce:      cfg.CoerceOptions(),
		Batch:       cfg.AccumulatorConfig(),
	})
	result := orch.Run(ctx, j.Query, args...)
	tracker.Finish(result.State)

	if err := store.FinishRun(context.WithoutCancel(ctx), result); err != nil {
		logging.Warn("Saving run %s: %v", runID, err)
	}
	if j.Report != "" {
		if err := report.Write(afero.NewOsFs(), j.Report, j.Format, result); err != nil {
			logging.Warn("%v", err)
		} else {
			logging.Info("Report written to %s", j.Report)
		}
	}
	if result.Stats != nil {
		logging.Debug("%s", result.Stats)
	}

	return exitFor(result)
}

// newRunRecord is the checkpoint entry for a run. The table is stored
// unquoted so resume can parse it back.
func newRunRecord(runID string, j job, writer *mssql.Writer) *checkpoint.Run {
	return &checkpoint.Run{
		ID:                   runID,
		Query:                j.Query,
		Args:                 j.Params,
		Table:                writer.Name(),
		LastCommittedOrdinal: j.ResumeAfter,
		ResumedFrom:          j.ResumedFrom,
	}
}

// openWriter connects to the target and prepares a writer for an existing
// table. The orchestrator narrows it to the query's columns by name once
// the query is open. Target tables are never created here; `describe`
// shows the layout the query would need.
func openWriter(ctx context.Context, cfg *config.Config, table string) (*mssql.Writer, error) {
	schema, name, err := mssql.ParseTableName(table, cfg.Target.Schema)
	if err != nil {
		return nil, err
	}
	db, err := mssql.Connect(ctx, cfg.TargetConfig(), cfg.PoolConfig())
	if err != nil {
		return nil, err
	}
	cols, err := mssql.DescribeColumns(ctx, db, schema, name)
	if err != nil {
		db.Close()
		return nil, err
	}
	w, err := mssql.NewWriter(db, mssql.WriterOptions{
		Schema:           schema,
		Table:            name,
		Columns:          cols,
		Method:           mssql.Method(cfg.Migration.InsertMethod),
		PartialRetry:     cfg.Migration.PartialRetryOnConstraintViolation,
		IdentityInsert:   cfg.Migration.IdentityInsert,
		RowsPerStatement: cfg.Migration.RowsPerStatement,
		RowsPerBatch:     cfg.Migration.MaxBatchRows,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func exitFor(r *orchestrator.MigrationResult) error {
	switch r.State {
	case events.StateCompleted:
		fmt.Println(r.Summary())
		return nil
	case events.StateCancelled:
		return cli.Exit(r.Summary(), 130)
	}
	if r.Err != nil && !errors.Is(r.Err, context.Canceled) {
		return cli.Exit(fmt.Sprintf("%s\n%v", r.Summary(), r.Err), 1)
	}
	return cli.Exit(r.Summary(), 1)
}
