package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/johndauphine/oracle-mssql-migrate/internal/checkpoint"
)

func showHistory(c *cli.Context) error {
	cfg, closer, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer closer.Close()

	store, err := checkpoint.Open(cfg.State.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	// If --run flag is provided, show details for that specific run
	if runID := c.String("run"); runID != "" {
		return printRunDetails(os.Stdout, store, runID)
	}
	return printHistory(os.Stdout, store, c.Int("limit"))
}

func printHistory(w io.Writer, store *checkpoint.Store, limit int) error {
	runs, err := store.ListRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No migration runs found")
		return nil
	}

	fmt.Fprintf(w, "%-36s  %-10s  %-19s  %10s  %10s  %s\n", "RUN ID", "STATE", "STARTED", "INSERTED", "FAILED", "TABLE")
	for _, r := range runs {
		fmt.Fprintf(w, "%-36s  %-10s  %-19s  %10d  %10d  %s\n",
			r.ID, r.State, r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Counters.RowsInserted, r.Counters.RowsFailed, r.Table)
	}
	return nil
}

func printRunDetails(w io.Writer, store *checkpoint.Store, runID string) error {
	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run:        %s\n", run.ID)
	fmt.Fprintf(w, "State:      %s\n", run.State)
	fmt.Fprintf(w, "Table:      %s\n", run.Table)
	fmt.Fprintf(w, "Query:      %s\n", oneLine(run.Query))
	if len(run.Args) > 0 {
		fmt.Fprintf(w, "Params:     %s\n", strings.Join(run.Args, ", "))
	}
	if run.ResumedFrom != "" {
		fmt.Fprintf(w, "Resumed:    from %s\n", run.ResumedFrom)
	}
	fmt.Fprintf(w, "Started:    %s\n", run.StartedAt.Local().Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Fprintf(w, "Finished:   %s (%s)\n", run.FinishedAt.Local().Format(time.RFC3339),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Counters:   %s\n", run.Counters)
	fmt.Fprintf(w, "Checkpoint: source row %d\n", run.LastCommittedOrdinal)
	if run.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", run.Error)
	}

	failures, err := store.Failures(run.ID)
	if err != nil {
		return err
	}
	if len(failures) == 0 {
		return nil
	}
	fmt.Fprintf(w, "\nFailures (%d):\n", len(failures))
	for _, f := range failures {
		where := fmt.Sprintf("row %d", f.SourceOrdinal)
		if f.RowOffset < 0 {
			where = fmt.Sprintf("batch %d (%d rows)", f.BatchSeq, f.Rows)
		}
		col := ""
		if f.Column != "" {
			col = " [" + f.Column + "]"
		}
		fmt.Fprintf(w, "  %-22s %-16s%s %s\n", where, f.Kind, col, f.Reason)
	}
	return nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
