package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/johndauphine/oracle-mssql-migrate/internal/config"
	"github.com/johndauphine/oracle-mssql-migrate/internal/logging"
	"github.com/johndauphine/oracle-mssql-migrate/internal/version"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logging.Error("%v", err)
		if coder, ok := err.(cli.ExitCoder); ok {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		// Errors are logged once by main.
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file (default: config.yaml when present)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error (overrides config)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format: text or json (overrides config)",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Also write logs to this file (overrides config)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Migrate the rows of a query into a SQL Server table",
				ArgsUsage: " ",
				Action:    runMigration,
				Flags: append(queryFlags(),
					&cli.StringFlag{
						Name:     "table",
						Aliases:  []string{"t"},
						Usage:    "Target table as schema.table (schema defaults to target.schema)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "run-id",
						Usage: "Run identifier (default: random UUID)",
					},
					&cli.IntFlag{
						Name:  "batch-rows",
						Usage: "Rows per batch (overrides migration.max_batch_rows)",
					},
					&cli.StringFlag{
						Name:  "insert-method",
						Usage: "insert or bulk (overrides migration.insert_method)",
					},
					&cli.BoolFlag{
						Name:  "partial-retry",
						Usage: "Retry batches that hit a constraint row by row",
					},
					&cli.BoolFlag{
						Name:  "truncate",
						Usage: "Truncate strings longer than the target column",
					},
					&cli.BoolFlag{
						Name:  "count",
						Usage: "Count the query's rows first so progress shows a total",
					},
					reportFlag(),
					reportFormatFlag(),
				),
			},
			{
				Name:   "resume",
				Usage:  "Resume the last incomplete run after its last committed row",
				Action: resumeMigration,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Resume this run instead of the last incomplete one",
					},
					&cli.BoolFlag{
						Name:  "count",
						Usage: "Count the query's rows first so progress shows a total",
					},
					reportFlag(),
					reportFormatFlag(),
				},
			},
			{
				Name:   "validate",
				Usage:  "Check the configuration and query without migrating",
				Action: validateCommand,
				Flags: append(queryFlags(),
					&cli.BoolFlag{
						Name:  "connect",
						Usage: "Also connect to both databases",
					},
				),
			},
			{
				Name:   "describe",
				Usage:  "Show the query's columns and the target types they map to",
				Action: describeCommand,
				Flags: append(queryFlags(),
					&cli.StringFlag{
						Name:    "table",
						Aliases: []string{"t"},
						Usage:   "Compare with this existing target table",
					},
				),
			},
			{
				Name:   "history",
				Usage:  "List migration runs, or show one run and its failures",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Number of runs to list (0 for all)",
					},
				},
			},
		},
	}
}

func queryFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "query",
			Aliases: []string{"q"},
			Usage:   "SELECT statement to migrate",
		},
		&cli.StringFlag{
			Name:    "query-file",
			Aliases: []string{"f"},
			Usage:   "File containing the SELECT statement",
		},
		&cli.StringSliceFlag{
			Name:    "param",
			Aliases: []string{"p"},
			Usage:   "Bind value for :1, :2, ... in order (repeatable)",
		},
	}
}

func reportFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "report",
		Usage: "Write the run result to this file (overrides report.path)",
	}
}

func reportFormatFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "report-format",
		Usage: "json or yaml (default: from the report file extension)",
	}
}

// loadConfig reads the configuration and applies the global logging flags.
// The returned closer releases the log file, if any.
func loadConfig(c *cli.Context) (*config.Config, io.Closer, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Logging.Format = c.String("log-format")
	}
	if c.IsSet("log-file") {
		cfg.Logging.File = c.String("log-file")
	}
	closer, err := setupLogging(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, closer, nil
}

func setupLogging(lc config.LoggingConfig) (io.Closer, error) {
	if lc.Level != "" {
		level, err := logging.ParseLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		logging.SetLevel(level)
	}
	if lc.Format != "" {
		logging.SetFormat(lc.Format)
	}
	if lc.File == "" {
		return nopCloser{}, nil
	}
	return logging.AddFileOutput(lc.File)
}

// readQuery returns the query from --query or --query-file; exactly one
// must be given.
func readQuery(c *cli.Context) (string, error) {
	q, file := c.String("query"), c.String("query-file")
	switch {
	case q != "" && file != "":
		return "", cli.Exit("use either --query or --query-file, not both", 2)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading query file: %w", err)
		}
		q = string(data)
	}
	if strings.TrimSpace(q) == "" {
		return "", cli.Exit("a query is required (--query or --query-file)", 2)
	}
	return q, nil
}

// bindArgs turns --param values into driver arguments.
func bindArgs(params []string) []any {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p
	}
	return args
}

// signalContext is cancelled on SIGINT or SIGTERM. A second signal exits
// immediately.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-done:
			return
		}
		fmt.Fprintln(os.Stderr, "\nInterrupted. Finishing the batch in flight...")
		cancel()
		select {
		case <-sigCh:
			os.Exit(130)
		case <-done:
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		close(done)
		cancel()
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
