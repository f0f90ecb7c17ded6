// Package config loads the migration settings. Values are layered with
// koanf: built-in defaults, then the YAML file, then the environment
// variable names of the legacy tool, then ORAMIGRATE_ prefixed variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/johndauphine/oracle-mssql-migrate/internal/coerce"
	"github.com/johndauphine/oracle-mssql-migrate/internal/dbconfig"
	"github.com/johndauphine/oracle-mssql-migrate/internal/logging"
	"github.com/johndauphine/oracle-mssql-migrate/internal/pipeline"
)

const (
	// DefaultFile is read when no config path is given and it exists.
	DefaultFile = "config.yaml"
	// EnvPrefix marks environment overrides: ORAMIGRATE_SOURCE__PASSWORD
	// sets source.password.
	EnvPrefix = "ORAMIGRATE_"

	redacted = "********"
)

// Insert methods accepted by migration.insert_method.
const (
	InsertMethodInsert = "insert"
	InsertMethodBulk   = "bulk"
)

// Config is the complete tool configuration.
type Config struct {
	Source    dbconfig.SourceConfig `yaml:"source"`
	Target    dbconfig.TargetConfig `yaml:"target"`
	Migration MigrationConfig       `yaml:"migration"`
	Logging   LoggingConfig         `yaml:"logging"`
	State     StateConfig           `yaml:"state"`
	Report    ReportConfig          `yaml:"report"`
}

// MigrationConfig tunes the engine.
type MigrationConfig struct {
	MaxBatchRows    int           `yaml:"max_batch_rows"`
	MaxBatchBytes   int           `yaml:"max_batch_bytes"`
	MaxBatchLatency time.Duration `yaml:"max_batch_latency"`
	MaxRetries      int           `yaml:"max_retries"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffCap      time.Duration `yaml:"backoff_cap"`

	PartialRetryOnConstraintViolation bool `yaml:"partial_retry_on_constraint_violation"`
	TruncateOversizedStrings          bool `yaml:"truncate_oversized_strings"`
	PrecisionLossTolerance            int  `yaml:"precision_loss_tolerance"`

	InsertMethod     string `yaml:"insert_method"` // insert or bulk
	RowsPerStatement int    `yaml:"rows_per_statement"`
	IdentityInsert   bool   `yaml:"identity_insert"`
	QueueDepth       int    `yaml:"queue_depth"`
	MaxConnections   int    `yaml:"max_connections"`
	LogQueries       bool   `yaml:"log_queries"`
	// CountRows runs a COUNT(*) over the query first so progress has a total.
	CountRows bool `yaml:"count_rows"`
}

// LoggingConfig selects log level, format and an optional log file.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// StateConfig locates the run history database.
type StateConfig struct {
	Path string `yaml:"path"`
}

// ReportConfig controls the result file written after each run.
type ReportConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"source.port":                  1521,
		"source.fetch_size":            5000,
		"target.port":                  1433,
		"target.schema":                "dbo",
		"target.app_name":              "oracle-mssql-migrate",
		"migration.max_batch_rows":     pipeline.DefaultMaxBatchRows,
		"migration.max_batch_bytes":    8 << 20,
		"migration.max_batch_latency":  "5s",
		"migration.max_retries":        3,
		"migration.backoff_base":       "500ms",
		"migration.backoff_cap":        "30s",
		"migration.insert_method":      InsertMethodInsert,
		"migration.rows_per_statement": 1000,
		"migration.queue_depth":        4,
		"migration.max_connections":    2,
		"logging.level":                "info",
		"logging.format":               "text",
		"state.path":                   DefaultStatePath(),
		"report.format":                "json",
	}
}

// DefaultStatePath returns ~/.oracle-mssql-migrate/state.db, or a path in the
// working directory when the home directory is unknown.
func DefaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".oracle-mssql-migrate", "state.db")
	}
	return filepath.Join(home, ".oracle-mssql-migrate", "state.db")
}

// Load reads the configuration. An empty path reads DefaultFile when it
// exists; an explicit path must exist. A .env file in the working directory
// is loaded into the environment first without overriding variables that
// are already set. Load does not validate; commands that connect call
// Validate.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	legacy, err := legacyEnv()
	if err != nil {
		return nil, err
	}
	if err := k.Load(confmap.Provider(legacy, "."), nil); err != nil {
		return nil, fmt.Errorf("loading legacy environment: %w", err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// legacyEnv maps the variable names of the original .env layout onto
// config keys. Only variables that are set produce keys.
func legacyEnv() (map[string]interface{}, error) {
	out := make(map[string]interface{})
	simple := map[string]string{
		"ORACLE_USERNAME": "source.user",
		"ORACLE_PASSWORD": "source.password",
		"ORACLE_HOSTNAME": "source.host",
		"ORACLE_SID":      "source.sid",
		"ORACLE_SERVICE":  "source.service",
		"SQL_DATABASE":    "target.database",
		"SQL_USERNAME":    "target.user",
		"SQL_PASSWORD":    "target.password",
		"LOG_FILE":        "logging.file",
	}
	for name, key := range simple {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			out[key] = v
		}
	}

	if v := os.Getenv("ORACLE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("ORACLE_PORT: invalid port %q", v)
		}
		out["source.port"] = port
	}

	if v := os.Getenv("SQL_SERVER"); v != "" {
		host, instance, port, err := ParseServer(v)
		if err != nil {
			return nil, fmt.Errorf("SQL_SERVER: %w", err)
		}
		out["target.host"] = host
		if instance != "" {
			out["target.instance"] = instance
		}
		if port != 0 {
			out["target.port"] = port
		}
	}
	return out, nil
}

// ParseServer splits a SQL Server address in the forms host, host\instance
// or host,port.
func ParseServer(s string) (host, instance string, port int, err error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ','); i >= 0 {
		port, err = strconv.Atoi(strings.TrimSpace(s[i+1:]))
		if err != nil || port <= 0 {
			return "", "", 0, fmt.Errorf("invalid port in %q", s)
		}
		s = s[:i]
	}
	if i := strings.IndexByte(s, '\\'); i >= 0 {
		instance = s[i+1:]
		s = s[:i]
	}
	if s == "" {
		return "", "", 0, errors.New("missing host")
	}
	return s, instance, port, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Source.Host == "" {
		add("source.host is required")
	}
	if c.Source.SID == "" && c.Source.Service == "" {
		add("source.sid or source.service is required")
	}
	if c.Source.FetchSize <= 0 {
		add("source.fetch_size must be positive, got %d", c.Source.FetchSize)
	}
	if c.Target.Host == "" {
		add("target.host is required")
	}
	if c.Target.Database == "" {
		add("target.database is required")
	}
	if c.Target.PacketSize < 0 || c.Target.PacketSize > 32767 {
		add("target.packet_size must be between 0 and 32767, got %d", c.Target.PacketSize)
	}

	m := c.Migration
	if m.MaxBatchRows <= 0 {
		add("migration.max_batch_rows must be positive, got %d", m.MaxBatchRows)
	}
	if m.MaxBatchBytes < 0 {
		add("migration.max_batch_bytes must not be negative, got %d", m.MaxBatchBytes)
	}
	if m.MaxBatchLatency < 0 {
		add("migration.max_batch_latency must not be negative, got %s", m.MaxBatchLatency)
	}
	if m.MaxRetries < 0 {
		add("migration.max_retries must not be negative, got %d", m.MaxRetries)
	}
	if m.BackoffBase <= 0 {
		add("migration.backoff_base must be positive, got %s", m.BackoffBase)
	}
	if m.BackoffCap != 0 && m.BackoffCap < m.BackoffBase {
		add("migration.backoff_cap (%s) must not be below backoff_base (%s)", m.BackoffCap, m.BackoffBase)
	}
	if m.PrecisionLossTolerance < 0 {
		add("migration.precision_loss_tolerance must not be negative, got %d", m.PrecisionLossTolerance)
	}
	switch m.InsertMethod {
	case InsertMethodInsert, InsertMethodBulk:
	default:
		add("migration.insert_method must be %q or %q, got %q", InsertMethodInsert, InsertMethodBulk, m.InsertMethod)
	}
	if m.IdentityInsert && m.InsertMethod == InsertMethodBulk {
		add("migration.identity_insert requires insert_method %q", InsertMethodInsert)
	}
	if m.RowsPerStatement < 0 || m.RowsPerStatement > 1000 {
		add("migration.rows_per_statement must be between 0 and 1000, got %d", m.RowsPerStatement)
	}
	if m.QueueDepth <= 0 {
		add("migration.queue_depth must be positive, got %d", m.QueueDepth)
	}
	if m.MaxConnections < 0 {
		add("migration.max_connections must not be negative, got %d", m.MaxConnections)
	}

	if c.Logging.Level != "" {
		if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
			add("logging.level: %v", err)
		}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		add("logging.format must be text or json, got %q", c.Logging.Format)
	}
	switch c.Report.Format {
	case "", "json", "yaml":
	default:
		add("report.format must be json or yaml, got %q", c.Report.Format)
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}

	c.checkMemory()
	return nil
}

// checkMemory warns when the batches that can be in flight at once would
// take more than a quarter of physical memory.
func (c *Config) checkMemory() {
	if c.Migration.MaxBatchBytes == 0 {
		return
	}
	// queued batches plus the one forming and the one being written
	inFlight := int64(c.Migration.QueueDepth+2) * int64(c.Migration.MaxBatchBytes)
	availMB := getAvailableMemoryMB()
	if inFlight/(1024*1024) > availMB/4 {
		logging.Warn("queue_depth %d x max_batch_bytes %d may buffer %d MB (system memory %d MB)",
			c.Migration.QueueDepth, c.Migration.MaxBatchBytes, inFlight/(1024*1024), availMB)
	}
}

// Redacted returns a copy with passwords masked, safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Source.Password != "" {
		out.Source.Password = redacted
	}
	if out.Target.Password != "" {
		out.Target.Password = redacted
	}
	return &out
}

// AccumulatorConfig returns the batch flush thresholds.
func (c *Config) AccumulatorConfig() pipeline.AccumulatorConfig {
	return pipeline.AccumulatorConfig{
		MaxRows:    c.Migration.MaxBatchRows,
		MaxBytes:   c.Migration.MaxBatchBytes,
		MaxLatency: c.Migration.MaxBatchLatency,
	}
}

// CoerceOptions returns the coercion strictness settings.
func (c *Config) CoerceOptions() coerce.Options {
	return coerce.Options{
		TruncateOversizedStrings: c.Migration.TruncateOversizedStrings,
		PrecisionLossTolerance:   c.Migration.PrecisionLossTolerance,
	}
}

// PoolConfig returns the pool bounds used for both connections.
func (c *Config) PoolConfig() dbconfig.PoolConfig {
	return dbconfig.PoolConfig{
		MaxOpen: c.Migration.MaxConnections,
		MaxIdle: 1,
	}
}

// SourceConfig returns the source settings with query logging applied.
func (c *Config) SourceConfig() dbconfig.SourceConfig {
	s := c.Source
	s.LogQueries = s.LogQueries || c.Migration.LogQueries
	return s
}

// TargetConfig returns the target settings with query logging applied.
func (c *Config) TargetConfig() dbconfig.TargetConfig {
	t := c.Target
	t.LogQueries = t.LogQueries || c.Migration.LogQueries
	return t
}
