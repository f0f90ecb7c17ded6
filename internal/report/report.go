// Package report writes the final MigrationResult of a run to a file.
package report

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/johndauphine/oracle-mssql-migrate/internal/orchestrator"
)

// Formats accepted by Write.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Document is the serialized form of a run result.
type Document struct {
	orchestrator.MigrationResult `yaml:",inline"`

	DurationSeconds float64 `json:"duration_seconds" yaml:"duration_seconds"`
	RowsPerSecond   float64 `json:"rows_per_second" yaml:"rows_per_second"`
	Timing          *Timing `json:"timing,omitempty" yaml:"timing,omitempty"`
}

// Timing splits the run time by pipeline stage.
type Timing struct {
	Read   string `json:"read" yaml:"read"`
	Coerce string `json:"coerce" yaml:"coerce"`
	Write  string `json:"write" yaml:"write"`
}

// NewDocument derives the report fields from r.
func NewDocument(r *orchestrator.MigrationResult) Document {
	d := Document{MigrationResult: *r}
	d.DurationSeconds = r.Duration().Seconds()
	if d.DurationSeconds > 0 {
		d.RowsPerSecond = float64(r.Counters.RowsInserted) / d.DurationSeconds
	}
	if r.Stats != nil {
		d.Timing = &Timing{
			Read:   r.Stats.ReadTime.Round(time.Millisecond).String(),
			Coerce: r.Stats.CoerceTime.Round(time.Millisecond).String(),
			Write:  r.Stats.WriteTime.Round(time.Millisecond).String(),
		}
	}
	return d
}

// FormatFor picks a format from an explicit name or the file extension.
func FormatFor(path, format string) (string, error) {
	switch strings.ToLower(format) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	case "":
	default:
		return "", fmt.Errorf("unknown report format %q (use json or yaml)", format)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return FormatJSON, nil
}

// Marshal encodes r in the given format.
func Marshal(r *orchestrator.MigrationResult, format string) ([]byte, error) {
	doc := NewDocument(r)
	switch format {
	case FormatYAML:
		return yaml.Marshal(doc)
	case FormatJSON:
		return json.MarshalIndent(doc, "", "  ")
	}
	return nil, fmt.Errorf("unknown report format %q", format)
}

// Write encodes r and writes it to path on fs, creating parent directories.
func Write(fs afero.Fs, path, format string, r *orchestrator.MigrationResult) error {
	format, err := FormatFor(path, format)
	if err != nil {
		return err
	}
	data, err := Marshal(r, format)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating report directory: %w", err)
		}
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("writing report %s: %w", path, err)
	}
	return nil
}
