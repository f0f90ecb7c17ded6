package report

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/johndauphine/oracle-mssql-migrate/internal/events"
	"github.com/johndauphine/oracle-mssql-migrate/internal/orchestrator"
	"github.com/johndauphine/oracle-mssql-migrate/internal/pipeline"
)

func sampleResult() *orchestrator.MigrationResult {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return &orchestrator.MigrationResult{
		RunID:       "run-1",
		Query:       "SELECT * FROM ORDERS",
		Table:       "dbo.orders",
		State:       events.StateAborted,
		Counters:    events.Counters{RowsRead: 100, RowsCoerced: 100, RowsInserted: 90, RowsFailed: 10, BatchesCommitted: 1, BatchesFailed: 1},
		AbortReason: "batch 2 failed",
		StartedAt:   start,
		FinishedAt:  start.Add(10 * time.Second),
		Failures: []orchestrator.FailureRecord{
			{BatchSeq: 2, RowOffset: -1, SourceOrdinal: 91, Rows: 10, Kind: "fatal", Reason: "invalid object"},
		},
		Stats: &pipeline.Stats{ReadTime: 2 * time.Second},
	}
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		path     string
		format   string
		expected string
		wantErr  bool
	}{
		{"out.json", "", FormatJSON, false},
		{"out.yaml", "", FormatYAML, false},
		{"out.YML", "", FormatYAML, false},
		{"out.txt", "", FormatJSON, false},
		{"out.json", "yaml", FormatYAML, false},
		{"out.json", "xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.path+"/"+tt.format, func(t *testing.T) {
			got, err := FormatFor(tt.path, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestWriteJSON(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, Write(fs, "reports/run.json", "", sampleResult()))

	data, err := afero.ReadFile(fs, "reports/run.json")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "run-1", doc["run_id"])
	assert.Equal(t, "aborted", doc["state"])
	assert.Equal(t, "batch 2 failed", doc["abort_reason"])
	assert.InDelta(t, 10.0, doc["duration_seconds"], 0.001)
	assert.InDelta(t, 9.0, doc["rows_per_second"], 0.001)

	counters := doc["counters"].(map[string]any)
	assert.EqualValues(t, 90, counters["rows_inserted"])
	failures := doc["failures"].([]any)
	require.Len(t, failures, 1)
	assert.EqualValues(t, 91, failures[0].(map[string]any)["source_ordinal"])
	timing := doc["timing"].(map[string]any)
	assert.Equal(t, "2s", timing["read"])
}

func TestWriteYAML(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, Write(fs, "run.yaml", "", sampleResult()))

	data, err := afero.ReadFile(fs, "run.yaml")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "state: aborted"), string(data))

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, "run-1", doc["run_id"])
	assert.Equal(t, "dbo.orders", doc["table"])
}

func TestWriteRejectsUnknownFormat(t *testing.T) {
	assert.Error(t, Write(afero.NewMemMapFs(), "run.out", "csv", sampleResult()))
}
