package orchestrator

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/johndauphine/oracle-mssql-migrate/internal/coerce"
	"github.com/johndauphine/oracle-mssql-migrate/internal/driver"
	"github.com/johndauphine/oracle-mssql-migrate/internal/events"
	"github.com/johndauphine/oracle-mssql-migrate/internal/pipeline"
)

// MigrationResult is the snapshot returned when a run reaches a terminal
// state.
type MigrationResult struct {
	RunID       string          `json:"run_id" yaml:"run_id"`
	Query       string          `json:"query" yaml:"query"`
	Table       string          `json:"table,omitempty" yaml:"table,omitempty"`
	State       events.State    `json:"state" yaml:"state"`
	Counters    events.Counters `json:"counters" yaml:"counters"`
	Failures    []FailureRecord `json:"failures,omitempty" yaml:"failures,omitempty"`
	AbortReason string          `json:"abort_reason,omitempty" yaml:"abort_reason,omitempty"`
	// LastCommittedOrdinal is the source ordinal of the last row of the last
	// batch the target accepted. A resumed run skips rows up to it.
	LastCommittedOrdinal int64     `json:"last_committed_ordinal" yaml:"last_committed_ordinal"`
	StartedAt            time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt           time.Time `json:"finished_at" yaml:"finished_at"`

	Err   error           `json:"-" yaml:"-"`
	Stats *pipeline.Stats `json:"-" yaml:"-"`
}

// Duration returns the wall time of the run.
func (r *MigrationResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary renders a one-line outcome for logs and the CLI.
func (r *MigrationResult) Summary() string {
	s := fmt.Sprintf("run %s %s in %s: %s", r.RunID, r.State, r.Duration().Round(time.Millisecond), r.Counters)
	if r.AbortReason != "" {
		s += ": " + r.AbortReason
	}
	return s
}

// FailureRecord describes one row that did not reach the target, or one
// batch that failed as a whole.
type FailureRecord struct {
	// BatchSeq is 0 for coercion failures, which happen before batching.
	BatchSeq int64 `json:"batch_seq,omitempty" yaml:"batch_seq,omitempty"`
	// RowOffset is the row's index inside its batch; -1 for whole-batch
	// failures.
	RowOffset     int      `json:"row_offset" yaml:"row_offset"`
	SourceOrdinal int64    `json:"source_ordinal" yaml:"source_ordinal"`
	Rows          int      `json:"rows" yaml:"rows"`
	Column        string   `json:"column,omitempty" yaml:"column,omitempty"`
	Kind          string   `json:"kind" yaml:"kind"`
	Reason        string   `json:"reason" yaml:"reason"`
	Snapshot      []string `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
	// Fingerprint is an xxh3 hash of Snapshot, for matching failures across
	// runs without storing the values.
	Fingerprint string `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
}

func coercionFailure(ordinal int64, raw driver.RawRow, err error) FailureRecord {
	rec := FailureRecord{
		RowOffset:     -1,
		SourceOrdinal: ordinal,
		Rows:          1,
		Kind:          "coercion",
		Reason:        err.Error(),
	}
	var cerr *coerce.Error
	if errors.As(err, &cerr) {
		rec.Column = cerr.Column
		rec.Kind = cerr.Kind.String()
	}
	rec.Snapshot, rec.Fingerprint = snapshot(raw)
	return rec
}

func rejectionFailure(b *driver.Batch, rej driver.RowRejection) FailureRecord {
	rec := FailureRecord{
		BatchSeq:  b.Seq,
		RowOffset: rej.Index,
		Rows:      1,
		Kind:      driver.ClassOf(rej.Err).String(),
	}
	if rej.Err != nil {
		rec.Reason = rej.Err.Error()
	}
	if rej.Index >= 0 && rej.Index < len(b.Rows) {
		row := b.Rows[rej.Index]
		rec.SourceOrdinal = row.Ordinal
		rec.Snapshot, rec.Fingerprint = snapshot(row.Source)
	}
	return rec
}

func batchFailure(b *driver.Batch, err error) FailureRecord {
	return FailureRecord{
		BatchSeq:      b.Seq,
		RowOffset:     -1,
		SourceOrdinal: b.FirstOrdinal(),
		Rows:          b.Len(),
		Kind:          driver.ClassOf(err).String(),
		Reason:        err.Error(),
	}
}

// snapshot renders the original source values of a row as text.
func snapshot(raw driver.RawRow) ([]string, string) {
	if raw == nil {
		return nil, ""
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		switch val := v.(type) {
		case nil:
			out[i] = "NULL"
		case []byte:
			out[i] = "0x" + strings.ToUpper(hex.EncodeToString(val))
		case string:
			out[i] = val
		case time.Time:
			out[i] = val.Format(time.RFC3339Nano)
		default:
			out[i] = fmt.Sprint(val)
		}
	}
	h := xxh3.HashString(strings.Join(out, "\x1f"))
	return out, strconv.FormatUint(h, 16)
}
