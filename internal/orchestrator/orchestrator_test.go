package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/johndauphine/oracle-mssql-migrate/internal/driver"
	"github.com/johndauphine/oracle-mssql-migrate/internal/events"
	"github.com/johndauphine/oracle-mssql-migrate/internal/pipeline"
)

type fakeSource struct {
	cols    []driver.ColumnDescriptor
	rows    []driver.RawRow
	openErr error
	errAt   int // row index at which Next fails; -1 never
	err     error

	pos    int
	closed bool
}

func (s *fakeSource) Open(ctx context.Context, query string, args ...any) ([]driver.ColumnDescriptor, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.cols, nil
}

func (s *fakeSource) Next(ctx context.Context) (driver.RawRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.err != nil && s.pos == s.errAt {
		return nil, s.err
	}
	if s.pos >= len(s.rows) {
		return nil, io.EOF
	}
	row := s.rows[s.pos]
	s.pos++
	return row, nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type fakeWriter struct {
	mu        sync.Mutex
	attempts  map[int64]int
	committed []*driver.Batch
	write     func(b *driver.Batch, attempt int) driver.BatchOutcome
}

func (w *fakeWriter) Write(ctx context.Context, b *driver.Batch) driver.BatchOutcome {
	w.mu.Lock()
	if w.attempts == nil {
		w.attempts = make(map[int64]int)
	}
	w.attempts[b.Seq]++
	attempt := w.attempts[b.Seq]
	w.mu.Unlock()

	out := driver.Committed(b.Len())
	if w.write != nil {
		out = w.write(b, attempt)
	}
	if out.Status != driver.StatusFailed {
		w.mu.Lock()
		w.committed = append(w.committed, b)
		w.mu.Unlock()
	}
	return out
}

func (w *fakeWriter) seqs() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []int64
	for _, b := range w.committed {
		out = append(out, b.Seq)
	}
	return out
}

var idColumn = []driver.ColumnDescriptor{{Name: "ID", Type: driver.SourceInteger, Precision: 9, Nullable: true}}
var idTarget = []driver.TargetColumn{{Name: "ID", Type: driver.TargetInt}}

func intSource(n int) *fakeSource {
	src := &fakeSource{cols: idColumn, errAt: -1}
	for i := 1; i <= n; i++ {
		src.rows = append(src.rows, driver.RawRow{int64(i)})
	}
	return src
}

func testOptions(maxRows int) Options {
	return Options{
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		Batch:       pipeline.AccumulatorConfig{MaxRows: maxRows},
	}
}

func recoverable(msg string) driver.BatchOutcome {
	return driver.Failed(&driver.TargetWriteError{Class: driver.ClassRecoverable, Op: "write", Err: errors.New(msg)})
}

func checkConserved(t *testing.T, r *MigrationResult) {
	t.Helper()
	if !r.Counters.Conserved() {
		t.Errorf("counters not conserved: %s", r.Counters)
	}
}

func TestRunBatchesInSourceOrder(t *testing.T) {
	src := intSource(1000)
	w := &fakeWriter{}
	rec := &events.Recorder{}

	result := New(src, w, idTarget, rec, testOptions(500)).Run(context.Background(), "SELECT ID FROM T")

	if result.State != events.StateCompleted {
		t.Fatalf("State = %v, want completed (%s)", result.State, result.AbortReason)
	}
	if got := w.seqs(); !reflect.DeepEqual(got, []int64{1, 2}) {
		t.Errorf("batch seqs = %v, want [1 2]", got)
	}
	for _, b := range w.committed {
		if b.Len() != 500 {
			t.Errorf("batch %d has %d rows, want 500", b.Seq, b.Len())
		}
	}
	if result.Counters.RowsInserted != 1000 || result.Counters.BatchesCommitted != 2 {
		t.Errorf("counters = %s", result.Counters)
	}
	if result.LastCommittedOrdinal != 1000 {
		t.Errorf("LastCommittedOrdinal = %d, want 1000", result.LastCommittedOrdinal)
	}
	checkConserved(t, result)

	var last int64
	for _, b := range w.committed {
		for _, row := range b.Rows {
			if row.Ordinal <= last {
				t.Fatalf("row %d written after row %d", row.Ordinal, last)
			}
			last = row.Ordinal
			if len(row.Values) != len(idTarget) {
				t.Fatalf("row %d has %d values, want %d", row.Ordinal, len(row.Values), len(idTarget))
			}
		}
	}

	if got := rec.States(); !reflect.DeepEqual(got, []events.State{events.StateRunning, events.StateCompleted}) {
		t.Errorf("states = %v", got)
	}
	var prev int64
	for _, e := range rec.Events() {
		if e.Counters.RowsInserted < prev {
			t.Errorf("event counters went backwards: %d after %d", e.Counters.RowsInserted, prev)
		}
		prev = e.Counters.RowsInserted
		if e.RunID != result.RunID {
			t.Errorf("event run id %q, want %q", e.RunID, result.RunID)
		}
	}
	if !src.closed {
		t.Error("source was not closed")
	}
}

func TestRunRecordsNullViolation(t *testing.T) {
	src := intSource(10)
	src.rows[4] = driver.RawRow{nil}
	w := &fakeWriter{}
	rec := &events.Recorder{}

	result := New(src, w, idTarget, rec, testOptions(500)).Run(context.Background(), "SELECT ID FROM T")

	if result.State != events.StateCompleted {
		t.Fatalf("State = %v, want completed", result.State)
	}
	if result.Counters.RowsFailed != 1 || result.Counters.RowsInserted != 9 {
		t.Errorf("counters = %s", result.Counters)
	}
	checkConserved(t, result)

	if len(result.Failures) != 1 {
		t.Fatalf("Failures = %+v", result.Failures)
	}
	f := result.Failures[0]
	if f.Kind != "NullViolation" || f.Column != "ID" || f.SourceOrdinal != 5 {
		t.Errorf("failure = %+v", f)
	}
	if !reflect.DeepEqual(f.Snapshot, []string{"NULL"}) || f.Fingerprint == "" {
		t.Errorf("snapshot = %v, fingerprint %q", f.Snapshot, f.Fingerprint)
	}

	var rowErrors int
	for _, e := range rec.Events() {
		if e.Kind == events.KindRowError {
			rowErrors++
			if e.Level != events.LevelWarn || e.Counters.RowsFailed != 1 {
				t.Errorf("row error event = %+v", e)
			}
		}
	}
	if rowErrors != 1 {
		t.Errorf("row error events = %d, want 1", rowErrors)
	}
}

func TestRunRetriesRecoverableBatch(t *testing.T) {
	src := intSource(50)
	w := &fakeWriter{write: func(b *driver.Batch, attempt int) driver.BatchOutcome {
		if b.Seq == 3 && attempt <= 2 {
			return recoverable("connection reset")
		}
		return driver.Committed(b.Len())
	}}
	rec := &events.Recorder{}

	result := New(src, w, idTarget, rec, testOptions(10)).Run(context.Background(), "SELECT ID FROM T")

	if result.State != events.StateCompleted {
		t.Fatalf("State = %v, want completed (%s)", result.State, result.AbortReason)
	}
	want := []events.State{events.StateRunning, events.StateRetrying, events.StateRunning, events.StateCompleted}
	if got := rec.States(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if w.attempts[3] != 3 {
		t.Errorf("batch 3 attempts = %d, want 3", w.attempts[3])
	}
	if got := w.seqs(); !reflect.DeepEqual(got, []int64{1, 2, 3, 4, 5}) {
		t.Errorf("committed seqs = %v", got)
	}
	if result.Counters.RowsInserted != 50 {
		t.Errorf("RowsInserted = %d, want 50", result.Counters.RowsInserted)
	}
	checkConserved(t, result)
}

func TestRunAbortsWhenRetriesExhausted(t *testing.T) {
	src := intSource(50)
	w := &fakeWriter{write: func(b *driver.Batch, attempt int) driver.BatchOutcome {
		if b.Seq == 2 {
			return recoverable("timeout")
		}
		return driver.Committed(b.Len())
	}}

	result := New(src, w, idTarget, nil, testOptions(10)).Run(context.Background(), "SELECT ID FROM T")

	if result.State != events.StateAborted {
		t.Fatalf("State = %v, want aborted", result.State)
	}
	if w.attempts[2] != 3 {
		t.Errorf("batch 2 attempts = %d, want 3", w.attempts[2])
	}
	if !strings.Contains(result.AbortReason, "after 3 attempts") {
		t.Errorf("AbortReason = %q", result.AbortReason)
	}
	if got := w.seqs(); !reflect.DeepEqual(got, []int64{1}) {
		t.Errorf("committed seqs = %v, want [1]", got)
	}
	if result.Counters.RowsFailed != 10 || result.Counters.BatchesFailed != 1 {
		t.Errorf("counters = %s", result.Counters)
	}
	checkConserved(t, result)
}

func TestRunZeroRetriesMakesOneAttempt(t *testing.T) {
	w := &fakeWriter{write: func(b *driver.Batch, attempt int) driver.BatchOutcome {
		return recoverable("connection reset")
	}}
	opts := testOptions(10)
	opts.MaxRetries = 0
	rec := &events.Recorder{}

	result := New(intSource(30), w, idTarget, rec, opts).Run(context.Background(), "SELECT ID FROM T")

	if result.State != events.StateAborted {
		t.Fatalf("State = %v, want aborted", result.State)
	}
	if w.attempts[1] != 1 || len(w.attempts) != 1 {
		t.Errorf("attempts = %v, want one attempt of batch 1", w.attempts)
	}
	for _, s := range rec.States() {
		if s == events.StateRetrying {
			t.Error("run entered Retrying with retries disabled")
		}
	}
	checkConserved(t, result)
}

func TestRunAbortsOnFatalWriteError(t *testing.T) {
	src := intSource(30)
	w := &fakeWriter{write: func(b *driver.Batch, attempt int) driver.BatchOutcome {
		return driver.Failed(&driver.TargetWriteError{Class: driver.ClassFatal, Op: "write", Err: errors.New("invalid object name")})
	}}
	rec := &events.Recorder{}

	result := New(src, w, idTarget, rec, testOptions(10)).Run(context.Background(), "SELECT ID FROM T")

	if result.State != events.StateAborted {
		t.Fatalf("State = %v, want aborted", result.State)
	}
	if w.attempts[1] != 1 || len(w.attempts) != 1 {
		t.Errorf("attempts = %v, want one attempt of batch 1", w.attempts)
	}
	if got := rec.States(); !reflect.DeepEqual(got, []events.State{events.StateRunning, events.StateAborted}) {
		t.Errorf("states = %v", got)
	}
	if driver.ClassOf(result.Err) != driver.ClassFatal {
		t.Errorf("result error class = %v", driver.ClassOf(result.Err))
	}
	checkConserved(t, result)
}

func TestRunCancelLetsInFlightBatchFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := intSource(50)
	w := &fakeWriter{write: func(b *driver.Batch, attempt int) driver.BatchOutcome {
		if b.Seq == 3 {
			cancel()
		}
		return driver.Committed(b.Len())
	}}

	result := New(src, w, idTarget, nil, testOptions(10)).Run(ctx, "SELECT ID FROM T")

	if result.State != events.StateCancelled {
		t.Fatalf("State = %v, want cancelled", result.State)
	}
	if got := w.seqs(); !reflect.DeepEqual(got, []int64{1, 2, 3}) {
		t.Errorf("committed seqs = %v, want [1 2 3]", got)
	}
	if result.Counters.RowsInserted != 30 || result.Counters.BatchesCommitted != 3 {
		t.Errorf("counters = %s", result.Counters)
	}
	if result.LastCommittedOrdinal != 30 {
		t.Errorf("LastCommittedOrdinal = %d, want 30", result.LastCommittedOrdinal)
	}
	checkConserved(t, result)
	if !src.closed {
		t.Error("source was not closed")
	}
}

func TestRunSourceErrorAborts(t *testing.T) {
	src := intSource(50)
	src.errAt = 25
	src.err = &driver.SourceReadError{Row: 25, Err: errors.New("ORA-03113: end-of-file on communication channel")}

	result := New(src, &fakeWriter{}, idTarget, nil, testOptions(10)).Run(context.Background(), "SELECT ID FROM T")

	if result.State != events.StateAborted {
		t.Fatalf("State = %v, want aborted", result.State)
	}
	var sre *driver.SourceReadError
	if !errors.As(result.Err, &sre) {
		t.Errorf("result error %v is not a SourceReadError", result.Err)
	}
	if result.Counters.RowsRead != 25 {
		t.Errorf("RowsRead = %d, want 25", result.Counters.RowsRead)
	}
	if result.Counters.RowsInserted > 20 {
		t.Errorf("RowsInserted = %d, rows of the unfinished batch were written", result.Counters.RowsInserted)
	}
	checkConserved(t, result)
}

func TestRunOpenFailure(t *testing.T) {
	src := &fakeSource{openErr: &driver.QueryExecutionError{Query: "SELEC", Err: errors.New("ORA-00900")}}
	w := &fakeWriter{}
	rec := &events.Recorder{}

	result := New(src, w, idTarget, rec, testOptions(10)).Run(context.Background(), "SELEC")

	if result.State != events.StateAborted {
		t.Fatalf("State = %v, want aborted", result.State)
	}
	var qe *driver.QueryExecutionError
	if !errors.As(result.Err, &qe) {
		t.Errorf("result error %v is not a QueryExecutionError", result.Err)
	}
	if len(w.attempts) != 0 {
		t.Errorf("writer was called: %v", w.attempts)
	}
	if !src.closed {
		t.Error("source was not closed")
	}
	if got := rec.States(); !reflect.DeepEqual(got, []events.State{events.StateRunning, events.StateAborted}) {
		t.Errorf("states = %v", got)
	}
}

func TestRunColumnCountMismatchAborts(t *testing.T) {
	targets := append([]driver.TargetColumn{}, idTarget...)
	targets = append(targets, driver.TargetColumn{Name: "NAME", Type: driver.TargetNVarchar, MaxLength: 10})

	result := New(intSource(5), &fakeWriter{}, targets, nil, testOptions(10)).Run(context.Background(), "SELECT ID FROM T")

	if result.State != events.StateAborted || !strings.Contains(result.AbortReason, "column count mismatch") {
		t.Errorf("State = %v, reason %q", result.State, result.AbortReason)
	}
}

func TestRunResumeSkipsCommittedRows(t *testing.T) {
	w := &fakeWriter{}
	opts := testOptions(10)
	opts.ResumeAfter = 12

	result := New(intSource(30), w, idTarget, nil, opts).Run(context.Background(), "SELECT ID FROM T")

	if result.State != events.StateCompleted {
		t.Fatalf("State = %v, want completed", result.State)
	}
	if first := w.committed[0].FirstOrdinal(); first != 13 {
		t.Errorf("first written ordinal = %d, want 13", first)
	}
	if result.Counters.RowsSkippedAtRead != 12 || result.Counters.RowsInserted != 18 || result.Counters.RowsRead != 30 {
		t.Errorf("counters = %s", result.Counters)
	}
	checkConserved(t, result)
}

func TestRunRecordsRejectedRows(t *testing.T) {
	w := &fakeWriter{write: func(b *driver.Batch, attempt int) driver.BatchOutcome {
		if b.Seq == 1 {
			return driver.PartiallyRejected(b.Len()-1, []driver.RowRejection{{
				Index: 2,
				Err:   &driver.TargetWriteError{Class: driver.ClassConstraint, Op: "insert", Err: errors.New("duplicate key")},
			}})
		}
		return driver.Committed(b.Len())
	}}

	result := New(intSource(20), w, idTarget, nil, testOptions(10)).Run(context.Background(), "SELECT ID FROM T")

	if result.State != events.StateCompleted {
		t.Fatalf("State = %v, want completed", result.State)
	}
	if result.Counters.RowsInserted != 19 || result.Counters.RowsFailed != 1 {
		t.Errorf("counters = %s", result.Counters)
	}
	checkConserved(t, result)
	if len(result.Failures) != 1 {
		t.Fatalf("Failures = %+v", result.Failures)
	}
	f := result.Failures[0]
	if f.BatchSeq != 1 || f.RowOffset != 2 || f.SourceOrdinal != 3 || f.Kind != "constraint" {
		t.Errorf("failure = %+v", f)
	}
	if !reflect.DeepEqual(f.Snapshot, []string{"3"}) {
		t.Errorf("snapshot = %v", f.Snapshot)
	}
}

func TestRunInfersTargetsWhenNotGiven(t *testing.T) {
	src := &fakeSource{
		cols:  []driver.ColumnDescriptor{{Name: "NAME", Type: driver.SourceVarchar, Length: 20, Nullable: true}},
		rows:  []driver.RawRow{{"alpha"}, {nil}},
		errAt: -1,
	}
	w := &fakeWriter{}

	result := New(src, w, nil, nil, testOptions(10)).Run(context.Background(), "SELECT NAME FROM T")

	if result.State != events.StateCompleted || result.Counters.RowsInserted != 2 {
		t.Fatalf("result = %s", result.Summary())
	}
	if got := w.committed[0].Rows[0].Values[0]; got != "alpha" {
		t.Errorf("value = %#v, want alpha", got)
	}
}

// tableWriter is a fakeWriter bound to a table layout.
type tableWriter struct {
	fakeWriter
	table   []driver.TargetColumn
	matched []driver.TargetColumn
}

func (w *tableWriter) MatchColumns(src []driver.ColumnDescriptor) ([]driver.TargetColumn, error) {
	var out []driver.TargetColumn
	for _, c := range src {
		found := false
		for _, tc := range w.table {
			if strings.EqualFold(tc.Name, c.Name) {
				out = append(out, tc)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("no target column for %s", c.Name)
		}
	}
	w.matched = out
	return out, nil
}

func TestRunMatchesWriterColumnsByName(t *testing.T) {
	src := &fakeSource{
		cols: []driver.ColumnDescriptor{
			{Name: "NAME", Type: driver.SourceVarchar, Length: 20, Nullable: true},
			{Name: "ID", Type: driver.SourceInteger, Precision: 9},
		},
		rows:  []driver.RawRow{{"alpha", int64(1)}},
		errAt: -1,
	}
	w := &tableWriter{table: []driver.TargetColumn{
		{Name: "id", Type: driver.TargetInt},
		{Name: "created", Type: driver.TargetDateTime2, Scale: 7, Nullable: true},
		{Name: "name", Type: driver.TargetNVarchar, MaxLength: 50, Nullable: true},
	}}

	result := New(src, w, nil, nil, testOptions(10)).Run(context.Background(), "SELECT NAME, ID FROM T")

	if result.State != events.StateCompleted || result.Counters.RowsInserted != 1 {
		t.Fatalf("result = %s (%s)", result.Summary(), result.AbortReason)
	}
	if len(w.matched) != 2 || w.matched[0].Name != "name" || w.matched[1].Name != "id" {
		t.Errorf("matched = %+v, want name, id", w.matched)
	}
	if got := w.committed[0].Rows[0].Values[0]; got != "alpha" {
		t.Errorf("first value = %#v, want alpha", got)
	}
}

func TestRunAbortsWhenQueryColumnHasNoTarget(t *testing.T) {
	w := &tableWriter{table: []driver.TargetColumn{{Name: "code", Type: driver.TargetInt}}}

	result := New(intSource(5), w, nil, nil, testOptions(10)).Run(context.Background(), "SELECT ID FROM T")

	if result.State != events.StateAborted {
		t.Fatalf("State = %v, want aborted", result.State)
	}
	if !strings.Contains(result.AbortReason, "no target column") {
		t.Errorf("AbortReason = %q", result.AbortReason)
	}
	if len(w.attempts) != 0 {
		t.Errorf("writer was called: %v", w.attempts)
	}
}

func TestRunIsSingleUse(t *testing.T) {
	o := New(intSource(1), &fakeWriter{}, idTarget, nil, testOptions(10))
	if r := o.Run(context.Background(), "SELECT ID FROM T"); r.State != events.StateCompleted {
		t.Fatalf("first run state = %v", r.State)
	}
	if r := o.Run(context.Background(), "SELECT ID FROM T"); r.State != events.StateAborted {
		t.Errorf("second run state = %v, want aborted", r.State)
	}
}

func TestSnapshotFingerprintIsStable(t *testing.T) {
	row := driver.RawRow{int64(1), "x", []byte{0xAB}, nil}
	s1, f1 := snapshot(row)
	s2, f2 := snapshot(row)
	if !reflect.DeepEqual(s1, []string{"1", "x", "0xAB", "NULL"}) {
		t.Errorf("snapshot = %v", s1)
	}
	if f1 != f2 || !reflect.DeepEqual(s1, s2) {
		t.Errorf("fingerprint not stable: %q vs %q", f1, f2)
	}
	if _, f3 := snapshot(driver.RawRow{int64(2), "x", []byte{0xAB}, nil}); f3 == f1 {
		t.Error("different rows share a fingerprint")
	}
}
