package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/johndauphine/oracle-mssql-migrate/internal/events"
	"github.com/johndauphine/oracle-mssql-migrate/internal/orchestrator"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "runs.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetRun(t *testing.T) {
	s := openTestStore(t)
	started := time.Date(2024, 5, 1, 10, 0, 0, 123, time.UTC)

	err := s.CreateRun(&Run{ID: "r1", Query: "SELECT * FROM T WHERE A = :1", Args: []string{"x"}, Table: "dbo.t", StartedAt: started})
	if err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	run, err := s.GetRun("r1")
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if run.State != events.StateRunning {
		t.Errorf("State = %v, want running", run.State)
	}
	if run.Query != "SELECT * FROM T WHERE A = :1" || run.Table != "dbo.t" {
		t.Errorf("run = %+v", run)
	}
	if len(run.Args) != 1 || run.Args[0] != "x" {
		t.Errorf("Args = %v", run.Args)
	}
	if !run.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", run.StartedAt, started)
	}
	if run.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil", run.FinishedAt)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun() error = %v, want ErrNotFound", err)
	}
}

func TestEmitRecordsProgress(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateRun(&Run{ID: "r1", Query: "SELECT 1 FROM DUAL"}); err != nil {
		t.Fatal(err)
	}

	s.Emit(events.Event{RunID: "r1", Kind: events.KindBatch, State: events.StateRunning, LastOrdinal: 500,
		Counters: events.Counters{RowsRead: 600, RowsCoerced: 500, RowsInserted: 500, BatchesCommitted: 1}})
	s.Emit(events.Event{RunID: "r1", Kind: events.KindState, State: events.StateRetrying, LastOrdinal: 500,
		Counters: events.Counters{RowsRead: 700, RowsCoerced: 1000, RowsInserted: 500, BatchesCommitted: 1}})
	// A failed batch does not move the checkpoint.
	s.Emit(events.Event{RunID: "r1", Kind: events.KindBatch, Level: events.LevelError, LastOrdinal: 900})

	run, err := s.GetRun("r1")
	if err != nil {
		t.Fatal(err)
	}
	if run.State != events.StateRetrying {
		t.Errorf("State = %v, want retrying", run.State)
	}
	if run.LastCommittedOrdinal != 500 {
		t.Errorf("LastCommittedOrdinal = %d, want 500", run.LastCommittedOrdinal)
	}
	if run.Counters.RowsRead != 700 || run.Counters.RowsInserted != 500 {
		t.Errorf("Counters = %s", run.Counters)
	}
}

func TestFinishRunStoresResultAndFailures(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateRun(&Run{ID: "r1", Query: "SELECT 1 FROM DUAL"}); err != nil {
		t.Fatal(err)
	}

	result := &orchestrator.MigrationResult{
		RunID:                "r1",
		State:                events.StateAborted,
		Counters:             events.Counters{RowsRead: 10, RowsCoerced: 10, RowsInserted: 9, RowsFailed: 1},
		LastCommittedOrdinal: 10,
		AbortReason:          "batch 2 failed",
		FinishedAt:           time.Now(),
		Failures: []orchestrator.FailureRecord{
			{RowOffset: -1, SourceOrdinal: 4, Rows: 1, Column: "ID", Kind: "NullViolation", Reason: "null", Fingerprint: "abc"},
			{BatchSeq: 2, RowOffset: 3, SourceOrdinal: 8, Rows: 1, Kind: "constraint", Reason: "duplicate key"},
		},
	}
	if err := s.FinishRun(context.Background(), result); err != nil {
		t.Fatalf("FinishRun() error: %v", err)
	}

	run, err := s.GetRun("r1")
	if err != nil {
		t.Fatal(err)
	}
	if run.State != events.StateAborted || run.Error != "batch 2 failed" || run.FinishedAt == nil {
		t.Errorf("run = %+v", run)
	}
	if run.Counters != result.Counters {
		t.Errorf("Counters = %s, want %s", run.Counters, result.Counters)
	}

	failures, err := s.Failures("r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 2 {
		t.Fatalf("Failures = %+v", failures)
	}
	if !reflect.DeepEqual(failures[0], result.Failures[0]) {
		t.Errorf("failure[0] = %+v, want %+v", failures[0], result.Failures[0])
	}
	if failures[1].BatchSeq != 2 || failures[1].Column != "" || failures[1].Fingerprint != "" {
		t.Errorf("failure[1] = %+v", failures[1])
	}
}

func TestFinishRunUnknownRun(t *testing.T) {
	s := openTestStore(t)
	err := s.FinishRun(context.Background(), &orchestrator.MigrationResult{RunID: "nope", State: events.StateCompleted})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishRun() error = %v, want ErrNotFound", err)
	}
}

func TestFinishRunKeepsResumePoint(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateRun(&Run{ID: "r2", Query: "q", ResumedFrom: "r1", LastCommittedOrdinal: 300}); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishRun(context.Background(), &orchestrator.MigrationResult{RunID: "r2", State: events.StateCancelled}); err != nil {
		t.Fatal(err)
	}
	run, err := s.GetRun("r2")
	if err != nil {
		t.Fatal(err)
	}
	if run.LastCommittedOrdinal != 300 {
		t.Errorf("LastCommittedOrdinal = %d, want 300", run.LastCommittedOrdinal)
	}
}

func TestListRunsAndLastIncomplete(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	runs := []*Run{
		{ID: "a", Query: "q", StartedAt: base},
		{ID: "b", Query: "q", StartedAt: base.Add(time.Minute)},
		{ID: "c", Query: "q", StartedAt: base.Add(2 * time.Minute), ResumedFrom: "b"},
		{ID: "d", Query: "q", StartedAt: base.Add(3 * time.Minute)},
	}
	for _, r := range runs {
		if err := s.CreateRun(r); err != nil {
			t.Fatal(err)
		}
	}
	finish := func(id string, st events.State) {
		t.Helper()
		if err := s.FinishRun(context.Background(), &orchestrator.MigrationResult{RunID: id, State: st}); err != nil {
			t.Fatal(err)
		}
	}
	finish("a", events.StateAborted)
	finish("b", events.StateCancelled)
	finish("c", events.StateAborted)
	finish("d", events.StateCompleted)

	list, err := s.ListRuns(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "d" || list[1].ID != "c" {
		t.Errorf("ListRuns(2) = %v", list)
	}

	last, err := s.LastIncompleteRun()
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.ID != "c" {
		t.Errorf("LastIncompleteRun() = %+v, want c", last)
	}

	finish("c", events.StateCompleted)
	last, err = s.LastIncompleteRun()
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.ID != "a" {
		t.Errorf("LastIncompleteRun() = %+v, want a", last)
	}
}

func TestLastIncompleteRunEmpty(t *testing.T) {
	s := openTestStore(t)
	last, err := s.LastIncompleteRun()
	if err != nil || last != nil {
		t.Errorf("LastIncompleteRun() = %v, %v; want nil, nil", last, err)
	}
}
