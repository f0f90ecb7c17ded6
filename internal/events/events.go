// Package events defines the progress/log events a migration run emits and
// the sinks that consume them.
package events

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/johndauphine/oracle-mssql-migrate/internal/logging"
)

// Level is the severity of an event.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// MarshalText lets reports and the checkpoint store render levels by name.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// State is a migration run state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateRetrying
	StateCompleted
	StateAborted
	StateCancelled
)

var stateNames = map[State]string{
	StateIdle:      "idle",
	StateRunning:   "running",
	StateRetrying:  "retrying",
	StateCompleted: "completed",
	StateAborted:   "aborted",
	StateCancelled: "cancelled",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateCancelled
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for st, n := range stateNames {
		if n == name {
			return st, nil
		}
	}
	return StateIdle, fmt.Errorf("unknown run state %q", s)
}

// Counters is a snapshot of a run's row and batch tallies.
type Counters struct {
	RowsRead          int64 `json:"rows_read" yaml:"rows_read"`
	RowsCoerced       int64 `json:"rows_coerced" yaml:"rows_coerced"`
	RowsSkippedAtRead int64 `json:"rows_skipped_at_read" yaml:"rows_skipped_at_read"`
	RowsInserted      int64 `json:"rows_inserted" yaml:"rows_inserted"`
	RowsFailed        int64 `json:"rows_failed" yaml:"rows_failed"`
	BatchesCommitted  int64 `json:"batches_committed" yaml:"batches_committed"`
	BatchesFailed     int64 `json:"batches_failed" yaml:"batches_failed"`
}

// Conserved reports whether the counters satisfy
// read = coerced + skipped and coerced = inserted + failed.
func (c Counters) Conserved() bool {
	return c.RowsRead == c.RowsCoerced+c.RowsSkippedAtRead &&
		c.RowsCoerced == c.RowsInserted+c.RowsFailed
}

func (c Counters) String() string {
	return fmt.Sprintf("read=%d coerced=%d skipped=%d inserted=%d failed=%d batches=%d",
		c.RowsRead, c.RowsCoerced, c.RowsSkippedAtRead, c.RowsInserted, c.RowsFailed, c.BatchesCommitted)
}

// Kind says what an event reports.
type Kind string

const (
	KindState    Kind = "state"     // state transition
	KindBatch    Kind = "batch"     // batch committed or partially rejected
	KindRowError Kind = "row_error" // row failed coercion or was rejected
	KindRetry    Kind = "retry"     // batch write attempt failed and will be retried
)

// Event is one entry of the ordered progress/log stream.
type Event struct {
	Time     time.Time
	RunID    string
	Kind     Kind
	Level    Level
	State    State
	Message  string
	Counters Counters
	// BatchSeq is set for batch, retry and writer rejection events.
	BatchSeq int64
	// LastOrdinal is the source ordinal of the last committed row.
	LastOrdinal int64
	Err         error
}

// Sink consumes events. The orchestrator calls Emit synchronously and in
// order; implementations must not block for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans events out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// LogSink writes events through the logging package.
type LogSink struct {
	// Batches logs batch commits at info instead of debug.
	Batches bool
}

func (s LogSink) Emit(e Event) {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	switch {
	case e.Level == LevelError:
		logging.Error("[%s] %s (%s)", e.State, msg, e.Counters)
	case e.Level == LevelWarn:
		logging.Warn("[%s] %s", e.State, msg)
	case e.Kind == KindBatch && !s.Batches:
		logging.Debug("[%s] %s (%s)", e.State, msg, e.Counters)
	default:
		logging.Info("[%s] %s (%s)", e.State, msg, e.Counters)
	}
}

// Recorder keeps every event in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// States returns the states of the recorded state-transition events in
// emission order.
func (r *Recorder) States() []State {
	var out []State
	for _, e := range r.Events() {
		if e.Kind == KindState {
			out = append(out, e.State)
		}
	}
	return out
}
