// Package progress renders a terminal progress bar from run events.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/johndauphine/oracle-mssql-migrate/internal/events"
)

// Tracker tracks migration progress. It implements events.Sink.
type Tracker struct {
	mu        sync.Mutex
	bar       *progressbar.ProgressBar
	out       io.Writer
	total     int64
	current   atomic.Int64
	startTime time.Time
	finished  bool
}

// New creates a tracker writing to out (stderr when nil). A total of zero
// or less shows a spinner instead of a bar.
func New(total int64, out io.Writer) *Tracker {
	if out == nil {
		out = os.Stderr
	}
	t := &Tracker{out: out, startTime: time.Now()}
	t.SetTotal(total)
	return t
}

// SetTotal sets the total number of rows to transfer
func (t *Tracker) SetTotal(total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if total <= 0 {
		total = -1
	}
	t.total = total
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription("Migrating"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Emit advances the bar on batch events and finishes it when the run ends.
func (t *Tracker) Emit(e events.Event) {
	switch {
	case e.Kind == events.KindBatch:
		t.set(e.Counters.RowsInserted + e.Counters.RowsFailed)
	case e.Kind == events.KindState && e.State == events.StateRetrying:
		t.describe(fmt.Sprintf("Retrying batch %d", e.BatchSeq))
	case e.Kind == events.KindState && e.State == events.StateRunning:
		t.describe("Migrating")
	case e.Kind == events.KindState && e.State.IsTerminal():
		t.set(e.Counters.RowsInserted + e.Counters.RowsFailed)
		t.Finish(e.State)
	}
}

func (t *Tracker) set(n int64) {
	t.current.Store(n)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bar != nil && !t.finished {
		t.bar.Set64(n)
	}
}

func (t *Tracker) describe(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bar != nil && !t.finished {
		t.bar.Describe(s)
	}
}

// Current returns the number of rows processed so far.
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Finish marks the progress as complete and prints the throughput line.
func (t *Tracker) Finish(state events.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	if t.bar != nil && state == events.StateCompleted {
		t.bar.Finish()
	}

	elapsed := time.Since(t.startTime)
	rowsPerSec := float64(t.current.Load()) / elapsed.Seconds()

	fmt.Fprintln(t.out)
	fmt.Fprintf(t.out, "Migration %s: %d rows in %s (%.0f rows/sec)\n",
		state, t.current.Load(), elapsed.Round(time.Second), rowsPerSec)
}
