// Package orchestrator drives one migration run: it reads a source query,
// coerces and batches the rows, writes the batches in order and reports
// every state transition to an event sink.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/johndauphine/oracle-mssql-migrate/internal/coerce"
	"github.com/johndauphine/oracle-mssql-migrate/internal/driver"
	"github.com/johndauphine/oracle-mssql-migrate/internal/events"
	"github.com/johndauphine/oracle-mssql-migrate/internal/logging"
	"github.com/johndauphine/oracle-mssql-migrate/internal/pipeline"
	"github.com/johndauphine/oracle-mssql-migrate/internal/typemap"
)

// RowSource is a forward-only stream of source rows. *oracle.Reader
// implements it.
type RowSource interface {
	Open(ctx context.Context, query string, args ...any) ([]driver.ColumnDescriptor, error)
	// Next returns io.EOF when the stream is exhausted.
	Next(ctx context.Context) (driver.RawRow, error)
	Close() error
}

// BatchWriter writes one batch. *mssql.Writer implements it.
type BatchWriter interface {
	Write(ctx context.Context, b *driver.Batch) driver.BatchOutcome
}

// ColumnMatcher is implemented by writers bound to an existing table. Run
// calls it once the query's columns are known, to get the target columns in
// query order. *mssql.Writer implements it.
type ColumnMatcher interface {
	MatchColumns(src []driver.ColumnDescriptor) ([]driver.TargetColumn, error)
}

const (
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffCap  = 30 * time.Second
	DefaultQueueDepth  = 4
)

// Options configures a run.
type Options struct {
	// RunID identifies the run in events and results; generated when empty.
	RunID string
	// Table names the target for events and results only.
	Table string
	// MaxRetries bounds the retries of a batch that failed with a
	// recoverable error. Zero or negative disables retries.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// QueueDepth is the number of formed batches that may wait for the
	// writer.
	QueueDepth int
	// ResumeAfter skips source rows with an ordinal up to this value.
	ResumeAfter int64
	Coerce      coerce.Options
	Batch       pipeline.AccumulatorConfig
}

func (o *Options) setDefaults() {
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
}

// Orchestrator runs a single migration. It is not reusable: the source is
// consumed and closed by Run.
type Orchestrator struct {
	src     RowSource
	dst     BatchWriter
	targets []driver.TargetColumn
	sink    events.Sink
	opts    Options

	// mu serializes event emission with the counter and result updates so
	// the event stream is totally ordered.
	mu        sync.Mutex
	state     events.State
	counters  events.Counters
	result    *MigrationResult
	cancelled bool
	abortErr  error
	stopRun   context.CancelFunc
	stats     *pipeline.Stats
	started   bool
}

// New creates an orchestrator. When targets is nil the writer matches the
// query's columns by name if it is a ColumnMatcher; otherwise the layout is
// inferred from the source columns with the fixed mapping table.
func New(src RowSource, dst BatchWriter, targets []driver.TargetColumn, sink events.Sink, opts Options) *Orchestrator {
	opts.setDefaults()
	if sink == nil {
		sink = events.Discard
	}
	return &Orchestrator{
		src:     src,
		dst:     dst,
		targets: targets,
		sink:    sink,
		opts:    opts,
		state:   events.StateIdle,
		stats:   &pipeline.Stats{},
	}
}

// RunID returns the identifier events and the result carry.
func (o *Orchestrator) RunID() string { return o.opts.RunID }

// Run executes query and blocks until the run reaches a terminal state.
// Cancelling ctx stops reading; the batch being written is allowed to
// finish. The source is closed on every path.
func (o *Orchestrator) Run(ctx context.Context, query string, args ...any) *MigrationResult {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return &MigrationResult{RunID: o.opts.RunID, Query: query, State: events.StateAborted,
			AbortReason: "orchestrator already used", Err: errors.New("orchestrator already used")}
	}
	o.started = true
	o.result = &MigrationResult{
		RunID:     o.opts.RunID,
		Query:     query,
		Table:     o.opts.Table,
		StartedAt: time.Now(),
		Stats:     o.stats,
	}
	// Rows up to the resume point were handled by an earlier run.
	o.result.LastCommittedOrdinal = o.opts.ResumeAfter
	o.mu.Unlock()

	defer func() {
		if err := o.src.Close(); err != nil {
			logging.Warn("Closing source for run %s: %v", o.opts.RunID, err)
		}
	}()

	o.transition(events.StateRunning, events.LevelInfo, "migration started", nil)

	cols, err := o.src.Open(ctx, query, args...)
	if err != nil {
		return o.finish(fmt.Errorf("opening source query: %w", err))
	}
	targets := o.targets
	if targets == nil {
		if m, ok := o.dst.(ColumnMatcher); ok {
			if targets, err = m.MatchColumns(cols); err != nil {
				return o.finish(err)
			}
		} else {
			targets = typemap.InferTargets(cols)
		}
	}
	table, err := coerce.NewTable(cols, targets, o.opts.Coerce)
	if err != nil {
		return o.finish(fmt.Errorf("building coercion table: %w", err))
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	o.mu.Lock()
	o.stopRun = stop
	o.mu.Unlock()

	queue := make(chan *driver.Batch, o.opts.QueueDepth)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer close(queue)
		return o.readStage(ctx, gctx, table, queue)
	})
	g.Go(func() error {
		return o.writeStage(ctx, gctx, queue)
	})
	if err := g.Wait(); err != nil {
		logging.Debug("Run %s pipeline stopped: %v", o.opts.RunID, err)
	}

	return o.finish(nil)
}

// readStage reads, coerces and batches rows until the stream ends or the
// run is stopped. Rows that never reach the writer are counted as skipped.
func (o *Orchestrator) readStage(parent, ctx context.Context, table *coerce.Table, queue chan<- *driver.Batch) error {
	acc := pipeline.NewAccumulator(o.opts.Batch)
	var ordinal int64

	for {
		if ctx.Err() != nil {
			o.stopReading(parent, acc)
			return nil
		}

		start := time.Now()
		raw, err := o.src.Next(ctx)
		o.stats.AddRead(time.Since(start))
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				o.stopReading(parent, acc)
				return nil
			}
			o.skipRows(acc.Flush())
			o.abort(fmt.Errorf("reading source: %w", err))
			return err
		}
		ordinal++

		if ordinal <= o.opts.ResumeAfter {
			o.update(func(c *events.Counters) {
				c.RowsRead++
				c.RowsSkippedAtRead++
			})
			continue
		}

		start = time.Now()
		values, err := table.Row(raw)
		o.stats.AddCoerce(time.Since(start))
		if err != nil {
			o.rowFailed(coercionFailure(ordinal, raw, err), err)
			continue
		}
		o.update(func(c *events.Counters) { c.RowsRead++ })

		if b := acc.Add(driver.CoercedRow{Ordinal: ordinal, Values: values, Source: raw}); b != nil {
			if !o.send(parent, ctx, queue, b) {
				o.stopReading(parent, acc)
				return nil
			}
		}
	}

	if b := acc.Flush(); b != nil && !o.send(parent, ctx, queue, b) {
		return nil
	}
	return nil
}

func (o *Orchestrator) send(parent, ctx context.Context, queue chan<- *driver.Batch, b *driver.Batch) bool {
	select {
	case queue <- b:
		return true
	case <-ctx.Done():
		o.skipRows(b)
		o.noteCancel(parent)
		return false
	}
}

func (o *Orchestrator) stopReading(parent context.Context, acc *pipeline.Accumulator) {
	o.skipRows(acc.Flush())
	o.noteCancel(parent)
}

// writeStage writes batches one at a time in sequence order. Once the run
// is stopped, queued batches are drained without being written.
func (o *Orchestrator) writeStage(parent, ctx context.Context, queue <-chan *driver.Batch) error {
	var firstErr error
	for b := range queue {
		if ctx.Err() != nil {
			o.skipRows(b)
			o.noteCancel(parent)
			continue
		}
		if err := o.writeBatch(parent, b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// writeBatch sends b to the target, retrying recoverable failures with
// exponential backoff. The write is detached from cancellation so a batch
// is never abandoned mid-write.
func (o *Orchestrator) writeBatch(parent context.Context, b *driver.Batch) error {
	o.update(func(c *events.Counters) { c.RowsCoerced += int64(b.Len()) })

	wctx := context.WithoutCancel(parent)
	backoff := retry.WithMaxRetries(uint64(o.opts.MaxRetries),
		retry.WithCappedDuration(o.opts.BackoffCap, retry.NewExponential(o.opts.BackoffBase)))

	start := time.Now()
	attempt := 0
	retrying := false
	var outcome driver.BatchOutcome
	err := retry.Do(wctx, backoff, func(ctx context.Context) error {
		attempt++
		outcome = o.dst.Write(ctx, b)
		if outcome.Status != driver.StatusFailed {
			return nil
		}
		if outcome.Err == nil {
			outcome.Err = fmt.Errorf("batch %d failed without a reason", b.Seq)
		}
		if driver.ClassOf(outcome.Err) != driver.ClassRecoverable || attempt > o.opts.MaxRetries {
			return outcome.Err
		}
		o.emit(events.Event{
			Kind:     events.KindRetry,
			Level:    events.LevelWarn,
			BatchSeq: b.Seq,
			Message:  fmt.Sprintf("batch %d attempt %d failed, retrying", b.Seq, attempt),
			Err:      outcome.Err,
		})
		if !retrying {
			retrying = true
			o.transition(events.StateRetrying, events.LevelWarn, fmt.Sprintf("retrying batch %d", b.Seq), outcome.Err)
		}
		return retry.RetryableError(outcome.Err)
	})
	committed := 0
	if err == nil {
		committed = outcome.Committed
	}
	o.stats.AddWrite(time.Since(start), committed)

	if err != nil {
		return o.batchFailed(b, attempt, err)
	}
	if retrying {
		o.transition(events.StateRunning, events.LevelInfo, fmt.Sprintf("batch %d recovered after %d attempts", b.Seq, attempt), nil)
	}
	o.batchCommitted(b, outcome)
	return nil
}

func (o *Orchestrator) batchCommitted(b *driver.Batch, outcome driver.BatchOutcome) {
	for _, rej := range outcome.Rejected {
		rec := rejectionFailure(b, rej)
		o.mu.Lock()
		next := o.counters
		next.RowsFailed++
		o.emitLocked(events.Event{
			Kind:     events.KindRowError,
			Level:    events.LevelWarn,
			BatchSeq: b.Seq,
			Message:  fmt.Sprintf("row %d rejected by target", rec.SourceOrdinal),
			Err:      rej.Err,
			Counters: next,
		})
		o.counters = next
		o.result.Failures = append(o.result.Failures, rec)
		o.mu.Unlock()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	next := o.counters
	next.RowsInserted += int64(outcome.Committed)
	next.BatchesCommitted++
	msg := fmt.Sprintf("batch %d committed (%d rows)", b.Seq, outcome.Committed)
	if len(outcome.Rejected) > 0 {
		msg = fmt.Sprintf("batch %d committed (%d rows, %d rejected)", b.Seq, outcome.Committed, len(outcome.Rejected))
	}
	o.emitLocked(events.Event{
		Kind:        events.KindBatch,
		Level:       events.LevelInfo,
		BatchSeq:    b.Seq,
		LastOrdinal: b.LastOrdinal(),
		Message:     msg,
		Counters:    next,
	})
	o.counters = next
	o.result.LastCommittedOrdinal = b.LastOrdinal()
}

func (o *Orchestrator) batchFailed(b *driver.Batch, attempts int, err error) error {
	reason := fmt.Errorf("batch %d failed (%s): %w", b.Seq, driver.ClassOf(err), err)
	if driver.ClassOf(err) == driver.ClassRecoverable {
		reason = fmt.Errorf("batch %d failed after %d attempts: %w", b.Seq, attempts, err)
	}

	o.mu.Lock()
	next := o.counters
	next.RowsFailed += int64(b.Len())
	next.BatchesFailed++
	o.emitLocked(events.Event{
		Kind:     events.KindBatch,
		Level:    events.LevelError,
		BatchSeq: b.Seq,
		Message:  fmt.Sprintf("batch %d failed", b.Seq),
		Err:      err,
		Counters: next,
	})
	o.counters = next
	o.result.Failures = append(o.result.Failures, batchFailure(b, err))
	o.mu.Unlock()

	o.abort(reason)
	return reason
}

func (o *Orchestrator) rowFailed(rec FailureRecord, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := o.counters
	next.RowsRead++
	next.RowsCoerced++
	next.RowsFailed++
	o.emitLocked(events.Event{
		Kind:     events.KindRowError,
		Level:    events.LevelWarn,
		Message:  fmt.Sprintf("row %d failed coercion", rec.SourceOrdinal),
		Err:      err,
		Counters: next,
	})
	o.counters = next
	o.result.Failures = append(o.result.Failures, rec)
}

func (o *Orchestrator) skipRows(b *driver.Batch) {
	if b == nil || b.Len() == 0 {
		return
	}
	n := int64(b.Len())
	o.update(func(c *events.Counters) { c.RowsSkippedAtRead += n })
}

// noteCancel records that the run stopped early because the caller
// cancelled, as opposed to an abort.
func (o *Orchestrator) noteCancel(parent context.Context) {
	if parent.Err() == nil {
		return
	}
	o.mu.Lock()
	o.cancelled = true
	o.mu.Unlock()
}

// abort records the first fatal error and stops both stages.
func (o *Orchestrator) abort(err error) {
	o.mu.Lock()
	if o.abortErr == nil {
		o.abortErr = err
	}
	stop := o.stopRun
	o.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (o *Orchestrator) finish(err error) *MigrationResult {
	if err != nil {
		o.abort(err)
	}

	o.mu.Lock()
	abortErr, cancelled := o.abortErr, o.cancelled
	o.mu.Unlock()

	switch {
	case abortErr != nil:
		o.transition(events.StateAborted, events.LevelError, "migration aborted", abortErr)
	case cancelled:
		o.transition(events.StateCancelled, events.LevelWarn, "migration cancelled", nil)
	default:
		o.transition(events.StateCompleted, events.LevelInfo, "migration completed", nil)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.result
	r.State = o.state
	r.Counters = o.counters
	r.FinishedAt = time.Now()
	if abortErr != nil {
		r.Err = abortErr
		r.AbortReason = abortErr.Error()
	}
	return r
}

func (o *Orchestrator) transition(to events.State, level events.Level, msg string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.emitLocked(events.Event{
		Kind:        events.KindState,
		Level:       level,
		State:       to,
		Message:     msg,
		Err:         err,
		Counters:    o.counters,
		LastOrdinal: o.result.LastCommittedOrdinal,
	})
	o.state = to
}

func (o *Orchestrator) update(fn func(*events.Counters)) {
	o.mu.Lock()
	fn(&o.counters)
	o.mu.Unlock()
}

func (o *Orchestrator) emit(e events.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e.Counters = o.counters
	o.emitLocked(e)
}

// emitLocked stamps and delivers e. Caller must hold mu.
func (o *Orchestrator) emitLocked(e events.Event) {
	e.Time = time.Now()
	e.RunID = o.opts.RunID
	if e.Kind != events.KindState {
		e.State = o.state
	}
	o.sink.Emit(e)
}
