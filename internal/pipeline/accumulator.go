package pipeline

import (
	"time"

	"github.com/johndauphine/oracle-mssql-migrate/internal/driver"
)

// DefaultMaxBatchRows is used when AccumulatorConfig.MaxRows is not set.
const DefaultMaxBatchRows = 500

// AccumulatorConfig sets the flush thresholds. A batch flushes when the
// first threshold is reached; zero disables MaxBytes and MaxLatency.
type AccumulatorConfig struct {
	MaxRows    int
	MaxBytes   int
	MaxLatency time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Accumulator groups coerced rows into sequenced batches. It is used by a
// single goroutine and never blocks.
type Accumulator struct {
	cfg     AccumulatorConfig
	current *driver.Batch
	started time.Time
	nextSeq int64
}

// NewAccumulator creates an accumulator whose first batch has sequence 1.
func NewAccumulator(cfg AccumulatorConfig) *Accumulator {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxBatchRows
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Accumulator{cfg: cfg, nextSeq: 1}
}

// Add appends a row and returns the batch it completed, or nil.
func (a *Accumulator) Add(row driver.CoercedRow) *driver.Batch {
	if a.current == nil {
		a.current = &driver.Batch{Rows: make([]driver.CoercedRow, 0, a.cfg.MaxRows)}
		a.started = a.cfg.Now()
	}
	a.current.Rows = append(a.current.Rows, row)
	a.current.Bytes += driver.EstimateSize(row.Values)

	if a.full() {
		return a.Flush()
	}
	return nil
}

func (a *Accumulator) full() bool {
	b := a.current
	if len(b.Rows) >= a.cfg.MaxRows {
		return true
	}
	if a.cfg.MaxBytes > 0 && b.Bytes >= a.cfg.MaxBytes {
		return true
	}
	if a.cfg.MaxLatency > 0 && a.cfg.Now().Sub(a.started) >= a.cfg.MaxLatency {
		return true
	}
	return false
}

// Flush seals the forming batch, even if below every threshold. It returns
// nil when no rows are pending.
func (a *Accumulator) Flush() *driver.Batch {
	if a.current == nil || len(a.current.Rows) == 0 {
		return nil
	}
	b := a.current
	b.Seq = a.nextSeq
	a.nextSeq++
	a.current = nil
	return b
}

// Pending returns the number of rows in the forming batch.
func (a *Accumulator) Pending() int {
	if a.current == nil {
		return 0
	}
	return len(a.current.Rows)
}

// NextSeq returns the sequence number the next flushed batch will get.
func (a *Accumulator) NextSeq() int64 { return a.nextSeq }
