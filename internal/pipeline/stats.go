// Package pipeline holds the batch accumulator and the stage timing stats
// the orchestrator keeps for a run.
package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// Stats tracks where a run spent its time. It is safe for concurrent use by
// the reader and writer stages.
type Stats struct {
	mu sync.Mutex

	// ReadTime is total time spent fetching rows from the source.
	ReadTime time.Duration

	// CoerceTime is total time spent converting rows.
	CoerceTime time.Duration

	// WriteTime is total time spent in target writes, retries included.
	WriteTime time.Duration

	// Rows is the number of rows committed.
	Rows int64
}

// AddRead records time spent fetching.
func (s *Stats) AddRead(d time.Duration) {
	s.mu.Lock()
	s.ReadTime += d
	s.mu.Unlock()
}

// AddCoerce records time spent coercing.
func (s *Stats) AddCoerce(d time.Duration) {
	s.mu.Lock()
	s.CoerceTime += d
	s.mu.Unlock()
}

// AddWrite records one write and the rows it committed.
func (s *Stats) AddWrite(d time.Duration, rows int) {
	s.mu.Lock()
	s.WriteTime += d
	s.Rows += int64(rows)
	s.mu.Unlock()
}

// String returns a formatted summary of the stats.
func (s *Stats) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.ReadTime + s.CoerceTime + s.WriteTime
	if total == 0 {
		return "no data"
	}
	return fmt.Sprintf("read=%.1fs (%.0f%%), coerce=%.1fs (%.0f%%), write=%.1fs (%.0f%%), rows=%d",
		s.ReadTime.Seconds(), float64(s.ReadTime)/float64(total)*100,
		s.CoerceTime.Seconds(), float64(s.CoerceTime)/float64(total)*100,
		s.WriteTime.Seconds(), float64(s.WriteTime)/float64(total)*100,
		s.Rows)
}

// TotalTime returns the sum of all timing components.
func (s *Stats) TotalTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ReadTime + s.CoerceTime + s.WriteTime
}

// RowsPerSecond calculates the throughput.
func (s *Stats) RowsPerSecond() float64 {
	total := s.TotalTime()
	if total == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.Rows) / total.Seconds()
}
