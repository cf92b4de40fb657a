// Package report collects per-batch outcomes from the copy workers into
// running totals, emits periodic progress, and produces the final run
// summary.
//
// Workers never touch shared counters. They send immutable BatchResult values
// to a single Aggregator goroutine, which is the only writer of the totals.
package report

import (
	"fmt"
	"time"
)

// Outcome classifies what happened to one batch.
type Outcome string

const (
	// Success means every row of the batch was committed.
	Success Outcome = "success"
	// Failed means the database rejected the batch; nothing was committed.
	Failed Outcome = "failed"
	// Aborted means the copy was in flight when the run was cancelled and
	// was rolled back.
	Aborted Outcome = "aborted"
	// Skipped means the batch was queued but never attempted because the
	// run was cancelled.
	Skipped Outcome = "skipped"
)

// BatchResult is created by a worker (or by the engine for skipped batches)
// right after a copy attempt and consumed exactly once by the Aggregator.
type BatchResult struct {
	Seq       uint64
	FirstLine int64
	Rows      int
	Copied    int64
	Bytes     int
	Malformed int
	Checksum  uint64
	Worker    int
	Duration  time.Duration
	Outcome   Outcome
	Err       error
}

// BatchError describes a failed batch well enough to find and re-ingest its
// rows by hand.
type BatchError struct {
	Seq       uint64
	FirstLine int64
	Rows      int
	Checksum  uint64
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d (line %d, %d rows, xxh3 %016x): %v", e.Seq, e.FirstLine, e.Rows, e.Checksum, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

func (r BatchResult) batchError() BatchError {
	return BatchError{Seq: r.Seq, FirstLine: r.FirstLine, Rows: r.Rows, Checksum: r.Checksum, Err: r.Err}
}

// Progress is a point-in-time view of a running copy. Rows and Elapsed never
// decrease between snapshots.
type Progress struct {
	Rows        int64
	Batches     int64
	Failed      int64
	Elapsed     time.Duration
	PeriodRate  float64
	OverallRate float64
}
