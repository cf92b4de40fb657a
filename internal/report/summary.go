package report

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// RunOutcome is the overall result of a copy run.
type RunOutcome string

const (
	Completed           RunOutcome = "completed"
	CompletedWithErrors RunOutcome = "completed-with-errors"
	RunFailed           RunOutcome = "failed"
	Cancelled           RunOutcome = "cancelled"
)

// Summary is the final account of a run. It is returned even when the run
// fails so callers can see partial progress.
type Summary struct {
	RunID string

	// RowsCopied counts rows the database confirmed as inserted.
	RowsCopied int64
	// RowsAttempted counts rows of every batch handed to the database,
	// including malformed rows kept under the defer policy.
	RowsAttempted int64
	// RowsSkipped counts rows of batches never attempted.
	RowsSkipped int64
	// Malformed counts rows the splitter flagged but forwarded.
	Malformed int64

	// Produced counts batches the splitter handed to the channel.
	Produced int64
	// Batches counts results received; Batches equals
	// Succeeded + len(Failed) + Aborted + Skipped.
	Batches   int64
	Succeeded int64
	Aborted   int64
	Skipped   int64
	// Failed lists rejected batches ordered by sequence number.
	Failed []BatchError

	Elapsed time.Duration
	Workers int
	Outcome RunOutcome
}

// Err combines every batch error, or returns nil if no batch failed.
func (s *Summary) Err() error {
	var merr *multierror.Error
	for i := range s.Failed {
		merr = multierror.Append(merr, &s.Failed[i])
	}
	return merr.ErrorOrNil()
}

// String renders the summary the way COPY reports a row count.
func (s *Summary) String() string {
	return fmt.Sprintf("COPY %d", s.RowsCopied)
}

// Verbose adds timing and mean throughput to String.
func (s *Summary) Verbose() string {
	return fmt.Sprintf("COPY %d, took %v with %d worker(s) (mean rate %0.2f/sec)",
		s.RowsCopied, s.Elapsed, s.Workers, rate(s.RowsCopied, s.Elapsed))
}

// Reconcile checks that every produced batch was reported exactly once.
func (s *Summary) Reconcile(produced int64) error {
	accounted := s.Succeeded + int64(len(s.Failed)) + s.Aborted + s.Skipped
	if accounted != s.Batches {
		return fmt.Errorf("batch accounting mismatch: outcomes=%d results=%d", accounted, s.Batches)
	}
	if s.Batches != produced {
		return fmt.Errorf("batch accounting mismatch: produced=%d reported=%d (delta=%d)", produced, s.Batches, produced-s.Batches)
	}
	return nil
}

func rate(rows int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(rows) / d.Seconds()
}
