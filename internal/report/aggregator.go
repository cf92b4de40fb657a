package report

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/metrics"
)

// AggregatorConfig wires an Aggregator into a run.
type AggregatorConfig struct {
	RunID   string
	Job     string
	Workers int

	// FailFast makes the first failed batch cancel the run through Cancel.
	FailFast bool
	Cancel   context.CancelCauseFunc

	// ReportingPeriod enables periodic progress when positive.
	ReportingPeriod time.Duration
	OnProgress      func(Progress)

	// LogBatches logs one line per finished batch.
	LogBatches bool

	Log *logrus.Entry
	Now func() time.Time
}

// Aggregator owns the run totals. Results are added by the Run goroutine
// only; Snapshot and Summary may be called from any goroutine.
type Aggregator struct {
	cfg   AggregatorConfig
	start time.Time

	mu       sync.Mutex
	sum      Summary
	seen     map[uint64]struct{}
	first    *BatchError
	lastRows int64
	lastAt   time.Time
	lastSnap Progress
	finished bool
}

// NewAggregator starts the run clock.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	now := cfg.Now()
	return &Aggregator{
		cfg:    cfg,
		start:  now,
		lastAt: now,
		seen:   make(map[uint64]struct{}),
		sum:    Summary{RunID: cfg.RunID, Workers: cfg.Workers},
	}
}

// Run consumes results until the channel is closed. It keeps draining after
// ctx is cancelled so in-flight batches are still accounted for; ctx only
// stops the progress ticker.
func (a *Aggregator) Run(ctx context.Context, results <-chan BatchResult) {
	var tick <-chan time.Time
	if a.cfg.ReportingPeriod > 0 {
		t := time.NewTicker(a.cfg.ReportingPeriod)
		defer t.Stop()
		tick = t.C
	}
	done := ctx.Done()

	for {
		select {
		case r, ok := <-results:
			if !ok {
				a.mu.Lock()
				a.finished = true
				a.sum.Elapsed = a.cfg.Now().Sub(a.start)
				a.mu.Unlock()
				return
			}
			a.Add(r)
		case <-tick:
			a.report()
		case <-done:
			tick, done = nil, nil
		}
	}
}

// Add records one result. It is exported for callers that drive the
// Aggregator without Run.
func (a *Aggregator) Add(r BatchResult) {
	a.mu.Lock()
	if _, dup := a.seen[r.Seq]; dup {
		a.mu.Unlock()
		a.cfg.Log.WithField("batch", r.Seq).Error("duplicate result for batch; ignoring")
		return
	}
	a.seen[r.Seq] = struct{}{}

	s := &a.sum
	s.Batches++
	s.Malformed += int64(r.Malformed)

	var escalate *BatchError
	switch r.Outcome {
	case Success:
		s.Succeeded++
		s.RowsAttempted += int64(r.Rows)
		s.RowsCopied += r.Copied
	case Failed:
		s.RowsAttempted += int64(r.Rows)
		be := r.batchError()
		s.Failed = append(s.Failed, be)
		if a.first == nil {
			a.first = &be
			if a.cfg.FailFast {
				escalate = a.first
			}
		}
	case Aborted:
		s.Aborted++
		s.RowsAttempted += int64(r.Rows)
	case Skipped:
		s.Skipped++
		s.RowsSkipped += int64(r.Rows)
	}
	a.mu.Unlock()

	attempted := int64(r.Rows)
	if r.Outcome == Skipped {
		attempted = 0
	}
	metrics.RecordBatch(a.cfg.Job, string(r.Outcome), attempted, r.Copied, r.Bytes, r.Duration)
	metrics.RecordRows(a.cfg.Job, metrics.KindMalformed, int64(r.Malformed))

	a.logResult(r)
	if escalate != nil && a.cfg.Cancel != nil {
		a.cfg.Cancel(escalate)
	}
}

func (a *Aggregator) logResult(r BatchResult) {
	entry := a.cfg.Log.WithFields(logrus.Fields{"batch": r.Seq, "worker": r.Worker})
	switch r.Outcome {
	case Failed:
		entry.WithError(r.Err).Warnf("batch failed: line=%d rows=%d xxh3=%016x", r.FirstLine, r.Rows, r.Checksum)
	case Success:
		if a.cfg.LogBatches {
			entry.Infof("[BATCH] took %v, batch size %d, row rate %0.2f/sec", r.Duration, r.Rows, rate(r.Copied, r.Duration))
		}
	default:
		entry.Debugf("batch %s: line=%d rows=%d", r.Outcome, r.FirstLine, r.Rows)
	}
}

// FirstFailure returns the earliest-arriving failed batch, if any.
func (a *Aggregator) FirstFailure() *BatchError {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.first
}

// Snapshot returns current progress. The period rate covers the time since
// the previous snapshot.
func (a *Aggregator) Snapshot() Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Progress {
	now := a.cfg.Now()
	elapsed := now.Sub(a.start)
	if elapsed < a.lastSnap.Elapsed {
		elapsed = a.lastSnap.Elapsed
	}
	rows := a.sum.RowsCopied

	p := Progress{
		Rows:        rows,
		Batches:     a.sum.Batches,
		Failed:      int64(len(a.sum.Failed)),
		Elapsed:     elapsed,
		PeriodRate:  rate(rows-a.lastRows, now.Sub(a.lastAt)),
		OverallRate: rate(rows, elapsed),
	}
	a.lastRows, a.lastAt, a.lastSnap = rows, now, p
	return p
}

func (a *Aggregator) report() {
	p := a.Snapshot()
	a.cfg.Log.WithFields(logrus.Fields{
		"rows":    p.Rows,
		"batches": p.Batches,
		"failed":  p.Failed,
	}).Infof("at %v, row rate %s/sec (period), row rate %s/sec (overall), %s total rows",
		p.Elapsed.Round(time.Second),
		humanize.FormatFloat("#,###.##", p.PeriodRate),
		humanize.FormatFloat("#,###.##", p.OverallRate),
		humanize.Comma(p.Rows))
	if a.cfg.OnProgress != nil {
		a.cfg.OnProgress(p)
	}
}

// Summary returns a copy of the totals with failures ordered by sequence
// number. Before Run returns, Elapsed is measured up to now.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.sum
	if !a.finished {
		s.Elapsed = a.cfg.Now().Sub(a.start)
	}
	s.Failed = append([]BatchError(nil), a.sum.Failed...)
	sort.Slice(s.Failed, func(i, j int) bool { return s.Failed[i].Seq < s.Failed[j].Seq })
	return s
}
