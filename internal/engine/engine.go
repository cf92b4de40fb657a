// Package engine runs a parallel batch copy: one splitter goroutine feeds a
// bounded batch channel, N workers with one database session each drain it,
// and a single aggregator turns their results into the run summary.
//
//	source → Splitter → Channel(cap) → N workers → results → Aggregator
//
// Backpressure is the channel capacity: the splitter blocks while it is
// full, so memory stays around (capacity + workers) batches.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/batch"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/config"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/metrics"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/report"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/source"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/storage"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/worker"
)

// Error kinds returned by Run. Use errors.Is to classify.
var (
	// ErrSetup means the run never started: bad configuration, unreadable
	// input, unreachable database or missing target.
	ErrSetup = errors.New("setup failed")
	// ErrSplit means the input could not be split (read error or a
	// malformed row under the fatal policy).
	ErrSplit = errors.New("split failed")
	// ErrBatch means a batch failure ended the run (fail-fast) or a worker
	// could not replace its session (best-effort).
	ErrBatch = errors.New("batch copy failed")
	// ErrCancelled means the caller's context ended the run.
	ErrCancelled = errors.New("copy cancelled")
)

// Input names where rows come from: a path ("-" for stdin) or a reader.
type Input struct {
	Path   string
	Reader io.Reader
}

// File reads rows from path.
func File(path string) Input { return Input{Path: path} }

// Reader reads rows from r. Run does not close r.
func Reader(r io.Reader) Input { return Input{Reader: r} }

func (in Input) open(ctx context.Context, opts source.Options) (*source.Input, error) {
	if in.Reader != nil {
		return source.Wrap(in.Reader, opts)
	}
	return source.Open(ctx, in.Path, opts)
}

type options struct {
	log        *logrus.Entry
	onProgress func(report.Progress)
	job        string
	factory    storage.Factory
	now        func() time.Time
}

// Option customises a Run.
type Option func(*options)

// WithLogger sets the log entry; run fields are added to it.
func WithLogger(l *logrus.Entry) Option { return func(o *options) { o.log = l } }

// WithProgress receives every periodic progress snapshot.
func WithProgress(fn func(report.Progress)) Option { return func(o *options) { o.onProgress = fn } }

// WithJob sets the metrics job label; it defaults to the target table.
func WithJob(name string) Option { return func(o *options) { o.job = name } }

// WithFactory bypasses the backend registry and opens sessions with f.
func WithFactory(f storage.Factory) Option { return func(o *options) { o.factory = f } }

// WithClock replaces time.Now for durations and rates.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// Run copies in into table and blocks until every worker has exited and the
// summary is final.
//
// Setup failures return a nil summary and an ErrSetup error; a caller
// cancellation during setup returns a nil summary and ErrCancelled. Any other
// outcome returns the summary with partial totals; the error is nil for a
// completed run, including best-effort runs with failed batches (see
// Summary.Failed and Summary.Err).
func Run(ctx context.Context, in Input, dsn, table string, cfg config.Config, opts ...Option) (*report.Summary, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}

	cfg = cfg.WithDefaults()
	runID := uuid.NewString()
	log := o.log.WithField("run_id", runID)

	issues := cfg.Validate()
	for _, is := range issues {
		if is.Severity == config.SeverityWarning {
			log.Warn(is.Error())
		}
	}
	if err := issues.Err(); err != nil {
		return nil, fmt.Errorf("%w: invalid configuration: %w", ErrSetup, err)
	}
	if table == "" {
		return nil, fmt.Errorf("%w: target table is required", ErrSetup)
	}

	target := storage.Target{
		Schema:      cfg.Schema,
		Table:       table,
		Columns:     cfg.Columns,
		Delimiter:   cfg.DelimiterByte(),
		CopyOptions: cfg.CopyOptions,
		DBName:      cfg.DBName,
	}
	if cfg.Quote != "" {
		target.Quote = cfg.Quote[0]
	}
	if cfg.Escape != "" {
		target.Escape = cfg.Escape[0]
	}
	if o.job == "" {
		o.job = target.FQN()
	}

	factory := o.factory
	if factory == nil {
		kind := cfg.Driver
		if kind == "" {
			kind = storage.KindFromDSN(dsn)
		}
		f, err := storage.Lookup(kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSetup, err)
		}
		factory = f
		log = log.WithField("driver", kind)
	}

	src, err := in.open(ctx, source.OptionsFromConfig(cfg))
	if err != nil {
		return nil, setupError(ctx, fmt.Errorf("input: %w", err))
	}
	defer src.Close()

	dial := func(ctx context.Context) (storage.Conn, error) {
		c, err := factory(ctx, dsn, target)
		if err != nil {
			return nil, err
		}
		for _, stmt := range cfg.SetupStatements {
			if err := c.Exec(ctx, stmt); err != nil {
				closeQuietly(c)
				return nil, fmt.Errorf("setup statement: %w", err)
			}
		}
		return c, nil
	}

	conns, err := openConns(ctx, cfg, dial)
	if err != nil {
		return nil, setupError(ctx, err)
	}
	if err := prepareTarget(ctx, conns[0], cfg, log); err != nil {
		for _, c := range conns {
			closeQuietly(c)
		}
		return nil, setupError(ctx, err)
	}

	log.WithFields(logrus.Fields{
		"table":   target.FQN(),
		"input":   src.Name,
		"workers": cfg.Workers,
	}).Infof("copy started: batch=%s channel=%d policy=%s compression=%s encoding=%s",
		batch.OptionsFromConfig(cfg), cfg.ChannelCapacity, cfg.FailurePolicy, src.Compression, src.Encoding)

	sum, err := execute(ctx, src, conns, dial, cfg, o, runID, log)

	metrics.RecordRun(o.job, string(sum.Outcome), sum.Elapsed)
	logSummary(log, sum, err)
	return sum, err
}

// openConns opens one session per worker in parallel. Dials that fail are
// retried; if any still fails every opened session is closed.
func openConns(ctx context.Context, cfg config.Config, dial func(context.Context) (storage.Conn, error)) ([]storage.Conn, error) {
	conns := make([]storage.Conn, cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range conns {
		g.Go(func() error {
			return retry.Do(
				func() error {
					c, err := dial(gctx)
					if err != nil {
						return err
					}
					conns[i] = c
					return nil
				},
				retry.Context(gctx),
				retry.Attempts(cfg.ReconnectAttempts),
				retry.Delay(cfg.ReconnectDelay),
				retry.LastErrorOnly(true),
				retry.RetryIf(func(err error) bool {
					return !errors.Is(err, storage.ErrTargetMissing) && !errors.Is(err, storage.ErrUnsupported)
				}),
			)
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range conns {
			if c != nil {
				closeQuietly(c)
			}
		}
		return nil, fmt.Errorf("connect: %w", err)
	}
	return conns, nil
}

// prepareTarget verifies the target and truncates it if asked, on the first
// session, before any worker starts.
func prepareTarget(ctx context.Context, c storage.Conn, cfg config.Config, log *logrus.Entry) error {
	if v, ok := c.(storage.Verifier); ok {
		if err := v.Verify(ctx); err != nil {
			return err
		}
	}
	if !cfg.Truncate {
		return nil
	}
	t, ok := c.(storage.Truncater)
	if !ok {
		return errors.New("truncate: backend does not support truncation")
	}
	if err := t.Truncate(ctx); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	log.Info("target truncated")
	return nil
}

func execute(
	ctx context.Context,
	src io.Reader,
	conns []storage.Conn,
	dial func(context.Context) (storage.Conn, error),
	cfg config.Config,
	o options,
	runID string,
	log *logrus.Entry,
) (*report.Summary, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ch := batch.NewChannel(cfg.ChannelCapacity)
	results := make(chan report.BatchResult, len(conns))

	agg := report.NewAggregator(report.AggregatorConfig{
		RunID:           runID,
		Job:             o.job,
		Workers:         len(conns),
		FailFast:        cfg.FailurePolicy == config.FailFast,
		Cancel:          cancel,
		ReportingPeriod: cfg.ReportingPeriod,
		OnProgress:      o.onProgress,
		LogBatches:      cfg.LogBatches,
		Log:             log,
		Now:             o.now,
	})
	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		agg.Run(runCtx, results)
	}()

	g, gctx := errgroup.WithContext(runCtx)

	var (
		stats   batch.Stats
		scanCut bool
	)
	g.Go(func() error {
		st, err := batch.Scan(gctx, src, ch, batch.OptionsFromConfig(cfg))
		stats = st
		if err == nil {
			return nil
		}
		if gctx.Err() != nil {
			scanCut = true
			return nil
		}
		return fmt.Errorf("%w: %w", ErrSplit, err)
	})

	for i, c := range conns {
		w := worker.New(worker.Config{
			ID:                i,
			Conn:              c,
			Dial:              dial,
			Policy:            cfg.FailurePolicy,
			ReconnectAttempts: cfg.ReconnectAttempts,
			ReconnectDelay:    cfg.ReconnectDelay,
			Log:               log,
			Now:               o.now,
		})
		g.Go(func() error { return w.Run(gctx, ch, results) })
	}

	runErr := g.Wait()

	// Every worker is gone and Scan has closed the channel: whatever is
	// still queued was never attempted.
	ch.Drain(func(b *batch.Batch) {
		results <- report.BatchResult{
			Seq:       b.Seq,
			FirstLine: b.FirstLine,
			Rows:      b.Rows(),
			Bytes:     b.Len(),
			Malformed: b.Malformed,
			Checksum:  b.Checksum(),
			Worker:    -1,
			Outcome:   report.Skipped,
		}
	})
	close(results)
	<-aggDone

	sum := agg.Summary()
	sum.Produced = stats.Batches
	if err := sum.Reconcile(sum.Produced); err != nil {
		log.WithError(err).Warn("WARNING: batch accounting mismatch")
	}

	var be *report.BatchError
	// A caller cancel that lands after the input was fully copied changes
	// nothing; the run only counts as cancelled if work was cut short.
	interrupted := scanCut || sum.Aborted > 0 || sum.Skipped > 0

	switch cause := context.Cause(runCtx); {
	case ctx.Err() != nil && interrupted:
		sum.Outcome = report.Cancelled
		return &sum, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	case runErr != nil:
		sum.Outcome = report.RunFailed
		if errors.Is(runErr, ErrSplit) {
			return &sum, runErr
		}
		return &sum, fmt.Errorf("%w: %w", ErrBatch, runErr)
	case errors.As(cause, &be):
		sum.Outcome = report.RunFailed
		return &sum, fmt.Errorf("%w: %w", ErrBatch, be)
	case len(sum.Failed) > 0:
		sum.Outcome = report.CompletedWithErrors
		return &sum, nil
	default:
		sum.Outcome = report.Completed
		return &sum, nil
	}
}

func logSummary(log *logrus.Entry, s *report.Summary, err error) {
	entry := log.WithFields(logrus.Fields{
		"outcome": s.Outcome,
		"elapsed": s.Elapsed.Round(time.Millisecond),
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Infof("summary: copied=%d attempted=%d skipped=%d malformed=%d batches=%d succeeded=%d failed=%d aborted=%d",
		s.RowsCopied, s.RowsAttempted, s.RowsSkipped, s.Malformed,
		s.Batches, s.Succeeded, len(s.Failed), s.Aborted)
}

// setupError keeps a caller cancellation distinct from a setup failure.
func setupError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	}
	return fmt.Errorf("%w: %w", ErrSetup, err)
}

func closeQuietly(c storage.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.Close(ctx)
}
