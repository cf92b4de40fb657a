// Package worker runs the copy workers. Each worker owns exactly one database
// session for its whole life, pulls batches from the shared channel, copies
// them, and reports one BatchResult per batch it took.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/batch"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/config"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/report"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/storage"
)

// closeTimeout bounds closing a session after the run context is gone.
const closeTimeout = 5 * time.Second

// ErrNoDialer is returned when a best-effort worker must replace its session
// but has no way to open one.
var ErrNoDialer = errors.New("worker: no dialer configured for reconnect")

// Config describes one worker.
type Config struct {
	ID int

	// Conn is the session opened during setup; the worker takes ownership
	// and closes it on exit.
	Conn storage.Conn

	// Dial opens a replacement session, setup statements included. Only
	// best-effort workers use it.
	Dial func(ctx context.Context) (storage.Conn, error)

	Policy            config.FailurePolicy
	ReconnectAttempts uint
	ReconnectDelay    time.Duration

	Log *logrus.Entry
	Now func() time.Time
}

// Worker copies batches over its own session.
type Worker struct {
	cfg  Config
	conn storage.Conn
	log  *logrus.Entry

	batches int
	copied  int64
}

// New returns a worker that owns cfg.Conn.
func New(cfg Config) *Worker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Policy == "" {
		cfg.Policy = config.FailFast
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = 1
	}
	return &Worker{cfg: cfg, conn: cfg.Conn, log: cfg.Log.WithField("worker", cfg.ID)}
}

// Run takes batches from in until it is closed and drained or ctx is
// cancelled, sending one result per batch taken to out. The caller must keep
// consuming out until Run returns.
//
// Run returns nil when it stops because of the input, cancellation or a
// fail-fast batch failure (which the aggregator escalates). It returns an
// error only when a best-effort worker cannot reopen its session.
func (w *Worker) Run(ctx context.Context, in *batch.Channel, out chan<- report.BatchResult) error {
	defer w.closeConn()
	w.log.Debug("worker started")
	defer func() {
		w.log.Debugf("worker stopped: batches=%d copied=%d", w.batches, w.copied)
	}()

	for {
		b, err := in.Recv(ctx)
		if err != nil {
			// io.EOF or cancellation; either way nothing was taken.
			return nil
		}

		res := w.copy(ctx, b)
		out <- res

		switch res.Outcome {
		case report.Aborted:
			return nil
		case report.Failed:
			if w.cfg.Policy != config.BestEffort {
				return nil
			}
			if errors.Is(res.Err, storage.ErrConnLost) {
				w.log.WithField("batch", b.Seq).Warn("session lost; reconnecting")
			}
			if err := w.reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("worker %d: reconnect after batch %d: %w", w.cfg.ID, b.Seq, err)
			}
		}
	}
}

// copy runs one batch. A failure after cancellation is an abort: the
// session rolled the copy back.
func (w *Worker) copy(ctx context.Context, b *batch.Batch) report.BatchResult {
	res := report.BatchResult{
		Seq:       b.Seq,
		FirstLine: b.FirstLine,
		Rows:      b.Rows(),
		Bytes:     b.Len(),
		Malformed: b.Malformed,
		Checksum:  b.Checksum(),
		Worker:    w.cfg.ID,
	}
	w.batches++

	start := w.cfg.Now()
	n, err := w.conn.CopyBatch(ctx, b)
	res.Duration = w.cfg.Now().Sub(start)

	switch {
	case err == nil:
		res.Outcome = report.Success
		res.Copied = n
		w.copied += n
	case ctx.Err() != nil:
		res.Outcome = report.Aborted
		res.Err = err
	default:
		res.Outcome = report.Failed
		res.Err = err
	}
	return res
}

// reconnect discards the current session and dials a new one with retries.
func (w *Worker) reconnect(ctx context.Context) error {
	w.closeConn()
	if w.cfg.Dial == nil {
		return ErrNoDialer
	}

	return retry.Do(
		func() error {
			c, err := w.cfg.Dial(ctx)
			if err != nil {
				return err
			}
			w.conn = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(w.cfg.ReconnectAttempts),
		retry.Delay(w.cfg.ReconnectDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			w.log.WithError(err).Warnf("reconnect attempt %d/%d failed", n+1, w.cfg.ReconnectAttempts)
		}),
	)
}

func (w *Worker) closeConn() {
	if w.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := w.conn.Close(ctx); err != nil {
		w.log.WithError(err).Debug("close session")
	}
	w.conn = nil
}
