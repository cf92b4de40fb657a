package batch

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// Channel is the bounded FIFO between the splitter and the copy workers.
// One producer sends, any number of workers receive; each batch is delivered
// to exactly one receiver.
type Channel struct {
	ch        chan *Batch
	closeOnce sync.Once
	sent      atomic.Int64
}

// NewChannel returns a channel holding at most capacity queued batches.
func NewChannel(capacity int) *Channel {
	if capacity < 0 {
		capacity = 0
	}
	return &Channel{ch: make(chan *Batch, capacity)}
}

// Send enqueues b, blocking while the channel is full. It returns ctx.Err()
// if the run is cancelled first, in which case b was not enqueued.
func (c *Channel) Send(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case c.ch <- b:
		c.sent.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv dequeues the next batch, blocking while the channel is empty. It
// returns io.EOF once the channel is closed and drained.
func (c *Channel) Recv(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case b, ok := <-c.ch:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close signals that no more batches will be sent. It is safe to call more
// than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() { close(c.ch) })
}

// Drain hands every queued batch to fn. It must only be called after Close.
func (c *Channel) Drain(fn func(*Batch)) {
	for b := range c.ch {
		fn(b)
	}
}

// Len returns the number of queued batches.
func (c *Channel) Len() int { return len(c.ch) }

// Cap returns the channel capacity.
func (c *Channel) Cap() int { return cap(c.ch) }

// Sent returns the number of batches enqueued so far.
func (c *Channel) Sent() int64 { return c.sent.Load() }

// Scan splits r and sends every batch into ch, closing ch when it returns.
// Stats only count batches that were actually enqueued, so every counted
// batch is owned by the channel or a worker afterwards.
func Scan(ctx context.Context, r io.Reader, ch *Channel, opts Options) (st Stats, err error) {
	defer ch.Close()

	s, err := NewSplitter(r, opts)
	if err != nil {
		return st, err
	}
	defer func() { st.Lines = s.Lines() }()

	// ctx is checked by Send only: a cancel after the last batch was
	// enqueued still ends the scan cleanly.
	for {
		b, err := s.Next()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, err
		}
		if err := ch.Send(ctx, b); err != nil {
			return st, err
		}
		st.add(b)
	}
}
