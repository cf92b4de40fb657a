package batch

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_FIFOAndClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ch := NewChannel(3)
	assert.Equal(t, 3, ch.Cap())

	for i := 0; i < 3; i++ {
		require.NoError(t, ch.Send(ctx, &Batch{Seq: uint64(i)}))
	}
	assert.Equal(t, 3, ch.Len())
	ch.Close()
	ch.Close() // idempotent

	for i := 0; i < 3; i++ {
		b, err := ch.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), b.Seq)
	}
	_, err := ch.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestChannel_CloseWakesAllReceivers(t *testing.T) {
	t.Parallel()

	ch := NewChannel(0)
	const receivers = 5

	var wg sync.WaitGroup
	errs := make(chan error, receivers)
	for i := 0; i < receivers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ch.Recv(context.Background())
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	ch.Close()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestChannel_NoBatchDeliveredTwice(t *testing.T) {
	t.Parallel()

	const n = 500
	ch := NewChannel(4)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen = map[uint64]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				b, err := ch.Recv(ctx)
				if errors.Is(err, io.EOF) {
					return
				}
				mu.Lock()
				seen[b.Seq]++
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, ch.Send(ctx, &Batch{Seq: uint64(i)}))
	}
	ch.Close()
	wg.Wait()

	require.Len(t, seen, n)
	for seq, c := range seen {
		assert.Equal(t, 1, c, "batch %d", seq)
	}
	assert.Equal(t, int64(n), ch.Sent())
}

func TestChannel_SendRecvHonourCancellation(t *testing.T) {
	t.Parallel()

	ch := NewChannel(1)
	require.NoError(t, ch.Send(context.Background(), &Batch{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ch.Send(ctx, &Batch{Seq: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), ch.Sent(), "a cancelled send does not enqueue")

	empty := NewChannel(1)
	_, err = empty.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannel_Drain(t *testing.T) {
	t.Parallel()

	ch := NewChannel(4)
	for i := 0; i < 3; i++ {
		require.NoError(t, ch.Send(context.Background(), &Batch{Seq: uint64(i)}))
	}
	ch.Close()

	var got []uint64
	ch.Drain(func(b *Batch) { got = append(got, b.Seq) })
	assert.Equal(t, []uint64{0, 1, 2}, got)
}

// TestScan_Backpressure stalls the consumer side entirely and checks the
// splitter stops after filling the channel, then resumes one batch per freed
// slot.
func TestScan_Backpressure(t *testing.T) {
	t.Parallel()

	const capacity = 2
	input := strings.Join(makeRows(100), "")
	ch := NewChannel(capacity)

	done := make(chan struct{})
	var (
		st  Stats
		err error
	)
	go func() {
		defer close(done)
		st, err = Scan(context.Background(), strings.NewReader(input), ch, Options{Size: 10})
	}()

	require.Eventually(t, func() bool { return ch.Sent() == capacity }, time.Second, time.Millisecond)
	require.Never(t, func() bool { return ch.Sent() > capacity }, 50*time.Millisecond, 5*time.Millisecond)

	_, rerr := ch.Recv(context.Background())
	require.NoError(t, rerr)
	require.Eventually(t, func() bool { return ch.Sent() == capacity+1 }, time.Second, time.Millisecond)
	require.Never(t, func() bool { return ch.Sent() > capacity+1 }, 50*time.Millisecond, 5*time.Millisecond)

	var rows int
	for {
		b, rerr := ch.Recv(context.Background())
		if errors.Is(rerr, io.EOF) {
			break
		}
		require.NoError(t, rerr)
		rows += b.Rows()
	}
	<-done

	require.NoError(t, err)
	assert.Equal(t, int64(10), st.Batches)
	assert.Equal(t, int64(100), st.Rows)
	assert.Equal(t, 90, rows, "first batch was received above")
}

func TestScan_CancelStopsProducer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	ch := NewChannel(1)

	done := make(chan struct{})
	var (
		st  Stats
		err error
	)
	go func() {
		defer close(done)
		st, err = Scan(ctx, strings.NewReader(strings.Join(makeRows(100), "")), ch, Options{Size: 10})
	}()

	require.Eventually(t, func() bool { return ch.Sent() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Scan did not return after cancellation")
	}
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), st.Batches, "only enqueued batches are counted")

	// The channel is closed on return so receivers terminate.
	var left int
	ch.Drain(func(*Batch) { left++ })
	assert.Equal(t, 1, left)
}

func TestScan_Stats(t *testing.T) {
	t.Parallel()

	ch := NewChannel(16)
	input := "h1\n" + strings.Join(makeRows(30), "")
	st, err := Scan(context.Background(), strings.NewReader(input), ch, Options{Size: 8, Skip: 1})
	require.NoError(t, err)

	assert.Equal(t, int64(4), st.Batches)
	assert.Equal(t, int64(30), st.Rows)
	assert.Equal(t, int64(len(input)-3), st.Bytes)
	assert.Equal(t, int64(31), st.Lines)
}
