package sqlite

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/batch"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/storage"
)

const schema = `CREATE TABLE readings (
	id      INTEGER PRIMARY KEY,
	device  TEXT NOT NULL,
	value   REAL
)`

func newDB(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "copy.db")

	c, err := Open(context.Background(), dsn, storage.Target{Table: "sqlite_master", Columns: []string{"name"}})
	require.NoError(t, err)
	require.NoError(t, c.Exec(context.Background(), schema))
	require.NoError(t, c.Close(context.Background()))
	return dsn
}

func batches(t *testing.T, input string, size int) []*batch.Batch {
	t.Helper()
	s, err := batch.NewSplitter(strings.NewReader(input), batch.Options{Size: size, Quote: '"'})
	require.NoError(t, err)
	var out []*batch.Batch
	for {
		b, err := s.Next()
		if err != nil {
			return out
		}
		out = append(out, b)
	}
}

func count(t *testing.T, c *Conn) int {
	t.Helper()
	var n int
	require.NoError(t, c.conn.QueryRowContext(context.Background(), "SELECT count(*) FROM readings").Scan(&n))
	return n
}

func TestOpen_ResolvesColumns(t *testing.T) {
	dsn := newDB(t)

	c, err := Open(context.Background(), dsn, storage.Target{Table: "readings"})
	require.NoError(t, err)
	defer c.Close(context.Background())

	assert.Equal(t, []string{"id", "device", "value"}, c.Columns())
	assert.Equal(t, `INSERT INTO "readings" ("id", "device", "value") VALUES (?,?,?)`, c.insert)
}

func TestOpen_RejectsUndecodableDialect(t *testing.T) {
	dsn := newDB(t)

	_, err := Open(context.Background(), dsn, storage.Target{Table: "readings", CopyOptions: "CSV", Quote: '\''})
	assert.ErrorIs(t, err, storage.ErrUnsupported)

	_, err = Open(context.Background(), dsn, storage.Target{Table: "readings", CopyOptions: "NULL 'x'"})
	assert.ErrorIs(t, err, storage.ErrUnsupported)
}

func TestOpen_MissingTable(t *testing.T) {
	dsn := newDB(t)

	_, err := Open(context.Background(), dsn, storage.Target{Table: "nope"})
	assert.ErrorIs(t, err, storage.ErrTargetMissing)
}

func TestVerify(t *testing.T) {
	dsn := newDB(t)
	ctx := context.Background()

	c, err := Open(ctx, dsn, storage.Target{Table: "readings", Columns: []string{"id", "device"}})
	require.NoError(t, err)
	defer c.Close(ctx)
	assert.NoError(t, c.Verify(ctx))

	bad, err := Open(ctx, dsn, storage.Target{Table: "readings", Columns: []string{"id", "colour"}})
	require.NoError(t, err)
	defer bad.Close(ctx)
	assert.ErrorIs(t, bad.Verify(ctx), storage.ErrTargetMissing)

	missing, err := Open(ctx, dsn, storage.Target{Table: "gone", Columns: []string{"id"}})
	require.NoError(t, err)
	defer missing.Close(ctx)
	assert.ErrorIs(t, missing.Verify(ctx), storage.ErrTargetMissing)
}

func TestCopyBatch(t *testing.T) {
	dsn := newDB(t)
	ctx := context.Background()

	c, err := Open(ctx, dsn, storage.Target{Table: "readings", Delimiter: ','})
	require.NoError(t, err)
	defer c.Close(ctx)

	bs := batches(t, "1,\"dev,1\",0.5\n2,dev2,\n3,dev3,1.5\n", 2)
	require.Len(t, bs, 2)
	var total int64
	for _, b := range bs {
		n, err := c.CopyBatch(ctx, b)
		require.NoError(t, err)
		total += n
	}
	assert.Equal(t, int64(3), total)
	assert.Equal(t, 3, count(t, c))

	var (
		device string
		value  *float64
	)
	require.NoError(t, c.conn.QueryRowContext(ctx, "SELECT device, value FROM readings WHERE id = 2").Scan(&device, &value))
	assert.Equal(t, "dev2", device)
	assert.Nil(t, value, "empty field loads as NULL")
}

func TestCopyBatch_AllOrNothing(t *testing.T) {
	dsn := newDB(t)
	ctx := context.Background()

	c, err := Open(ctx, dsn, storage.Target{Table: "readings"})
	require.NoError(t, err)
	defer c.Close(ctx)

	_, err = c.CopyBatch(ctx, batches(t, "1,a,1\n", 10)[0])
	require.NoError(t, err)

	// Row 2 violates the primary key; rows 10 and 11 must not survive.
	n, err := c.CopyBatch(ctx, batches(t, "10,b,1\n1,dup,2\n11,c,3\n", 10)[0])
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, count(t, c))

	// Wrong field count is rejected before anything is written.
	_, err = c.CopyBatch(ctx, batches(t, "20,x\n", 10)[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has 2 fields, want 3")

	// The session is still usable after a failed batch.
	_, err = c.CopyBatch(ctx, batches(t, "30,ok,1\n", 10)[0])
	require.NoError(t, err)
	assert.Equal(t, 2, count(t, c))
}

func TestCopyBatch_ConcurrentSessions(t *testing.T) {
	dsn := newDB(t)
	ctx := context.Background()

	var input strings.Builder
	for i := 0; i < 400; i++ {
		input.WriteString(strconv.Itoa(i+1) + ",d,1\n")
	}
	bs := batches(t, input.String(), 25)
	require.Len(t, bs, 16)

	const workers = 4
	var wg sync.WaitGroup
	errs := make(chan error, len(bs))
	for w := 0; w < workers; w++ {
		c, err := Open(ctx, dsn, storage.Target{Table: "readings"})
		require.NoError(t, err)
		defer c.Close(ctx)

		wg.Add(1)
		go func(w int, c *Conn) {
			defer wg.Done()
			for i := w; i < len(bs); i += workers {
				if _, err := c.CopyBatch(ctx, bs[i]); err != nil {
					errs <- err
				}
			}
		}(w, c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	c, err := Open(ctx, dsn, storage.Target{Table: "readings"})
	require.NoError(t, err)
	defer c.Close(ctx)
	assert.Equal(t, 400, count(t, c))
}

func TestTruncate(t *testing.T) {
	dsn := newDB(t)
	ctx := context.Background()

	c, err := Open(ctx, dsn, storage.Target{Table: "readings"})
	require.NoError(t, err)
	defer c.Close(ctx)

	_, err = c.CopyBatch(ctx, batches(t, "1,a,1\n2,b,2\n", 10)[0])
	require.NoError(t, err)
	require.NoError(t, c.Truncate(ctx))
	assert.Zero(t, count(t, c))
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, storage.Kinds(), "sqlite")
	assert.Equal(t, "sqlite", storage.KindFromDSN(filepath.Join(t.TempDir(), "x.db")))
}
