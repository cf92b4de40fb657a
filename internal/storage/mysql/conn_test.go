package mysql

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/batch"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/storage"
)

func TestIdentQuoting(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "`app`.`events`", myFQN("app", "events"))
	assert.Equal(t, "`events`", myFQN("", "events"))
	assert.Equal(t, "`we``ird`", myIdent("we`ird"))
}

func TestLiteral(t *testing.T) {
	t.Parallel()

	for in, want := range map[byte]string{
		0:    `''`,
		',':  `','`,
		'\t': `'\t'`,
		'\\': `'\\'`,
		'\'': `'\''`,
		'"':  `'"'`,
	} {
		assert.Equal(t, want, literal(in), "byte %q", in)
	}
}

func TestLoadStatement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target storage.Target
		crlf   bool
		want   string
	}{
		{
			name:   "csv defaults",
			target: storage.Target{Table: "m", Columns: []string{"id", "v"}, CopyOptions: "CSV"},
			want: "LOAD DATA LOCAL INFILE 'Reader::h' INTO TABLE `m` CHARACTER SET utf8mb4" +
				` FIELDS TERMINATED BY ',' OPTIONALLY ENCLOSED BY '"' ESCAPED BY '' LINES TERMINATED BY '\n'` +
				" (@c0, @c1) SET `id` = NULLIF(@c0, ''), `v` = NULLIF(@c1, '')",
		},
		{
			name:   "csv custom escape",
			target: storage.Target{Schema: "db", Table: "m", Columns: []string{"id"}, Delimiter: ';', Quote: '\'', Escape: '\\', CopyOptions: "CSV HEADER"},
			want: "LOAD DATA LOCAL INFILE 'Reader::h' INTO TABLE `db`.`m` CHARACTER SET utf8mb4" +
				` FIELDS TERMINATED BY ';' OPTIONALLY ENCLOSED BY '\'' ESCAPED BY '\\' LINES TERMINATED BY '\n'` +
				" (@c0) SET `id` = NULLIF(@c0, '')",
		},
		{
			name:   "csv crlf",
			target: storage.Target{Table: "m", Columns: []string{"id"}, CopyOptions: "(FORMAT CSV)"},
			crlf:   true,
			want: "LOAD DATA LOCAL INFILE 'Reader::h' INTO TABLE `m` CHARACTER SET utf8mb4" +
				` FIELDS TERMINATED BY ',' OPTIONALLY ENCLOSED BY '"' ESCAPED BY '' LINES TERMINATED BY '\r\n'` +
				" (@c0) SET `id` = NULLIF(@c0, '')",
		},
		{
			name:   "text format",
			target: storage.Target{Table: "m", Columns: []string{"id", "v"}, Delimiter: '\t'},
			want: "LOAD DATA LOCAL INFILE 'Reader::h' INTO TABLE `m` CHARACTER SET utf8mb4" +
				` FIELDS TERMINATED BY '\t' ESCAPED BY '\\' LINES TERMINATED BY '\n'` +
				" (`id`, `v`)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, loadStatement("h", tt.target, tt.crlf))
		})
	}
}

func TestCRLF(t *testing.T) {
	t.Parallel()

	split := func(input string) *batch.Batch {
		s, err := batch.NewSplitter(strings.NewReader(input), batch.Options{Size: 10, Quote: '"'})
		require.NoError(t, err)
		b, err := s.Next()
		require.NoError(t, err)
		return b
	}
	assert.True(t, crlf(split("1,a\r\n2,b\r\n")))
	assert.False(t, crlf(split("1,a\n2,b\n")))
	assert.False(t, crlf(split("1,a")))
}

func TestOpen_BadDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "root@tcp(localhost:3306)", storage.Target{Table: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql: parse dsn")
}

func TestRegistered(t *testing.T) {
	t.Parallel()
	assert.Contains(t, storage.Kinds(), "mysql")
}

// getTestDSN reads MYSQL_TEST_DSN; integration tests skip when it is empty.
func getTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MYSQL_TEST_DSN")
	if dsn == "" {
		t.Skip("MYSQL_TEST_DSN not set; skipping MySQL integration tests")
	}
	return dsn
}

func TestIntegration_CopyBatch(t *testing.T) {
	dsn := getTestDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	table := fmt.Sprintf("tspc_it_%d", time.Now().UnixNano())
	admin, err := Open(ctx, dsn, storage.Target{Schema: "information_schema", Table: "tables", Columns: []string{"table_name"}})
	require.NoError(t, err)
	defer admin.Close(ctx)
	require.NoError(t, admin.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (id INT PRIMARY KEY, note VARCHAR(100) NULL) ENGINE=InnoDB", myIdent(table))))
	defer func() { _ = admin.Exec(context.Background(), "DROP TABLE "+myIdent(table)) }()

	c, err := Open(ctx, dsn, storage.Target{Table: table, Delimiter: ',', CopyOptions: "CSV"})
	require.NoError(t, err)
	defer c.Close(ctx)
	assert.Equal(t, []string{"id", "note"}, c.target.Columns)
	require.NoError(t, c.Verify(ctx))

	s, err := batch.NewSplitter(strings.NewReader("1,a\n2,\"b,c\"\n3,\n"), batch.Options{Size: 10, Quote: '"'})
	require.NoError(t, err)
	b, err := s.Next()
	require.NoError(t, err)

	n, err := c.CopyBatch(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Duplicate keys become warnings under LOCAL; the batch must not stick.
	_, err = c.CopyBatch(ctx, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0 of 3 rows")

	require.NoError(t, c.Truncate(ctx))
}

func TestIntegration_VerifyMissing(t *testing.T) {
	dsn := getTestDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := Open(ctx, dsn, storage.Target{Table: "tspc_does_not_exist"})
	assert.ErrorIs(t, err, storage.ErrTargetMissing)

	c, err := Open(ctx, dsn, storage.Target{Table: "tspc_does_not_exist", Columns: []string{"id"}})
	require.NoError(t, err)
	defer c.Close(ctx)
	assert.ErrorIs(t, c.Verify(ctx), storage.ErrTargetMissing)
}
