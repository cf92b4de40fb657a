// Package postgres implements storage.Conn on a single pgx v5 session. Each
// batch is streamed verbatim through COPY ... FROM STDIN so the server does
// the CSV/text parsing.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/batch"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/storage"
)

// DefaultSchema qualifies the target table when none is given.
const DefaultSchema = "public"

// ApplicationName is reported to the server so sessions can be identified in
// pg_stat_activity.
const ApplicationName = "tsdb-parallel-copy"

// Conn is a storage.Conn backed by one *pgx.Conn.
type Conn struct {
	conn    *pgx.Conn
	target  storage.Target
	copyCmd string
}

var (
	_ storage.Conn      = (*Conn)(nil)
	_ storage.Verifier  = (*Conn)(nil)
	_ storage.Truncater = (*Conn)(nil)
)

// Open connects to dsn. t.DBName, when set, replaces the database named in
// the DSN.
func Open(ctx context.Context, dsn string, t storage.Target) (*Conn, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if t.DBName != "" {
		cfg.Database = t.DBName
	}
	if _, ok := cfg.RuntimeParams["application_name"]; !ok {
		cfg.RuntimeParams["application_name"] = ApplicationName
	}
	if t.Schema == "" {
		t.Schema = DefaultSchema
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Conn{conn: conn, target: t, copyCmd: CopyCommand(t)}, nil
}

// CopyBatch streams b through COPY FROM STDIN. The server applies the whole
// batch or none of it.
func (c *Conn) CopyBatch(ctx context.Context, b *batch.Batch) (int64, error) {
	tag, err := c.conn.PgConn().CopyFrom(ctx, b.Reader(), c.copyCmd)
	if err != nil {
		if c.conn.IsClosed() || connException(err) {
			return 0, fmt.Errorf("copy %s: %w: %w", b, storage.ErrConnLost, wrap(err))
		}
		return 0, fmt.Errorf("copy %s: %w", b, wrap(err))
	}
	return tag.RowsAffected(), nil
}

// Exec runs sql on the session.
func (c *Conn) Exec(ctx context.Context, sql string) error {
	if strings.TrimSpace(sql) == "" {
		return nil
	}
	if _, err := c.conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("postgres: exec %q: %w", sql, wrap(err))
	}
	return nil
}

// Verify checks the target table and columns exist by selecting zero rows.
func (c *Conn) Verify(ctx context.Context) error {
	cols := "*"
	if len(c.target.Columns) > 0 {
		cols = strings.Join(mapIdent(c.target.Columns), ",")
	}
	q := fmt.Sprintf("SELECT %s FROM %s LIMIT 0", cols, pgFQN(c.target.Schema, c.target.Table))
	rows, err := c.conn.Query(ctx, q)
	if err == nil {
		rows.Close()
		err = rows.Err()
	}
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UndefinedTable, pgerrcode.UndefinedColumn, pgerrcode.InvalidSchemaName:
			return fmt.Errorf("%w: %s: %s", storage.ErrTargetMissing, c.target.FQN(), pgErr.Message)
		}
	}
	return fmt.Errorf("postgres: verify %s: %w", c.target.FQN(), wrap(err))
}

// Truncate empties the target table.
func (c *Conn) Truncate(ctx context.Context) error {
	return c.Exec(ctx, "TRUNCATE "+pgFQN(c.target.Schema, c.target.Table))
}

// Close closes the session.
func (c *Conn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// CopyCommand renders the COPY statement used for every batch of t.
func CopyCommand(t storage.Target) string {
	schema := t.Schema
	if schema == "" {
		schema = DefaultSchema
	}

	var sb strings.Builder
	sb.WriteString("COPY ")
	sb.WriteString(pgFQN(schema, t.Table))
	if len(t.Columns) > 0 {
		sb.WriteString("(" + strings.Join(mapIdent(t.Columns), ",") + ")")
	}
	sb.WriteString(" FROM STDIN WITH DELIMITER ")
	sb.WriteString(literal(t.Delimiter))
	if t.Quote != 0 {
		sb.WriteString(" QUOTE " + literal(t.Quote))
	}
	if t.Escape != 0 {
		sb.WriteString(" ESCAPE " + literal(t.Escape))
	}
	if opts := strings.TrimSpace(t.CopyOptions); opts != "" {
		sb.WriteString(" " + opts)
	}
	return sb.String()
}

// literal quotes a single-byte option value. Tab needs the escape-string form.
func literal(c byte) string {
	switch c {
	case 0:
		return "','"
	case '\t':
		return `E'\t'`
	case '\'':
		return "''''"
	default:
		return "'" + string(c) + "'"
	}
}

// serverError flattens a *pgconn.PgError into one line with its SQLSTATE and
// the detail/context fields COPY fills in (which line of the batch failed).
type serverError struct{ pg *pgconn.PgError }

func (e *serverError) Error() string {
	msg := fmt.Sprintf("%s (SQLSTATE %s)", e.pg.Message, e.pg.Code)
	if e.pg.Detail != "" {
		msg += ": " + e.pg.Detail
	}
	if e.pg.Where != "" {
		msg += "; " + e.pg.Where
	}
	return msg
}

func (e *serverError) Unwrap() error { return e.pg }

// connException reports SQLSTATE class 08 and admin shutdown errors.
func connException(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgerrcode.IsConnectionException(pgErr.Code) || pgErr.Code == pgerrcode.AdminShutdown
}

func wrap(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &serverError{pg: pgErr}
	}
	return err
}

// pgIdent safely quotes a single identifier segment for Postgres.
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// pgFQN quotes schema and table separately; either may contain dots.
func pgFQN(schema, table string) string {
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return out
}

func init() {
	storage.Register("postgres", func(ctx context.Context, dsn string, t storage.Target) (storage.Conn, error) {
		c, err := Open(ctx, dsn, t)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}
