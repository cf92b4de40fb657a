// Package sqlite implements storage.Conn on modernc.org/sqlite. SQLite has no
// bulk-load protocol, so each batch is decoded client side and inserted with
// a prepared statement inside one write transaction. Input must be CSV
// quoted with '"'.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/batch"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/storage"
)

// busyTimeout bounds how long a writer waits for another worker's
// transaction to release the database lock.
const busyTimeout = 5 * time.Second

// Conn is a storage.Conn pinned to one SQLite connection.
type Conn struct {
	db     *sql.DB
	conn   *sql.Conn
	target storage.Target
	insert string
}

var (
	_ storage.Conn      = (*Conn)(nil)
	_ storage.Verifier  = (*Conn)(nil)
	_ storage.Truncater = (*Conn)(nil)
)

// Open opens dsn, a file path or "file:" URI. When t.Columns is empty the
// column list is read from the table definition.
func Open(ctx context.Context, dsn string, t storage.Target) (*Conn, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	if err := t.CheckDecodable(); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := db.Conn(pingCtx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: connect: %w", err)
	}
	c := &Conn{db: db, conn: conn, target: t}

	if err := c.Exec(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds())); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	if len(c.target.Columns) == 0 {
		cols, err := c.tableColumns(ctx)
		if err != nil {
			_ = c.Close(ctx)
			return nil, err
		}
		c.target.Columns = cols
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(c.target.Columns)), ",")
	c.insert = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		c.fqn(), strings.Join(mapIdent(c.target.Columns), ", "), placeholders)
	return c, nil
}

func (c *Conn) tableColumns(ctx context.Context) ([]string, error) {
	q := "PRAGMA table_info(" + sqliteIdent(c.target.Table) + ")"
	if c.target.Schema != "" {
		q = "PRAGMA " + sqliteIdent(c.target.Schema) + ".table_info(" + sqliteIdent(c.target.Table) + ")"
	}
	rows, err := c.conn.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite: table_info: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("sqlite: table_info: %w", err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: table_info: %w", err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrTargetMissing, c.target.FQN())
	}
	return cols, nil
}

// CopyBatch inserts every row of b in one IMMEDIATE transaction so the
// write lock is taken up front and the busy timeout applies.
func (c *Conn) CopyBatch(ctx context.Context, b *batch.Batch) (n int64, err error) {
	rows, err := storage.DecodeRows(b, c.delimiter())
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	if _, err := c.conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() {
		if err != nil {
			n = 0
			_, _ = c.conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		}
	}()

	stmt, err := c.conn.PrepareContext(ctx, c.insert)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, row := range rows {
		if len(row) != len(c.target.Columns) {
			return 0, fmt.Errorf("copy %s: row %d has %d fields, want %d", b, i, len(row), len(c.target.Columns))
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, fmt.Errorf("copy %s: row %d: %w", b, i, err)
		}
		n++
	}

	if _, err := c.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return n, nil
}

// Exec runs an arbitrary statement on the connection.
func (c *Conn) Exec(ctx context.Context, sqlText string) error {
	if strings.TrimSpace(sqlText) == "" {
		return nil
	}
	if _, err := c.conn.ExecContext(ctx, sqlText); err != nil {
		return fmt.Errorf("sqlite: exec: %w", err)
	}
	return nil
}

// Verify selects zero rows from the target columns.
func (c *Conn) Verify(ctx context.Context) error {
	q := fmt.Sprintf("SELECT %s FROM %s LIMIT 0", strings.Join(mapIdent(c.target.Columns), ", "), c.fqn())
	rows, err := c.conn.QueryContext(ctx, q)
	if err == nil {
		err = rows.Close()
	}
	if err == nil {
		return nil
	}
	if msg := err.Error(); strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") {
		return fmt.Errorf("%w: %s: %v", storage.ErrTargetMissing, c.target.FQN(), err)
	}
	return fmt.Errorf("sqlite: verify %s: %w", c.target.FQN(), err)
}

// Truncate deletes every row of the target table.
func (c *Conn) Truncate(ctx context.Context) error {
	return c.Exec(ctx, "DELETE FROM "+c.fqn())
}

// Close releases the connection and its pool.
func (c *Conn) Close(context.Context) error {
	err := c.conn.Close()
	if cerr := c.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// Columns returns the resolved column list.
func (c *Conn) Columns() []string { return c.target.Columns }

func (c *Conn) fqn() string {
	if c.target.Schema == "" {
		return sqliteIdent(c.target.Table)
	}
	return sqliteIdent(c.target.Schema) + "." + sqliteIdent(c.target.Table)
}

func (c *Conn) delimiter() byte {
	if c.target.Delimiter == 0 {
		return ','
	}
	return c.target.Delimiter
}

func sqliteIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = sqliteIdent(c)
	}
	return out
}

func init() {
	storage.Register("sqlite", func(ctx context.Context, dsn string, t storage.Target) (storage.Conn, error) {
		c, err := Open(ctx, dsn, t)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}
