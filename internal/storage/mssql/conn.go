// Package mssql implements storage.Conn for Microsoft SQL Server using the
// go-mssqldb bulk copy API. Each batch is decoded client side and sent as one
// INSERT BULK inside its own transaction. Input must be CSV quoted with '"'.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/batch"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/storage"
)

// DefaultSchema qualifies the target table when none is given.
const DefaultSchema = "dbo"

const (
	errInvalidObject = 208
	errInvalidColumn = 207
)

// Conn is a storage.Conn pinned to one pooled session of a private *sql.DB.
type Conn struct {
	db     *sql.DB
	conn   *sql.Conn
	target storage.Target
}

var (
	_ storage.Conn      = (*Conn)(nil)
	_ storage.Verifier  = (*Conn)(nil)
	_ storage.Truncater = (*Conn)(nil)
)

// Open validates dsn and opens one session. When t.Columns is empty the
// column list is read from INFORMATION_SCHEMA.
func Open(ctx context.Context, dsn string, t storage.Target) (*Conn, error) {
	if err := t.CheckDecodable(); err != nil {
		return nil, fmt.Errorf("mssql: %w", err)
	}
	if _, err := msdsn.Parse(dsn); err != nil {
		return nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql: connect: %w", err)
	}
	c := &Conn{db: db, conn: conn, target: t}
	if c.target.Schema == "" {
		c.target.Schema = DefaultSchema
	}

	if t.DBName != "" {
		if err := c.Exec(ctx, "USE "+msIdent(t.DBName)); err != nil {
			_ = c.Close(ctx)
			return nil, err
		}
	}
	if len(c.target.Columns) == 0 {
		cols, err := c.tableColumns(ctx)
		if err != nil {
			_ = c.Close(ctx)
			return nil, err
		}
		c.target.Columns = cols
	}
	return c, nil
}

func (c *Conn) tableColumns(ctx context.Context) ([]string, error) {
	rows, err := c.conn.QueryContext(ctx,
		`SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS
		  WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2
		  ORDER BY ORDINAL_POSITION`,
		c.target.Schema, c.target.Table)
	if err != nil {
		return nil, fmt.Errorf("mssql: list columns: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("mssql: list columns: %w", err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mssql: list columns: %w", err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrTargetMissing, c.target.FQN())
	}
	return cols, nil
}

// CopyBatch bulk-inserts b in one transaction.
func (c *Conn) CopyBatch(ctx context.Context, b *batch.Batch) (int64, error) {
	rows, err := storage.DecodeRows(b, c.delimiter())
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	rollback := func() { _ = tx.Rollback() }

	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(msFQN(c.target.Schema, c.target.Table), mssql.BulkOptions{}, c.target.Columns...))
	if err != nil {
		rollback()
		return 0, fmt.Errorf("prepare bulk: %w", err)
	}
	for i := range rows {
		if len(rows[i]) != len(c.target.Columns) {
			_ = stmt.Close()
			rollback()
			return 0, fmt.Errorf("copy %s: row %d has %d fields, want %d", b, i, len(rows[i]), len(c.target.Columns))
		}
		if _, err := stmt.ExecContext(ctx, rows[i]...); err != nil {
			_ = stmt.Close()
			rollback()
			return 0, fmt.Errorf("copy %s: row %d: %w", b, i, err)
		}
	}
	res, err := stmt.ExecContext(ctx)
	if cerr := stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		rollback()
		return 0, fmt.Errorf("copy %s: bulk finalize: %w", b, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		rollback()
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// Exec runs sqlText on the session.
func (c *Conn) Exec(ctx context.Context, sqlText string) error {
	if strings.TrimSpace(sqlText) == "" {
		return nil
	}
	if _, err := c.conn.ExecContext(ctx, sqlText); err != nil {
		return fmt.Errorf("mssql: exec %q: %w", sqlText, err)
	}
	return nil
}

// Verify selects zero rows from the target columns.
func (c *Conn) Verify(ctx context.Context) error {
	q := fmt.Sprintf("SELECT TOP 0 %s FROM %s", strings.Join(mapIdent(c.target.Columns), ","), msFQN(c.target.Schema, c.target.Table))
	rows, err := c.conn.QueryContext(ctx, q)
	if err == nil {
		err = rows.Close()
	}
	if err == nil {
		return nil
	}
	var msErr mssql.Error
	if errors.As(err, &msErr) && (msErr.Number == errInvalidObject || msErr.Number == errInvalidColumn) {
		return fmt.Errorf("%w: %s: %s", storage.ErrTargetMissing, c.target.FQN(), msErr.Message)
	}
	return fmt.Errorf("mssql: verify %s: %w", c.target.FQN(), err)
}

// Truncate empties the target table.
func (c *Conn) Truncate(ctx context.Context) error {
	return c.Exec(ctx, "TRUNCATE TABLE "+msFQN(c.target.Schema, c.target.Table))
}

// Close returns the session and closes the private pool.
func (c *Conn) Close(context.Context) error {
	err := c.conn.Close()
	if cerr := c.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Conn) delimiter() byte {
	if c.target.Delimiter == 0 {
		return ','
	}
	return c.target.Delimiter
}

// msIdent safely quotes a single identifier segment for SQL Server.
func msIdent(id string) string { return `[` + strings.ReplaceAll(id, `]`, `]]`) + `]` }

// msFQN quotes schema and table as "[schema].[table]".
func msFQN(schema, table string) string {
	if schema == "" {
		return msIdent(table)
	}
	return msIdent(schema) + "." + msIdent(table)
}

// mapIdent maps a list of column names to their bracket-quoted forms.
func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = msIdent(c)
	}
	return out
}

func init() {
	storage.Register("mssql", func(ctx context.Context, dsn string, t storage.Target) (storage.Conn, error) {
		c, err := Open(ctx, dsn, t)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}
