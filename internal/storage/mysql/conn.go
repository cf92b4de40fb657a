// Package mysql implements storage.Conn for MySQL and MariaDB using
// LOAD DATA LOCAL INFILE. The batch bytes are streamed to the server through
// a go-sql-driver reader handler, so rows are never decoded client side.
//
// The server must allow local_infile.
package mysql

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/go-sql-driver/mysql"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/batch"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/storage"
)

// Server error numbers mapped to storage.ErrTargetMissing.
const (
	errBadDB       = 1049
	errBadField    = 1054
	errNoSuchTable = 1146
)

var handlerSeq atomic.Uint64

// Conn is a storage.Conn pinned to one session of a private *sql.DB.
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

// Open parses dsn (go-sql-driver format, e.g. "user:pw@tcp(host:3306)/db")
// and opens one session. t.Schema names the database when set; t.DBName
// replaces the database of the DSN.
func Open(ctx context.Context, dsn string, t storage.Target) (*Conn, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: parse dsn: %w", err)
	}
	if t.DBName != "" {
		cfg.DBName = t.DBName
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql: connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql: connect: %w", err)
	}
	c := &Conn{db: db, conn: conn, target: t}

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
		  WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ?
		  ORDER BY ORDINAL_POSITION`,
		c.target.Schema, c.target.Table)
	if err != nil {
		return nil, fmt.Errorf("mysql: list columns: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("mysql: list columns: %w", err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mysql: list columns: %w", err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrTargetMissing, c.target.FQN())
	}
	return cols, nil
}

// CopyBatch loads b in one transaction. LOAD DATA LOCAL downgrades rejected
// rows to warnings, so a short row count rolls the batch back.
func (c *Conn) CopyBatch(ctx context.Context, b *batch.Batch) (int64, error) {
	if b.Rows() == 0 {
		return 0, nil
	}
	name := fmt.Sprintf("tspc-%d-%d", handlerSeq.Add(1), b.Seq)
	mysql.RegisterReaderHandler(name, func() io.Reader { return b.Reader() })
	defer mysql.DeregisterReaderHandler(name)

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	res, err := tx.ExecContext(ctx, loadStatement(name, c.target, crlf(b)))
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("copy %s: %w", b, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n != int64(b.Rows()) {
		_ = tx.Rollback()
		return 0, fmt.Errorf("copy %s: server loaded %d of %d rows, the rest were rejected as warnings", b, n, b.Rows())
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
		return fmt.Errorf("mysql: exec %q: %w", sqlText, err)
	}
	return nil
}

// Verify selects zero rows from the target columns.
func (c *Conn) Verify(ctx context.Context) error {
	q := fmt.Sprintf("SELECT %s FROM %s LIMIT 0", strings.Join(mapIdent(c.target.Columns), ","), myFQN(c.target.Schema, c.target.Table))
	rows, err := c.conn.QueryContext(ctx, q)
	if err == nil {
		err = rows.Close()
	}
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errNoSuchTable, errBadField, errBadDB:
			return fmt.Errorf("%w: %s: %s", storage.ErrTargetMissing, c.target.FQN(), myErr.Message)
		}
	}
	return fmt.Errorf("mysql: verify %s: %w", c.target.FQN(), err)
}

// Truncate empties the target table.
func (c *Conn) Truncate(ctx context.Context) error {
	return c.Exec(ctx, "TRUNCATE TABLE "+myFQN(c.target.Schema, c.target.Table))
}

// Close returns the session and closes the private pool.
func (c *Conn) Close(context.Context) error {
	err := c.conn.Close()
	if cerr := c.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// crlf reports whether the batch uses CRLF line endings, judged by its
// first row. MySQL takes a single line terminator per statement.
func crlf(b *batch.Batch) bool {
	return b.Rows() > 0 && bytes.HasSuffix(b.Row(0), []byte("\r\n"))
}

// loadStatement renders the LOAD DATA statement for one reader handler.
// CSV input loads into user variables so that empty unquoted fields become
// NULL, matching COPY ... CSV; text input relies on the \N convention.
func loadStatement(handler string, t storage.Target, crlfLines bool) string {
	csv := t.CSV()
	delim := t.Delimiter
	if delim == 0 {
		delim = ','
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "LOAD DATA LOCAL INFILE 'Reader::%s' INTO TABLE %s CHARACTER SET utf8mb4", handler, myFQN(t.Schema, t.Table))
	fmt.Fprintf(&sb, " FIELDS TERMINATED BY %s", literal(delim))
	if csv {
		quote := t.Quote
		if quote == 0 {
			quote = '"'
		}
		var esc byte
		if t.Escape != 0 && t.Escape != quote {
			esc = t.Escape
		}
		fmt.Fprintf(&sb, " OPTIONALLY ENCLOSED BY %s ESCAPED BY %s", literal(quote), literal(esc))
	} else {
		sb.WriteString(` ESCAPED BY '\\'`)
	}
	if crlfLines {
		sb.WriteString(` LINES TERMINATED BY '\r\n'`)
	} else {
		sb.WriteString(` LINES TERMINATED BY '\n'`)
	}

	if !csv {
		fmt.Fprintf(&sb, " (%s)", strings.Join(mapIdent(t.Columns), ", "))
		return sb.String()
	}
	vars := make([]string, len(t.Columns))
	sets := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		vars[i] = fmt.Sprintf("@c%d", i)
		sets[i] = fmt.Sprintf("%s = NULLIF(@c%d, '')", myIdent(col), i)
	}
	fmt.Fprintf(&sb, " (%s) SET %s", strings.Join(vars, ", "), strings.Join(sets, ", "))
	return sb.String()
}

// literal renders a single byte as a MySQL string literal; 0 is ''.
func literal(c byte) string {
	switch c {
	case 0:
		return "''"
	case '\t':
		return `'\t'`
	case '\\':
		return `'\\'`
	case '\'':
		return `'\''`
	default:
		return "'" + string(c) + "'"
	}
}

// myIdent quotes a single identifier segment with backticks.
func myIdent(id string) string { return "`" + strings.ReplaceAll(id, "`", "``") + "`" }

// myFQN quotes database and table as `db`.`table`.
func myFQN(schema, table string) string {
	if schema == "" {
		return myIdent(table)
	}
	return myIdent(schema) + "." + myIdent(table)
}

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = myIdent(c)
	}
	return out
}

func init() {
	storage.Register("mysql", func(ctx context.Context, dsn string, t storage.Target) (storage.Conn, error) {
		c, err := Open(ctx, dsn, t)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}
