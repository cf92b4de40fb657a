// Package storage holds the backend-agnostic contracts the copy workers talk
// to, plus a small registry so backends can be selected by kind at runtime.
//
// Each backend package registers a Factory from its init function. Importing
// storage/all enables every built-in backend at once.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/batch"
)

// ErrTargetMissing is returned by Verify when the target table or one of the
// requested columns does not exist.
var ErrTargetMissing = errors.New("target table or column does not exist")

// ErrConnLost marks a copy that failed because the session itself is gone;
// the batch may be fine on a fresh session.
var ErrConnLost = errors.New("database connection lost")

// ErrUnsupported is returned by Open when a backend cannot honour a Target
// option. Retrying does not help.
var ErrUnsupported = errors.New("not supported by this backend")

// Target describes where and how batches are written.
type Target struct {
	// Schema qualifies Table. Backends apply their own default when empty.
	Schema string
	Table  string

	// Columns is the ordered column list of the input. Empty means all
	// columns of the table in table order.
	Columns []string

	// Delimiter, Quote and Escape describe the input dialect. Zero Quote
	// and Escape mean "not specified".
	Delimiter byte
	Quote     byte
	Escape    byte

	// CopyOptions is appended to a Postgres COPY command, e.g. "CSV" or
	// "CSV NULL 'NA'".
	CopyOptions string

	// DBName overrides the database named in the DSN, if set.
	DBName string
}

// FQN returns the dotted schema-qualified table name, unquoted.
func (t Target) FQN() string {
	if t.Schema == "" {
		return t.Table
	}
	return t.Schema + "." + t.Table
}

// Conn is one database session owned by exactly one worker. A Conn is not
// safe for concurrent use.
type Conn interface {
	// CopyBatch bulk-loads every row of b atomically and returns the number
	// of rows the database reports as inserted.
	CopyBatch(ctx context.Context, b *batch.Batch) (int64, error)

	// Exec runs a single statement on the session, e.g. a setup statement.
	Exec(ctx context.Context, sql string) error

	// Close releases the session.
	Close(ctx context.Context) error
}

// Verifier is implemented by backends that can check the target exists
// before any data is sent.
type Verifier interface {
	Verify(ctx context.Context) error
}

// Truncater is implemented by backends that can empty the target table.
type Truncater interface {
	Truncate(ctx context.Context) error
}

// Factory opens a new session against dsn for target t.
type Factory func(ctx context.Context, dsn string, t Target) (Conn, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers (or replaces) the Factory for a backend kind. It is
// typically called from a backend package's init function.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

// Lookup returns the Factory registered for kind.
func Lookup(kind string) (Factory, error) {
	mu.RLock()
	f, ok := factories[kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: no backend registered for kind %q (registered: %s)", kind, strings.Join(Kinds(), ", "))
	}
	return f, nil
}

// Open opens one session using the backend registered for kind. An empty
// kind is inferred from the DSN.
func Open(ctx context.Context, kind, dsn string, t Target) (Conn, error) {
	if kind == "" {
		kind = KindFromDSN(dsn)
	}
	f, err := Lookup(kind)
	if err != nil {
		return nil, err
	}
	return f(ctx, dsn, t)
}

// Kinds lists the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// KindFromDSN guesses the backend from the shape of a connection string.
// Anything unrecognised is treated as a Postgres keyword/value DSN.
func KindFromDSN(dsn string) string {
	d := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(d, "sqlserver://"):
		return "mssql"
	case strings.Contains(d, "@tcp("), strings.Contains(d, "@unix("):
		return "mysql"
	case strings.HasPrefix(d, "file:"), d == ":memory:",
		strings.HasSuffix(d, ".db"), strings.HasSuffix(d, ".sqlite"), strings.HasSuffix(d, ".sqlite3"):
		return "sqlite"
	default:
		return "postgres"
	}
}
