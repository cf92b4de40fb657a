// Package all enables every built-in storage backend. It exists for its side
// effects only: importing it runs each backend's init, which registers the
// backend's factory with the storage package.
//
//   - "postgres" (internal/storage/postgres)
//   - "mssql"    (internal/storage/mssql)
//   - "mysql"    (internal/storage/mysql)
//   - "sqlite"   (internal/storage/sqlite)
//
// A binary that needs only some backends can blank-import those packages
// directly instead.
package all

import (
	_ "github.com/godmodedev/timescaledb-parallel-copy-lib/internal/storage/mssql"
	_ "github.com/godmodedev/timescaledb-parallel-copy-lib/internal/storage/mysql"
	_ "github.com/godmodedev/timescaledb-parallel-copy-lib/internal/storage/postgres"
	_ "github.com/godmodedev/timescaledb-parallel-copy-lib/internal/storage/sqlite"
)
