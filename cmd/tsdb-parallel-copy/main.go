// Command tsdb-parallel-copy loads a CSV (or COPY text) stream into a
// database table over several parallel bulk-copy sessions.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/engine"

	// register all backends with the storage registry; --driver or the
	// connection string picks one.
	_ "github.com/godmodedev/timescaledb-parallel-copy-lib/internal/storage/all"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error(err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps run errors onto process exit statuses.
func exitCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrCancelled):
		return 130
	case errors.Is(err, engine.ErrSetup), errors.Is(err, errUsage):
		return 2
	default:
		return 1
	}
}
