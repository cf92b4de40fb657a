package storage

import (
	"fmt"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/config"
)

// CSV reports whether the target's COPY options select the CSV dialect.
func (t Target) CSV() bool { return config.IsCSV(t.CopyOptions) }

// CheckDecodable reports whether DecodeRows can parse batches for t:
// CSV with '"' as quote and escape. Empty CopyOptions means the library
// default, CSV.
func (t Target) CheckDecodable() error {
	if t.CopyOptions != "" && !t.CSV() {
		return fmt.Errorf("%w: copy options %q (only CSV is decoded client side)", ErrUnsupported, t.CopyOptions)
	}
	if t.Quote != 0 && t.Quote != '"' {
		return fmt.Errorf("%w: quote %q (only '\"' is decoded client side)", ErrUnsupported, t.Quote)
	}
	if t.Escape != 0 && t.Escape != '"' {
		return fmt.Errorf("%w: escape %q (only '\"' is decoded client side)", ErrUnsupported, t.Escape)
	}
	return nil
}
