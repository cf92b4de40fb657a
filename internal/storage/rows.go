package storage

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/batch"
)

// DecodeRows parses a batch payload into string fields for backends that have
// no server-side CSV parser and must bind values row by row. Empty fields are
// returned as nil so they load as NULL, matching COPY ... CSV.
//
// Only the CSV dialect with '"' quoting is understood; backends call
// Target.CheckDecodable in Open.
func DecodeRows(b *batch.Batch, comma byte) ([][]any, error) {
	r := csv.NewReader(bytes.NewReader(b.Data))
	r.Comma = rune(comma)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	rows := make([][]any, 0, b.Rows())
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return rows, fmt.Errorf("decode %s: %w", b, err)
		}
		row := make([]any, len(rec))
		for i, f := range rec {
			if f != "" {
				row[i] = f
			}
		}
		rows = append(rows, row)
	}
}
