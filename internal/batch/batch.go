// Package batch splits a delimited input stream into row batches and hands
// them to copy workers through a bounded channel.
//
// A Batch keeps its rows in one contiguous buffer exactly as they appeared in
// the input (terminators included), so a bulk-copy session can stream
// Batch.Data without re-encoding and concatenating all batches in sequence
// order reproduces the input body byte for byte.
package batch

import (
	"bytes"
	"fmt"
	"io"

	"github.com/zeebo/xxh3"
)

// Batch is a bounded, ordered group of input rows copied as one unit.
type Batch struct {
	// Seq is assigned at creation, starting at 0.
	Seq uint64

	// FirstLine is the 1-based physical line number of the first row.
	FirstLine int64

	// LastLine is the physical line number the last row ends on.
	LastLine int64

	// Data holds the raw rows back to back.
	Data []byte

	// Malformed counts rows kept as-is under the defer policy.
	Malformed int

	ends []int
}

// Rows returns the number of rows in the batch.
func (b *Batch) Rows() int { return len(b.ends) }

// Len returns the size of the batch payload in bytes.
func (b *Batch) Len() int { return len(b.Data) }

// Row returns the i-th raw row including its line terminator, if any.
func (b *Batch) Row(i int) []byte {
	start := 0
	if i > 0 {
		start = b.ends[i-1]
	}
	return b.Data[start:b.ends[i]]
}

// Reader streams the batch payload.
func (b *Batch) Reader() io.Reader { return bytes.NewReader(b.Data) }

// Checksum fingerprints the payload so a failed batch can be matched against
// the input when rows are re-ingested by hand.
func (b *Batch) Checksum() uint64 { return xxh3.Hash(b.Data) }

// String is used in log lines.
func (b *Batch) String() string {
	return fmt.Sprintf("batch=%d lines=%d-%d rows=%d bytes=%d", b.Seq, b.FirstLine, b.LastLine, b.Rows(), b.Len())
}

func (b *Batch) append(row []byte, lines int64) {
	b.Data = append(b.Data, row...)
	b.ends = append(b.ends, len(b.Data))
	b.LastLine += lines
}
