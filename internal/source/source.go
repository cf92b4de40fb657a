// Package source opens the copy input. It accepts a path ("-" for stdin) or
// any io.Reader, undoes gzip/zstd compression, transcodes legacy character
// sets to UTF-8 and drops a leading UTF-8 BOM, so the splitter always sees a
// plain UTF-8 row stream.
package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/config"
)

// Compression modes.
const (
	CompressionAuto = "auto"
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// Stdin is the path that selects standard input.
const Stdin = "-"

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	utf8BOM   = []byte{0xef, 0xbb, 0xbf}
)

const peekSize = 64 * 1024

// Options selects decoding layers.
type Options struct {
	// Compression is one of the Compression* modes; empty means auto.
	Compression string
	// Encoding is a WHATWG encoding label such as "windows-1250" or
	// "latin1". Empty or any UTF-8 label means passthrough.
	Encoding string
}

// OptionsFromConfig maps the run configuration onto source options.
func OptionsFromConfig(c config.Config) Options {
	return Options{Compression: c.Compression, Encoding: c.Encoding}
}

// Input is a decoded input stream. Close releases every layer and the
// underlying file, if Open created one.
type Input struct {
	io.Reader

	// Name is the path, or "stdin" / "reader".
	Name string
	// Compression is the compression actually applied.
	Compression string
	// Encoding is the canonical name of the decoded charset.
	Encoding string

	closers []func() error
}

// Close closes the layers innermost first.
func (in *Input) Close() error {
	var first error
	for i := len(in.closers) - 1; i >= 0; i-- {
		if err := in.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	in.closers = nil
	return first
}

// Open opens path for reading, or stdin for "-". A cancelled ctx returns its
// error without touching the filesystem.
func Open(ctx context.Context, path string, opts Options) (*Input, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path == "" || path == Stdin {
		in, err := Wrap(os.Stdin, opts)
		if err != nil {
			return nil, err
		}
		in.Name = "stdin"
		return in, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	adviseSequential(f)

	in, err := Wrap(f, opts)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	in.Name = path
	in.closers = append([]func() error{f.Close}, in.closers...)
	return in, nil
}

// Wrap layers decompression, transcoding and BOM removal over r. Wrap never
// closes r.
func Wrap(r io.Reader, opts Options) (*Input, error) {
	in := &Input{Name: "reader", Encoding: "utf-8"}

	br := bufio.NewReaderSize(r, peekSize)
	mode := strings.ToLower(opts.Compression)
	if mode == "" || mode == CompressionAuto {
		mode = sniff(br)
	}

	var cur io.Reader = br
	switch mode {
	case CompressionNone:
	case CompressionGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		in.closers = append(in.closers, zr.Close)
		cur = zr
	case CompressionZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		in.closers = append(in.closers, func() error { zr.Close(); return nil })
		cur = zr
	default:
		return nil, fmt.Errorf("unknown compression %q", opts.Compression)
	}
	in.Compression = mode

	if opts.Encoding != "" {
		enc, err := htmlindex.Get(opts.Encoding)
		if err != nil {
			return nil, fmt.Errorf("encoding %q: %w", opts.Encoding, err)
		}
		name, _ := htmlindex.Name(enc)
		if name != "utf-8" {
			cur = transform.NewReader(cur, enc.NewDecoder())
			in.Encoding = name
		}
	}

	in.Reader = skipBOM(cur)
	return in, nil
}

func sniff(br *bufio.Reader) string {
	head, _ := br.Peek(len(zstdMagic))
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return CompressionGzip
	case bytes.HasPrefix(head, zstdMagic):
		return CompressionZstd
	default:
		return CompressionNone
	}
}

func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReaderSize(r, len(utf8BOM))
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	return br
}
