package batch

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/config"
)

const readBufferSize = 1 << 20

// Options configures a Splitter.
type Options struct {
	// Size closes a batch after this many rows.
	Size int
	// Bytes closes a batch before it would grow past this many bytes. A row
	// larger than Bytes gets a batch of its own.
	Bytes int

	// Skip drops this many physical lines before the first row.
	Skip int
	// Limit stops after this many rows. Zero means no limit.
	Limit int64

	// Quote enables quote tracking so quoted newlines stay inside a row.
	// Zero means each physical line is one row.
	Quote byte
	// Escape marks the next byte inside a quoted field as literal. It
	// defaults to Quote, which makes a doubled quote an escaped quote.
	Escape byte

	Malformed    config.MalformedPolicy
	ValidateUTF8 bool
}

// OptionsFromConfig maps the run configuration onto splitter options.
func OptionsFromConfig(c config.Config) Options {
	return Options{
		Size:         c.BatchSize,
		Bytes:        c.BatchBytes,
		Skip:         c.SkipLines(),
		Limit:        c.Limit,
		Quote:        c.QuoteByte(),
		Escape:       c.EscapeByte(),
		Malformed:    c.Malformed,
		ValidateUTF8: c.ValidateUTF8,
	}
}

// MalformedRowError reports a row the splitter could not frame.
type MalformedRowError struct {
	Line   int64
	Reason string
}

func (e *MalformedRowError) Error() string {
	return fmt.Sprintf("malformed row at line %d: %s", e.Line, e.Reason)
}

// Splitter produces a lazy, forward-only sequence of batches from r. It keeps
// only the batch being built in memory.
type Splitter struct {
	r    *bufio.Reader
	opts Options

	seq     uint64
	line    int64
	rows    int64
	skipped bool
	done    bool

	row       []byte
	pending   bool
	pendLines int64
	pendBad   bool
}

// NewSplitter validates opts and wraps r.
func NewSplitter(r io.Reader, opts Options) (*Splitter, error) {
	switch {
	case opts.Size > 0 && opts.Bytes > 0:
		return nil, errors.New("batch: Size and Bytes are mutually exclusive")
	case opts.Size <= 0 && opts.Bytes <= 0:
		return nil, errors.New("batch: one of Size or Bytes must be > 0")
	case opts.Skip < 0 || opts.Limit < 0:
		return nil, errors.New("batch: Skip and Limit must be >= 0")
	}
	if opts.Escape == 0 {
		opts.Escape = opts.Quote
	}
	if opts.Malformed == "" {
		opts.Malformed = config.MalformedDefer
	}
	return &Splitter{r: bufio.NewReaderSize(r, readBufferSize), opts: opts}, nil
}

// Rows returns the number of rows emitted so far.
func (s *Splitter) Rows() int64 { return s.rows }

// Lines returns the number of physical lines consumed so far.
func (s *Splitter) Lines() int64 { return s.line }

// Next returns the next batch, or io.EOF once the input is exhausted. Under
// the fatal policy a malformed row yields a *MalformedRowError.
func (s *Splitter) Next() (*Batch, error) {
	if s.done {
		return nil, io.EOF
	}
	if !s.skipped {
		if err := s.skip(); err != nil {
			return nil, err
		}
		s.skipped = true
	}

	b := &Batch{Seq: s.seq, FirstLine: s.line + 1, LastLine: s.line}
	for !s.full(b) {
		if s.opts.Limit > 0 && s.rows >= s.opts.Limit {
			s.done = true
			break
		}

		var (
			lines int64
			bad   bool
		)
		if s.pending {
			lines, bad = s.pendLines, s.pendBad
			s.pending = false
		} else {
			var reason string
			var err error
			lines, reason, err = s.readRow()
			if err != nil {
				return nil, err
			}
			if lines == 0 {
				s.done = true
				break
			}
			if reason != "" {
				if s.opts.Malformed == config.MalformedFatal {
					s.done = true
					return nil, &MalformedRowError{Line: s.line + 1, Reason: reason}
				}
				bad = true
			}
		}

		if s.opts.Bytes > 0 && b.Rows() > 0 && b.Len()+len(s.row) > s.opts.Bytes {
			s.pending, s.pendLines, s.pendBad = true, lines, bad
			break
		}

		b.append(s.row, lines)
		s.line += lines
		s.rows++
		if bad {
			b.Malformed++
		}
	}

	if b.Rows() == 0 {
		s.done = true
		return nil, io.EOF
	}
	s.seq++
	return b, nil
}

func (s *Splitter) full(b *Batch) bool {
	return s.opts.Size > 0 && b.Rows() >= s.opts.Size
}

// skip drops header lines. They are never quote-tracked.
func (s *Splitter) skip() error {
	for i := 0; i < s.opts.Skip; i++ {
		s.row = s.row[:0]
		n, err := s.readLine()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		s.line++
	}
	return nil
}

// readRow reads one logical row into s.row. It returns the number of
// physical lines consumed (0 at end of input) and, for a row that cannot be
// framed, a non-empty reason.
func (s *Splitter) readRow() (lines int64, reason string, err error) {
	s.row = s.row[:0]
	inQuote := false
	for {
		start := len(s.row)
		n, err := s.readLine()
		if err != nil {
			return 0, "", err
		}
		if n == 0 {
			break
		}
		lines++
		if s.opts.Quote != 0 {
			inQuote = s.scanQuotes(s.row[start:], inQuote)
		}
		if !inQuote || s.row[len(s.row)-1] != '\n' {
			break
		}
	}
	if lines == 0 {
		return 0, "", nil
	}
	if inQuote {
		reason = "unterminated quoted field"
	} else if s.opts.ValidateUTF8 && !utf8.Valid(s.row) {
		reason = "invalid UTF-8"
	}
	return lines, reason, nil
}

// scanQuotes updates the in-quote state across one physical line.
func (s *Splitter) scanQuotes(line []byte, inQuote bool) bool {
	q, esc := s.opts.Quote, s.opts.Escape
	for i := 0; i < len(line); i++ {
		c := line[i]
		if inQuote && esc != q && c == esc && i+1 < len(line) {
			i++
			continue
		}
		if c == q {
			inQuote = !inQuote
		}
	}
	return inQuote
}

// readLine appends one physical line (terminator included) to s.row and
// returns its length; 0 means end of input.
func (s *Splitter) readLine() (int, error) {
	n := 0
	for {
		frag, err := s.r.ReadSlice('\n')
		s.row = append(s.row, frag...)
		n += len(frag)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return n, nil
		default:
			return n, fmt.Errorf("read input at line %d: %w", s.line+1, err)
		}
	}
}

// Stats summarises what Scan handed to the channel.
type Stats struct {
	Batches   int64
	Rows      int64
	Bytes     int64
	Malformed int64
	Lines     int64
}

func (st *Stats) add(b *Batch) {
	st.Batches++
	st.Rows += int64(b.Rows())
	st.Bytes += int64(b.Len())
	st.Malformed += int64(b.Malformed)
}

// String describes the sizing mode for log lines.
func (o Options) String() string {
	if o.Bytes > 0 {
		return fmt.Sprintf("bytes=%d", o.Bytes)
	}
	return fmt.Sprintf("rows=%d", o.Size)
}
