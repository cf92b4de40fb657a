// Package config defines the configuration bundle for a parallel copy run.
//
// A Config is a fixed struct with named fields. Zero values mean "use the
// default", which WithDefaults resolves once at engine startup; Validate then
// reports everything that would prevent the run from starting.
//
// Field tags mirror the CLI flag names so the same struct can be decoded from
// JSON files, viper (mapstructure) or built directly by library callers.
package config

import (
	"runtime"
	"strings"
	"time"
)

// MalformedPolicy decides what the row splitter does with a row it cannot
// frame (unterminated quote, invalid encoding).
type MalformedPolicy string

const (
	// MalformedDefer keeps the row as-is and lets the database reject the
	// batch that carries it.
	MalformedDefer MalformedPolicy = "defer"
	// MalformedFatal aborts the whole run at the first malformed row.
	MalformedFatal MalformedPolicy = "fatal"
)

// FailurePolicy decides what happens after a batch fails to copy.
type FailurePolicy string

const (
	// FailFast cancels the whole run on the first failed batch.
	FailFast FailurePolicy = "fail-fast"
	// BestEffort records the failed batch, replaces the worker's connection
	// and keeps going.
	BestEffort FailurePolicy = "best-effort"
)

// Defaults.
const (
	DefaultBatchSize         = 5000
	DefaultHeaderLines       = 1
	DefaultDelimiter         = ","
	DefaultCopyOptions       = "CSV"
	DefaultReconnectAttempts = 3
	DefaultReconnectDelay    = 500 * time.Millisecond
	MaxDefaultWorkers        = 16
)

// Config is the recognised option set of the copy engine.
type Config struct {
	// Driver selects the storage backend ("postgres", "mssql", "mysql",
	// "sqlite"). Empty means infer it from the connection string.
	Driver string `json:"driver" mapstructure:"driver"`

	// DBName overrides the database named in the connection string.
	DBName string `json:"db_name" mapstructure:"db-name"`

	// Schema qualifies the target table. Postgres defaults to "public";
	// other backends leave it empty.
	Schema string `json:"schema" mapstructure:"schema"`

	// Columns is the ordered destination column list. Empty means the
	// table's natural column order.
	Columns []string `json:"columns" mapstructure:"columns"`

	// Truncate empties the target table before any batch is copied.
	Truncate bool `json:"truncate" mapstructure:"truncate"`

	// CopyOptions is appended to the COPY statement (e.g. "CSV", "CSV NULL 'x'").
	CopyOptions string `json:"copy_options" mapstructure:"copy-options"`

	// Delimiter is the field separator; `\t` selects tab.
	Delimiter string `json:"split" mapstructure:"split"`

	// Quote and Escape are single-byte characters handed to COPY and used by
	// the splitter to keep quoted newlines inside one row.
	Quote  string `json:"quote" mapstructure:"quote"`
	Escape string `json:"escape" mapstructure:"escape"`

	SkipHeader  bool `json:"skip_header" mapstructure:"skip-header"`
	HeaderLines int  `json:"header_line_count" mapstructure:"header-line-count"`

	// Limit stops the run after this many data rows. Zero means no limit.
	Limit int64 `json:"limit" mapstructure:"limit"`

	// BatchSize (rows) and BatchBytes are mutually exclusive sizing modes.
	BatchSize  int `json:"batch_size" mapstructure:"batch-size"`
	BatchBytes int `json:"batch_bytes" mapstructure:"batch-bytes"`

	Workers         int `json:"workers" mapstructure:"workers"`
	ChannelCapacity int `json:"channel_capacity" mapstructure:"channel-capacity"`

	Malformed     MalformedPolicy `json:"malformed" mapstructure:"malformed"`
	FailurePolicy FailurePolicy   `json:"on_error" mapstructure:"on-error"`

	// ValidateUTF8 marks rows that are not valid UTF-8 as malformed.
	ValidateUTF8 bool `json:"validate_utf8" mapstructure:"validate-utf8"`

	// ReportingPeriod enables periodic progress lines. Zero disables them.
	ReportingPeriod time.Duration `json:"reporting_period" mapstructure:"reporting-period"`
	LogBatches      bool          `json:"log_batches" mapstructure:"log-batches"`
	Verbose         bool          `json:"verbose" mapstructure:"verbose"`

	// SetupStatements run on every worker connection before its first batch.
	SetupStatements []string `json:"setup" mapstructure:"setup"`

	ReconnectAttempts uint          `json:"reconnect_attempts" mapstructure:"reconnect-attempts"`
	ReconnectDelay    time.Duration `json:"reconnect_delay" mapstructure:"reconnect-delay"`

	// Encoding names the input character set (e.g. "windows-1250"). Empty
	// means UTF-8 passthrough.
	Encoding string `json:"encoding" mapstructure:"encoding"`

	// Compression is "auto" (sniff), "none", "gzip" or "zstd".
	Compression string `json:"compression" mapstructure:"compression"`
}

// DefaultWorkers returns a small multiple of the available cores, capped so
// the target database is not flooded with sessions.
func DefaultWorkers() int {
	n := 2 * runtime.NumCPU()
	if n > MaxDefaultWorkers {
		n = MaxDefaultWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Default returns a Config with every default applied.
func Default() Config {
	return Config{}.WithDefaults()
}

// WithDefaults returns a copy of c where zero-valued fields hold their
// documented defaults. It does not override explicit values.
func (c Config) WithDefaults() Config {
	if c.BatchSize == 0 && c.BatchBytes == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers()
	}
	if c.ChannelCapacity == 0 {
		c.ChannelCapacity = 2 * c.Workers
	}
	if c.HeaderLines == 0 {
		c.HeaderLines = DefaultHeaderLines
	}
	if c.Delimiter == "" {
		c.Delimiter = DefaultDelimiter
	}
	if c.CopyOptions == "" {
		c.CopyOptions = DefaultCopyOptions
	}
	if c.Malformed == "" {
		c.Malformed = MalformedDefer
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = FailFast
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Compression == "" {
		c.Compression = "auto"
	}
	return c
}

// DelimiterByte returns the field separator as a single byte, translating
// the `\t` spelling used on command lines.
func (c Config) DelimiterByte() byte {
	if c.Delimiter == `\t` {
		return '\t'
	}
	if c.Delimiter == "" {
		return DefaultDelimiter[0]
	}
	return c.Delimiter[0]
}

// CSVMode reports whether the COPY dialect is CSV, in which case quoted
// fields may span physical lines.
func (c Config) CSVMode() bool { return IsCSV(c.CopyOptions) }

// IsCSV reports whether COPY options such as "CSV NULL 'x'" or
// "(FORMAT CSV)" select the CSV dialect.
func IsCSV(copyOptions string) bool {
	for _, f := range strings.Fields(strings.ToUpper(copyOptions)) {
		if strings.Trim(f, "(),") == "CSV" {
			return true
		}
	}
	return false
}

// QuoteByte returns the quote character the splitter tracks, or 0 when rows
// are plain lines (text format).
func (c Config) QuoteByte() byte {
	if c.Quote != "" {
		return c.Quote[0]
	}
	if c.CSVMode() {
		return '"'
	}
	return 0
}

// EscapeByte returns the escape character; it defaults to the quote.
func (c Config) EscapeByte() byte {
	if c.Escape != "" {
		return c.Escape[0]
	}
	return c.QuoteByte()
}

// SkipLines is the number of physical lines dropped before the first row.
func (c Config) SkipLines() int {
	if !c.SkipHeader {
		return 0
	}
	return c.HeaderLines
}
