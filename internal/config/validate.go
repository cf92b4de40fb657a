package config

import (
	"errors"
	"fmt"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError blocks the run.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is surfaced but does not block.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding. Path is the option name as
// spelled on the command line.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// Issues is the result of Validate.
type Issues []Issue

// Err joins all error-severity issues. It returns nil when only warnings
// (or nothing) were found.
func (is Issues) Err() error {
	var errs []error
	for _, i := range is {
		if i.Severity == SeverityError {
			errs = append(errs, i)
		}
	}
	return errors.Join(errs...)
}

// Validate checks c after defaults have been applied. It does not mutate c.
func (c Config) Validate() Issues {
	var issues Issues
	add := func(sev IssueSeverity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	switch {
	case c.BatchSize > 0 && c.BatchBytes > 0:
		add(SeverityError, "batch-size", "batch-size and batch-bytes are mutually exclusive")
	case c.BatchSize < 0:
		add(SeverityError, "batch-size", "must be > 0, got %d", c.BatchSize)
	case c.BatchBytes < 0:
		add(SeverityError, "batch-bytes", "must be > 0, got %d", c.BatchBytes)
	case c.BatchSize == 0 && c.BatchBytes == 0:
		add(SeverityError, "batch-size", "one of batch-size or batch-bytes is required")
	}

	if c.Workers < 1 {
		add(SeverityError, "workers", "must be >= 1, got %d", c.Workers)
	}
	if c.Workers > 4*MaxDefaultWorkers {
		add(SeverityWarning, "workers", "%d sessions may overwhelm the target database", c.Workers)
	}
	if c.ChannelCapacity < 0 {
		add(SeverityError, "channel-capacity", "must be >= 0, got %d", c.ChannelCapacity)
	}
	if c.SkipHeader && c.HeaderLines <= 0 {
		add(SeverityError, "header-line-count", "must be > 0, got %d", c.HeaderLines)
	}
	if c.Limit < 0 {
		add(SeverityError, "limit", "must be >= 0, got %d", c.Limit)
	}

	if c.Delimiter != `\t` && len(c.Delimiter) != 1 {
		add(SeverityError, "split", "must be a single-byte character, got %q", c.Delimiter)
	}
	if len(c.Quote) > 1 {
		add(SeverityError, "quote", "must be a single-byte character, got %q", c.Quote)
	}
	if len(c.Escape) > 1 {
		add(SeverityError, "escape", "must be a single-byte character, got %q", c.Escape)
	}
	if (c.Quote != "" || c.Escape != "") && !c.CSVMode() {
		add(SeverityWarning, "quote", "quote/escape only apply to CSV copy options")
	}

	switch c.Malformed {
	case MalformedDefer, MalformedFatal:
	default:
		add(SeverityError, "malformed", "unknown policy %q (want %q or %q)", c.Malformed, MalformedDefer, MalformedFatal)
	}
	switch c.FailurePolicy {
	case FailFast, BestEffort:
	default:
		add(SeverityError, "on-error", "unknown policy %q (want %q or %q)", c.FailurePolicy, FailFast, BestEffort)
	}

	if c.ReportingPeriod < 0 {
		add(SeverityError, "reporting-period", "must be >= 0, got %s", c.ReportingPeriod)
	}
	if c.ReconnectDelay < 0 {
		add(SeverityError, "reconnect-delay", "must be >= 0, got %s", c.ReconnectDelay)
	}

	switch strings.ToLower(c.Compression) {
	case "", "auto", "none", "gzip", "zstd":
	default:
		add(SeverityError, "compression", "unknown compression %q", c.Compression)
	}

	for i, col := range c.Columns {
		if strings.TrimSpace(col) == "" {
			add(SeverityError, fmt.Sprintf("columns[%d]", i), "column name must not be empty")
		}
	}
	for i, stmt := range c.SetupStatements {
		if strings.TrimSpace(stmt) == "" {
			add(SeverityWarning, fmt.Sprintf("setup[%d]", i), "empty setup statement is ignored")
		}
	}

	return issues
}
