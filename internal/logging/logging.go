// Package logging configures the logrus logger shared by the CLI and the
// copy engine.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Formats accepted by Configure.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Configure sets level, format and output on l. An empty level means info
// and an empty format means text.
func Configure(l *logrus.Logger, level, format string, out io.Writer) error {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", FormatText:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case FormatJSON:
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("log format: unknown format %q (want %s or %s)", format, FormatText, FormatJSON)
	}

	if out != nil {
		l.SetOutput(out)
	}
	return nil
}
