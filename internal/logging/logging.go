// Package logging builds the logrus loggers handed to every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Formats accepted by New
const (
	FormatText = "text"
	FormatJSON = "json"
)

// New builds a logger writing to w (stderr when nil) at the named level
func New(level, format string, w io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	if w == nil {
		w = os.Stderr
	}
	logger.SetOutput(w)

	if level == "" {
		level = "warn"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", FormatText:
		logger.SetFormatter(&logrus.TextFormatter{
			DisableTimestamp: false,
			FullTimestamp:    true,
		})
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return logger, nil
}

// Discard returns a logger that drops everything
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// Component returns an entry tagged with the component name. A nil logger
// yields a discarding entry.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithField("component", name)
}
