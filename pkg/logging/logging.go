// Package logging provides the shared logrus setup used by every
// dataplane component: one process-wide logger plus per-component field
// helpers.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger instance every component derives its
// entry from.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLevel parses and applies level, accepting logrus's level names
// (trace, debug, info, warn, error).
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetOutput redirects log output.
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetJSONFormat switches to structured JSON output, for deployments that
// ship logs to an aggregator instead of a terminal.
func SetJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// Configure applies level and format ("json" or anything else for text) in
// one call, the shape the switch core's boot sequence uses.
func Configure(level, format string) error {
	if err := SetLevel(level); err != nil {
		return err
	}
	if format == "json" {
		SetJSONFormat()
	}
	return nil
}

// Component returns a logger entry scoped to a subsystem, the root every
// component's own ".WithField(component, ...)" calls build on.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}

// WithFields returns a logger entry carrying multiple fields at once.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}
