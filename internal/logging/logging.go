// Package logging builds the logrus loggers used across tabsync.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Options configures New.
type Options struct {
	// Level is a logrus level name ("debug", "info", ...). Defaults to info.
	Level string
	// Format is "json" or "text". Empty picks json when Environment is
	// "production" and text otherwise.
	Format string
	// Environment is typically the ENVIRONMENT variable.
	Environment string
	// Output defaults to stderr.
	Output io.Writer
}

// New creates a logger from opts.
func New(opts Options) (*logrus.Logger, error) {
	logger := logrus.New()

	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}
	logger.SetLevel(level)

	format := strings.ToLower(opts.Format)
	if format == "" {
		format = "text"
		if strings.EqualFold(opts.Environment, "production") {
			format = "json"
		}
	}

	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}

	return logger, nil
}

// FromEnv creates a logger configured by LOG_LEVEL, LOG_FORMAT and
// ENVIRONMENT, falling back to defaults on invalid values.
func FromEnv() *logrus.Logger {
	logger, err := New(Options{
		Level:       os.Getenv("LOG_LEVEL"),
		Format:      os.Getenv("LOG_FORMAT"),
		Environment: os.Getenv("ENVIRONMENT"),
	})
	if err != nil {
		logger, _ = New(Options{Environment: os.Getenv("ENVIRONMENT")})
		logger.WithError(err).Warn("Ignoring invalid logging environment")
	}
	return logger
}

// Component returns l scoped to a named component.
func Component(l logrus.FieldLogger, name string) logrus.FieldLogger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithField("component", name)
}
