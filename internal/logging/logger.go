// Package logging configures the logrus logger shared by the core packages.
package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Config selects level, format and destination of log output.
type Config struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // text or json
	Output    string `yaml:"output"` // stdout, stderr, or a file path
	Component string `yaml:"-"`
}

// New builds a logger from cfg and returns an entry tagged with the component.
func New(cfg Config) *log.Entry {
	logger := log.New()

	level, err := log.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	logger.SetOutput(openOutput(cfg.Output))

	entry := log.NewEntry(logger)
	if cfg.Component != "" {
		entry = entry.WithField("component", cfg.Component)
	}
	return entry
}

func openOutput(output string) io.Writer {
	switch output {
	case "", "stderr":
		return os.Stderr
	case "stdout":
		return os.Stdout
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return os.Stderr
	}
	return f
}

// Component derives a child entry for a package, keeping the parent's fields.
func Component(parent *log.Entry, name string) *log.Entry {
	if parent == nil {
		return log.WithField("component", name)
	}
	return parent.WithField("component", name)
}

// Discard returns an entry that drops everything. Used by tests and by
// callers that do not pass a logger.
func Discard() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}
