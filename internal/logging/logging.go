// Package logging builds the per-component loggers used across tasklytic.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tasklytic/tasklytic/internal/config"
)

// Factory hands out loggers that share one output.
type Factory struct {
	out     io.Writer
	verbose bool
	closer  io.Closer
}

// New returns a Factory writing to stderr, or to a rotating file when
// cfg.File is set.
func New(cfg config.Log) *Factory {
	f := &Factory{out: os.Stderr, verbose: cfg.Verbose}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		f.out = rotator
		f.closer = rotator
	}
	return f
}

// NewWriter returns a Factory writing to w.
func NewWriter(w io.Writer, verbose bool) *Factory {
	return &Factory{out: w, verbose: verbose}
}

// Logger returns a logger prefixed with "[component] ". Warnings and
// errors go through it regardless of verbosity.
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.out, "["+component+"] ", log.LstdFlags)
}

// Debug returns a logger for routine activity. It discards unless the
// factory is verbose.
func (f *Factory) Debug(component string) *log.Logger {
	if !f.verbose {
		return log.New(io.Discard, "", 0)
	}
	return f.Logger(component)
}

// Close closes the log file, if any.
func (f *Factory) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
