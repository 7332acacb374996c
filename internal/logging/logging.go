// Package logging builds the process loggers.
//
// Loggers are stdlib log.Logger instances with a bracketed component
// prefix. One-shot CLI commands log to stderr; the daemon logs to a
// rotating file so long-running sessions do not grow without bound.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/woodshed-app/shedsync/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log destination.
type Options struct {
	// File is the log file path; empty logs to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// FromConfig maps the config log section onto Options.
func FromConfig(cfg config.Log) Options {
	return Options{
		File:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
	}
}

// Writer returns the shared log destination for the given options.
// The returned closer is a no-op for stderr.
func Writer(opts Options) io.WriteCloser {
	if opts.File == "" {
		return nopCloser{os.Stderr}
	}
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, 10),
		MaxBackups: orDefault(opts.MaxBackups, 3),
		MaxAge:     orDefault(opts.MaxAgeDays, 30),
		Compress:   true,
	}
}

// New creates a component logger writing to w with the conventional
// bracketed prefix, e.g. New(w, "sync") logs as "[sync] ".
func New(w io.Writer, component string) *log.Logger {
	return log.New(w, "["+component+"] ", log.LstdFlags)
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
