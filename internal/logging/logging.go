// Package logging builds the process logger.
package logging

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the handler and where logs go.
type Options struct {
	Level  slog.Level
	Format string // "text" or "json"

	// File, when set, receives a copy of every record and is rotated by
	// size.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Logger is the process logger plus whatever it must close on exit.
type Logger struct {
	*slog.Logger
	file *lumberjack.Logger
}

// New creates a logger writing to stdout and, optionally, a rotating file.
func New(stdout io.Writer, opts Options) *Logger {
	l := &Logger{}

	w := stdout
	if opts.File != "" {
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = 100 // megabytes
		}
		if opts.MaxBackups <= 0 {
			opts.MaxBackups = 3
		}
		l.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
		w = io.MultiWriter(stdout, l.file)
	}

	l.Logger = slog.New(NewHandler(w, opts.Format, opts.Level))
	return l
}

// NewHandler returns a text or JSON handler at the given level.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	ho := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, ho)
	}
	return slog.NewTextHandler(w, ho)
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
