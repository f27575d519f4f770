// Package logging builds the per-component loggers.
//
// Every component logs through a standard *log.Logger with a bracketed
// prefix ("[engine] ", "[dashboard] "). All loggers share one writer:
// stderr, or a size-rotated file when a log file is configured.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/taskdash/taskdash/internal/config"
)

// Logs hands out loggers over a shared writer.
type Logs struct {
	w      io.Writer
	closer io.Closer

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// Open returns loggers writing to cfg.File, or stderr when it is empty.
func Open(cfg config.LogConfig) *Logs {
	if cfg.File == "" {
		return New(os.Stderr)
	}
	rot := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	l := New(rot)
	l.closer = rot
	return l
}

// New returns loggers writing to w.
func New(w io.Writer) *Logs {
	return &Logs{w: w, loggers: make(map[string]*log.Logger)}
}

// Discard returns loggers that drop everything.
func Discard() *Logs {
	return New(io.Discard)
}

// Logger returns the logger for component, creating it on first use.
func (l *Logs) Logger(component string) *log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lg, ok := l.loggers[component]; ok {
		return lg
	}
	lg := log.New(l.w, "["+component+"] ", log.LstdFlags)
	l.loggers[component] = lg
	return lg
}

// Writer returns the shared writer.
func (l *Logs) Writer() io.Writer { return l.w }

// Close closes the log file, if any.
func (l *Logs) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
