// Package logging implements ev.Logger on top of logiface, using stumpy as
// the concrete JSON encoder.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"github.com/duskline/evrelay/ev"
)

// Logger is the process-wide structured logger. Safe for concurrent use —
// Recycle (the SIGUSR1 handler) may run concurrently with log calls from
// both the main and hub goroutines.
type Logger struct {
	mu   sync.Mutex
	path string
	file *os.File
	core *logiface.Logger[*stumpy.Event]
}

// New opens path (or writes to stderr if path is empty) and builds a logger.
func New(path string) (*Logger, error) {
	l := &Logger{path: path}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) open() error {
	var w io.Writer = os.Stderr
	if l.path != "" {
		f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		l.file = f
		w = f
	}
	l.core = stumpy.L.New(stumpy.WithStumpy(stumpy.WithWriter(w)))
	return nil
}

// Recycle closes and reopens the log file. Wired to SIGUSR1 so external log
// rotation (moving the file aside, then signalling the process) doesn't
// leave evrelay writing to an unlinked inode.
func (l *Logger) Recycle() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_ = l.file.Close()
	}
	return l.open()
}

func (l *Logger) Debugf(data ev.LoggableData, format string, args ...any) {
	l.write(l.builder().Debug, data, format, args)
}

func (l *Logger) Infof(data ev.LoggableData, format string, args ...any) {
	l.write(l.builder().Info, data, format, args)
}

func (l *Logger) Errorf(data ev.LoggableData, format string, args ...any) {
	l.write(l.builder().Err, data, format, args)
}

func (l *Logger) builder() *logiface.Logger[*stumpy.Event] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.core
}

func (l *Logger) write(build func() *logiface.Builder[*stumpy.Event], data ev.LoggableData, format string, args []any) {
	b := build()
	if b == nil {
		return
	}
	if data.Module != "" {
		b = b.Str("module", data.Module)
	}
	if data.Instance != "" {
		b = b.Str("instance", data.Instance)
	}
	if data.IPAddress != "" {
		b = b.Str("ip", data.IPAddress)
	}
	b.Logf(format, args...)
}

var _ ev.Logger = (*Logger)(nil)
