// Package applog is the one logging mechanism MatchBox uses: a plain
// stdlib log.Logger, augmented to also feed the status/log bus so
// /ws/logs gets its feed without introducing a separate logging
// dependency.
package applog

import (
	"fmt"
	"log"
	"os"
)

// Sink receives a structured log record alongside the formatted line.
// internal/bus.Bus implements this.
type Sink interface {
	BroadcastLog(level, message string)
}

// Logger wraps a stdlib *log.Logger and an optional Sink.
type Logger struct {
	std  *log.Logger
	sink Sink
}

// New returns a Logger writing to stderr with a timestamped,
// prefix-free format (log.LstdFlags).
func New() *Logger {
	return &Logger{std: log.New(os.Stderr, "", log.LstdFlags)}
}

// SetSink attaches the bus after it's constructed; safe to call once at
// startup before any concurrent logging begins.
func (l *Logger) SetSink(sink Sink) {
	l.sink = sink
}

func (l *Logger) log(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.std.Println(level + ": " + msg)
	if l.sink != nil {
		l.sink.BroadcastLog(level, msg)
	}
}

func (l *Logger) Debugf(format string, args ...any) { l.log("debug", format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log("info", format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log("warning", format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log("error", format, args...) }

// Fatalf logs at error level and terminates the process, for
// unrecoverable startup failures such as a bind failure.
func (l *Logger) Fatalf(format string, args ...any) {
	l.log("error", format, args...)
	os.Exit(1)
}
