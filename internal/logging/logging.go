// Package logging provides the bracketed [INFO]/[WARN]/[ERROR] log
// convention used throughout leechd, wrapping a standard log.Logger so
// each component can be handed its own instance instead of reaching for
// the global logger.
package logging

import (
	"io"
	"log"
	"os"
)

// Logger tags every line with a level bracket, mirroring the
// "[INFO]\t...", "[FAIL]\t..." convention of the original client.
type Logger struct {
	std *log.Logger
}

// New builds a Logger writing to w with the given prefix (e.g. a torrent
// name), so concurrent components' output stays attributable.
func New(w io.Writer, prefix string) *Logger {
	if prefix != "" {
		prefix = prefix + " "
	}
	return &Logger{std: log.New(w, prefix, log.LstdFlags)}
}

// Default returns a Logger writing to stderr with no prefix.
func Default() *Logger {
	return New(os.Stderr, "")
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.std.Printf("[INFO]\t"+format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.std.Printf("[WARN]\t"+format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.std.Printf("[ERROR]\t"+format, args...)
}

// Fail matches the teacher's "[FAIL]" tag for recoverable send/connect
// failures, kept distinct from Error (protocol violations, fatal I/O).
func (l *Logger) Fail(format string, args ...interface{}) {
	l.std.Printf("[FAIL]\t"+format, args...)
}
