// Package logger provides the structured logging facade used across the
// streaming engine.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Logger defines a standard interface for logging, tagged with the
// component that produced the line.
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	// With returns a Logger that annotates every line with component.
	With(component string) Logger
}

// SlogLogger is a wrapper around Go's structured logger.
type SlogLogger struct {
	*slog.Logger
}

// levelNames maps the engineconfig "log_level" values (and the
// --log-level flag bound via engineconfig.BindLogLevel) onto slog's
// levels. An unrecognized name falls back to info rather than erroring,
// since this runs ahead of any config validation.
var levelNames = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// New builds the JSON-structured Logger the command layer installs for
// a configured log level (cmd/streamengine passes the --log-level flag
// value straight through here).
func New(level string) Logger {
	lvl, ok := levelNames[strings.ToLower(level)]
	if !ok {
		lvl = slog.LevelInfo
	}
	return &SlogLogger{slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))}
}

// Debugf logs a message at the debug level.
func (l *SlogLogger) Debugf(format string, v ...interface{}) {
	l.Debug(fmt.Sprintf(format, v...))
}

// Infof logs a message at the info level.
func (l *SlogLogger) Infof(format string, v ...interface{}) {
	l.Info(fmt.Sprintf(format, v...))
}

// Warnf logs a message at the warn level.
func (l *SlogLogger) Warnf(format string, v ...interface{}) {
	l.Warn(fmt.Sprintf(format, v...))
}

// Errorf logs a message at the error level.
func (l *SlogLogger) Errorf(format string, v ...interface{}) {
	l.Error(fmt.Sprintf(format, v...))
}

// With returns a logger that tags every subsequent line with component.
func (l *SlogLogger) With(component string) Logger {
	return &SlogLogger{l.Logger.With("component", component)}
}

// Noop returns a Logger that discards everything, used in tests.
func Noop() Logger {
	return &SlogLogger{slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
