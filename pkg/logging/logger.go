// Package logging implements the dinit logging subsystem on log/slog.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// LevelNotice sits between Info and Warn.
const LevelNotice = slog.LevelInfo + 2

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "notice":
		return LevelNotice
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger provides leveled logging for dinit. It satisfies
// service.ServiceLogger.
type Logger struct {
	sl    *slog.Logger
	level *slog.LevelVar
}

// New creates a new Logger writing to w with the given minimum level.
func New(level slog.Level, w io.Writer) *Logger {
	lv := &slog.LevelVar{}
	lv.Set(level)
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})
	return &Logger{
		sl:    slog.New(handler),
		level: lv,
	}
}

// NewDefault creates a Logger writing to stderr at info level.
func NewDefault() *Logger {
	return New(slog.LevelInfo, os.Stderr)
}

// SetLevel changes the minimum logging level.
func (l *Logger) SetLevel(level slog.Level) {
	l.level.Set(level)
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sl.Debug(fmt.Sprintf(format, args...))
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.sl.Info(fmt.Sprintf(format, args...))
}

// Notice logs at notice level.
func (l *Logger) Notice(format string, args ...interface{}) {
	l.sl.Log(context.Background(), LevelNotice, fmt.Sprintf(format, args...))
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sl.Warn(fmt.Sprintf(format, args...))
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sl.Error(fmt.Sprintf(format, args...))
}

// ServiceStarted logs a service start event.
func (l *Logger) ServiceStarted(name string) {
	l.sl.Info("service started", "service", name)
}

// ServiceStopped logs a service stop event.
func (l *Logger) ServiceStopped(name string) {
	l.sl.Info("service stopped", "service", name)
}

// ServiceFailed logs a service failure event.
func (l *Logger) ServiceFailed(name string, depFailed bool) {
	if depFailed {
		l.sl.Error("service failed to start", "service", name, "cause", "dependency failed")
	} else {
		l.sl.Error("service failed to start", "service", name)
	}
}
