// Package logx is the ambient logging used by both processes: a small
// leveled, prefix-forking interface built over log/slog.
package logx

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a leveled logger that can be forked with an additional
// key/value pair attached to every subsequent record.
type Logger struct {
	slog *slog.Logger
}

// Options configures the root logger created by New.
type Options struct {
	Level LogLevel
	// LogFile, when non-empty, routes output through a rotating file
	// sink instead of stderr.
	LogFile string
}

// LogLevel is the subset of levels spec.md's ambient stack needs.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a CLI/env string into a LogLevel, defaulting to Info
// on an unrecognized value.
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// New creates a root Logger. When opts.LogFile is set, output rotates
// through lumberjack at 50 MiB per file, 10 files retained, 7 days max age.
func New(role string, opts Options) *Logger {
	var w io.Writer = os.Stderr
	if opts.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    50, // MiB
			MaxBackups: 10,
			MaxAge:     7, // days
		}
	}

	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: opts.Level.slogLevel()})
	return &Logger{slog: slog.New(h).With("role", role)}
}

// Fork returns a new Logger with an additional key/value pair attached to
// every subsequent record.
func (l *Logger) Fork(key, value string) *Logger {
	return &Logger{slog: l.slog.With(key, value)}
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }
