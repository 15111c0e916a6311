package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
	level  = new(slog.LevelVar)
)

// Setup initializes the global logger writing to stdout.
// logic: default to INFO. If level is invalid, fallback to INFO.
func Setup(lvl, format string) {
	SetupWriter(os.Stdout, lvl, format)
}

// SetupWriter is Setup with an explicit destination. Only the first call wins.
func SetupWriter(w io.Writer, lvl, format string) {
	once.Do(func() {
		level.Set(ParseLevel(lvl))
		opts := &slog.HandlerOptions{Level: level}

		var handler slog.Handler
		if strings.EqualFold(format, "text") {
			handler = slog.NewTextHandler(w, opts)
		} else {
			handler = slog.NewJSONHandler(w, opts)
		}
		logger = slog.New(handler)
		slog.SetDefault(logger)
	})
}

// ParseLevel maps a config level string to a slog level.
func ParseLevel(lvl string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(lvl)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DebugEnabled reports whether the global logger emits debug records.
// Message bodies are only logged in clear when it does.
func DebugEnabled() bool {
	return level.Level() <= slog.LevelDebug
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO", "json")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithCommand returns l with the command and command_id fields set.
func WithCommand(l *slog.Logger, command string, id int64) *slog.Logger {
	return l.With(slog.String("command", command), slog.Int64("command_id", id))
}

// WithURI returns l with the record uri field set.
func WithURI(l *slog.Logger, uri string) *slog.Logger {
	return l.With(slog.String("uri", uri))
}

// OrComponent returns l, or a component logger when l is nil.
func OrComponent(l *slog.Logger, name string) *slog.Logger {
	if l != nil {
		return l.With(slog.String("component", name))
	}
	return WithComponent(name)
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
