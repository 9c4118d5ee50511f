package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Logger struct {
	*slog.Logger
}

func New(logLevel string) *Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(logLevel),
		AddSource: logLevel == "debug",
	}

	handler := slog.NewJSONHandler(os.Stderr, opts)

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Discard returns a logger that drops everything. Used as the default so
// library callers opt in to output.
func Discard() *Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	return &Logger{Logger: slog.New(handler)}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
	}
}

func (l *Logger) WithFields(fields ...interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
	}
}

func (l *Logger) RouteOperation(action, route string, duration int64, success bool) {
	l.Info("Route operation completed",
		slog.String("action", action),
		slog.String("route", route),
		slog.Int64("duration_ms", duration),
		slog.Bool("success", success))
}

func (l *Logger) RouteChange(kind, route string) {
	l.Debug("Route change observed",
		slog.String("kind", kind),
		slog.String("route", route))
}

func (l *Logger) BatchOperation(action string, total, success, failed int, duration int64) {
	l.Info("Batch operation completed",
		slog.String("action", action),
		slog.Int("total", total),
		slog.Int("success", success),
		slog.Int("failed", failed),
		slog.Int64("duration_ms", duration))
}

func (l *Logger) MonitorStart() {
	l.Info("Route monitor started")
}

func (l *Logger) MonitorStop() {
	l.Info("Route monitor stopped")
}
