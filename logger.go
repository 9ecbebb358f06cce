package postoffice

import "log/slog"

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation or use the default slog logger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// withAttrs returns a logger that adds args to every record.
// *slog.Logger keeps its own With; other loggers get the args appended.
func withAttrs(l Logger, args ...any) Logger {
	if sl, ok := l.(*slog.Logger); ok {
		return sl.With(args...)
	}
	return attrLogger{l: l, args: args}
}

type attrLogger struct {
	l    Logger
	args []any
}

func (a attrLogger) with(args []any) []any {
	return append(args[:len(args):len(args)], a.args...)
}

func (a attrLogger) Debug(msg string, args ...any) { a.l.Debug(msg, a.with(args)...) }
func (a attrLogger) Info(msg string, args ...any)  { a.l.Info(msg, a.with(args)...) }
func (a attrLogger) Warn(msg string, args ...any)  { a.l.Warn(msg, a.with(args)...) }
func (a attrLogger) Error(msg string, args ...any) { a.l.Error(msg, a.with(args)...) }
