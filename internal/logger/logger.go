// Package logger sets up this process's structured logging: one JSON
// object per line carrying timestamp, level, component, and message,
// plus whatever attrs the call site adds. cmd/monitor's pretty-printer
// is the only consumer that cares about the exact field names used
// here.
package logger

import (
	"io"
	"log/slog"
	"os"
)

var Log *slog.Logger

// Init initializes the global logger, writing JSON lines to stdout and,
// if logFile is non-empty, also appending them to logFile.
func Init(level string, logFile string) error {
	return InitTo(level, logFile, os.Stdout)
}

// InitTo is Init with the primary output writer overridden. cmd/monitor
// uses this to route raw JSON lines into its pretty-printer instead of
// straight to the terminal.
func InitTo(level string, logFile string, out io.Writer) error {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var writers []io.Writer
	writers = append(writers, out)

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	multiWriter := io.MultiWriter(writers...)

	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("timestamp", a.Value.Time().Format("2006-01-02T15:04:05.000Z07:00"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)

	return nil
}

// For returns a logger that stamps every record with component.
func For(component string) *slog.Logger {
	return Log.With("component", component)
}

// Debug logs at debug level on the global logger.
func Debug(msg string, args ...any) {
	Log.Debug(msg, args...)
}

// Info logs at info level on the global logger.
func Info(msg string, args ...any) {
	Log.Info(msg, args...)
}

// Warn logs at warn level on the global logger.
func Warn(msg string, args ...any) {
	Log.Warn(msg, args...)
}

// Error logs at error level on the global logger.
func Error(msg string, args ...any) {
	Log.Error(msg, args...)
}
