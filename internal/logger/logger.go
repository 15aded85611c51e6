package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Config selects the level and handler of the process logger.
type Config struct {
	Level  string
	Format string // "json" or "text"
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates the process logger and installs it as the slog default.
func New(cfg Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	}

	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

// Printf adapts a slog logger to printf-style loggers such as the one of
// asynq's scheduler and third-party clients.
type Printf struct {
	L *slog.Logger
}

func (p Printf) Debug(args ...interface{}) { p.L.Debug(fmt.Sprint(args...)) }
func (p Printf) Info(args ...interface{})  { p.L.Info(fmt.Sprint(args...)) }
func (p Printf) Warn(args ...interface{})  { p.L.Warn(fmt.Sprint(args...)) }
func (p Printf) Error(args ...interface{}) { p.L.Error(fmt.Sprint(args...)) }

// Fatal logs at error level and exits.
func (p Printf) Fatal(args ...interface{}) {
	p.L.Error(fmt.Sprint(args...))
	os.Exit(1)
}
