// Package logger builds the structured loggers used by the embedding service
// binaries. Library packages take a *slog.Logger and never construct one.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Log formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ServiceName is attached to every record as the "service" attribute.
const ServiceName = "embedservice"

// Config holds configuration options for the logger
type Config struct {
	Level  string // "debug", "info", "warn" or "error"
	Format string // "text" or "json"

	// Output defaults to os.Stderr. stdout is reserved for the tool protocol.
	Output io.Writer

	DefaultTags map[string]interface{}
}

// DefaultConfig returns a default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: FormatText,
		Output: os.Stderr,
	}
}

// New creates a logger from cfg.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: ParseLevel(cfg.Level) == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, FormatJSON) {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	attrs := []any{"service", ServiceName}
	for k, v := range cfg.DefaultTags {
		attrs = append(attrs, k, v)
	}
	return slog.New(handler).With(attrs...)
}

// ParseLevel converts a string level to a slog.Level. Unknown levels map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
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

// Install builds a logger from cfg and makes it the slog default.
func Install(cfg Config) *slog.Logger {
	l := New(cfg)
	slog.SetDefault(l)
	return l
}
