package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelTrace sits below debug and is used for wire-level message tracing.
const LevelTrace = slog.LevelDebug - 4

// Config selects the handler and level.
type Config struct {
	// Format is "text" (default) or "json".
	Format string `yaml:"format"`
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level"`
	// Output defaults to stdout.
	Output io.Writer `yaml:"-"`
}

// FromEnv reads LOG_FORMAT and LOG_LEVEL.
func FromEnv() Config {
	return Config{
		Format: os.Getenv("LOG_FORMAT"),
		Level:  os.Getenv("LOG_LEVEL"),
	}
}

// ParseLevel maps a level name to a slog level. Unknown names give info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return LevelTrace
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

// New builds a logger from cfg. Text output is for development, json for
// production.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	level := ParseLevel(cfg.Level)

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: replaceLevel,
		})
	default:
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{
			Level:       level,
			AddSource:   level <= slog.LevelDebug,
			ReplaceAttr: replaceLevel,
		})
	}
	return slog.New(handler)
}

// Setup builds a logger and installs it as the slog default.
func Setup(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// Component returns a child logger tagged with a component name.
func Component(log *slog.Logger, name string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With("component", name)
}

func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
