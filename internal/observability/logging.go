package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewBaseLogger creates the process-wide JSON logger. Components derive
// their own via With().Str("component", ...) in their constructors.
// Production default: info. Set via EMPIRE_LOG_LEVEL env var.
func NewBaseLogger() zerolog.Logger {
	level := parseLogLevel(os.Getenv("EMPIRE_LOG_LEVEL"))

	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "empiresync").
		Logger()
}

// NewLogger creates a component-tagged logger off the base.
func NewLogger(component string) zerolog.Logger {
	return NewBaseLogger().With().Str("component", component).Logger()
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "empiresync").
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
