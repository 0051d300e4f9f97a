// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-workspace/realtime/internal/config"
)

// New creates the root logger. Development mode and the "console" format
// use a human readable writer; everything else logs JSON lines.
func New(cfg config.LoggingConfig, development bool) zerolog.Logger {
	return NewWithWriter(os.Stdout, cfg, development)
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(w io.Writer, cfg config.LoggingConfig, development bool) zerolog.Logger {
	out := w
	if cfg.Format == "console" || (cfg.Format == "" && development) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps a config level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
