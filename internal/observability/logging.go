package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a logger on stdout tagged with component. PERP_LOG_LEVEL
// sets the level (default info); PERP_LOG_FORMAT=console switches from JSON to
// human-readable output.
func NewLogger(component string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(os.Getenv("PERP_LOG_FORMAT"), "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
	}
	return NewLoggerTo(out, component, ParseLevel(os.Getenv("PERP_LOG_LEVEL")))
}

// NewLoggerTo builds a component logger on w at level.
func NewLoggerTo(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLevel maps a level name to a zerolog level. Unknown values fall back
// to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
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
