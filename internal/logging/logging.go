// Package logging configures the zerolog loggers used by every PICTURE-C
// process. Output defaults to a human-readable console format; set
// PICC_LOG_FORMAT=json for line-delimited JSON suitable for log shipping.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel  = "PICC_LOG_LEVEL"
	EnvLogFormat = "PICC_LOG_FORMAT"
)

var configureOnce sync.Once

// New returns a logger for a process component (e.g. "agent", "director").
// The first call also installs it as the global zerolog logger.
func New(component string) zerolog.Logger {
	return NewWithWriter(component, os.Stderr)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(component string, w io.Writer) zerolog.Logger {
	level := parseLevel(os.Getenv(EnvLogLevel))

	out := w
	if !strings.EqualFold(os.Getenv(EnvLogFormat), "json") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Str("component", component).Logger()

	configureOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano
		log.Logger = logger
	})

	return logger
}

// Nop returns a disabled logger for tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

func parseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
