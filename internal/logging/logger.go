// Package logging wires up the process-wide zerolog logger used by both the
// hub and the agent binaries.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide logger. Initialize must run before it is used.
var Log zerolog.Logger

// Initialize configures the global logger for the named service ("hub" or
// "agent"). pretty selects a human-readable console writer for local
// development; otherwise output is newline-delimited JSON suitable for a log
// collector.
func Initialize(service, level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", service).Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Component returns a child logger tagged with the given component name,
// e.g. logging.Component("socks5") for the SOCKS5 frontend.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
