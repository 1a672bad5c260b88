package mux

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the zerolog.Logger the rest of this package logs
// through, console-formatted when pretty is true (grounded on the
// zerolog.ConsoleWriter wiring used across the cmd/wsmuxd entrypoint).
func NewLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
