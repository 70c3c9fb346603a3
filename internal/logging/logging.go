// Package logging bootstraps the shared zerolog logger used by every
// command.
package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Setup configures the global zerolog logger: colored console output to
// stderr when stderr is an interactive terminal, plain JSON lines when
// it isn't (piped to a file, a systemd journal, or a log collector —
// ANSI color codes there are just noise), Unix time fields, and level
// gated by debug/verbose.
func Setup(debug, verbose bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	switch {
	case debug:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
}
