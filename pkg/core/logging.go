package core

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global zerolog logger used by every tiermem
// component that was not given an explicit logger.
//
// Parameters:
//   - level: zerolog level name ("debug", "info", "warn", ...); unknown values fall back to info
//   - format: "json" for structured output, anything else for console output
func SetupLogging(level, format string) {
	setupLogging(os.Stderr, level, format)
}

func setupLogging(w io.Writer, level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "json" {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
}
