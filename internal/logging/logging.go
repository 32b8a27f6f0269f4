package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the service logger. JSON to stdout in production, console
// output everywhere else.
func New(env, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	log := zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
	if env != "production" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return log
}
