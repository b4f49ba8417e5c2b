package config

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger configures the global zerolog logger. An unknown level
// falls back to info.
func (c LogConfig) SetupLogger(out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	w := out
	if c.Pretty {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	l := zerolog.New(w).With().Timestamp().Logger()
	log.Logger = l
	return l
}
