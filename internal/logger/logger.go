package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the process logger at the level named by LOG_LEVEL, falling
// back to info. It runs before config is loaded so config loading can log.
func New() zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return SetLevel(level)
}

func SetLevel(level zerolog.Level) zerolog.Logger {
	return build(os.Stdout, level).With().Caller().Logger()
}

// Console is the human-readable variant used by opsctl.
func Console(level zerolog.Level) zerolog.Logger {
	return build(zerolog.ConsoleWriter{Out: os.Stderr}, level)
}

func build(w io.Writer, level zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(w).
		With().
		Timestamp().
		Logger().
		Level(level)
}
