// Package logger provides utilities for initializing [zerolog]
// and passing loggers through a [context.Context].
package logger

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New initializes a logger: human-readable console output at the trace
// level in development mode, JSON at the debug level otherwise. It also
// becomes the global default logger.
func New(devMode bool) zerolog.Logger {
	var l zerolog.Logger
	if devMode {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.TraceLevel).With().Timestamp().Caller().Logger()
	} else {
		l = zerolog.New(os.Stderr).
			Level(zerolog.DebugLevel).With().Timestamp().Logger()
	}

	log.Logger = l
	zerolog.DefaultContextLogger = &l
	return l
}

// WithContext attaches a logger to the given context.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// FromContext returns the logger attached to the given context,
// or the default logger if there isn't one.
func FromContext(ctx context.Context) zerolog.Logger {
	return *zerolog.Ctx(ctx)
}

// FatalError logs an error and aborts the process. Meant for
// unrecoverable initialization failures in executables only.
func FatalError(l zerolog.Logger, msg string, err error) {
	l.Fatal().Err(err).Msg(msg)
}
