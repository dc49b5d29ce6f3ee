// Package logging builds CrimsonCache's structured logger: zerolog writing
// to both stdout and the configured log file, plus a goroutine panic
// recovery helper used throughout the concurrency drivers.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// New opens logFile (creating it if needed) and returns a zerolog.Logger
// that writes to both it and stdout, with RFC3339 timestamps and caller
// info.
func New(logFile string) (zerolog.Logger, error) {
	var writers []io.Writer
	writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, err
		}
		writers = append(writers, f)
	}

	logger := zerolog.New(io.MultiWriter(writers...)).
		With().
		Timestamp().
		Caller().
		Str("service", "crimsoncache").
		Logger()

	return logger, nil
}

// RecoverPanic logs a recovered panic with its stack trace but does not
// re-panic, so one connection's bug doesn't take the whole server down.
// Use in every per-connection goroutine's deferred recovery.
func RecoverPanic(logger zerolog.Logger, component string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("component", component).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
