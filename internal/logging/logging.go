// Package logging builds the engine's structured logger. A single
// zerolog.Logger is constructed once on the engine handle and passed
// down explicitly to every worker and subsystem; nothing in this
// package is read from a package-global.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds a logger at the given severity threshold ("debug",
// "info", "warn", "error"; anything else defaults to "info"),
// writing to w. Pass os.Stderr for normal operation; tests typically
// pass a bytes.Buffer to assert on log output.
func New(levelName string, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// WithRun annotates logger with the run's identifier, stamped into
// every subsequent log line for this engine instance.
func WithRun(logger zerolog.Logger, runID string) zerolog.Logger {
	return logger.With().Str("run_id", runID).Logger()
}

// WithThread annotates logger with the id of the worker thread using
// it, so interleaved per-thread log lines can be told apart.
func WithThread(logger zerolog.Logger, thread int) zerolog.Logger {
	return logger.With().Int("thread", thread).Logger()
}

// Default returns a logger writing to stderr at info level, for
// callers (like cmd/timewarp) that have not yet loaded a config.
func Default() zerolog.Logger {
	return New("info", os.Stderr)
}

// ProtocolCorruption logs a protocol-corruption abort (spec §7) at
// fatal severity and returns an error wrapping msg, for the caller to
// propagate before the process exits. The log line is the only place
// this information is recorded; flushing happens because zerolog's
// Fatal level writes synchronously.
func ProtocolCorruption(logger zerolog.Logger, lp int64, msg string) error {
	logger.Error().Int64("lp", lp).Str("reason", msg).Msg("protocol corruption detected")
	return fmt.Errorf("protocol corruption at lp %d: %s", lp, msg)
}
