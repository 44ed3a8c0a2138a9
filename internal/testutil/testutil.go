// Package testutil holds helpers shared by the engine's test suites.
package testutil

import (
	"io"
	"log/slog"
	"time"
)

// FrozenNow returns a clock stuck at t. Injected as the runtime's Now
// source it makes event timestamps byte-stable for golden comparison.
func FrozenNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// SilentLogger returns a logger that discards everything. Tests that
// exercise failure paths use it to keep expected errors out of the run
// output.
func SilentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
