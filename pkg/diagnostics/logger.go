// Package diagnostics is the engine's ambient observability layer: a
// process-wide structured logger, Prometheus metrics, and an optional
// error-reporting hook for the failures spec §7 says must be swallowed
// rather than propagated (WAL rotation, trim).
package diagnostics

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	baseOnce sync.Once
	base     zerolog.Logger
)

func rootLogger() zerolog.Logger {
	baseOnce.Do(func() {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			With().
			Timestamp().
			Logger()
	})
	return base
}

// Logger returns a sub-logger tagged with the given component name, e.g.
// diagnostics.Logger("wal"), diagnostics.Logger("lockmgr").
func Logger(component string) zerolog.Logger {
	return rootLogger().With().Str("component", component).Logger()
}

// SetLevel adjusts the process-wide minimum log level (zerolog's global
// default is Debug, so Trace output is dropped until this lowers it).
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}
