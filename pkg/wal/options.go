package wal

import (
	"github.com/rs/zerolog"

	"github.com/bobboyms/docstore/pkg/diagnostics"
)

// Options configures a WAL via the usual Options/DefaultOptions pair.
type Options struct {
	// BufferSize is the number of entries accumulated in memory before an
	// automatic flush.
	BufferSize int

	// RotateSizeBytes is the active-log size threshold that triggers
	// rotation after a flush.
	RotateSizeBytes int64

	// Logger receives trace/debug diagnostics for swallowed failures
	// (rotation, trim, corrupt-entry skip). A nil Logger defaults to
	// diagnostics.Logger("wal").
	Logger *zerolog.Logger

	// Reporter optionally forwards swallowed failures to an external
	// error tracker. A nil Reporter defaults to diagnostics.NoopReporter{}.
	Reporter diagnostics.Reporter

	// Metrics receives WAL latency/rotation counters. A nil Metrics
	// disables recording (every call site nil-checks before use).
	Metrics *diagnostics.Metrics
}

// DefaultOptions returns a safe configuration: 100-entry buffer, 10 MiB
// rotation threshold, a no-op reporter, and the shared "wal" logger.
func DefaultOptions() Options {
	return Options{
		BufferSize:      100,
		RotateSizeBytes: 10 * 1024 * 1024,
	}
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 100
	}
	if o.RotateSizeBytes <= 0 {
		o.RotateSizeBytes = 10 * 1024 * 1024
	}
	if o.Reporter == nil {
		o.Reporter = diagnostics.NoopReporter{}
	}
	if o.Logger == nil {
		l := diagnostics.Logger("wal")
		o.Logger = &l
	}
	return o
}
