package engine

import (
	"github.com/rs/zerolog"

	"github.com/bobboyms/docstore/pkg/diagnostics"
	"github.com/bobboyms/docstore/pkg/lockmgr"
	"github.com/bobboyms/docstore/pkg/wal"
)

// Options configures a StorageEngine and its subordinate components, one
// Options struct with a DefaultOptions constructor threaded through the
// whole stack (see pkg/wal/options.go).
type Options struct {
	WAL  wal.Options
	Lock lockmgr.Options

	Logger   *zerolog.Logger
	Reporter diagnostics.Reporter
	Metrics  *diagnostics.Metrics
}

// DefaultOptions returns the engine's out-of-the-box configuration.
func DefaultOptions() Options {
	return Options{
		WAL:  wal.DefaultOptions(),
		Lock: lockmgr.Options{Timeout: lockmgr.DefaultTimeout},
	}
}

func (o Options) withDefaults() Options {
	if o.Reporter == nil {
		o.Reporter = diagnostics.NoopReporter{}
	}
	o.WAL.Reporter = o.Reporter
	o.WAL.Metrics = o.Metrics
	// Forward the caller's logger to the WAL only if one was explicitly
	// configured; otherwise leave it nil so pkg/wal keeps its own
	// "wal"-tagged default rather than inheriting the engine's.
	if o.Logger != nil {
		o.WAL.Logger = o.Logger
	}
	o.Lock.Reporter = o.Reporter
	o.Lock.Metrics = o.Metrics
	if o.Lock.Timeout <= 0 {
		o.Lock.Timeout = lockmgr.DefaultTimeout
	}
	if o.Logger == nil {
		l := diagnostics.Logger("engine")
		o.Logger = &l
	}
	return o
}
