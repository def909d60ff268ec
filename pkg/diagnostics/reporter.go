package diagnostics

import (
	"github.com/getsentry/sentry-go"
)

// Reporter captures diagnostic events for failures that spec §7 says are
// swallowed rather than returned to the caller (rotation/trim I/O errors,
// a lock's waiter queue crossing the suspicious-depth threshold). Corrupt
// WAL entries are skipped silently and are not reported. The default Reporter is a no-op; engines that want these
// surfaced to an error-tracking backend configure a SentryReporter.
type Reporter interface {
	ReportSwallowedError(component, op string, err error, tags map[string]string)
	ReportDiagnostic(component, message string, tags map[string]string)
}

// NoopReporter discards everything. It is the default so the engine never
// requires an error-tracking backend to function.
type NoopReporter struct{}

func (NoopReporter) ReportSwallowedError(string, string, error, map[string]string) {}
func (NoopReporter) ReportDiagnostic(string, string, map[string]string)            {}

// SentryReporter forwards swallowed errors and diagnostics to Sentry as
// breadcrumbs/events on the client configured at construction. It never
// blocks: sentry-go's own buffered transport absorbs the call.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter wraps an already-initialized Sentry hub. Call
// sentry.Init with the desired DSN before constructing this; the engine
// itself never calls sentry.Init, since operators may already be running a
// Sentry client for the rest of their process.
func NewSentryReporter(hub *sentry.Hub) *SentryReporter {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentryReporter{hub: hub}
}

func (r *SentryReporter) ReportSwallowedError(component, op string, err error, tags map[string]string) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		scope.SetTag("op", op)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		scope.SetLevel(sentry.LevelWarning)
		r.hub.CaptureException(err)
	})
}

func (r *SentryReporter) ReportDiagnostic(component, message string, tags map[string]string) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		r.hub.AddBreadcrumb(&sentry.Breadcrumb{
			Category: component,
			Message:  message,
			Level:    sentry.LevelInfo,
		}, nil)
	})
}
