// Package sentryreport reports non-fatal domain warnings — auto-bind
// ambiguity and failed safety stage reads — to an external error
// tracker, additive to the required log line and metric counter.
// Grounded in jordanlanch-industrydb-back's github.com/getsentry/sentry-go
// wiring, generalized here from HTTP-middleware capture to direct calls
// from the reconciler's warning paths.
package sentryreport

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter wraps the sentry-go client. A zero-value Reporter (nil dsn)
// is a safe no-op, so callers never need to nil-check before use.
type Reporter struct {
	enabled bool
}

// New initializes sentry-go if dsn is non-empty; otherwise it returns a
// disabled Reporter that silently drops every call.
func New(dsn string) (*Reporter, error) {
	if dsn == "" {
		return &Reporter{enabled: false}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
		return nil, err
	}
	return &Reporter{enabled: true}, nil
}

// Warning reports a message-level breadcrumb tagged with the error kind
// and external id, for the AutoBindAmbiguous and StageReadFailed paths.
func (r *Reporter) Warning(kind, externalID, message string) {
	if !r.enabled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("kind", kind)
		scope.SetTag("external_id", externalID)
		scope.SetLevel(sentry.LevelWarning)
		sentry.CaptureMessage(message)
	})
}

// Flush blocks up to timeout waiting for buffered events to send,
// called during graceful shutdown.
func (r *Reporter) Flush(timeout time.Duration) {
	if !r.enabled {
		return
	}
	sentry.Flush(timeout)
}
