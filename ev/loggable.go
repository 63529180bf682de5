// Package ev defines the core connector-runtime types shared by the hub, the
// scheduler and every backend device: the device contract, the request/result
// value objects and the loggable context threaded through both.
package ev

// LoggableData is the contextual tuple attached to every device and request so
// that log records can be correlated back to the owning object without the
// core depending on a concrete logging implementation.
type LoggableData struct {
	// Owner identifies the object (Task or Subscription) this context
	// belongs to. Stored as an opaque value — the core never dereferences it.
	Owner any
	// IPAddress of the peer on whose behalf this request was made, when known.
	IPAddress string
	// Module is a short component tag, e.g. "sql", "cache", "http".
	Module string
	// Instance is the process instance index (the CLI's -i flag), formatted
	// so log lines from multiple co-located instances can be told apart.
	Instance string
}

// Logger is the minimal structured-logging capability the core requires.
// The logging package's logiface-backed logger satisfies this; tests can
// supply a trivial stub.
type Logger interface {
	Debugf(data LoggableData, format string, args ...any)
	Infof(data LoggableData, format string, args ...any)
	Errorf(data LoggableData, format string, args ...any)
}

// NopLogger discards every record. Useful as a zero-value default so callers
// that don't care about logging don't need a nil check at every call site.
type NopLogger struct{}

func (NopLogger) Debugf(LoggableData, string, ...any) {}
func (NopLogger) Infof(LoggableData, string, ...any)  {}
func (NopLogger) Errorf(LoggableData, string, ...any) {}
