// This file defines the canonical protocols for the message bus. Components
// depend on these interfaces, not on a concrete transport: the NATS transport
// backs multi-process deployments and the in-process broker backs
// single-process simulations and tests.
package msgbus

import (
	"context"
)

// =============================================================================
// LOGGING PROTOCOL
// =============================================================================

// Logger is the interface for structured logging in msgbus. It enables
// dependency injection of loggers for testability.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, keysAndValues ...any) {}
func (l *noopLogger) Info(msg string, keysAndValues ...any)  {}
func (l *noopLogger) Warn(msg string, keysAndValues ...any)  {}
func (l *noopLogger) Error(msg string, keysAndValues ...any) {}

// NoopLogger returns a logger that discards all output.
func NoopLogger() Logger {
	return &noopLogger{}
}

// =============================================================================
// TRANSPORT PROTOCOLS
// =============================================================================

// PushSocket is a connected, outbound socket. Send delivers one two-frame
// message (topic, payload). Implementations must tolerate concurrent callers.
type PushSocket interface {
	Send(topic string, payload []byte) error
	Close() error
}

// SubSocket is a connected, topic-filtered inbound socket. Recv blocks until
// a message arrives, the context is canceled, or the socket is closed; the
// latter two return the context error / a TransportError promptly so a
// subscriber can stop within its deadline.
type SubSocket interface {
	Recv(ctx context.Context) (topic string, payload []byte, err error)
	Close() error
}

// Transport creates sockets for a configured pair of endpoints.
type Transport interface {
	// Push returns an outbound socket for the pull/ingest endpoint.
	Push() (PushSocket, error)
	// Sub returns an inbound socket subscribed to the given topic prefix.
	Sub(topic string) (SubSocket, error)
	// Close releases the transport and every socket created from it.
	Close() error
}

// =============================================================================
// CLIENT PROTOCOLS
// =============================================================================

// Push is the outbound half of the bus client.
type Push interface {
	Push(topic string, env Envelope) error
}

// StatusHandler consumes a decoded Status envelope.
type StatusHandler func(env Envelope, status Status)

// UpdateError reports one point of an Update whose write-through failed. The
// subscriber folds these into the Confirmation envelope when one is requested.
type UpdateError struct {
	Tag    string
	Reason string
}

// UpdateHandler consumes a decoded Update envelope and reports per-point
// write-through failures.
type UpdateHandler func(env Envelope, update Update) []UpdateError

// Middleware intercepts envelopes around handler dispatch. Before may veto an
// envelope by returning false; After observes the dispatch outcome.
type Middleware interface {
	Before(topic string, env Envelope) bool
	After(topic string, env Envelope, errs []UpdateError)
}
