package msgbus

import (
	"sync/atomic"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all envelope traffic through a subscriber.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	if logger == nil {
		logger = NoopLogger()
	}
	return &LoggingMiddleware{logger: logger}
}

// Before logs envelope receipt.
func (m *LoggingMiddleware) Before(topic string, env Envelope) bool {
	m.logger.Debug("envelope_received", "topic", topic, "kind", env.Kind, "sender", env.Sender())
	return true
}

// After logs dispatch completion.
func (m *LoggingMiddleware) After(topic string, env Envelope, errs []UpdateError) {
	if len(errs) > 0 {
		m.logger.Warn("envelope_handled_with_errors", "topic", topic, "kind", env.Kind, "errors", len(errs))
		return
	}

	m.logger.Debug("envelope_handled", "topic", topic, "kind", env.Kind)
}

// =============================================================================
// COUNTING MIDDLEWARE
// =============================================================================

// CountingMiddleware keeps envelope counts by outcome. Its optional callbacks
// let the owner forward each outcome elsewhere (the module runtime feeds the
// Prometheus vectors), so it is deliberately free of any registry dependency.
type CountingMiddleware struct {
	Received     atomic.Uint64
	HandlerErrs  atomic.Uint64
	Undecodable  atomic.Uint64
	observe      func(env Envelope, errs []UpdateError)
	observeSkips func(err error)
}

// NewCountingMiddleware creates a CountingMiddleware. Both callbacks are
// optional and run after the counters are bumped.
func NewCountingMiddleware(observe func(env Envelope, errs []UpdateError), observeSkips func(err error)) *CountingMiddleware {
	return &CountingMiddleware{observe: observe, observeSkips: observeSkips}
}

// Before implements Middleware.
func (m *CountingMiddleware) Before(topic string, env Envelope) bool {
	m.Received.Add(1)
	return true
}

// After implements Middleware.
func (m *CountingMiddleware) After(topic string, env Envelope, errs []UpdateError) {
	if len(errs) > 0 {
		m.HandlerErrs.Add(1)
	}

	if m.observe != nil {
		m.observe(env, errs)
	}
}

// Skipped implements SkipObserver for payloads that never decoded.
func (m *CountingMiddleware) Skipped(err error) {
	m.Undecodable.Add(1)

	if m.observeSkips != nil {
		m.observeSkips(err)
	}
}
