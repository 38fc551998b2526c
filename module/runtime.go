// Package module provides the shared runtime of an OT-sim module binary:
// bus connection from configured endpoints, the optional health and metrics
// endpoints, and signal-driven shutdown that runs the registered teardown
// functions in registration order and closes the transports last. Pusher,
// ServeMetrics and InitTracing register their own teardown when called, so
// those stop ahead of anything registered after them.
package module

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/otworks/otsim/msgbus"
	"github.com/otworks/otsim/observability"
)

// StdLogger implements the per-package Logger interfaces using the standard
// library log package.
type StdLogger struct {
	module string
}

// NewStdLogger creates a logger prefixing every line with the module name.
func NewStdLogger(module string) *StdLogger {
	return &StdLogger{module: module}
}

func (l *StdLogger) printf(level, msg string, keysAndValues ...any) {
	log.Printf("[%s] [%s] %s %v", level, l.module, msg, keysAndValues)
}

func (l *StdLogger) Debug(msg string, keysAndValues ...any) { l.printf("DEBUG", msg, keysAndValues...) }
func (l *StdLogger) Info(msg string, keysAndValues ...any)  { l.printf("INFO", msg, keysAndValues...) }
func (l *StdLogger) Warn(msg string, keysAndValues ...any)  { l.printf("WARN", msg, keysAndValues...) }
func (l *StdLogger) Error(msg string, keysAndValues ...any) { l.printf("ERROR", msg, keysAndValues...) }

// BusURL maps a configured bus endpoint URI onto the transport's URL scheme.
func BusURL(endpoint string) string {
	if i := strings.Index(endpoint, "://"); i >= 0 {
		return "nats://" + endpoint[i+3:]
	}
	return "nats://" + endpoint
}

// Runtime owns the long-lived pieces of one module process, including the
// process-wide tag store: every Status and Update flowing through the
// module's subscribers lands there, so any adapter (or a debugger on the
// health endpoint) can read the last known value of any tag.
type Runtime struct {
	Name   string
	Logger *StdLogger
	Tags   *msgbus.TagStore

	transports map[string]*msgbus.NATSTransport
	shutdown   []func()
}

// NewRuntime creates a runtime for the named module.
func NewRuntime(name string) *Runtime {
	return &Runtime{
		Name:       name,
		Logger:     NewStdLogger(name),
		Tags:       msgbus.NewTagStore(),
		transports: make(map[string]*msgbus.NATSTransport),
	}
}

func (r *Runtime) transport(endpoint string) (*msgbus.NATSTransport, error) {
	url := BusURL(endpoint)

	if t, ok := r.transports[url]; ok {
		return t, nil
	}

	t, err := msgbus.DialNATS(url, r.Name, r.Logger)
	if err != nil {
		return nil, fmt.Errorf("connecting message bus at %s: %w", url, err)
	}

	r.transports[url] = t
	return t, nil
}

// Pusher connects the outbound half of the bus client. Failures here are
// fatal to the module.
func (r *Runtime) Pusher(pullEndpoint string) (*msgbus.Pusher, error) {
	t, err := r.transport(pullEndpoint)
	if err != nil {
		return nil, err
	}

	sock, err := t.Push()
	if err != nil {
		return nil, err
	}

	pusher := msgbus.NewPusher(sock, r.Logger)
	r.OnShutdown(pusher.Stop)

	return pusher, nil
}

// Subscriber connects the inbound half of the bus client for one module id.
func (r *Runtime) Subscriber(pubEndpoint, topic, id string, pusher *msgbus.Pusher) (*msgbus.Subscriber, error) {
	t, err := r.transport(pubEndpoint)
	if err != nil {
		return nil, err
	}

	sock, err := t.Sub(topic)
	if err != nil {
		return nil, err
	}

	sub := msgbus.NewSubscriber(id, sock, pusher, r.Logger)

	// The tag-store handlers register first so adapters always observe a
	// store that already holds the envelope being dispatched.
	sub.AddStatusHandler(func(env msgbus.Envelope, status msgbus.Status) {
		for _, p := range status.Measurements {
			r.Tags.Set(p)
		}
	})
	sub.AddUpdateHandler(func(env msgbus.Envelope, update msgbus.Update) []msgbus.UpdateError {
		for _, p := range update.Updates {
			r.Tags.Set(p)
		}
		return nil
	})

	sub.Use(msgbus.NewLoggingMiddleware(r.Logger))
	sub.Use(msgbus.NewCountingMiddleware(
		func(env msgbus.Envelope, errs []msgbus.UpdateError) {
			observability.RecordEnvelopeReceived(id, string(env.Kind))
		},
		func(err error) {
			observability.RecordEnvelopeSkipped(id, skipReason(err))
		},
	))

	return sub, nil
}

func skipReason(err error) string {
	switch err.(type) {
	case *msgbus.UnknownKindError:
		return "unknown_kind"
	case *msgbus.UnsupportedVersionError:
		return "unsupported_version"
	default:
		return "malformed"
	}
}

// InitTracing sets up the OTLP trace exporter when a collector endpoint is
// configured; shutdown runs with the rest of the teardown.
func (r *Runtime) InitTracing(collectorEndpoint string) error {
	if collectorEndpoint == "" {
		return nil
	}

	shutdown, err := observability.InitTracer(r.Name, collectorEndpoint)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	r.OnShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := shutdown(ctx); err != nil {
			r.Logger.Warn("tracer_shutdown_failed", "error", err)
		}
	})

	r.Logger.Info("tracing_initialized", "collector", collectorEndpoint)
	return nil
}

// ServeMetrics exposes the Prometheus scrape endpoint when addr is set.
func (r *Runtime) ServeMetrics(addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.Logger.Warn("metrics_server_stopped", "error", err)
		}
	}()

	r.OnShutdown(func() { server.Close() })
	r.Logger.Info("metrics_server_started", "addr", addr)
}

// OnShutdown registers fn to run at shutdown. Functions run in registration
// order, so register in the required teardown order: subscribers first,
// adapters second, channels third; the transports close last automatically.
func (r *Runtime) OnShutdown(fn func()) {
	r.shutdown = append(r.shutdown, fn)
}

// Wait blocks until SIGINT/SIGTERM, then tears the module down.
func (r *Runtime) Wait() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	r.Logger.Info("module_stopping")

	for _, fn := range r.shutdown {
		fn()
	}

	for _, t := range r.transports {
		t.Close()
	}

	r.Logger.Info("module_stopped")
}
