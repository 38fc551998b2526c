// Package observability provides Prometheus metrics instrumentation and
// OpenTelemetry tracing for OT-sim modules.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// ENVELOPE METRICS
// =============================================================================

var (
	envelopesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otsim_envelopes_published_total",
			Help: "Total number of envelopes published to the bus",
		},
		[]string{"module", "kind"},
	)

	envelopesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otsim_envelopes_received_total",
			Help: "Total number of envelopes dispatched to handlers",
		},
		[]string{"module", "kind"},
	)

	envelopesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otsim_envelopes_skipped_total",
			Help: "Total number of inbound payloads skipped before dispatch",
		},
		[]string{"module", "reason"}, // reason: malformed, unknown_kind, unsupported_version
	)
)

// =============================================================================
// ADAPTER METRICS
// =============================================================================

var (
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otsim_commands_total",
			Help: "Total number of protocol commands handled",
		},
		[]string{"module", "status"}, // status: SUCCESS, NO_SELECT, OUT_OF_RANGE, NOT_SUPPORTED
	)

	scanCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otsim_scan_cycles_total",
			Help: "Total number of adapter scan cycles",
		},
		[]string{"module"},
	)

	stagedPoints = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "otsim_staged_points",
			Help: "Number of tags currently staged in an adapter",
		},
		[]string{"module"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordEnvelopePublished records an outbound envelope.
func RecordEnvelopePublished(module, kind string) {
	envelopesPublishedTotal.WithLabelValues(module, kind).Inc()
}

// RecordEnvelopeReceived records an inbound envelope reaching dispatch.
func RecordEnvelopeReceived(module, kind string) {
	envelopesReceivedTotal.WithLabelValues(module, kind).Inc()
}

// RecordEnvelopeSkipped records an inbound payload dropped before dispatch.
func RecordEnvelopeSkipped(module, reason string) {
	envelopesSkippedTotal.WithLabelValues(module, reason).Inc()
}

// RecordCommand records a protocol command completion by status.
func RecordCommand(module, status string) {
	commandsTotal.WithLabelValues(module, status).Inc()
}

// RecordScanCycle records one adapter scan cycle.
func RecordScanCycle(module string) {
	scanCyclesTotal.WithLabelValues(module).Inc()
}

// SetStagedPoints records the staging-map depth of an adapter.
func SetStagedPoints(module string, n int) {
	stagedPoints.WithLabelValues(module).Set(float64(n))
}

// Handler returns the Prometheus scrape handler for a module's metrics
// endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
