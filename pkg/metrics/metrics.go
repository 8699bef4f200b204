// Package metrics exposes Prometheus collectors for the bus, the engines,
// and the background loops. Scraped from the admin listener at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Bus metrics
	busConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rosey_bus_connected",
		Help: "Whether the NATS connection is currently established (1/0)",
	})

	busReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rosey_bus_reconnects_total",
		Help: "Total number of NATS reconnections",
	})

	busErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rosey_bus_errors_total",
		Help: "Total number of NATS client errors",
	})

	busPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rosey_bus_publishes_total",
		Help: "Messages published, by subject class",
	}, []string{"subject"})

	busDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rosey_bus_deliveries_total",
		Help: "Messages delivered to subscriptions, by subject class",
	}, []string{"subject"})

	// Handler metrics
	handlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rosey_handler_errors_total",
		Help: "Request/reply handler failures, by error code",
	}, []string{"code"})

	handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rosey_handler_duration_seconds",
		Help:    "Request/reply handler latency",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2},
	}, []string{"subject"})

	// Engine metrics
	kvSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rosey_kv_sweeps_total",
		Help: "TTL sweeper passes completed",
	})

	kvExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rosey_kv_expired_total",
		Help: "Expired KV rows removed by the sweeper",
	})

	migrationsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rosey_migrations_total",
		Help: "Plugin migrations processed, by outcome",
	}, []string{"outcome"})

	// Outbound delivery metrics
	outboundDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rosey_outbound_deliveries_total",
		Help: "Outbound message transmissions, by outcome",
	}, []string{"outcome"})

	// Platform connection metrics
	platformConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rosey_platform_connected",
		Help: "Whether the platform websocket is currently established (1/0)",
	})

	platformEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rosey_platform_events_total",
		Help: "Normalized platform events received, by event name",
	}, []string{"event"})
)

// SetBusConnected flips the connection gauge.
func SetBusConnected(up bool) {
	if up {
		busConnected.Set(1)
	} else {
		busConnected.Set(0)
	}
}

// RecordBusReconnect counts a NATS reconnection.
func RecordBusReconnect() {
	busReconnects.Inc()
}

// RecordBusError counts a NATS client error.
func RecordBusError() {
	busErrors.Inc()
}

// RecordBusPublish counts an outgoing message.
func RecordBusPublish(subject string) {
	busPublishes.WithLabelValues(subject).Inc()
}

// RecordBusDelivery counts a message handed to a subscription handler.
func RecordBusDelivery(subject string) {
	busDeliveries.WithLabelValues(subject).Inc()
}

// RecordHandlerError counts a request/reply failure by its error code.
func RecordHandlerError(code string) {
	handlerErrors.WithLabelValues(code).Inc()
}

// ObserveHandlerDuration records handler latency for a subject class.
func ObserveHandlerDuration(subject string, seconds float64) {
	handlerDuration.WithLabelValues(subject).Observe(seconds)
}

// RecordKVSweep counts a sweeper pass and the rows it removed.
func RecordKVSweep(removed int64) {
	kvSweeps.Inc()
	kvExpired.Add(float64(removed))
}

// RecordMigration counts one processed migration by outcome
// (applied, failed, rolled_back, dry_run).
func RecordMigration(outcome string) {
	migrationsApplied.WithLabelValues(outcome).Inc()
}

// RecordOutboundDelivery counts a transmission attempt by outcome
// (sent, transient, permanent).
func RecordOutboundDelivery(outcome string) {
	outboundDeliveries.WithLabelValues(outcome).Inc()
}

// SetPlatformConnected flips the platform connection gauge.
func SetPlatformConnected(up bool) {
	if up {
		platformConnected.Set(1)
	} else {
		platformConnected.Set(0)
	}
}

// RecordPlatformEvent counts one received platform event by its normalized
// name (or its platform name when it passed through).
func RecordPlatformEvent(event string) {
	platformEvents.WithLabelValues(event).Inc()
}
