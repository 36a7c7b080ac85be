// Package metrics exposes the process Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EmittedEventsTotal counts finalized events fanned out by the emitter.
	EmittedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_emitted_events_total",
		Help: "Finalized events fanned out by the event emitter.",
	}, []string{"type"})

	// DroppedDeliveriesTotal counts subscribers dropped after a callback error.
	DroppedDeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_dropped_deliveries_total",
		Help: "Subscriber deliveries dropped after a callback error.",
	})

	// ActiveStreams tracks currently open SSE and websocket streams.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessiond_active_streams",
		Help: "Currently open event streams.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
