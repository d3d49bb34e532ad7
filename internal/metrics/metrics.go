// Package metrics provides Prometheus instrumentation for the direct-message
// service. It exposes gauges for live connections and the search index,
// counters for message and push throughput, and histograms for latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open live channels.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_connections_total",
		Help: "Current number of open live channels",
	})

	// ConnectionsReplaced counts live channels closed because the same user
	// opened a newer one.
	ConnectionsReplaced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dm_connections_replaced_total",
		Help: "Live channels closed by a newer registration for the same user",
	})

	// MessagesTotal counts send attempts, labeled by outcome: "sent",
	// "rejected" (validation, rate limit) or "failed" (store error).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_messages_total",
		Help: "Total number of send attempts by outcome",
	}, []string{"outcome"})

	// PushesTotal counts push attempts, labeled by result: "delivered",
	// "dropped" (channel saturated or closing) or "offline".
	PushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_pushes_total",
		Help: "Total number of live push attempts by result",
	}, []string{"result"})

	// SendLatency records SendMessage latency in seconds, store write included.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dm_send_latency_seconds",
		Help:    "SendMessage latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// SearchLatency records recipient search latency in seconds.
	SearchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dm_search_latency_seconds",
		Help:    "Recipient search latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
	})

	// IndexSize tracks the number of users in the recipient index snapshot.
	IndexSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_index_users",
		Help: "Number of users in the recipient index snapshot",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsReplaced,
		MessagesTotal,
		PushesTotal,
		SendLatency,
		SearchLatency,
		IndexSize,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
