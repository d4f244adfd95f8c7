// ABOUTME: Prometheus instrumentation for the relay server.
// ABOUTME: Session gauges, frame counters, sequence outcomes, action latency.

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	sessions             *prometheus.GaugeVec
	frames               *prometheus.CounterVec
	sequences            *prometheus.CounterVec
	actionSeconds        prometheus.Histogram
	heartbeatDisconnects prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		sessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_sessions",
			Help: "Currently registered sessions by role.",
		}, []string{"role"}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Protocol frames processed, by direction and kind.",
		}, []string{"direction", "kind"}),
		sequences: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sequences_total",
			Help: "Execute requests by outcome.",
		}, []string{"outcome"}),
		actionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_action_duration_seconds",
			Help:    "Client-reported execution time per action.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		heartbeatDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_heartbeat_disconnects_total",
			Help: "Connections closed after missing too many heartbeats.",
		}),
	}
}
