package blelink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics collects engine counters. With a nil registerer the
// collectors still work but are not exported, which keeps call sites
// free of nil checks.
type metrics struct {
	devicesDiscovered prometheus.Counter
	sightingsDropped  prometheus.Counter
	connectFailures   prometheus.Counter
	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	connectedCentrals prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		devicesDiscovered: f.NewCounter(prometheus.CounterOpts{
			Name: "blelink_devices_discovered_total",
			Help: "Distinct devices admitted to the scan table.",
		}),
		sightingsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "blelink_sightings_dropped_total",
			Help: "Scan sightings dropped by the RSSI gate or filters.",
		}),
		connectFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "blelink_connect_failures_total",
			Help: "Connect attempts ending in failure or timeout.",
		}),
		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blelink_messages_sent_total",
			Help: "Protocol messages sent, by wire type.",
		}, []string{"type"}),
		messagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blelink_messages_received_total",
			Help: "Protocol messages received, by wire type.",
		}, []string{"type"}),
		connectedCentrals: f.NewGauge(prometheus.GaugeOpts{
			Name: "blelink_connected_centrals",
			Help: "Centrals currently connected to the local GATT server.",
		}),
	}
}
