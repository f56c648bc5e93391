// SPDX-License-Identifier: MIT

// Package metrics holds the Prometheus collectors for roomd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LinkState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomd_link_state",
		Help: "Current serial link state (0=down, 1=connecting, 2=up)",
	})

	HeartbeatMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomd_link_heartbeat_misses_total",
		Help: "Total number of heartbeat windows that elapsed without a reply",
	})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomd_link_commands_total",
		Help: "Total number of serial commands by result",
	}, []string{"result"}) // ok, error, timeout, link_down

	ProtocolViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomd_link_protocol_violations_total",
		Help: "Total number of response frames that matched no pending command",
	})

	MalformedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomd_link_malformed_frames_total",
		Help: "Total number of unparseable serial lines dropped",
	})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomd_bus_dropped_total",
		Help: "Total number of bus events dropped per event kind (backpressure)",
	}, []string{"kind"})

	AuthTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomd_auth_total",
		Help: "Total number of authentication attempts by result",
	}, []string{"result"}) // ok, denied, conflict, rate_limited

	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomd_session_state",
		Help: "Current session state (0=idle, 1=reserved, 2=active, 3=ended)",
	})

	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomd_session_transitions_total",
		Help: "Total number of session state transitions by target state",
	}, []string{"to"})

	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomd_access_connections_open",
		Help: "Currently open runtime access connections",
	})
)

// IncBusDrop records a dropped bus event for the given event kind.
func IncBusDrop(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	BusDroppedTotal.WithLabelValues(kind).Inc()
}
