package bfdmetrics

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "bfdd"
	subsystem = "bfd"
)

// Label names for BFD metrics.
const (
	labelPeerAddr  = "peer_addr"
	labelLocalAddr = "local_addr"
	labelFromState = "from_state"
	labelToState   = "to_state"
)

// -------------------------------------------------------------------------
// Collector — Prometheus BFD Metrics
// -------------------------------------------------------------------------

// Collector holds all BFD Prometheus metrics and implements
// bfd.MetricsReporter. No authentication metrics: RFC 5880 Section 6.7
// authentication is out of scope, so there is no auth-failure path to
// count.
type Collector struct {
	// Sessions tracks the number of currently active BFD sessions.
	// Incremented on session creation, decremented on session destruction.
	Sessions *prometheus.GaugeVec

	// PacketsSent counts the total BFD Control packets transmitted per peer.
	PacketsSent *prometheus.CounterVec

	// PacketsReceived counts the total BFD Control packets received per peer.
	PacketsReceived *prometheus.CounterVec

	// PacketsDropped counts BFD Control packets dropped before reaching a
	// session (TTL or codec validation failures, demux miss) per peer.
	PacketsDropped *prometheus.CounterVec

	// StateTransitions counts FSM state transitions. Each counter is labeled
	// with the old state and new state for precise alerting (e.g., Up->Down).
	StateTransitions *prometheus.CounterVec
}

// NewCollector creates a Collector with all BFD metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "bfdd_bfd_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.PacketsSent,
		c.PacketsReceived,
		c.PacketsDropped,
		c.StateTransitions,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	peerLabels := []string{labelPeerAddr, labelLocalAddr}
	transitionLabels := []string{labelPeerAddr, labelLocalAddr, labelFromState, labelToState}

	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently active BFD sessions.",
		}, peerLabels),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total BFD Control packets transmitted.",
		}, peerLabels),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total BFD Control packets received.",
		}, peerLabels),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total BFD Control packets dropped due to validation failure or no matching session.",
		}, peerLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total BFD session FSM state transitions.",
		}, transitionLabels),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the active sessions gauge for the given peer.
// Called when a new BFD session is created by the store.
func (c *Collector) RegisterSession(peer, local netip.Addr) {
	c.Sessions.WithLabelValues(peer.String(), local.String()).Inc()
}

// UnregisterSession decrements the active sessions gauge for the given peer.
// Called when a BFD session is destroyed by the store.
func (c *Collector) UnregisterSession(peer, local netip.Addr) {
	c.Sessions.WithLabelValues(peer.String(), local.String()).Dec()
}

// -------------------------------------------------------------------------
// Packet Counters
// -------------------------------------------------------------------------

// IncPacketsSent increments the transmitted packets counter for the given peer.
// Called on each successful BFD Control packet transmission.
func (c *Collector) IncPacketsSent(peer, local netip.Addr) {
	c.PacketsSent.WithLabelValues(peer.String(), local.String()).Inc()
}

// IncPacketsReceived increments the received packets counter for the given peer.
// Called on each successfully demultiplexed BFD Control packet.
func (c *Collector) IncPacketsReceived(peer, local netip.Addr) {
	c.PacketsReceived.WithLabelValues(peer.String(), local.String()).Inc()
}

// IncPacketsDropped increments the dropped packets counter for the given peer.
// Called when a packet fails validation or cannot be delivered to a session.
func (c *Collector) IncPacketsDropped(peer, local netip.Addr) {
	c.PacketsDropped.WithLabelValues(peer.String(), local.String()).Inc()
}

// -------------------------------------------------------------------------
// State Transitions
// -------------------------------------------------------------------------

// RecordStateTransition increments the state transition counter with the
// old and new state labels. Used for alerting on session flaps.
func (c *Collector) RecordStateTransition(peer, local netip.Addr, from, to string) {
	c.StateTransitions.WithLabelValues(peer.String(), local.String(), from, to).Inc()
}
