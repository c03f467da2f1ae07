package dhcpsvc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters and gauges exposed by the server, per §8.
type Metrics struct {
	// RecvTypeCounts counts inbound messages by message type, labeled
	// "message_type".
	RecvTypeCounts *prometheus.CounterVec

	// SentTypeCounts counts outbound messages by message type, labeled
	// "message_type".
	SentTypeCounts *prometheus.CounterVec

	// InFlight is the current number of exchanges admitted but not yet
	// finished.
	InFlight prometheus.Gauge

	// TotalAvailableAddrs is the current number of addresses free to
	// allocate, summed across every configured network.
	TotalAvailableAddrs prometheus.Gauge

	// Uptime is the number of seconds the server has been running.
	Uptime prometheus.Gauge

	// ClusterAllocationsBlocked counts allocation attempts refused because
	// cluster coordination was unavailable.
	ClusterAllocationsBlocked prometheus.Counter

	// ClusterDegradedRenewals counts renewals served from the local cache
	// while cluster coordination was unavailable.
	ClusterDegradedRenewals prometheus.Counter
}

// NewMetrics returns a new *Metrics with every collector constructed but not
// yet registered.
func NewMetrics() (m *Metrics) {
	return &Metrics{
		RecvTypeCounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dhcpsvc",
			Name:      "recv_type_counts_total",
			Help:      "Total number of inbound DHCP messages by message type.",
		}, []string{"message_type"}),
		SentTypeCounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dhcpsvc",
			Name:      "sent_type_counts_total",
			Help:      "Total number of outbound DHCP messages by message type.",
		}, []string{"message_type"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dhcpsvc",
			Name:      "in_flight",
			Help:      "Number of exchanges currently admitted and being processed.",
		}),
		TotalAvailableAddrs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dhcpsvc",
			Name:      "total_available_addrs",
			Help:      "Number of addresses currently free to allocate across all networks.",
		}),
		Uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dhcpsvc",
			Name:      "uptime_seconds",
			Help:      "Number of seconds the server has been running.",
		}),
		ClusterAllocationsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcpsvc",
			Name:      "cluster_allocations_blocked_total",
			Help:      "Total number of allocations refused due to unavailable cluster coordination.",
		}),
		ClusterDegradedRenewals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcpsvc",
			Name:      "cluster_degraded_renewals_total",
			Help:      "Total number of renewals served from the local cache in degraded mode.",
		}),
	}
}

// Register registers every collector in m with registry.
func (m *Metrics) Register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.RecvTypeCounts,
		m.SentTypeCounts,
		m.InFlight,
		m.TotalAvailableAddrs,
		m.Uptime,
		m.ClusterAllocationsBlocked,
		m.ClusterDegradedRenewals,
	)
}
