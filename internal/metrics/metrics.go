// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used with DropsTotal.
const (
	DropParse       = "parse"
	DropFragment    = "fragment"
	DropProtocol    = "protocol"
	DropUDP         = "udp_not_dns"
	DropDNS         = "dns"
	DropNoRoute     = "no_route"
	DropReserved    = "reserved_source"
	DropNoSession   = "no_session"
	DropBuild       = "build"
	DropQueueFull   = "queue_full"
	DropOutOfWindow = "out_of_window"
	DropRateLimited = "rate_limited"
)

// Metrics groups every collector the engine updates. One instance is created
// per process and handed to each component.
type Metrics struct {
	// PacketsTotal counts inbound packets by transport protocol
	PacketsTotal *prometheus.CounterVec

	// DropsTotal counts dropped inbound packets by reason
	DropsTotal *prometheus.CounterVec

	// DNSResponsesTotal counts DNS responses sent by rcode
	DNSResponsesTotal *prometheus.CounterVec

	// Hostnames tracks bound synthetic addresses
	Hostnames prometheus.Gauge

	// SessionsActive tracks live TCP sessions in the router table
	SessionsActive prometheus.Gauge

	// SessionsTotal counts finished TCP sessions by outcome
	SessionsTotal *prometheus.CounterVec

	// RetransmitsTotal counts retransmitted TCP segments
	RetransmitsTotal prometheus.Counter

	// BytesTotal counts proxied payload bytes by direction
	BytesTotal *prometheus.CounterVec

	// WriteErrorsTotal counts failed writes to the interface
	WriteErrorsTotal prometheus.Counter

	// Services tracks directory services by status
	Services *prometheus.GaugeVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PacketsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ztun_router_packets_total",
				Help: "Total number of packets read from the interface",
			},
			[]string{"protocol"},
		),
		DropsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ztun_router_drops_total",
				Help: "Total number of inbound packets dropped",
			},
			[]string{"reason"},
		),
		DNSResponsesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ztun_dns_responses_total",
				Help: "Total number of DNS responses by rcode",
			},
			[]string{"rcode"},
		),
		Hostnames: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "ztun_dns_hostnames",
				Help: "Number of hostnames bound to a synthetic address",
			},
		),
		SessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "ztun_tcp_sessions_active",
				Help: "Number of TCP sessions in the session table",
			},
		),
		SessionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ztun_tcp_sessions_total",
				Help: "Total number of finished TCP sessions by outcome",
			},
			[]string{"outcome"},
		),
		RetransmitsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ztun_tcp_retransmits_total",
				Help: "Total number of retransmitted TCP segments",
			},
		),
		BytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ztun_tcp_bytes_total",
				Help: "Total number of payload bytes proxied",
			},
			[]string{"direction"},
		),
		WriteErrorsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ztun_iface_write_errors_total",
				Help: "Total number of failed interface writes",
			},
		),
		Services: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ztun_directory_services",
				Help: "Number of directory services by status",
			},
			[]string{"status"},
		),
	}
}

// NewNop returns metrics backed by a private registry, for tests and tools
// that do not export them.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Drop counts one dropped packet.
func (m *Metrics) Drop(reason string) {
	m.DropsTotal.WithLabelValues(reason).Inc()
}
