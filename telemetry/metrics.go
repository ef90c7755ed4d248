// Package telemetry exposes the gateway's prometheus collectors.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// RequestsTotal counts processed requests by outcome:
	// sent, permission_denied, unknown_service, rate_limited, timeout, error.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpcgw",
			Name:      "requests_total",
			Help:      "Requests handled by the facade, by outcome.",
		},
		[]string{"outcome"},
	)

	RepliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpcgw",
			Name:      "replies_total",
			Help:      "Replies received from backends, by status class.",
		},
		[]string{"class"},
	)

	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rpcgw",
			Name:      "pending_requests",
			Help:      "Requests waiting for a reply.",
		},
	)

	LiveServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rpcgw",
			Name:      "servers",
			Help:      "Backend servers currently registered.",
		},
	)

	KnownServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rpcgw",
			Name:      "services",
			Help:      "Services ever announced, with or without hosts.",
		},
	)

	EvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rpcgw",
			Name:      "evictions_total",
			Help:      "Servers evicted after exhausting their ping budget.",
		},
	)

	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpcgw",
			Name:      "frames_dropped_total",
			Help:      "Inbound or outbound messages dropped, by reason.",
		},
		[]string{"reason"},
	)

	AdminSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rpcgw",
			Name:      "admin_sessions",
			Help:      "Running admin sessions.",
		},
	)

	PolicyUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rpcgw",
			Name:      "policy_updates_total",
			Help:      "Permission entries received from admin peers.",
		},
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RepliesTotal, PendingRequests,
		LiveServers, KnownServices, EvictionsTotal,
		FramesDropped, AdminSessions, PolicyUpdatesTotal,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// StatusClass renders a reply status as "2xx", "4xx", ...
func StatusClass(status int32) string {
	if status < 100 || status > 999 {
		return "other"
	}
	return strconv.Itoa(int(status)/100) + "xx"
}
