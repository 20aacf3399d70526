package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_sessions_active",
		Help: "Number of open websocket sessions",
	})

	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_subscriptions_active",
		Help: "Number of bus subscriptions held by open sessions",
	})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_commands_total",
		Help: "Inbound control commands by type",
	}, []string{"type"})

	PolicyClosesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_policy_closes_total",
		Help: "Sessions closed with policy violation, by reason",
	}, []string{"reason"})

	OutboundDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_outbound_dropped_total",
		Help: "Outbound frames shed before delivery, by reason",
	}, []string{"reason"})

	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_bus_published_total",
		Help: "Bus publish attempts by driver and result",
	}, []string{"driver", "result"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_bus_dropped_total",
		Help: "Payloads dropped by the bus adapter because a subscription buffer was full",
	}, []string{"driver"})
)

// IncOutboundDrop records a frame shed from a session outbox.
func IncOutboundDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	OutboundDroppedTotal.WithLabelValues(reason).Inc()
}

// IncPolicyClose records a policy-violation close.
func IncPolicyClose(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	PolicyClosesTotal.WithLabelValues(reason).Inc()
}

// ObservePublish records the outcome of a bus publish.
func ObservePublish(driver string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	BusPublishedTotal.WithLabelValues(driver, result).Inc()
}
