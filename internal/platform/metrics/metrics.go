// Package metrics holds the process-wide Prometheus collectors for the
// subscription engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labstack/echo/v4"
)

var (
	EventsGeneratedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carewire_events_generated_total",
		Help: "Subscription events generated, by topic.",
	}, []string{"topic"})

	ChangesObservedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carewire_changes_observed_total",
		Help: "Store changes consumed by the event generator, by interaction.",
	}, []string{"kind"})

	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carewire_deliveries_total",
		Help: "Notification delivery outcomes, by channel and result.",
	}, []string{"channel", "outcome"})

	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carewire_heartbeats_total",
		Help: "Heartbeat notifications enqueued.",
	})

	DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carewire_dispatch_queue_depth",
		Help: "NotifyRequests waiting in the dispatcher queue.",
	})

	IngressQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carewire_ingress_queue_depth",
		Help: "Store changes waiting in the generator ingress queue.",
	})

	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "carewire_subscriptions",
		Help: "Subscriptions by tenant and state.",
	}, []string{"tenant", "state"})
)

// Handler returns the /metrics route handler.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
