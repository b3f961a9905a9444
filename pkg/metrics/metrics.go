// Package metrics holds the Prometheus collectors shared by the router and
// the HTTP layer, and the handler that exposes them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveConnections is the number of sessions registered with the router.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gochat",
		Name:      "active_connections",
		Help:      "Connections currently registered with the router.",
	})

	// Rooms is the number of rooms the router knows about.
	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gochat",
		Name:      "rooms",
		Help:      "Rooms tracked by the router, including empty ones.",
	})

	// Commands counts router commands by kind.
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gochat",
		Name:      "router_commands_total",
		Help:      "Commands processed by the router.",
	}, []string{"command"})

	// RouterQueueDepth is the command backlog the router found on its last wake-up.
	RouterQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gochat",
		Name:      "router_queue_depth",
		Help:      "Commands waiting in the router queue when the loop last woke.",
	})

	// RouterQueueCapacity is the size of the router queue's backing ring.
	RouterQueueCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gochat",
		Name:      "router_queue_capacity",
		Help:      "Capacity of the router command queue's ring buffer.",
	})

	// Deliveries counts messages pushed onto connection mailboxes.
	Deliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gochat",
		Name:      "deliveries_total",
		Help:      "Messages pushed onto connection mailboxes.",
	})

	// DroppedDeliveries counts pushes onto mailboxes whose session had already ended.
	DroppedDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gochat",
		Name:      "dropped_deliveries_total",
		Help:      "Messages dropped because the receiving session had terminated.",
	})

	// HeartbeatTimeouts counts sessions closed for missing heartbeats.
	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gochat",
		Name:      "heartbeat_timeouts_total",
		Help:      "Sessions closed because the client stopped answering pings.",
	})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
