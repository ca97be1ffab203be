package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values for location update results.
const (
	LocationAccepted = "accepted"
	LocationIgnored  = "ignored"
	LocationInvalid  = "invalid"
)

// Label values for route request outcomes.
const (
	RouteSucceeded  = "succeeded"
	RouteFailed     = "failed"
	RouteSuperseded = "superseded"
)

var (
	registerOnce sync.Once

	roomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "srmaps",
		Subsystem: "rooms",
		Name:      "active",
		Help:      "Rooms with at least one member.",
	})
	membersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "srmaps",
		Subsystem: "rooms",
		Name:      "members",
		Help:      "Members joined to any room.",
	})
	rosterBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "srmaps",
		Subsystem: "rooms",
		Name:      "roster_deliveries_total",
		Help:      "Roster snapshots queued for delivery to members.",
	})
	locationUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "srmaps",
			Subsystem: "rooms",
			Name:      "location_updates_total",
			Help:      "Location updates received, by result.",
		},
		[]string{"result"},
	)
	slowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "srmaps",
		Subsystem: "transport",
		Name:      "slow_consumers_total",
		Help:      "Connections closed because their write queue was full.",
	})
	routeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "srmaps",
			Subsystem: "route",
			Name:      "requests_total",
			Help:      "Route requests issued, by outcome.",
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			roomsActive, membersActive, rosterBroadcasts,
			locationUpdates, slowConsumers, routeRequests,
		)
	})
}

func SetRoomStats(rooms, members int) {
	RegisterMetrics()
	roomsActive.Set(float64(rooms))
	membersActive.Set(float64(members))
}

func RecordRosterDeliveries(n int) {
	RegisterMetrics()
	rosterBroadcasts.Add(float64(n))
}

func RecordLocationUpdate(result string) {
	RegisterMetrics()
	locationUpdates.WithLabelValues(result).Inc()
}

func RecordSlowConsumer() {
	RegisterMetrics()
	slowConsumers.Inc()
}

func RecordRouteRequest(outcome string) {
	RegisterMetrics()
	routeRequests.WithLabelValues(outcome).Inc()
}
