package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coedit_connections_active",
		Help: "The current number of live websocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coedit_connections_total",
		Help: "The total number of websocket connections accepted.",
	})
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coedit_rooms_active",
		Help: "The current number of active rooms.",
	})
	RoomsHydrated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coedit_rooms_hydrated_total",
		Help: "The total number of rooms hydrated from storage.",
	})
	RoomsForked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coedit_rooms_forked_total",
		Help: "The total number of room forks.",
	})
	BroadcastsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coedit_broadcasts_total",
		Help: "The total number of room broadcasts fanned out.",
	})
	ProjectRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coedit_project_requests_total",
		Help: "The total number of project round-trips issued to clients.",
	})
)
