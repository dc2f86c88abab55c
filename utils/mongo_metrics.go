package utils

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mongodb.org/mongo-driver/event"
)

var (
	MongoConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongo_pool_connections",
			Help: "MongoDB pool connections by state",
		},
		[]string{"state"}, // open, checked_out
	)

	MongoPoolEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongo_pool_events_total",
			Help: "MongoDB pool events by type",
		},
		[]string{"type"},
	)
)

// MongoPoolMonitor feeds pool events into the connection gauges.
func MongoPoolMonitor() *event.PoolMonitor {
	return &event.PoolMonitor{
		Event: ObservePoolEvent,
	}
}

func ObservePoolEvent(evt *event.PoolEvent) {
	MongoPoolEvents.WithLabelValues(evt.Type).Inc()
	switch evt.Type {
	case event.ConnectionCreated:
		MongoConnections.WithLabelValues("open").Inc()
	case event.ConnectionClosed:
		MongoConnections.WithLabelValues("open").Dec()
	case event.GetSucceeded:
		MongoConnections.WithLabelValues("checked_out").Inc()
	case event.ConnectionReturned:
		MongoConnections.WithLabelValues("checked_out").Dec()
	}
}
