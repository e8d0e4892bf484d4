package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loci_rooms_active",
			Help: "Rooms currently resident in memory",
		},
	)

	sessionsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loci_sessions_connected",
			Help: "Live sessions across all rooms",
		},
	)

	messagesPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loci_messages_published_total",
			Help: "Messages accepted into room history",
		},
	)

	broadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loci_broadcast_drops_total",
			Help: "Recipients dropped mid-broadcast and treated as disconnected",
		},
	)

	pushesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loci_pushes_sent_total",
			Help: "Web push notifications delivered",
		},
	)
)
