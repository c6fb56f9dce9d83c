package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	liveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "edupush",
		Name:      "live_connections",
		Help:      "Number of open websocket connections.",
	})

	messagesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edupush",
		Name:      "messages_relayed_total",
		Help:      "Messages persisted and fanned out.",
	})

	persistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edupush",
		Name:      "persist_failures_total",
		Help:      "Message sends aborted by a persistence failure.",
	})
)
