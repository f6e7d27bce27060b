// Package metrics registers the process's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Submissions counts clip submissions by pipeline outcome
	// (queued, merged, pending, dropped_*).
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipqueue_submissions_total",
		Help: "Clip submissions by outcome.",
	}, []string{"outcome"})

	// Commands counts executed queue commands by name and origin.
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipqueue_commands_total",
		Help: "Executed commands by name and source (chat or rest).",
	}, []string{"command", "source"})

	// ChatMessages counts chat messages delivered by the subscription.
	ChatMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipqueue_chat_messages_total",
		Help: "Chat messages received over the EventSub subscription.",
	})

	// ChatReconnects counts subscription reconnect attempts.
	ChatReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipqueue_chat_reconnects_total",
		Help: "EventSub websocket reconnect attempts.",
	})

	// UpstreamRequests counts outbound API calls by service and HTTP status.
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipqueue_upstream_requests_total",
		Help: "Upstream API requests by service and status.",
	}, []string{"service", "status"})

	// QueueLength tracks the number of approved clips waiting.
	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clipqueue_queue_length",
		Help: "Approved clips currently queued.",
	})
)
