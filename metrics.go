package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Live channel
	LiveEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_live_events_total",
			Help: "Events received over the live channel",
		},
		[]string{"type"}, // "message.new", "message.read", ...
	)

	LiveReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_live_reconnects_total",
			Help: "Live channel reconnect attempts",
		},
	)

	// Optimistic sends
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Send attempts by outcome",
		},
		[]string{"outcome"}, // "accepted", "unavailable", "pending_conversation", "failed"
	)

	OptimisticResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_optimistic_resolved_total",
			Help: "Optimistic messages removed, by reason",
		},
		[]string{"reason"}, // "client_id", "heuristic", "expired"
	)

	// History
	HistoryFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_history_fetches_total",
			Help: "History page fetches by result",
		},
		[]string{"result"}, // "ok", "error", "skipped"
	)

	HistoryFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsync_history_fetch_duration_seconds",
			Help:    "History page fetch latency",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Read state
	ReadAcks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_read_acks_total",
			Help: "Mark-read acknowledgements by outcome",
		},
		[]string{"outcome"}, // "sent", "unavailable", "failed"
	)
)
