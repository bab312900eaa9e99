// Package metrics exposes the watcher's prometheus counters and gauges.
// Metrics are package-level, promauto-registered, and labeled by kind where
// it is cheap to do so — mirroring how the rest of the corpus instruments
// its own per-operation counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fswatch",
		Name:      "events_total",
		Help:      "Total number of canonical events delivered to the callback, by kind.",
	}, []string{"kind"})

	OverflowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fswatch",
		Name:      "overflow_total",
		Help:      "Total number of overflow signals delivered to the callback.",
	})

	ErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fswatch",
		Name:      "errors_total",
		Help:      "Total number of out-of-band errors delivered to the callback.",
	})

	CommandQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fswatch",
		Name:      "command_queue_depth",
		Help:      "Number of commands currently queued awaiting the worker.",
	})

	WatchPointsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fswatch",
		Name:      "watch_points_live",
		Help:      "Number of watch points currently in the LISTENING state.",
	})

	CommandLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fswatch",
		Name:      "command_latency_seconds",
		Help:      "Time from command submission to completion, by command kind.",
	}, []string{"kind"})
)
