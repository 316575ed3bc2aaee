// Package metrics holds the Prometheus collectors shared by the queue,
// gateway and sync engine. Everything registers on Registry, which the
// local HTTP server exposes at /metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calsync"

var Registry = prometheus.NewRegistry()

var (
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Requests waiting for dispatch.",
	})

	QueueDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "dispatched_total",
		Help:      "Requests sent by the queue worker, by outcome.",
	}, []string{"outcome"})

	QueueWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "wait_seconds",
		Help:      "Time from enqueue to dispatch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	RemoteCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "calls_total",
		Help:      "Classified remote calls by operation and class.",
	}, []string{"op", "class"})

	SyncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Delta sync runs per calendar and result.",
	}, []string{"calendar", "result"})

	SyncCursor = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "cursor_ms",
		Help:      "Durable delta cursor per calendar (unix ms).",
	}, []string{"calendar"})

	MutationAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "mutation_attempts_total",
		Help:      "Remote attempts for local mutations by kind and result.",
	}, []string{"kind", "result"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		QueueDepth,
		QueueDispatched,
		QueueWait,
		RemoteCalls,
		SyncRuns,
		SyncCursor,
		MutationAttempts,
	)
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// CalendarLabel formats a calendar id as a label value.
func CalendarLabel(id int64) string {
	return strconv.FormatInt(id, 10)
}
