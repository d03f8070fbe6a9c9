// Package metrics holds the Prometheus collectors for genflow.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "genflow"

var (
	// Labels: op (create, generate, edit, revert, delete), outcome (success, error, conflict, not_found)
	operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Orchestrator operations by outcome",
	}, []string{"op", "outcome"})

	// Labels: op (create, edit, revert), status (success, error)
	engineRuns = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "engine_run_seconds",
		Help:      "Generation engine run duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"op", "status"})

	hubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hub_subscribers",
		Help:      "Live notification subscriptions across all projects",
	})

	hubDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_dropped_total",
		Help:      "Subscribers removed after a failed delivery",
	})
)

// RecordOperation counts one finished orchestrator operation.
func RecordOperation(op, outcome string) {
	operations.WithLabelValues(op, outcome).Inc()
}

// ObserveEngineRun records the duration of one engine run.
func ObserveEngineRun(op, status string, d time.Duration) {
	engineRuns.WithLabelValues(op, status).Observe(d.Seconds())
}

func SubscriberAdded()   { hubSubscribers.Inc() }
func SubscriberRemoved() { hubSubscribers.Dec() }
func DeliveryDropped()   { hubDropped.Inc() }

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
