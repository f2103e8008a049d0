package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gridbroker"

var (
	TasksDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_delivered_total",
		Help:      "Task descriptors handed to polling workers, including redeliveries.",
	})

	TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_completed_total",
		Help:      "Task indices newly confirmed complete.",
	})

	ResultsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "results_discarded_total",
		Help:      "Work results dropped because their job was no longer known.",
	})

	WorkersRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workers_requested_total",
		Help:      "Compute capacity requested from the launcher, by provisioning class.",
	}, []string{"class"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_jobs",
		Help:      "Jobs currently held by the scheduler.",
	})

	KnownWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "known_workers",
		Help:      "Workers recently observed polling for work.",
	})
)

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
