package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skiff",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Number of deployments waiting for a worker",
	})

	buildsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skiff",
		Subsystem: "scheduler",
		Name:      "builds_in_flight",
		Help:      "Number of builds currently running",
	})

	buildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skiff",
		Subsystem: "scheduler",
		Name:      "builds_total",
		Help:      "Count of finished builds by terminal status",
	}, []string{"status"})

	leasesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skiff",
		Subsystem: "scheduler",
		Name:      "leases_expired_total",
		Help:      "Count of builds failed because their worker stopped heartbeating",
	})
)
