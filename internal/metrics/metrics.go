// Package metrics holds the prometheus collectors of the publishing core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publisher_tasks_finished_total",
		Help: "Publishing tasks that reached a terminal status",
	}, []string{"platform", "status"})

	TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "publisher_task_duration_seconds",
		Help:    "Wall time from task start to terminal status",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 900},
	}, []string{"platform"})

	TasksByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "publisher_tasks",
		Help: "Tasks currently stored per status",
	}, []string{"status"})

	ExecutingBatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "publisher_executing_batches",
		Help: "Batches that currently own a worker",
	})

	SessionBusy = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publisher_session_busy_total",
		Help: "Session acquisitions rejected because the account was in use",
	}, []string{"platform"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "publisher_active_sessions",
		Help: "Session handles currently held",
	})

	RetryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publisher_retry_attempts_total",
		Help: "Retries performed by the retry wrapper",
	}, []string{"operation"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "publisher_network_request_duration_seconds",
		Help:    "Latency of backend and platform requests",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"component", "operation", "status"})
)

// MustRegister registers every collector on registerer.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		TasksFinished,
		TaskDuration,
		TasksByStatus,
		ExecutingBatches,
		SessionBusy,
		ActiveSessions,
		RetryAttempts,
		NetworkRequestDuration,
	)
}

// ObserveNetworkRequest records one outbound request.
func ObserveNetworkRequest(component, operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	NetworkRequestDuration.WithLabelValues(component, operation, status).Observe(time.Since(start).Seconds())
}
