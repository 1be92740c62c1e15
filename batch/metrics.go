package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricJobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchq_jobs_completed_total",
		Help: "Jobs that finished successfully, by batch type.",
	}, []string{"type"})

	metricJobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchq_jobs_failed_total",
		Help: "Jobs that failed, by batch type.",
	}, []string{"type"})

	metricBatchesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchq_batches_completed_total",
		Help: "Batches that reached the completed state, by batch type.",
	}, []string{"type"})

	metricBatchesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchq_batches_failed_total",
		Help: "Batches that reached the failed state, by batch type.",
	}, []string{"type"})

	metricCompensations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchq_compensation_chains_total",
		Help: "Compensation chains launched for failed sequential batches.",
	})
)
