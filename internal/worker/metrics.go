package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queuectl_jobs_claimed_total",
		Help: "Jobs claimed by worker loops in this process.",
	})
	jobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queuectl_jobs_completed_total",
		Help: "Jobs whose command exited successfully.",
	})
	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queuectl_jobs_failed_total",
		Help: "Failed executions by outcome (retry or dead_letter).",
	}, []string{"outcome"})
	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "queuectl_job_duration_seconds",
		Help:    "Wall time of job command execution.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})
	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queuectl_store_errors_total",
		Help: "Store operations that failed inside the worker loop.",
	}, []string{"op"})
)
