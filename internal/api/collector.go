package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scarson/queuectl/internal/store"
)

const collectTimeout = 5 * time.Second

// queueCollector exposes store counts as gauges. Values are read at scrape
// time so every process reports the shared queue, not only its own loops.
type queueCollector struct {
	store *store.Store
	log   *slog.Logger

	jobs        *prometheus.Desc
	deadLetters *prometheus.Desc
	workers     *prometheus.Desc
}

func newQueueCollector(s *store.Store, log *slog.Logger) *queueCollector {
	return &queueCollector{
		store: s,
		log:   log,
		jobs: prometheus.NewDesc("queuectl_jobs",
			"Active jobs by state.", []string{"state"}, nil),
		deadLetters: prometheus.NewDesc("queuectl_dead_letters",
			"Jobs in the dead letter queue.", nil, nil),
		workers: prometheus.NewDesc("queuectl_workers",
			"Registered worker loops.", nil, nil),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.deadLetters
	ch <- c.workers
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	counts, err := c.store.Counts(ctx)
	if err != nil {
		c.log.Warn("metrics: read queue counts", "error", err)
		ch <- prometheus.NewInvalidMetric(c.jobs, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(counts.Pending), string(store.StatePending))
	ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(counts.Processing), string(store.StateProcessing))
	ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(counts.Completed), string(store.StateCompleted))
	ch <- prometheus.MustNewConstMetric(c.deadLetters, prometheus.GaugeValue, float64(counts.DeadLetter))
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(counts.Workers))
}
