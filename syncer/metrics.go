package syncer

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var jobMetricsOnce sync.Once

var (
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
)

func initJobMetrics() {
	jobMetricsOnce.Do(func() {
		jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linka",
			Subsystem: "sync",
			Name:      "jobs_total",
			Help:      "Total number of finished sync jobs.",
		}, []string{"kind", "result"})
		jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "linka",
			Subsystem: "sync",
			Name:      "job_duration_seconds",
			Help:      "Duration of sync jobs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"})

		for _, c := range []prometheus.Collector{jobsTotal, jobDuration} {
			if err := prometheus.Register(c); err != nil {
				if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch existing := already.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						jobsTotal = existing
					case *prometheus.HistogramVec:
						jobDuration = existing
					}
					continue
				}
				panic(err)
			}
		}
	})
}

func recordJobMetrics(kind string, failed bool, duration time.Duration) {
	initJobMetrics()
	result := "succeeded"
	if failed {
		result = "failed"
	}
	jobsTotal.WithLabelValues(kind, result).Inc()
	jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}
