package aggregator

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var callMetricsOnce sync.Once

var (
	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
)

func registerCounterVec(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogramVec(c *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := prometheus.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return c
}

func initCallMetrics() {
	callMetricsOnce.Do(func() {
		callsTotal = registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linka",
			Subsystem: "aggregator",
			Name:      "calls_total",
			Help:      "Total number of aggregator HTTP calls.",
		}, []string{"endpoint", "status", "result"}))

		callDuration = registerHistogramVec(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "linka",
			Subsystem: "aggregator",
			Name:      "call_duration_seconds",
			Help:      "Duration of aggregator HTTP calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "result"}))
	})
}

func recordCallMetrics(endpoint string, statusCode int, err error, duration time.Duration) {
	initCallMetrics()
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	callsTotal.WithLabelValues(endpoint, status, result).Inc()
	callDuration.WithLabelValues(endpoint, result).Observe(duration.Seconds())
}
