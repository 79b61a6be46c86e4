package gateway

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Instrumentation observes request counts, latency and sizes for every
// endpoint except /metrics itself.
func Instrumentation() gin.HandlerFunc {
	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linka",
		Subsystem: "request",
		Name:      "requests_count",
		Help:      "Number of requests per each endpoint",
	}, []string{"code", "method", "handler", "url"})

	resTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "linka",
		Subsystem: "response",
		Name:      "response_time_hist",
		Help:      "linka response duration in milliseconds",
	})

	resSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "linka",
		Subsystem: "response",
		Name:      "size_histogram",
		Help:      "linka response size",
	})

	reqSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "linka",
		Subsystem: "request",
		Name:      "size_hist",
		Help:      "Request size instrumenter",
	})

	colls := []prometheus.Collector{counterVec, resTime, resSize, reqSize}
	for _, v := range colls {
		if err := prometheus.Register(v); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := float64(time.Since(start)) * 1e-6

		status := strconv.Itoa(c.Writer.Status())
		counterVec.WithLabelValues(status, c.Request.Method, c.HandlerName(), c.FullPath()).Inc()
		resTime.Observe(duration)
		resSize.Observe(float64(c.Writer.Size()))
		reqSize.Observe(float64(c.Request.ContentLength))
	}
}
