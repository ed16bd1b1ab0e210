package extension

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are registered once on the default registry; every Manager
// shares them since promauto panics on duplicate registration.
type metrics struct {
	loadsTotal    *prometheus.CounterVec
	loadedGauge   prometheus.Gauge
	callsTotal    *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	auditFindings *prometheus.CounterVec
	fetchesTotal  *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *metrics
)

func getMetrics() *metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &metrics{
			loadsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ayoto",
				Subsystem: "extensions",
				Name:      "loads_total",
				Help:      "Extension load attempts by result.",
			}, []string{"result"}),
			loadedGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "ayoto",
				Subsystem: "extensions",
				Name:      "loaded",
				Help:      "Extensions currently loaded.",
			}),
			callsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ayoto",
				Subsystem: "extensions",
				Name:      "capability_calls_total",
				Help:      "Capability invocations by capability and result.",
			}, []string{"capability", "result"}),
			callDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ayoto",
				Subsystem: "extensions",
				Name:      "capability_call_duration_seconds",
				Help:      "Capability invocation latency.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"capability"}),
			auditFindings: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ayoto",
				Subsystem: "extensions",
				Name:      "audit_findings_total",
				Help:      "Static audit findings by severity.",
			}, []string{"severity"}),
			fetchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ayoto",
				Subsystem: "extensions",
				Name:      "fetches_total",
				Help:      "Outbound extension HTTP requests by outcome.",
			}, []string{"outcome"}),
		}
	})
	return sharedMetrics
}
