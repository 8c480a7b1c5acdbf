package observability

import (
	"strconv"
	"time"

	gometrics "github.com/hashicorp/go-metrics"
	gmprom "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "rpcbridge"

// Metrics owns a Prometheus registry, the HTTP collectors recorded by the admin
// middleware and a go-metrics sink that forwards pool, stub and server
// telemetry into the same registry.
type Metrics struct {
	Registry *prometheus.Registry
	Sink     gometrics.MetricSink

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics builds a fresh registry. expiration bounds how long an idle
// go-metrics series is still exported; zero keeps the sink default.
func NewMetrics(node string, expiration time.Duration) (*Metrics, error) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "http",
				Name:        "requests_total",
				Help:        "Total admin HTTP requests.",
				ConstLabels: prometheus.Labels{"node": node},
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "http",
				Name:        "request_duration_seconds",
				Help:        "Admin HTTP request duration in seconds.",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: prometheus.Labels{"node": node},
			},
			[]string{"method", "path", "status"},
		),
	}
	if err := reg.Register(m.httpRequests); err != nil {
		return nil, err
	}
	if err := reg.Register(m.httpDuration); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	sink, err := gmprom.NewPrometheusSinkFrom(gmprom.PrometheusOpts{
		Registerer: reg,
		Expiration: expiration,
		Name:       namespace + "_sink",
	})
	if err != nil {
		return nil, err
	}
	m.Sink = sink
	return m, nil
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
