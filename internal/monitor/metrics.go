package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shohag/calrelay/internal/models"
	"github.com/shohag/calrelay/internal/storage"
)

const namespace = "calrelay"

// QueueSource reports job counts for the queue gauge.
type QueueSource interface {
	Stats(ctx context.Context) (*storage.JobStats, error)
}

// Metrics holds the Prometheus collectors. Each Monitor owns a private
// registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	enqueued       *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	providerHealth *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "requests_total",
				Help:      "Adapter calls by provider, operation and outcome",
			},
			[]string{"provider", "operation", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "request_duration_seconds",
				Help:      "Duration of adapter calls in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "operation"},
		),
		enqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "enqueued_total",
				Help:      "Enqueue attempts by job kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		alerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Monitoring alerts raised by level",
			},
			[]string{"level"},
		),
		providerHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "health",
				Help:      "Last health probe result: 1 healthy, 0.5 degraded, 0 unhealthy",
			},
			[]string{"provider"},
		),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WatchQueue exports job counts per state, read from src on every scrape.
func (m *Metrics) WatchQueue(src QueueSource) {
	m.registry.MustRegister(&queueCollector{src: src})
}

func (m *Metrics) observeOperation(providerName, operation string, success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.requests.WithLabelValues(providerName, operation, outcome).Inc()
	m.duration.WithLabelValues(providerName, operation).Observe(d.Seconds())
}

func (m *Metrics) observeEnqueue(kind string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.enqueued.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) observeAlert(level models.AlertLevel) {
	m.alerts.WithLabelValues(string(level)).Inc()
}

func (m *Metrics) observeHealth(providerName string, status models.HealthStatus) {
	v := 0.0
	switch status {
	case models.HealthHealthy:
		v = 1
	case models.HealthDegraded:
		v = 0.5
	}
	m.providerHealth.WithLabelValues(providerName).Set(v)
}

var queueJobsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "queue", "jobs"),
	"Delivery jobs by state",
	[]string{"state"}, nil,
)

type queueCollector struct {
	src QueueSource
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueJobsDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stats, err := c.src.Stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(queueJobsDesc, err)
		return
	}
	for state, n := range map[models.JobState]int64{
		models.JobPending:   stats.Pending,
		models.JobInFlight:  stats.InFlight,
		models.JobCompleted: stats.Completed,
		models.JobDead:      stats.Dead,
	} {
		ch <- prometheus.MustNewConstMetric(queueJobsDesc, prometheus.GaugeValue, float64(n), string(state))
	}
}
