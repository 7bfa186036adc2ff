package telemetry

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hermes/internal/types"
)

// PrometheusRecorder keeps its collectors on a private registry so several
// recorders (tests, embedded scheduler) never collide on registration.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	polls        *prometheus.CounterVec
	pollLatency  prometheus.Histogram
	tickDuration prometheus.Histogram
	jobsActive   prometheus.Gauge
	jobsRetired  prometheus.Counter
	sweepDeleted prometheus.Counter
	validations  *prometheus.CounterVec
	requests     *prometheus.CounterVec
	reqDuration  *prometheus.HistogramVec
}

var _ Recorder = (*PrometheusRecorder)(nil)

var latencyBuckets = []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// NewPrometheusRecorder registers the Hermes collectors, prefixed with the
// lower-cased namespace.
func NewPrometheusRecorder(namespace string) *PrometheusRecorder {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	ns := strings.ToLower(namespace)
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "polls_total",
			Help:      "Scheduled calls executed, by outcome",
		}, []string{"outcome"}),
		pollLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "poll_latency_seconds",
			Help:      "Latency of scheduled calls",
			Buckets:   latencyBuckets,
		}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "tick_duration_seconds",
			Help:      "Duration of a scheduler pass",
			Buckets:   latencyBuckets,
		}),
		jobsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "jobs_active",
			Help:      "Active jobs held by the scheduler",
		}),
		jobsRetired: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "jobs_retired_total",
			Help:      "Jobs retired after reaching their stop time",
		}),
		sweepDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sweep_deleted_total",
			Help:      "Configurations removed by the retention sweeper",
		}),
		validations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "validations_total",
			Help:      "Validation trial calls, by outcome",
		}, []string{"outcome"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "Total number of API requests",
		}, []string{"method", "path", "status"}),
		reqDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "path"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusRecorder) RecordPoll(_ context.Context, successful bool, latency time.Duration) {
	p.polls.WithLabelValues(outcome(successful)).Inc()
	p.pollLatency.Observe(latency.Seconds())
}

func (p *PrometheusRecorder) RecordTick(_ context.Context, duration time.Duration, active int) {
	p.tickDuration.Observe(duration.Seconds())
	p.jobsActive.Set(float64(active))
}

func (p *PrometheusRecorder) RecordRetired(_ context.Context, n int) {
	if n > 0 {
		p.jobsRetired.Add(float64(n))
	}
}

func (p *PrometheusRecorder) RecordSweep(_ context.Context, deleted int) {
	if deleted > 0 {
		p.sweepDeleted.Add(float64(deleted))
	}
}

func (p *PrometheusRecorder) RecordValidation(_ context.Context, successful bool) {
	p.validations.WithLabelValues(outcome(successful)).Inc()
}

func (p *PrometheusRecorder) RecordRequest(method, endpoint, status string, duration time.Duration) {
	p.requests.WithLabelValues(method, endpoint, status).Inc()
	p.reqDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
