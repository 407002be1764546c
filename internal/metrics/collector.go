// Package metrics exposes Prometheus metrics for the chunk pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its registry so several instances can coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	queueDepth      prometheus.Gauge
	jobsTotal       *prometheus.CounterVec
	jobDuration     prometheus.Histogram
	gateDecisions   *prometheus.CounterVec
	llmRequests     *prometheus.CounterVec
	llmDuration     prometheus.Histogram
	insightsTotal   prometheus.Counter
	retrievalsTotal *prometheus.CounterVec
	corruptRooms    *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting in the queue",
		}),
		jobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs by outcome",
		}, []string{"status"}),
		jobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from dequeue to result",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		gateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Signal gate verdicts by reason",
		}, []string{"reason"}),
		llmRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Analysis backend calls by outcome",
		}, []string{"status"}),
		llmDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Analysis backend latency",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		insightsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insights_accepted_total",
			Help:      "Insights that passed deduplication",
		}),
		retrievalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_retrievals_total",
			Help:      "Archive retrievals by mode",
		}, []string{"mode"}),
		corruptRooms: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_state_recoveries_total",
			Help:      "Stored room documents recovered on load, by scope",
		}, []string{"scope"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) SetQueueDepth(n int) { c.queueDepth.Set(float64(n)) }

func (c *Collector) RecordJob(status string, d time.Duration) {
	c.jobsTotal.WithLabelValues(status).Inc()
	c.jobDuration.Observe(d.Seconds())
}

func (c *Collector) RecordGate(reason string) { c.gateDecisions.WithLabelValues(reason).Inc() }

func (c *Collector) RecordLLM(status string, d time.Duration) {
	c.llmRequests.WithLabelValues(status).Inc()
	c.llmDuration.Observe(d.Seconds())
}

func (c *Collector) AddInsights(n int) {
	if n > 0 {
		c.insightsTotal.Add(float64(n))
	}
}

func (c *Collector) RecordRetrieval(mode string) { c.retrievalsTotal.WithLabelValues(mode).Inc() }

func (c *Collector) RecordCorruptRoom(scope string) { c.corruptRooms.WithLabelValues(scope).Inc() }

func (c *Collector) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
