// Package metrics exposes pipeline and API metrics for Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tgpipeline"

// Recorder is what the pipeline stages report into.
type Recorder interface {
	RecordStage(stage, status string, duration time.Duration)
	RecordMessagesScraped(count int)
	RecordRowsLoaded(table string, count int)
	RecordDetections(count int)
}

// Collector implements Recorder on top of Prometheus collectors.
type Collector struct {
	stageRuns       *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	messagesScraped prometheus.Counter
	rowsLoaded      *prometheus.CounterVec
	detections      prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		stageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Pipeline stage executions by final status.",
		}, []string{"stage", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of pipeline stages.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		messagesScraped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_scraped_total",
			Help:      "Messages written to the data lake by the scraper.",
		}),
		rowsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_loaded_total",
			Help:      "Rows inserted into raw tables.",
		}, []string{"table"}),
		detections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_written_total",
			Help:      "Relevant detections written by the enricher.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		c.stageRuns,
		c.stageDuration,
		c.messagesScraped,
		c.rowsLoaded,
		c.detections,
		c.httpRequests,
		c.httpLatency,
	)
	return c
}

func (c *Collector) RecordStage(stage, status string, duration time.Duration) {
	c.stageRuns.WithLabelValues(stage, status).Inc()
	if duration > 0 {
		c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	}
}

func (c *Collector) RecordMessagesScraped(count int) {
	c.messagesScraped.Add(float64(count))
}

func (c *Collector) RecordRowsLoaded(table string, count int) {
	c.rowsLoaded.WithLabelValues(table).Add(float64(count))
}

func (c *Collector) RecordDetections(count int) {
	c.detections.Add(float64(count))
}

// RecordRequest records one served HTTP request. route is the matched
// pattern, not the raw path, to keep label cardinality bounded.
func (c *Collector) RecordRequest(method, route string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(route).Observe(duration.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordStage(string, string, time.Duration) {}
func (Nop) RecordMessagesScraped(int)                 {}
func (Nop) RecordRowsLoaded(string, int)              {}
func (Nop) RecordDetections(int)                      {}
