// Package metrics exposes Prometheus collectors for crawl runs and the serve
// mode HTTP surface.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/JakeFAU/auction-crawler/internal/auction"
)

// Recorder owns every collector. It is safe for concurrent use.
type Recorder struct {
	gatherer prometheus.Gatherer

	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	lastRunTimestamp prometheus.Gauge
	pagesTotal       *prometheus.CounterVec
	pageAttempts     prometheus.Histogram
	recordsTotal     *prometheus.CounterVec
	persistedTotal   *prometheus.CounterVec

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
}

// NewRecorder registers the collectors against reg. A nil reg uses a fresh
// registry.
func NewRecorder(reg *prometheus.Registry) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{
		gatherer: reg,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_crawler_runs_total",
			Help: "Completed crawl runs partitioned by terminal reason.",
		}, []string{"reason"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auction_crawler_run_duration_seconds",
			Help:    "Wall time per crawl run.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"reason"}),
		lastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "auction_crawler_last_run_timestamp_seconds",
			Help: "Unix time the most recent run finished.",
		}),
		pagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_crawler_pages_total",
			Help: "Results pages processed partitioned by outcome.",
		}, []string{"outcome"}),
		pageAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "auction_crawler_page_attempts",
			Help:    "Extraction attempts needed per page.",
			Buckets: []float64{1, 2, 3, 5},
		}),
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_crawler_records_total",
			Help: "Extracted records partitioned by classification.",
		}, []string{"kind"}),
		persistedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_crawler_persisted_total",
			Help: "Upsert outcomes partitioned by result.",
		}, []string{"result"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
	for _, c := range []prometheus.Collector{
		r.runsTotal,
		r.runDuration,
		r.lastRunTimestamp,
		r.pagesTotal,
		r.pageAttempts,
		r.recordsTotal,
		r.persistedTotal,
		r.httpRequestsTotal,
		r.httpRequestDurationSeconds,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

// ObservePage records one processed page.
func (r *Recorder) ObservePage(page auction.PageStatistics) {
	outcome := "ok"
	switch {
	case page.Candidates == 0:
		outcome = "empty"
	case page.Error != "":
		outcome = "partial"
	}
	r.pagesTotal.WithLabelValues(outcome).Inc()
	if page.Attempts > 0 {
		r.pageAttempts.Observe(float64(page.Attempts))
	}
	if page.New > 0 {
		r.recordsTotal.WithLabelValues("new").Add(float64(page.New))
	}
	if page.Duplicates > 0 {
		r.recordsTotal.WithLabelValues("duplicate").Add(float64(page.Duplicates))
	}
	if page.Persisted.Upserted > 0 {
		r.persistedTotal.WithLabelValues("inserted").Add(float64(page.Persisted.Upserted))
	}
	if page.Persisted.Matched > 0 {
		r.persistedTotal.WithLabelValues("matched").Add(float64(page.Persisted.Matched))
	}
	if page.Persisted.Modified > 0 {
		r.persistedTotal.WithLabelValues("modified").Add(float64(page.Persisted.Modified))
	}
}

// ObserveRun records a finished run.
func (r *Recorder) ObserveRun(stats auction.RunStatistics) {
	reason := string(stats.Reason)
	if reason == "" {
		reason = "unknown"
	}
	r.runsTotal.WithLabelValues(reason).Inc()
	if d := stats.Duration(); d > 0 {
		r.runDuration.WithLabelValues(reason).Observe(d.Seconds())
	}
	if stats.PersistenceFailures > 0 {
		r.persistedTotal.WithLabelValues("failed").Add(float64(stats.PersistenceFailures))
	}
	if !stats.FinishedAt.IsZero() {
		r.lastRunTimestamp.Set(float64(stats.FinishedAt.Unix()))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (r *Recorder) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	r.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	r.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns an http.Handler exposing the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// Push sends the current values to a Prometheus Pushgateway. Single runs use
// it since nothing scrapes a process that exits.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(r.gatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
