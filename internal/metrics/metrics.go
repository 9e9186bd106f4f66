// Package metrics exposes Prometheus counters for unlock and polling activity.
//
// All Record methods are safe on a nil *Collector, so components can run
// without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "baziunlock"

// Collector holds the unlock metrics.
type Collector struct {
	unlocksSubmitted       prometheus.Counter
	unlocksAlreadyUnlocked prometheus.Counter
	unlocksCompleted       prometheus.Counter
	unlocksFailed          prometheus.Counter
	unlocksTimedOut        prometheus.Counter
	submitErrors           *prometheus.CounterVec

	pollTicks   prometheus.Counter
	pollErrors  prometheus.Counter
	activePolls prometheus.Gauge

	unlockLatency prometheus.Histogram

	cacheFetches     prometheus.Counter
	cacheFetchErrors *prometheus.CounterVec
	contentCacheHits prometheus.Counter
}

// NewCollector creates the metrics and registers them on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		unlocksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlocks_submitted_total",
			Help:      "Total number of unlock requests submitted",
		}),
		unlocksAlreadyUnlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlocks_already_unlocked_total",
			Help:      "Total number of unlocks answered with existing content",
		}),
		unlocksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlocks_completed_total",
			Help:      "Total number of unlock tasks that completed",
		}),
		unlocksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlocks_failed_total",
			Help:      "Total number of unlock tasks the server reported failed",
		}),
		unlocksTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlocks_timed_out_total",
			Help:      "Total number of unlock tasks abandoned at the poll ceiling",
		}),
		submitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlock_submit_errors_total",
			Help:      "Total number of rejected unlock submissions by error code",
		}, []string{"code"}),
		pollTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Total number of task status queries",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Total number of task status queries that failed",
		}),
		activePolls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "polls_active",
			Help:      "Current number of active poll loops",
		}),
		unlockLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unlock_latency_seconds",
			Help:      "Time from unlock start to a terminal task status",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		cacheFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "theme_cache_fetches_total",
			Help:      "Total number of theme status fetches",
		}),
		cacheFetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "theme_cache_fetch_errors_total",
			Help:      "Total number of swallowed theme cache fetch errors by stage",
		}, []string{"stage"}),
		contentCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "theme_content_cache_hits_total",
			Help:      "Total number of themes served from the durable content cache",
		}),
	}

	reg.MustRegister(
		c.unlocksSubmitted,
		c.unlocksAlreadyUnlocked,
		c.unlocksCompleted,
		c.unlocksFailed,
		c.unlocksTimedOut,
		c.submitErrors,
		c.pollTicks,
		c.pollErrors,
		c.activePolls,
		c.unlockLatency,
		c.cacheFetches,
		c.cacheFetchErrors,
		c.contentCacheHits,
	)
	return c
}

// RecordSubmitted records an accepted unlock submission.
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.unlocksSubmitted.Inc()
}

// RecordAlreadyUnlocked records a submission answered with existing content.
func (c *Collector) RecordAlreadyUnlocked() {
	if c == nil {
		return
	}
	c.unlocksAlreadyUnlocked.Inc()
}

// RecordSubmitError records a rejected submission.
func (c *Collector) RecordSubmitError(code string) {
	if c == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	c.submitErrors.WithLabelValues(code).Inc()
}

// RecordCompleted records a completed task and its latency.
func (c *Collector) RecordCompleted(latencySeconds float64) {
	if c == nil {
		return
	}
	c.unlocksCompleted.Inc()
	c.unlockLatency.Observe(latencySeconds)
}

// RecordFailed records a task the server reported failed.
func (c *Collector) RecordFailed(latencySeconds float64) {
	if c == nil {
		return
	}
	c.unlocksFailed.Inc()
	c.unlockLatency.Observe(latencySeconds)
}

// RecordTimedOut records a task abandoned at the poll ceiling.
func (c *Collector) RecordTimedOut() {
	if c == nil {
		return
	}
	c.unlocksTimedOut.Inc()
}

// RecordPollTick records one task status query and whether it failed.
func (c *Collector) RecordPollTick(failed bool) {
	if c == nil {
		return
	}
	c.pollTicks.Inc()
	if failed {
		c.pollErrors.Inc()
	}
}

// SetActivePolls sets the number of running poll loops.
func (c *Collector) SetActivePolls(n int) {
	if c == nil {
		return
	}
	c.activePolls.Set(float64(n))
}

// RecordCacheFetch records a theme status fetch.
func (c *Collector) RecordCacheFetch() {
	if c == nil {
		return
	}
	c.cacheFetches.Inc()
}

// RecordCacheFetchError records a swallowed fetch error at stage.
func (c *Collector) RecordCacheFetchError(stage string) {
	if c == nil {
		return
	}
	c.cacheFetchErrors.WithLabelValues(stage).Inc()
}

// RecordContentCacheHits records themes served from the durable cache.
func (c *Collector) RecordContentCacheHits(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.contentCacheHits.Add(float64(n))
}

// Handler serves the metrics gathered by g in the Prometheus text format.
// A nil g uses prometheus.DefaultGatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
