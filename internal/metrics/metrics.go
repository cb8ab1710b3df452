// Package metrics exposes flock's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LiveQueryDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flock_live_query_deliveries_total",
		Help: "Changes delivered to live query consumers",
	}, []string{"collection", "kind"})
	LiveQueryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flock_live_query_errors_total",
		Help: "Live query reads that failed",
	}, []string{"collection"})
	LiveQuerySubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flock_live_query_subscriptions",
		Help: "Active live query subscriptions",
	})
	ResolverItemFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flock_resolver_item_failures_total",
		Help: "Conversations skipped because a lookup failed",
	}, []string{"stage"})
	ResolverDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flock_resolver_duration_seconds",
		Help:    "Conversation resolution duration seconds",
		Buckets: prometheus.DefBuckets,
	})
	RankingRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flock_ranking_runs_total",
		Help: "Engagement ranking runs",
	})
	RankingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flock_ranking_duration_seconds",
		Help:    "Engagement ranking duration seconds",
		Buckets: prometheus.DefBuckets,
	})
	RankedItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flock_ranked_items",
		Help: "Items in the latest ranking",
	})
	ViewIncrements = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flock_view_increments_total",
		Help: "Item view counter increments",
	})
	FeedPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flock_feed_published_total",
		Help: "Changes republished from the change log",
	})
	FeedErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flock_feed_errors_total",
		Help: "Change log polls that failed",
	})
)

func init() {
	prometheus.MustRegister(
		LiveQueryDeliveries, LiveQueryErrors, LiveQuerySubscriptions,
		ResolverItemFailures, ResolverDuration,
		RankingRuns, RankingDuration, RankedItems,
		ViewIncrements,
		FeedPublished, FeedErrors,
	)
}

// Handler serves the registered collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSince records the time elapsed since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
