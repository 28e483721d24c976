// Package metrics exposes the Prometheus collectors shared across the
// steamwatch services. Each binary registers only the vectors it touches;
// unused vectors simply report zero.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// Broker traffic.
	TasksPublished *prometheus.CounterVec
	TasksConsumed  *prometheus.CounterVec
	TasksRejected  *prometheus.CounterVec

	// Upstream catalog calls made by workers.
	SteamRequests *prometheus.CounterVec
	SteamLatency  *prometheus.HistogramVec

	// Backend ingestion and mutation signals.
	PackagesMerged *prometheus.CounterVec
	MergeConflicts prometheus.Counter
	AppMutations   *prometheus.CounterVec

	// Cache effectiveness.
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Public read-path requests shed by the per-client limiter.
	ReadsThrottled prometheus.Counter

	// Auth server issuance.
	TokensIssued  *prometheus.CounterVec
	TokensRevoked prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		TasksPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steamwatch_tasks_published_total",
			Help: "Tasks published to the broker",
		}, []string{"queue", "task", "priority"}),
		TasksConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steamwatch_tasks_consumed_total",
			Help: "Tasks consumed and acknowledged",
		}, []string{"queue", "task"}),
		TasksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steamwatch_tasks_rejected_total",
			Help: "Tasks rejected without requeue",
		}, []string{"queue", "task"}),
		SteamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steamwatch_steam_requests_total",
			Help: "Upstream catalog API requests",
		}, []string{"endpoint", "status"}),
		SteamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steamwatch_steam_latency_ms",
			Help:    "Upstream catalog API latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10),
		}, []string{"endpoint"}),
		PackagesMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steamwatch_packages_merged_total",
			Help: "Package documents merged into the store",
		}, []string{"outcome"}),
		MergeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steamwatch_merge_conflicts_total",
			Help: "Optimistic concurrency retries during merge",
		}),
		AppMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steamwatch_app_mutations_total",
			Help: "App document mutations by signal type",
		}, []string{"event"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steamwatch_cache_hits_total",
			Help: "Cache hits",
		}, []string{"cache"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steamwatch_cache_misses_total",
			Help: "Cache misses",
		}, []string{"cache"}),
		ReadsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steamwatch_reads_throttled_total",
			Help: "Read requests rejected by the per-client rate limiter",
		}),
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steamwatch_tokens_issued_total",
			Help: "Access tokens issued",
		}, []string{"grant"}),
		TokensRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steamwatch_tokens_revoked_total",
			Help: "Access tokens revoked",
		}),
	}
	reg.MustRegister(
		m.TasksPublished, m.TasksConsumed, m.TasksRejected,
		m.SteamRequests, m.SteamLatency,
		m.PackagesMerged, m.MergeConflicts, m.AppMutations,
		m.CacheHits, m.CacheMisses, m.ReadsThrottled,
		m.TokensIssued, m.TokensRevoked,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
