// Package metrics holds the Prometheus collectors for sync and retrieval.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
//
// Metrics:
//   - dealctx_sync_pages_total{tier,outcome} - history pages fetched or abandoned
//   - dealctx_sync_messages_indexed_total{source} - documents written
//   - dealctx_sync_messages_skipped_total{reason} - messages filtered or failed
//   - dealctx_rate_limited_total{collaborator} - rate-limit responses seen
//   - dealctx_channels_synced_total{tier} - channels fully processed
//   - dealctx_retrieval_duration_seconds{mode} - retrieval latency
//   - dealctx_retrieval_results{source} - results returned per retrieval
//   - dealctx_entity_cache_size{kind} - entities in the current snapshot
type Metrics struct {
	Registry *prometheus.Registry

	SyncPages         *prometheus.CounterVec
	MessagesIndexed   *prometheus.CounterVec
	MessagesSkipped   *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	ChannelsSynced    *prometheus.CounterVec
	RetrievalDuration *prometheus.HistogramVec
	RetrievalResults  *prometheus.HistogramVec
	EntityCacheSize   *prometheus.GaugeVec
}

// New creates the collectors on a private registry, along with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		SyncPages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dealctx_sync_pages_total",
			Help: "History pages fetched or abandoned during sync",
		}, []string{"tier", "outcome"}),
		MessagesIndexed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dealctx_sync_messages_indexed_total",
			Help: "Documents written to the index",
		}, []string{"source"}),
		MessagesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dealctx_sync_messages_skipped_total",
			Help: "Messages filtered out or failed during indexing",
		}, []string{"reason"}),
		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dealctx_rate_limited_total",
			Help: "Rate-limit responses received from collaborators",
		}, []string{"collaborator"}),
		ChannelsSynced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dealctx_channels_synced_total",
			Help: "Channels processed by the sync engine",
		}, []string{"tier"}),
		RetrievalDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealctx_retrieval_duration_seconds",
			Help:    "Retrieval latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		RetrievalResults: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealctx_retrieval_results",
			Help:    "Results returned per retrieval",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}, []string{"source"}),
		EntityCacheSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dealctx_entity_cache_size",
			Help: "Entities in the current cache snapshot",
		}, []string{"kind"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Page(tier, outcome string) {
	if m == nil {
		return
	}
	m.SyncPages.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) Indexed(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MessagesIndexed.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.MessagesSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RateLimit(collaborator string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(collaborator).Inc()
}

func (m *Metrics) ChannelSynced(tier string) {
	if m == nil {
		return
	}
	m.ChannelsSynced.WithLabelValues(tier).Inc()
}

func (m *Metrics) Retrieval(mode string, seconds float64) {
	if m == nil {
		return
	}
	m.RetrievalDuration.WithLabelValues(mode).Observe(seconds)
}

func (m *Metrics) Results(source string, n int) {
	if m == nil {
		return
	}
	m.RetrievalResults.WithLabelValues(source).Observe(float64(n))
}

func (m *Metrics) CacheSize(companies, contacts, opportunities int) {
	if m == nil {
		return
	}
	m.EntityCacheSize.WithLabelValues("companies").Set(float64(companies))
	m.EntityCacheSize.WithLabelValues("contacts").Set(float64(contacts))
	m.EntityCacheSize.WithLabelValues("opportunities").Set(float64(opportunities))
}
