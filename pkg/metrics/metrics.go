// Package metrics provides the Prometheus collectors for the cvfs client.
//
// Components declare the metrics interface they need (objcache.Metrics,
// fetcher.Metrics, manager.Metrics) and fall back to a no-op implementation
// when none is configured. A *Collector satisfies all of them.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	cache, _ := objcache.Open(objcache.Options{Root: dir, Metrics: m})
//	http.Handle("/metrics", metrics.Handler(reg))
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cvfs"

// Collector 聚合了缓存、下载和 catalog 管理的指标
type Collector struct {
	cacheRequests *prometheus.CounterVec
	evictedBytes  prometheus.Counter
	evictions     prometheus.Counter
	cacheEntries  prometheus.Gauge
	cacheBytes    prometheus.Gauge

	downloads        *prometheus.CounterVec
	downloadBytes    prometheus.Counter
	downloadDuration prometheus.Histogram
	retries          prometheus.Counter
	digestMismatches prometheus.Counter
	sharedFetches    prometheus.Counter
	fetchErrors      *prometheus.CounterVec

	catalogLoads     *prometheus.CounterVec
	residentCatalogs prometheus.Gauge
	refreshes        *prometheus.CounterVec
	revision         prometheus.Gauge
}

// New 在 reg 上注册所有指标
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		cacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Local object cache lookups by result",
		}, []string{"result"}),
		evictedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evicted_bytes_total",
			Help:      "Bytes removed from the local cache by eviction",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Objects removed from the local cache by eviction",
		}),
		cacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Objects currently held in the local cache",
		}),
		cacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size_bytes",
			Help:      "Bytes currently held in the local cache",
		}),

		downloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Verified object downloads by object kind",
		}, []string{"kind"}),
		downloadBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Decompressed bytes downloaded from the origin",
		}),
		downloadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Duration of successful downloads including retries",
			Buckets: []float64{
				0.005, // 5ms
				0.05,  // 50ms
				0.25,  // 250ms
				1,     // 1s
				5,     // 5s
				30,    // 30s
			},
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_retries_total",
			Help:      "Download attempts that were retried",
		}),
		digestMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "digest_mismatches_total",
			Help:      "Objects whose digest did not match their content hash",
		}),
		sharedFetches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shared_fetches_total",
			Help:      "Fetches that joined an in-flight download",
		}),
		fetchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Failed fetches by reason",
		}, []string{"reason"}),

		catalogLoads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_loads_total",
			Help:      "Catalog loads by result",
		}, []string{"result"}),
		residentCatalogs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalogs_resident",
			Help:      "Catalogs currently loaded in memory",
		}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Manifest refreshes by result",
		}, []string{"result"}),
		revision: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "revision",
			Help:      "Revision of the mounted repository",
		}),
	}
}

// Handler 暴露 reg 上的指标
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// --- objcache.Metrics ---

func (c *Collector) RecordCacheHit()  { c.cacheRequests.WithLabelValues("hit").Inc() }
func (c *Collector) RecordCacheMiss() { c.cacheRequests.WithLabelValues("miss").Inc() }

func (c *Collector) RecordEviction(bytes int64) {
	c.evictions.Inc()
	c.evictedBytes.Add(float64(bytes))
}

func (c *Collector) SetCacheUsage(entries int, bytes int64) {
	c.cacheEntries.Set(float64(entries))
	c.cacheBytes.Set(float64(bytes))
}

// --- fetcher.Metrics ---

func (c *Collector) RecordDownload(kind string, bytes int64, d time.Duration) {
	c.downloads.WithLabelValues(kind).Inc()
	c.downloadBytes.Add(float64(bytes))
	c.downloadDuration.Observe(d.Seconds())
}

func (c *Collector) RecordRetry()                   { c.retries.Inc() }
func (c *Collector) RecordDigestMismatch()          { c.digestMismatches.Inc() }
func (c *Collector) RecordSharedFetch()             { c.sharedFetches.Inc() }
func (c *Collector) RecordFetchError(reason string) { c.fetchErrors.WithLabelValues(reason).Inc() }

// --- manager.Metrics ---

func (c *Collector) RecordCatalogLoad(err error) {
	if err != nil {
		c.catalogLoads.WithLabelValues("error").Inc()
		return
	}
	c.catalogLoads.WithLabelValues("success").Inc()
}

func (c *Collector) SetResidentCatalogs(n int) { c.residentCatalogs.Set(float64(n)) }

func (c *Collector) RecordRefresh(revision uint64, err error) {
	if err != nil {
		c.refreshes.WithLabelValues("error").Inc()
		return
	}
	c.refreshes.WithLabelValues("success").Inc()
	c.revision.Set(float64(revision))
}
