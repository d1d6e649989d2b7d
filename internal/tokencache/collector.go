package tokencache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports cache counters to Prometheus. Counters restart at zero
// after ForceRefresh; Prometheus treats that as a counter reset.
type Collector struct {
	cache *Cache

	hits      *prometheus.Desc
	misses    *prometheus.Desc
	errors    *prometheus.Desc
	entries   *prometheus.Desc
	lastReset *prometheus.Desc
}

// NewCollector creates a collector for cache. Register it on a registry.
func NewCollector(cache *Cache) *Collector {
	return &Collector{
		cache: cache,
		hits: prometheus.NewDesc(
			"qbmcp_token_cache_hits_total",
			"Token cache lookups served from memory.",
			nil, nil,
		),
		misses: prometheus.NewDesc(
			"qbmcp_token_cache_misses_total",
			"Token cache lookups that went to the source.",
			nil, nil,
		),
		errors: prometheus.NewDesc(
			"qbmcp_token_cache_errors_total",
			"Token cache lookups whose source call failed.",
			nil, nil,
		),
		entries: prometheus.NewDesc(
			"qbmcp_token_cache_entries",
			"Access tokens currently cached.",
			nil, nil,
		),
		lastReset: prometheus.NewDesc(
			"qbmcp_token_cache_last_reset_timestamp_seconds",
			"Unix time of the last full cache reset.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.errors
	ch <- c.entries
	ch <- c.lastReset
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.cache.GetMetrics()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(m.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(m.Misses))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(m.Errors))
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(c.cache.Len()))
	ch <- prometheus.MustNewConstMetric(c.lastReset, prometheus.GaugeValue, float64(m.LastReset.Unix()))
}
