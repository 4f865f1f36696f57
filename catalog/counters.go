package catalog

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const countersNamespace = "metacatalog"
const countersSubsystem = "storage_group"

// Counters tracks the per-storage-group series count and the running
// maximum across storage groups, exported as Prometheus metrics the way
// the teacher's tsm1 engine exports block-storage metrics
// (tsdb/tsm1/metrics.go): a *GaugeVec keyed by storage group plus a single
// Gauge for the denormalized maximum.
type Counters struct {
	mu sync.Mutex

	seriesCount    map[string]int64
	maxSeries      int64
	seriesCountVec *prometheus.GaugeVec
	maxSeriesGauge prometheus.Gauge
}

// NewCounters returns an empty Counters.
func NewCounters() *Counters {
	return &Counters{
		seriesCount: make(map[string]int64),
		seriesCountVec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: countersNamespace,
			Subsystem: countersSubsystem,
			Name:      "series_count",
			Help:      "Number of time-series leaves under a storage group.",
		}, []string{"storage_group"}),
		maxSeriesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: countersNamespace,
			Subsystem: countersSubsystem,
			Name:      "max_series_count",
			Help:      "The largest series_count among all storage groups.",
		}),
	}
}

// PrometheusCollectors satisfies a prom.PrometheusCollector-shaped
// registration interface.
func (c *Counters) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{c.seriesCountVec, c.maxSeriesGauge}
}

// InitStorageGroup registers sg with a zero count.
func (c *Counters) InitStorageGroup(sg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seriesCount[sg] = 0
	c.seriesCountVec.WithLabelValues(sg).Set(0)
}

// RemoveStorageGroup drops sg's tracked count entirely and recomputes the
// max if sg had been holding it.
func (c *Counters) RemoveStorageGroup(sg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	had := c.seriesCount[sg]
	delete(c.seriesCount, sg)
	c.seriesCountVec.DeleteLabelValues(sg)
	if had == c.maxSeries {
		c.recomputeMaxLocked()
	}
}

// Increment adds delta (typically +1 or -1) to sg's series count and
// updates the running maximum.
func (c *Counters) Increment(sg string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.seriesCount[sg]
	after := before + delta
	c.seriesCount[sg] = after
	c.seriesCountVec.WithLabelValues(sg).Set(float64(after))
	if after > c.maxSeries {
		c.maxSeries = after
		c.maxSeriesGauge.Set(float64(c.maxSeries))
		return
	}
	if before == c.maxSeries && after < before {
		c.recomputeMaxLocked()
	}
}

// Reset zeros sg's count in place, keeping sg's counter entry, and
// recomputes the max if sg had been holding it.
func (c *Counters) Reset(sg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.seriesCount[sg]
	c.seriesCount[sg] = 0
	c.seriesCountVec.WithLabelValues(sg).Set(0)
	if before == c.maxSeries {
		c.recomputeMaxLocked()
	}
}

// recomputeMaxLocked rescans seriesCount for the new maximum. Callers must
// hold c.mu.
func (c *Counters) recomputeMaxLocked() {
	var max int64
	for _, v := range c.seriesCount {
		if v > max {
			max = v
		}
	}
	c.maxSeries = max
	c.maxSeriesGauge.Set(float64(c.maxSeries))
}

// Set sets sg's series count directly (rather than by delta) and
// recomputes the running max. Used once at startup to resync counters from
// a freshly replayed tree, mirroring the teacher's practice of
// self-healing derived state after recovery.
func (c *Counters) Set(sg string, count int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seriesCount[sg] = count
	c.seriesCountVec.WithLabelValues(sg).Set(float64(count))
	c.recomputeMaxLocked()
}

// SeriesCount returns sg's tracked series count and whether sg is tracked.
func (c *Counters) SeriesCount(sg string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.seriesCount[sg]
	return v, ok
}

// MaxSeriesCount returns the running maximum across all tracked storage
// groups, or 0 if none are tracked.
func (c *Counters) MaxSeriesCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSeries
}

// Snapshot returns a copy of the per-storage-group counts.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.seriesCount))
	for k, v := range c.seriesCount {
		out[k] = v
	}
	return out
}
