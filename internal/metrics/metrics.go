// Package metrics exposes engine statistics as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sausheong/sqlcore/engine"
)

const namespace = "sqlcore"

// StatsSource is anything that can report engine statistics.
type StatsSource interface {
	Stats() engine.Stats
}

// Collector reads a fresh engine.Stats on every scrape.
type Collector struct {
	source StatsSource

	tables        *prometheus.Desc
	indexes       *prometheus.Desc
	rows          *prometheus.Desc
	poolCapacity  *prometheus.Desc
	poolResident  *prometheus.Desc
	poolHits      *prometheus.Desc
	poolMisses    *prometheus.Desc
	poolEvictions *prometheus.Desc
	walBytes      *prometheus.Desc
	walAppends    *prometheus.Desc
	txActive      *prometheus.Desc
	txFinished    *prometheus.Desc
	txNextID      *prometheus.Desc
	checkpoints   *prometheus.Desc
}

// NewCollector builds a collector over source.
func NewCollector(source StatsSource) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		source:        source,
		tables:        desc("storage", "tables", "Number of tables loaded."),
		indexes:       desc("storage", "indexes", "Number of secondary indexes loaded."),
		rows:          desc("storage", "rows", "Total rows across all tables."),
		poolCapacity:  desc("buffer_pool", "capacity_pages", "Maximum resident pages."),
		poolResident:  desc("buffer_pool", "resident_pages", "Pages currently resident."),
		poolHits:      desc("buffer_pool", "hits_total", "Page lookups served from the pool."),
		poolMisses:    desc("buffer_pool", "misses_total", "Page lookups that missed."),
		poolEvictions: desc("buffer_pool", "evictions_total", "Pages evicted to make room."),
		walBytes:      desc("wal", "size_bytes", "Current WAL file size."),
		walAppends:    desc("wal", "appends_total", "Records appended to the WAL."),
		txActive:      desc("transactions", "active", "Transactions currently active."),
		txFinished:    desc("transactions", "finished_total", "Transactions finished, by outcome.", "outcome"),
		txNextID:      desc("transactions", "next_id", "Next transaction ID to be assigned."),
		checkpoints:   desc("engine", "checkpoints_total", "Completed checkpoints."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.tables, c.indexes, c.rows,
		c.poolCapacity, c.poolResident, c.poolHits, c.poolMisses, c.poolEvictions,
		c.walBytes, c.walAppends,
		c.txActive, c.txFinished, c.txNextID,
		c.checkpoints,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(c.tables, float64(s.Storage.Tables))
	gauge(c.indexes, float64(s.Storage.Indexes))
	gauge(c.rows, float64(s.Storage.Rows))

	gauge(c.poolCapacity, float64(s.BufferPool.Capacity))
	gauge(c.poolResident, float64(s.BufferPool.Resident))
	counter(c.poolHits, float64(s.BufferPool.Hits))
	counter(c.poolMisses, float64(s.BufferPool.Misses))
	counter(c.poolEvictions, float64(s.BufferPool.Evictions))

	gauge(c.walBytes, float64(s.WAL.SizeBytes))
	counter(c.walAppends, float64(s.WAL.Appends))

	gauge(c.txActive, float64(s.Transactions.Active))
	counter(c.txFinished, float64(s.Transactions.Committed), "committed")
	counter(c.txFinished, float64(s.Transactions.RolledBack), "rolled_back")
	gauge(c.txNextID, float64(s.Transactions.NextID))

	counter(c.checkpoints, float64(s.Checkpoints))
}

// NewRegistry returns a registry holding the engine collector plus the
// standard Go runtime and process collectors.
func NewRegistry(source StatsSource) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
