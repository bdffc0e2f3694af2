package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolStats is the subset of *pgxpool.Stat read on each scrape.
type poolStats interface {
	AcquiredConns() int32
	IdleConns() int32
	TotalConns() int32
	MaxConns() int32
	AcquireCount() int64
	EmptyAcquireCount() int64
	CanceledAcquireCount() int64
	AcquireDuration() time.Duration
}

type poolMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(poolStats) float64
}

type poolCollector struct {
	stat   func() poolStats
	series []poolMetric
}

// RegisterPoolMetrics exposes live pgxpool statistics for the Postgres
// datafile source. Values are read from the pool on every scrape.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(newPoolCollector(func() poolStats { return pool.Stat() }))
}

func newPoolCollector(stat func() poolStats) *poolCollector {
	gauge := func(name, help string, v func(poolStats) float64) poolMetric {
		return poolMetric{desc: prometheus.NewDesc(name, help, nil, nil), kind: prometheus.GaugeValue, value: v}
	}
	counter := func(name, help string, v func(poolStats) float64) poolMetric {
		return poolMetric{desc: prometheus.NewDesc(name, help, nil, nil), kind: prometheus.CounterValue, value: v}
	}

	return &poolCollector{
		stat: stat,
		series: []poolMetric{
			gauge("flagbase_db_pool_acquired", "Number of currently acquired database connections.",
				func(s poolStats) float64 { return float64(s.AcquiredConns()) }),
			gauge("flagbase_db_pool_idle", "Number of idle database connections in the pool.",
				func(s poolStats) float64 { return float64(s.IdleConns()) }),
			gauge("flagbase_db_pool_total", "Total number of database connections in the pool.",
				func(s poolStats) float64 { return float64(s.TotalConns()) }),
			gauge("flagbase_db_pool_max", "Maximum number of database connections allowed in the pool.",
				func(s poolStats) float64 { return float64(s.MaxConns()) }),
			counter("flagbase_db_pool_acquires_total", "Connections acquired from the pool.",
				func(s poolStats) float64 { return float64(s.AcquireCount()) }),
			counter("flagbase_db_pool_empty_acquires_total", "Acquires that had to wait because the pool was empty.",
				func(s poolStats) float64 { return float64(s.EmptyAcquireCount()) }),
			counter("flagbase_db_pool_canceled_acquires_total", "Acquires canceled by their context.",
				func(s poolStats) float64 { return float64(s.CanceledAcquireCount()) }),
			counter("flagbase_db_pool_acquire_seconds_total", "Cumulative time spent acquiring connections.",
				func(s poolStats) float64 { return s.AcquireDuration().Seconds() }),
		},
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.series {
		ch <- g.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.stat()
	for _, g := range c.series {
		ch <- prometheus.MustNewConstMetric(g.desc, g.kind, g.value(stat))
	}
}
