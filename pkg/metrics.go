package pmemkv

// metrics.go is a thin abstraction over Prometheus so pmemkv works with or
// without metrics. When the caller passes a *prometheus.Registry via
// WithMetrics, one unlabeled counter or gauge per metric is registered;
// otherwise a no-op sink is used and the hot path pays nothing for
// bookkeeping.
//
// Metric names follow the stat IDs Stat exposes, but the two are counted
// separately: exists_total has no StatID, Stat's get and heap-entries
// counts have no metric, and a Get whose offset lies past the value's end
// counts as a hit in Stat but not in hits_total.
//
// © 2025 pmemkv authors. MIT License.

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsSink is the internal interface abstracting Prometheus vs noop.
// Cache only knows about these methods.
type metricsSink interface {
	incPut()
	incHit()
	incMiss()
	incEvict()
	incExists()
	setUsedBytes(v int64)
	setEntries(v int64)
	setDRAMUsed(v int64)
}

type noopMetrics struct{}

func (noopMetrics) incPut()               {}
func (noopMetrics) incHit()               {}
func (noopMetrics) incMiss()              {}
func (noopMetrics) incEvict()             {}
func (noopMetrics) incExists()            {}
func (noopMetrics) setUsedBytes(int64)    {}
func (noopMetrics) setEntries(int64)      {}
func (noopMetrics) setDRAMUsed(int64)     {}

type promMetrics struct {
	puts    prometheus.Counter
	hits    prometheus.Counter
	misses  prometheus.Counter
	evicts  prometheus.Counter
	exists  prometheus.Counter
	used    prometheus.Gauge
	entries prometheus.Gauge
	dram    prometheus.Gauge
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	pm := &promMetrics{
		puts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmemkv", Name: "puts_total", Help: "Number of Put calls that succeeded.",
		}),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmemkv", Name: "hits_total", Help: "Number of Get calls that found the key.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmemkv", Name: "misses_total", Help: "Number of Get calls that did not find the key.",
		}),
		evicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmemkv", Name: "evictions_total", Help: "Number of entries evicted.",
		}),
		exists: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pmemkv", Name: "exists_total", Help: "Number of Exists calls.",
		}),
		used: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pmemkv", Name: "used_bytes", Help: "Bytes currently allocated in the backing region.",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pmemkv", Name: "entries", Help: "Number of entries currently stored.",
		}),
		dram: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pmemkv", Name: "dram_used_bytes", Help: "DRAM-side bookkeeping bytes (index + entry structs).",
		}),
	}
	reg.MustRegister(pm.puts, pm.hits, pm.misses, pm.evicts, pm.exists, pm.used, pm.entries, pm.dram)
	return pm
}

func (m *promMetrics) incPut()              { m.puts.Inc() }
func (m *promMetrics) incHit()              { m.hits.Inc() }
func (m *promMetrics) incMiss()             { m.misses.Inc() }
func (m *promMetrics) incEvict()            { m.evicts.Inc() }
func (m *promMetrics) incExists()           { m.exists.Inc() }
func (m *promMetrics) setUsedBytes(v int64) { m.used.Set(float64(v)) }
func (m *promMetrics) setEntries(v int64)   { m.entries.Set(float64(v)) }
func (m *promMetrics) setDRAMUsed(v int64)  { m.dram.Set(float64(v)) }

// newMetricsSink decides which implementation to use.
func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg)
}
