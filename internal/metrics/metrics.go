// Package metrics exposes prometheus collectors for the append and
// retention paths.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"seclog.io/chain/internal/pkg/worker"
)

const namespace = "seclog"

// Result label values.
const (
	ResultSuccess   = "success"
	ResultDuplicate = "duplicate"
	ResultFailure   = "failure"
	ResultSkipped   = "skipped"
	ResultValid     = "valid"
	ResultInvalid   = "invalid"
)

// Metrics holds every collector the service registers.
type Metrics struct {
	registry *prometheus.Registry

	appendsTotal    *prometheus.CounterVec
	appendDuration  prometheus.Histogram
	tailSequence    prometheus.Gauge
	eventsEnqueued  *prometheus.CounterVec
	cleanupRuns     *prometheus.CounterVec
	cleanupDeleted  prometheus.Counter
	cleanupDuration prometheus.Histogram
	cleanupLastRun  prometheus.Gauge
	chainEntries    prometheus.Gauge
	verifyRuns      *prometheus.CounterVec
}

// New creates a registry with process and Go runtime collectors plus the
// chain collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		appendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_appends_total",
			Help:      "Append attempts by result.",
		}, []string{"result"}),
		appendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_append_duration_seconds",
			Help:      "Time spent in the append transaction, lock wait included.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		tailSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_tail_sequence",
			Help:      "Sequence number of the last appended entry seen by this process.",
		}),
		eventsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_enqueued_total",
			Help:      "Security events handed to the queue.",
		}, []string{"queue"}),
		cleanupRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_runs_total",
			Help:      "Retention runs by trigger and result.",
		}, []string{"trigger", "result"}),
		cleanupDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_deleted_rows_total",
			Help:      "Entries removed by retention.",
		}),
		cleanupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cleanup_duration_seconds",
			Help:      "Duration of retention runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		cleanupLastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cleanup_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful retention run.",
		}),
		chainEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_entries",
			Help:      "Surviving entries after the last retention run.",
		}),
		verifyRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_runs_total",
			Help:      "Chain verifications by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.appendsTotal,
		m.appendDuration,
		m.tailSequence,
		m.eventsEnqueued,
		m.cleanupRuns,
		m.cleanupDeleted,
		m.cleanupDuration,
		m.cleanupLastRun,
		m.chainEntries,
		m.verifyRuns,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveAppend records one append attempt. seq is ignored unless result is success.
func (m *Metrics) ObserveAppend(result string, d time.Duration, seq int64) {
	if m == nil {
		return
	}
	m.appendsTotal.WithLabelValues(result).Inc()
	m.appendDuration.Observe(d.Seconds())
	if result == ResultSuccess {
		m.tailSequence.Set(float64(seq))
	}
}

// EventEnqueued counts one event inserted into queue.
func (m *Metrics) EventEnqueued(queue string) {
	if m == nil {
		return
	}
	m.eventsEnqueued.WithLabelValues(queue).Inc()
}

// ObserveCleanup records a finished retention run.
func (m *Metrics) ObserveCleanup(trigger, result string, deleted int64, d time.Duration) {
	if m == nil {
		return
	}
	m.cleanupRuns.WithLabelValues(trigger, result).Inc()
	if deleted > 0 {
		m.cleanupDeleted.Add(float64(deleted))
	}
	if result == ResultSkipped {
		return
	}
	m.cleanupDuration.Observe(d.Seconds())
	if result == ResultSuccess {
		m.cleanupLastRun.SetToCurrentTime()
	}
}

// SetChainEntries records the surviving entry count.
func (m *Metrics) SetChainEntries(n int64) {
	if m == nil {
		return
	}
	m.chainEntries.Set(float64(n))
}

// PoolStatsSource reports worker pools by name. Satisfied by *worker.Pools.
type PoolStatsSource interface {
	Stats() map[string]worker.PoolStats
}

// WatchPools exports src's pools as seclog_worker_pool_goroutines{pool,state},
// read at scrape time.
func (m *Metrics) WatchPools(src PoolStatsSource) {
	if m == nil || src == nil {
		return
	}
	m.registry.MustRegister(&poolCollector{
		src: src,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "worker_pool", "goroutines"),
			"Worker pool goroutines by state.",
			[]string{"pool", "state"}, nil,
		),
	})
}

type poolCollector struct {
	src  PoolStatsSource
	desc *prometheus.Desc
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for name, s := range c.src.Stats() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(s.Running), name, "running")
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(s.Free), name, "free")
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(s.Cap), name, "capacity")
	}
}

// ObserveVerify counts one verification by outcome.
func (m *Metrics) ObserveVerify(valid bool) {
	if m == nil {
		return
	}
	result := ResultInvalid
	if valid {
		result = ResultValid
	}
	m.verifyRuns.WithLabelValues(result).Inc()
}
