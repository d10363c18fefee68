// SPDX-License-Identifier: MIT

// Package metrics holds the bridge counters. A Metrics handle carries the
// process counters used by the health heartbeat; the prometheus collectors
// below mirror them for the /metrics endpoint.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BarsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtbridge_bars_published_total",
		Help: "Total number of canonical bars published to the fanout topic",
	}, []string{"period"})

	PublishFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtbridge_publish_fail_total",
		Help: "Total number of bars dropped after exhausting publish retries",
	})

	DedupHitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtbridge_dedup_hit_total",
		Help: "Total number of bar emissions suppressed by the dedup cache",
	})

	SchemaDropTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtbridge_schema_drop_total",
		Help: "Total number of outbound bars rejected by the schema guard",
	})

	LateBarsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtbridge_late_bars_total",
		Help: "Total number of closed bars published later than the lateness threshold",
	})

	ParseDropTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtbridge_parse_drop_total",
		Help: "Total number of raw vendor rows dropped as unparseable",
	})
)

// Metrics is a thread-safe counter set. The zero value is ready to use.
type Metrics struct {
	published   atomic.Int64
	publishFail atomic.Int64
	dedupHit    atomic.Int64
	schemaDrop  atomic.Int64
	lateBars    atomic.Int64
	parseDrop   atomic.Int64
	outOfOrder  atomic.Int64
}

// New returns a fresh Metrics handle.
func New() *Metrics { return &Metrics{} }

func (m *Metrics) IncPublished(period string) {
	m.published.Add(1)
	BarsPublishedTotal.WithLabelValues(period).Inc()
}

func (m *Metrics) IncPublishFail() {
	m.publishFail.Add(1)
	PublishFailTotal.Inc()
}

func (m *Metrics) IncDedupHit() {
	m.dedupHit.Add(1)
	DedupHitTotal.Inc()
}

func (m *Metrics) IncSchemaDrop() {
	m.schemaDrop.Add(1)
	SchemaDropTotal.Inc()
}

func (m *Metrics) IncLateBar() {
	m.lateBars.Add(1)
	LateBarsTotal.Inc()
}

func (m *Metrics) IncParseDrop() {
	m.parseDrop.Add(1)
	ParseDropTotal.Inc()
}

func (m *Metrics) IncOutOfOrder() {
	m.outOfOrder.Add(1)
}

// Snapshot returns a point-in-time copy of all counters, keyed by the
// counter names used in health records.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"published":         m.published.Load(),
		"publish_fail":      m.publishFail.Load(),
		"dedup_hit":         m.dedupHit.Load(),
		"schema_drop_total": m.schemaDrop.Load(),
		"late_bars_total":   m.lateBars.Load(),
		"parse_drop_total":  m.parseDrop.Load(),
		"out_of_order":      m.outOfOrder.Load(),
	}
}

// Reset zeroes the handle counters. Prometheus collectors are monotonic and
// are left untouched; this exists for tests.
func (m *Metrics) Reset() {
	m.published.Store(0)
	m.publishFail.Store(0)
	m.dedupHit.Store(0)
	m.schemaDrop.Store(0)
	m.lateBars.Store(0)
	m.parseDrop.Store(0)
	m.outOfOrder.Store(0)
}
