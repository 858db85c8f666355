package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zoobzio/apmz/pool"
)

// PoolSource exposes the statistics of one object pool.
type PoolSource interface {
	Name() string
	Stats() pool.Stats
}

// RegisterPool adds a pool to the exported gauges.
func (c *Counters) RegisterPool(p PoolSource) {
	if p == nil {
		return
	}
	c.mu.Lock()
	c.poolStats = append(c.poolStats, p)
	c.mu.Unlock()
}

func (c *Counters) pools() []PoolSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]PoolSource, len(c.poolStats))
	copy(out, c.poolStats)
	return out
}

// Collector is a prometheus.Collector reading from Counters at scrape time.
type Collector struct {
	counters *Counters

	events        *prometheus.Desc
	dropped       *prometheus.Desc
	requests      *prometheus.Desc
	requestBytes  *prometheus.Desc
	queueLength   *prometheus.Desc
	queueCapacity *prometheus.Desc
	poolIdle      *prometheus.Desc
	poolInUse     *prometheus.Desc
	poolHighWater *prometheus.Desc
	poolCreated   *prometheus.Desc
	poolOverflow  *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// Collector returns a prometheus collector for c under namespace.
func (c *Counters) Collector(namespace string) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		counters:      c,
		events:        desc("events_total", "Events reported to the collector.", "event_type"),
		dropped:       desc("events_dropped_total", "Events discarded before reaching the collector.", "reason"),
		requests:      desc("requests_total", "Intake requests.", "success"),
		requestBytes:  desc("request_bytes_total", "Intake bytes on the wire.", "direction"),
		queueLength:   desc("queue_length", "Events waiting in the reporter queue."),
		queueCapacity: desc("queue_capacity", "Reporter queue capacity."),
		poolIdle:      desc("pool_idle", "Idle pooled instances.", "pool"),
		poolInUse:     desc("pool_in_use", "Pooled instances currently acquired.", "pool"),
		poolHighWater: desc("pool_high_water_mark", "Highest observed in-use count.", "pool"),
		poolCreated:   desc("pool_created_total", "Instances created by the pool factory.", "pool"),
		poolOverflow:  desc("pool_overflow_total", "Acquisitions beyond pool capacity.", "pool"),
	}
}

// Describe implements prometheus.Collector.
func (col *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- col.events
	ch <- col.dropped
	ch <- col.requests
	ch <- col.requestBytes
	ch <- col.queueLength
	ch <- col.queueCapacity
	ch <- col.poolIdle
	ch <- col.poolInUse
	ch <- col.poolHighWater
	ch <- col.poolCreated
	ch <- col.poolOverflow
}

// Collect implements prometheus.Collector.
func (col *Collector) Collect(ch chan<- prometheus.Metric) {
	s := col.counters.Snapshot()

	for t, n := range s.ReportedByType {
		ch <- prometheus.MustNewConstMetric(col.events, prometheus.CounterValue, float64(n), t.String())
	}
	for reason, n := range s.DroppedByReason {
		ch <- prometheus.MustNewConstMetric(col.dropped, prometheus.CounterValue, float64(n), string(reason))
	}
	ch <- prometheus.MustNewConstMetric(col.requests, prometheus.CounterValue, float64(s.RequestsOK), "true")
	ch <- prometheus.MustNewConstMetric(col.requests, prometheus.CounterValue, float64(s.RequestsFailed), "false")
	ch <- prometheus.MustNewConstMetric(col.requestBytes, prometheus.CounterValue, float64(s.BytesSent), "sent")
	ch <- prometheus.MustNewConstMetric(col.requestBytes, prometheus.CounterValue, float64(s.BytesReceived), "received")
	ch <- prometheus.MustNewConstMetric(col.queueLength, prometheus.GaugeValue, float64(s.QueueLen))
	ch <- prometheus.MustNewConstMetric(col.queueCapacity, prometheus.GaugeValue, float64(s.QueueCap))

	for _, p := range col.counters.pools() {
		ps := p.Stats()
		name := p.Name()
		ch <- prometheus.MustNewConstMetric(col.poolIdle, prometheus.GaugeValue, float64(ps.Idle), name)
		ch <- prometheus.MustNewConstMetric(col.poolInUse, prometheus.GaugeValue, float64(ps.InUse), name)
		ch <- prometheus.MustNewConstMetric(col.poolHighWater, prometheus.GaugeValue, float64(ps.HighWaterMark), name)
		ch <- prometheus.MustNewConstMetric(col.poolCreated, prometheus.CounterValue, float64(ps.Created), name)
		ch <- prometheus.MustNewConstMetric(col.poolOverflow, prometheus.CounterValue, float64(ps.Overflow), name)
	}
}
