// Package metrics collects the counters a site supervisor exposes for
// observability: per-partition transaction outcomes, mispredict rate, and
// object-pool occupancy, mirroring the shape of a typical production
// metrics collector without pulling in a registry library.
package metrics

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mantisdb/partitiondb/pool"
)

// MetricType distinguishes a counter from a gauge in the ad-hoc metrics
// map; timers are recorded as gauges of their latest duration.
type MetricType int

const (
	CounterType MetricType = iota
	GaugeType
)

// Metric is a single named, optionally labeled measurement snapshot.
type Metric struct {
	Name      string
	Type      MetricType
	Value     int64
	Labels    map[string]string
	Timestamp time.Time
}

// Collector aggregates per-partition counters for one site. A site
// Supervisor owns one Collector shared across every partition executor.
type Collector struct {
	mu      sync.RWMutex
	metrics map[string]*Metric

	txnStartCount      int64
	txnCommitCount     int64
	txnAbortCount      int64
	txnMispredictCount int64

	fragmentCount   int64
	errorCount      int64
	coordinatorFail int64
}

// NewCollector creates an empty metrics collector.
func NewCollector() *Collector {
	return &Collector{metrics: make(map[string]*Metric)}
}

func (c *Collector) incrementCounter(name string, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := buildKey(name, labels)
	if m, ok := c.metrics[key]; ok {
		atomic.AddInt64(&m.Value, 1)
		m.Timestamp = time.Now()
		return
	}
	c.metrics[key] = &Metric{Name: name, Type: CounterType, Value: 1, Labels: labels, Timestamp: time.Now()}
}

func (c *Collector) setGauge(name string, value int64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := buildKey(name, labels)
	c.metrics[key] = &Metric{Name: name, Type: GaugeType, Value: value, Labels: labels, Timestamp: time.Now()}
}

// RecordTransactionStart counts an Initiate handled by a partition.
func (c *Collector) RecordTransactionStart(partitionID int) {
	atomic.AddInt64(&c.txnStartCount, 1)
	c.incrementCounter("transactions_started_total", map[string]string{"partition": strconv.Itoa(partitionID)})
}

// RecordTransactionCommit counts a successful commit.
func (c *Collector) RecordTransactionCommit(partitionID int) {
	atomic.AddInt64(&c.txnCommitCount, 1)
	c.incrementCounter("transactions_committed_total", map[string]string{"partition": strconv.Itoa(partitionID)})
}

// RecordTransactionAbort counts an abort, including a user-initiated one.
func (c *Collector) RecordTransactionAbort(partitionID int) {
	atomic.AddInt64(&c.txnAbortCount, 1)
	c.incrementCounter("transactions_aborted_total", map[string]string{"partition": strconv.Itoa(partitionID)})
}

// RecordMispredict counts a single-partition misprediction restart.
func (c *Collector) RecordMispredict(partitionID int) {
	atomic.AddInt64(&c.txnMispredictCount, 1)
	c.incrementCounter("transactions_mispredicted_total", map[string]string{"partition": strconv.Itoa(partitionID)})
}

// RecordFragmentExecuted counts one dispatched-and-run plan fragment.
func (c *Collector) RecordFragmentExecuted(partitionID int) {
	atomic.AddInt64(&c.fragmentCount, 1)
	c.incrementCounter("fragments_executed_total", map[string]string{"partition": strconv.Itoa(partitionID)})
}

// RecordError counts an EngineError surfaced to a client, tagged by its
// error-taxonomy type name.
func (c *Collector) RecordError(errType string) {
	atomic.AddInt64(&c.errorCount, 1)
	c.incrementCounter("errors_total", map[string]string{"type": errType})
}

// RecordCoordinatorFailure counts an unroutable or failed coordinator
// dispatch.
func (c *Collector) RecordCoordinatorFailure() {
	atomic.AddInt64(&c.coordinatorFail, 1)
	c.incrementCounter("coordinator_dispatch_failures_total", nil)
}

// SetQueueDepth publishes the current depth of a partition's work queue.
func (c *Collector) SetQueueDepth(partitionID int, depth int) {
	c.setGauge("work_queue_depth", int64(depth), map[string]string{"partition": strconv.Itoa(partitionID)})
}

// Summary returns the headline counters, independent of the labeled metric
// map, for a cheap health/status endpoint.
func (c *Collector) Summary() map[string]int64 {
	return map[string]int64{
		"transactions_started_total":      atomic.LoadInt64(&c.txnStartCount),
		"transactions_committed_total":    atomic.LoadInt64(&c.txnCommitCount),
		"transactions_aborted_total":      atomic.LoadInt64(&c.txnAbortCount),
		"transactions_mispredicted_total": atomic.LoadInt64(&c.txnMispredictCount),
		"fragments_executed_total":        atomic.LoadInt64(&c.fragmentCount),
		"errors_total":                    atomic.LoadInt64(&c.errorCount),
		"coordinator_dispatch_failures":   atomic.LoadInt64(&c.coordinatorFail),
	}
}

// AllMetrics returns every labeled metric currently tracked.
func (c *Collector) AllMetrics() map[string]*Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*Metric, len(c.metrics))
	for k, v := range c.metrics {
		out[k] = &Metric{Name: v.Name, Type: v.Type, Value: atomic.LoadInt64(&v.Value), Labels: v.Labels, Timestamp: v.Timestamp}
	}
	return out
}

// PoolStats folds in a pool.Registry's snapshot alongside the site's own
// counters, so a single status payload covers both transaction throughput
// and object-pool occupancy.
func (c *Collector) PoolStats(reg *pool.Registry) map[string]pool.Stats {
	if reg == nil {
		return nil
	}
	return reg.AllStats()
}

func buildKey(name string, labels map[string]string) string {
	key := name
	for k, v := range labels {
		key += ":" + k + "=" + v
	}
	return key
}
