package blockmig

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the read-latency histogram buckets in
// nanoseconds, carried over from ehrlich-b-go-ublk's logarithmic bucket
// scheme.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks migration activity: read/send counters, the per-chunk
// classification counters supplementing block-migration.c's trace
// counters (zero/bulk/dirty/total blocks), and a read-latency histogram.
type Metrics struct {
	ReadOps  atomic.Uint64
	ReadErrs atomic.Uint64
	SendOps  atomic.Uint64

	ReadBytes atomic.Uint64
	SendBytes atomic.Uint64

	ZeroBlocks  atomic.Uint64
	BulkBlocks  atomic.Uint64
	DirtyBlocks atomic.Uint64
	TotalBlocks atomic.Uint64

	TotalLatencyNs atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	LastProgress      atomic.Int32
	ConvergenceChecks atomic.Uint64
	ConvergenceHits   atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics creates a new metrics instance stamped with the current time.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	m.LastProgress.Store(-1)
	return m
}

// RecordRead records one completed (or failed) asynchronous/synchronous
// read.
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrs.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordSend records one chunk handed to the wire encoder, classifying it
// as zero or non-zero and as bulk- or dirty-phase for the supplemented
// per-block counters. Bulk-phase zero chunks that the sparse shortcut
// drops from the wire are counted too.
func (m *Metrics) RecordSend(bytes uint64, zero bool, bulkPhase bool) {
	m.SendOps.Add(1)
	m.SendBytes.Add(bytes)
	m.TotalBlocks.Add(1)
	if zero {
		m.ZeroBlocks.Add(1)
	}
	if bulkPhase {
		m.BulkBlocks.Add(1)
	} else {
		m.DirtyBlocks.Add(1)
	}
}

// RecordProgress stores the last emitted progress percent.
func (m *Metrics) RecordProgress(percent int) {
	m.LastProgress.Store(int32(percent))
}

// RecordConvergence records one convergence-oracle poll.
func (m *Metrics) RecordConvergence(eligible bool) {
	m.ConvergenceChecks.Add(1)
	if eligible {
		m.ConvergenceHits.Add(1)
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to retain and
// print without further synchronization.
type MetricsSnapshot struct {
	ReadOps  uint64
	ReadErrs uint64
	SendOps  uint64

	ReadBytes uint64
	SendBytes uint64

	ZeroBlocks  uint64
	BulkBlocks  uint64
	DirtyBlocks uint64
	TotalBlocks uint64

	AvgReadLatencyNs uint64
	LatencyHistogram [numLatencyBuckets]uint64

	LastProgress      int
	ConvergenceChecks uint64
	ConvergenceHits   uint64

	UptimeNs uint64
}

// Snapshot captures the current metrics state.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:           m.ReadOps.Load(),
		ReadErrs:          m.ReadErrs.Load(),
		SendOps:           m.SendOps.Load(),
		ReadBytes:         m.ReadBytes.Load(),
		SendBytes:         m.SendBytes.Load(),
		ZeroBlocks:        m.ZeroBlocks.Load(),
		BulkBlocks:        m.BulkBlocks.Load(),
		DirtyBlocks:       m.DirtyBlocks.Load(),
		TotalBlocks:       m.TotalBlocks.Load(),
		LastProgress:      int(m.LastProgress.Load()),
		ConvergenceChecks: m.ConvergenceChecks.Load(),
		ConvergenceHits:   m.ConvergenceHits.Load(),
		UptimeNs:          uint64(time.Now().UnixNano() - m.StartTime.Load()),
	}
	if snap.ReadOps > 0 {
		snap.AvgReadLatencyNs = m.TotalLatencyNs.Load() / snap.ReadOps
	}
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	return snap
}

// Observer receives point-in-time notifications of migration activity; it
// mirrors internal/driver.Observer so the root package can expose its own
// Observer type to callers without an import cycle.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveSend(bytes uint64, zero bool, bulkPhase bool)
	ObserveProgress(percent int)
	ObserveConvergence(residualBytes uint64, bandwidthBps float64, eligible bool)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)         {}
func (NoOpObserver) ObserveSend(uint64, bool, bool)           {}
func (NoOpObserver) ObserveProgress(int)                      {}
func (NoOpObserver) ObserveConvergence(uint64, float64, bool) {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveSend(bytes uint64, zero bool, bulkPhase bool) {
	o.metrics.RecordSend(bytes, zero, bulkPhase)
}

func (o *MetricsObserver) ObserveProgress(percent int) {
	o.metrics.RecordProgress(percent)
}

func (o *MetricsObserver) ObserveConvergence(_ uint64, _ float64, eligible bool) {
	o.metrics.RecordConvergence(eligible)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)
