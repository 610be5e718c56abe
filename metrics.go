package virtiofs

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/virtiofs-driver/fuse"
)

// LatencyBuckets defines the request latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing - unchanged
// from the teacher's bucket layout, since a FUSE round trip spans the
// same order-of-magnitude range as a block I/O.
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

// maxOpcode bounds the per-opcode counter array; spec.md §4.3's highest
// assigned opcode is LSEEK (46).
const maxOpcode = 64

// Metrics tracks per-opcode operation counts, errors, and request
// latency for a running Driver, generalized from go-ublk's per-I/O-type
// counters (ReadOps/WriteOps/...) to an open-ended per-opcode array,
// since FUSE has far more operation kinds than a block device's
// read/write/discard/flush.
type Metrics struct {
	opOps    [maxOpcode]atomic.Uint64
	opErrors [maxOpcode]atomic.Uint64
	opBytes  [maxOpcode]atomic.Uint64

	// Queue statistics
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// Performance tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts); bucket[i] holds
	// the count of operations with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordOp records one completed request for op: whether it succeeded,
// its payload byte count (0 for ops with no associated payload, such as
// GETATTR), and its round-trip latency.
func (m *Metrics) RecordOp(op fuse.Opcode, bytes uint64, latencyNs uint64, success bool) {
	idx := int(op)
	if idx < 0 || idx >= maxOpcode {
		idx = 0
	}
	m.opOps[idx].Add(1)
	if success {
		m.opBytes[idx].Add(bytes)
	} else {
		m.opErrors[idx].Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordQueueDepth records a point-in-time sample of one queue's depth.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the driver as stopped for uptime accounting.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// OpSnapshot is one opcode's counters at the time of Snapshot.
type OpSnapshot struct {
	Opcode fuse.Opcode
	Ops    uint64
	Errors uint64
	Bytes  uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to read
// without further synchronization.
type MetricsSnapshot struct {
	ByOpcode map[fuse.Opcode]OpSnapshot

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps   uint64
	TotalBytes uint64
	ErrorRate  float64
}

// Snapshot copies every counter out of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ByOpcode:      make(map[fuse.Opcode]OpSnapshot),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}

	var totalErrors uint64
	for i := 0; i < maxOpcode; i++ {
		ops := m.opOps[i].Load()
		if ops == 0 {
			continue
		}
		errs := m.opErrors[i].Load()
		bytes := m.opBytes[i].Load()
		snap.ByOpcode[fuse.Opcode(i)] = OpSnapshot{Opcode: fuse.Opcode(i), Ops: ops, Errors: errs, Bytes: bytes}
		snap.TotalOps += ops
		snap.TotalBytes += bytes
		totalErrors += errs
	}

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at percentile (0.0-1.0) by
// linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes every counter, useful between test cases.
func (m *Metrics) Reset() {
	for i := 0; i < maxOpcode; i++ {
		m.opOps[i].Store(0)
		m.opErrors[i].Store(0)
		m.opBytes[i].Store(0)
	}
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable per-request metrics collection, the same
// seam go-ublk's Observer interface gives backend.go's callers.
type Observer interface {
	ObserveOp(op fuse.Opcode, bytes uint64, latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveOp(fuse.Opcode, uint64, uint64, bool) {}
func (NoOpObserver) ObserveQueueDepth(uint32)                    {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveOp(op fuse.Opcode, bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordOp(op, bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)
