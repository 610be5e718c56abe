package virtiofs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/virtiofs-driver/fuse"
)

func TestMetricsRecordsPerOpcode(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	require.Zero(t, snap.TotalOps)

	m.RecordOp(fuse.READ, 1024, 1_000_000, true)
	m.RecordOp(fuse.WRITE, 2048, 2_000_000, true)
	m.RecordOp(fuse.READ, 512, 500_000, false)

	snap = m.Snapshot()
	require.Equal(t, uint64(2), snap.ByOpcode[fuse.READ].Ops)
	require.Equal(t, uint64(1), snap.ByOpcode[fuse.READ].Errors)
	require.Equal(t, uint64(1024), snap.ByOpcode[fuse.READ].Bytes)
	require.Equal(t, uint64(1), snap.ByOpcode[fuse.WRITE].Ops)
	require.Equal(t, uint64(2048), snap.ByOpcode[fuse.WRITE].Bytes)

	expectedErrorRate := float64(1) / float64(3) * 100.0
	require.InDelta(t, expectedErrorRate, snap.ErrorRate, 0.1)
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordQueueDepth(10)
	m.RecordQueueDepth(20)
	m.RecordQueueDepth(15)

	snap := m.Snapshot()
	require.Equal(t, uint32(20), snap.MaxQueueDepth)
	require.InDelta(t, float64(10+20+15)/3.0, snap.AvgQueueDepth, 0.1)
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordOp(fuse.READ, 1024, 1_000_000, true)
	m.RecordOp(fuse.WRITE, 1024, 2_000_000, true)

	snap := m.Snapshot()
	require.Equal(t, uint64(1_500_000), snap.AvgLatencyNs)
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)
	snap := m.Snapshot()
	require.GreaterOrEqual(t, snap.UptimeNs, uint64(10*time.Millisecond))

	m.Stop()
	time.Sleep(5 * time.Millisecond)
	snap2 := m.Snapshot()
	require.LessOrEqual(t, snap2.UptimeNs, snap.UptimeNs+uint64(2*time.Millisecond))
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordOp(fuse.READ, 1024, 1_000_000, true)
	m.RecordOp(fuse.WRITE, 2048, 2_000_000, true)
	m.RecordQueueDepth(10)

	snap := m.Snapshot()
	require.NotZero(t, snap.TotalOps)

	m.Reset()

	snap = m.Snapshot()
	require.Zero(t, snap.TotalOps)
	require.Zero(t, snap.TotalBytes)
	require.Zero(t, snap.MaxQueueDepth)
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveOp(fuse.READ, 1024, 1_000_000, true)
	observer.ObserveQueueDepth(10)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveOp(fuse.READ, 1024, 1_000_000, true)
	metricsObserver.ObserveOp(fuse.WRITE, 2048, 2_000_000, true)

	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.ByOpcode[fuse.READ].Ops)
	require.Equal(t, uint64(1), snap.ByOpcode[fuse.WRITE].Ops)
	require.Equal(t, uint64(1024), snap.ByOpcode[fuse.READ].Bytes)
	require.Equal(t, uint64(2048), snap.ByOpcode[fuse.WRITE].Bytes)
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordOp(fuse.READ, 1024, 1_000_000, true)
	m.RecordOp(fuse.WRITE, 2048, 2_000_000, true)

	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.TotalOps)
	require.Equal(t, uint64(3072), snap.TotalBytes)
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordOp(fuse.READ, 1024, 500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordOp(fuse.WRITE, 1024, 5_000_000, true) // 5ms
	}
	m.RecordOp(fuse.WRITE, 1024, 50_000_000, true) // 50ms, P99

	snap := m.Snapshot()
	require.Equal(t, uint64(100), snap.TotalOps)
	require.GreaterOrEqual(t, snap.LatencyP50Ns, uint64(100_000))
	require.LessOrEqual(t, snap.LatencyP50Ns, uint64(1_000_000))
	require.GreaterOrEqual(t, snap.LatencyP99Ns, uint64(5_000_000))
	require.LessOrEqual(t, snap.LatencyP99Ns, uint64(100_000_000))

	var totalInBuckets uint64
	for _, c := range snap.LatencyHistogram {
		totalInBuckets += c
	}
	require.NotZero(t, totalInBuckets)
}
