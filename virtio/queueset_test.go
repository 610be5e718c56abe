package virtio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeResult struct {
	ud  uint64
	n   uint32
	val int32
}

func (r fakeResult) UserData() uint64 { return r.ud }
func (r fakeResult) Len() uint32      { return r.n }
func (r fakeResult) Value() int32     { return r.val }
func (r fakeResult) Error() error     { return nil }

type fakeRing struct {
	closed  bool
	prepped []DescriptorChain
	results []Result
}

func (r *fakeRing) Close() error { r.closed = true; return nil }
func (r *fakeRing) PrepareChain(chain DescriptorChain, userData uint64) error {
	r.prepped = append(r.prepped, chain)
	return nil
}
func (r *fakeRing) FlushAvail() (uint32, error) { return uint32(len(r.prepped)), nil }
func (r *fakeRing) Submit(chain DescriptorChain, userData uint64) error {
	return r.PrepareChain(chain, userData)
}
func (r *fakeRing) WaitForCompletion(ctx context.Context) ([]Result, error) {
	out := r.results
	r.results = nil
	return out, nil
}
func (r *fakeRing) DisableIRQ() error { return nil }
func (r *fakeRing) NewBatch() Batch   { return nil }

func TestQueueSetQueueOutOfRange(t *testing.T) {
	qs := NewQueueSet(&fakeRing{}, nil, nil, size4k)
	_, err := qs.Queue(5)
	require.Error(t, err)
}

func TestQueueSetConstructionOrderIsHiprioNotifyRequest(t *testing.T) {
	hiprio, notify := &fakeRing{}, &fakeRing{}
	req0, req1 := &fakeRing{}, &fakeRing{}
	qs := NewQueueSet(hiprio, notify, []Ring{req0, req1}, size4k)

	require.Equal(t, 4, qs.NumQueues())
	require.Equal(t, 2, qs.NumRequestQueues())

	require.Same(t, hiprio, qs.Hiprio().Ring)

	n, ok := qs.Notify()
	require.True(t, ok)
	require.Same(t, notify, n.Ring)

	r0, err := qs.Request(0)
	require.NoError(t, err)
	require.Same(t, req0, r0.Ring)

	r1, err := qs.Request(1)
	require.NoError(t, err)
	require.Same(t, req1, r1.Ring)

	_, err = qs.Request(2)
	require.Error(t, err)
}

func TestQueueSetWithoutNotificationQueue(t *testing.T) {
	qs := NewQueueSet(&fakeRing{}, nil, []Ring{&fakeRing{}}, size4k)

	require.Equal(t, 2, qs.NumQueues())
	_, ok := qs.Notify()
	require.False(t, ok)
}

func TestQueueSetWithQueueLockSerializes(t *testing.T) {
	r := &fakeRing{}
	qs := NewQueueSet(&fakeRing{}, nil, []Ring{r}, size4k)

	req, err := qs.Request(0)
	require.NoError(t, err)
	err = req.WithLock(func(h *QueueHandle) error {
		return h.Ring.Submit(DescriptorChain{}, 1)
	})
	require.NoError(t, err)
	require.Len(t, r.prepped, 1)
}

func TestQueueSetCloseIsIdempotent(t *testing.T) {
	r := &fakeRing{}
	qs := NewQueueSet(r, nil, nil, size4k)

	require.NoError(t, qs.Close())
	require.True(t, r.closed)
	require.NoError(t, qs.Close())
}

func TestQueueSetDrainInvokesCallbackPerQueue(t *testing.T) {
	r := &fakeRing{results: []Result{fakeResult{ud: 1, n: 10}}}
	qs := NewQueueSet(r, nil, nil, size4k)

	var got []Result
	err := qs.Drain(context.Background(), func(queue uint16, res Result) {
		got = append(got, res)
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(1), got[0].UserData())
}

func TestQueueSetStatsTracksInFlightPerQueue(t *testing.T) {
	qs := NewQueueSet(&fakeRing{}, nil, []Ring{&fakeRing{}}, size4k)

	req, err := qs.Request(0)
	require.NoError(t, err)
	req.MarkSubmitted()
	req.MarkSubmitted()

	stats := qs.Stats()
	require.Len(t, stats, 2)
	require.Equal(t, ClassHiprio, stats[0].Class)
	require.Equal(t, int32(0), stats[0].InFlight)
	require.Equal(t, ClassRequest, stats[1].Class)
	require.Equal(t, int32(2), stats[1].InFlight)

	req.MarkCompleted()
	require.Equal(t, int32(1), qs.Stats()[1].InFlight)
}

func TestBufferPoolGetPutRoundTrip(t *testing.T) {
	qs := NewQueueSet(&fakeRing{}, nil, nil, size4k)
	h, err := qs.Queue(0)
	require.NoError(t, err)

	buf := h.AcquireBuffer(100)
	require.Len(t, buf.Bytes, 100)
	require.LessOrEqual(t, 100, cap(buf.Bytes))

	h.ReleaseBuffer(buf)
}

func TestBufferPoolOversizeFallsBackToDirectAllocation(t *testing.T) {
	pool := newBufferPool(size4k)
	buf := pool.get(2 * size1m)
	require.Len(t, buf.Bytes, 2*size1m)
	pool.put(buf) // must not panic even though capacity doesn't match a bucket
}
