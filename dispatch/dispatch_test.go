package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/virtiofs-driver/fuse"
	"github.com/ehrlich-b/virtiofs-driver/virtio"
)

// echoRing answers every submitted chain with a successful completion
// carrying the same userData, simulating a device that always replies
// instead of actually parsing FUSE bytes. Grounded on go-ublk's
// iouring_stub.go stub-ring-for-tests pattern.
type echoRing struct {
	mu           sync.Mutex
	pending      []virtio.Result
	signal       chan struct{}
	submittedOps [][]byte
}

func newEchoRing() *echoRing {
	return &echoRing{signal: make(chan struct{}, 16)}
}

func (r *echoRing) Close() error { return nil }

func (r *echoRing) PrepareChain(chain virtio.DescriptorChain, userData uint64) error {
	return nil
}

func (r *echoRing) FlushAvail() (uint32, error) { return 0, nil }

func (r *echoRing) Submit(chain virtio.DescriptorChain, userData uint64) error {
	r.mu.Lock()
	if len(chain.Readable) > 0 {
		r.submittedOps = append(r.submittedOps, chain.Readable[0])
	}
	r.pending = append(r.pending, echoResult{ud: userData})
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
	return nil
}

// submittedOpcode decodes the opcode out of raw[4:8], matching
// fuse.InHeader's field-wise little-endian layout.
func submittedOpcode(raw []byte) fuse.Opcode {
	return fuse.Opcode(uint32(raw[4]) | uint32(raw[5])<<8 | uint32(raw[6])<<16 | uint32(raw[7])<<24)
}

func (r *echoRing) WaitForCompletion(ctx context.Context) ([]virtio.Result, error) {
	select {
	case <-r.signal:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending
	r.pending = nil
	return out, nil
}

func (r *echoRing) DisableIRQ() error { return nil }
func (r *echoRing) NewBatch() virtio.Batch { return nil }

type echoResult struct{ ud uint64 }

func (e echoResult) UserData() uint64 { return e.ud }
func (e echoResult) Len() uint32      { return 0 }
func (e echoResult) Value() int32     { return 0 }
func (e echoResult) Error() error     { return nil }

func newTestDispatcher(t *testing.T, numRequestQueues int) (*Dispatcher, func()) {
	t.Helper()
	requests := make([]virtio.Ring, numRequestQueues)
	for i := range requests {
		requests[i] = newEchoRing()
	}
	qs := virtio.NewQueueSet(newEchoRing(), nil, requests, 4096)
	d := NewDispatcher(qs)
	return d, func() {
		require.NoError(t, d.Close())
		require.NoError(t, qs.Close())
	}
}

func TestSubmitRoundTripsThroughEchoRing(t *testing.T) {
	d, cleanup := newTestDispatcher(t, 2)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, errno, err := d.Submit(ctx, fuse.GETATTR, 1, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int32(0), errno)
}

func TestSubmitAssignsMonotonicUniqueIDs(t *testing.T) {
	d, cleanup := newTestDispatcher(t, 1)
	defer cleanup()

	first := d.NextUnique()
	second := d.NextUnique()
	require.Greater(t, second, first)
}

func TestRouteQueueSendsHiprioOpsToReservedQueue(t *testing.T) {
	d, cleanup := newTestDispatcher(t, 3)
	defer cleanup()

	h, err := d.routeQueue(fuse.FORGET)
	require.NoError(t, err)
	require.Equal(t, d.queues.Hiprio(), h)
}

func TestRouteQueuePinsInitToRequestQueueZero(t *testing.T) {
	d, cleanup := newTestDispatcher(t, 4)
	defer cleanup()

	// Advance the round-robin counter so a naive modulo would not land
	// on index 0, then confirm INIT still does.
	for i := 0; i < 5; i++ {
		_, err := d.routeQueue(fuse.LOOKUP)
		require.NoError(t, err)
	}

	h, err := d.routeQueue(fuse.INIT)
	require.NoError(t, err)
	want, err := d.queues.Request(0)
	require.NoError(t, err)
	require.Equal(t, want, h)
}

func TestInterruptWakesBlockedSubmit(t *testing.T) {
	d, cleanup := newTestDispatcher(t, 1)
	defer cleanup()

	unique := d.NextUnique()
	req := newInFlight(unique, 0)
	require.NoError(t, req.transition(StateEncoded))
	require.NoError(t, req.transition(StateSubmitted))
	require.NoError(t, req.transition(StateWaitingReply))

	d.mu.Lock()
	d.inFlight[unique] = req
	d.mu.Unlock()

	require.NoError(t, d.Interrupt(unique))

	select {
	case r := <-req.reply:
		require.Error(t, r.err)
	case <-time.After(time.Second):
		t.Fatal("expected Interrupt to deliver a reply")
	}
	require.Equal(t, StateInterrupted, req.State)
}

func TestInterruptSubmitsFuseInterruptOnHiprioQueue(t *testing.T) {
	hiprio := newEchoRing()
	qs := virtio.NewQueueSet(hiprio, nil, []virtio.Ring{newEchoRing()}, 4096)
	d := NewDispatcher(qs)
	defer func() {
		require.NoError(t, d.Close())
		require.NoError(t, qs.Close())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := d.Submit(ctx, fuse.GETATTR, 1, nil, nil)
	require.NoError(t, err)

	unique := d.NextUnique()
	req := newInFlight(unique, 0)
	require.NoError(t, req.transition(StateEncoded))
	require.NoError(t, req.transition(StateSubmitted))
	require.NoError(t, req.transition(StateWaitingReply))
	d.mu.Lock()
	d.inFlight[unique] = req
	d.mu.Unlock()

	require.NoError(t, d.Interrupt(unique))

	require.Eventually(t, func() bool {
		hiprio.mu.Lock()
		defer hiprio.mu.Unlock()
		for _, raw := range hiprio.submittedOps {
			if submittedOpcode(raw) == fuse.INTERRUPT {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "expected a FUSE_INTERRUPT chain to reach the hiprio queue")
}

func TestInterruptUnknownUniqueErrors(t *testing.T) {
	d, cleanup := newTestDispatcher(t, 1)
	defer cleanup()

	err := d.Interrupt(999)
	require.Error(t, err)
}
