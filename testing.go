package virtiofs

import (
	"context"
	"sync"

	"github.com/ehrlich-b/virtiofs-driver/virtio"
)

// Responder answers one submitted descriptor chain: it writes a reply
// into chain.Writable (if any) and reports the FUSE errno (0 for
// success). Used by MockRing in place of a real device.
type Responder func(chain virtio.DescriptorChain) (written int, errno int32)

// EchoResponder is the default Responder: it reports success without
// writing any reply bytes, useful for tests that only care about
// request/reply plumbing rather than payload contents.
func EchoResponder(chain virtio.DescriptorChain) (int, int32) { return 0, 0 }

// MockRing is an in-memory virtio.Ring for unit tests that don't need
// virtio/loopdev's full Filesystem: every Submit call runs through a
// caller-supplied Responder synchronously, so there is no separate
// device goroutine to synchronize with. Grounded on go-ublk's
// testing.go (MockBackend) - same "public, dependency-free test double"
// role, now for the transport seam instead of the storage seam.
type MockRing struct {
	Responder Responder

	mu      sync.Mutex
	pending []virtio.Result
	signal  chan struct{}
	closed  bool
}

// NewMockRing creates a MockRing using responder, or EchoResponder if
// responder is nil.
func NewMockRing(responder Responder) *MockRing {
	if responder == nil {
		responder = EchoResponder
	}
	return &MockRing{Responder: responder, signal: make(chan struct{}, 64)}
}

func (r *MockRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *MockRing) PrepareChain(chain virtio.DescriptorChain, userData uint64) error {
	return nil
}

func (r *MockRing) FlushAvail() (uint32, error) { return 0, nil }

func (r *MockRing) Submit(chain virtio.DescriptorChain, userData uint64) error {
	n, errno := r.Responder(chain)
	r.mu.Lock()
	r.pending = append(r.pending, MockResult{UD: userData, N: uint32(n), Val: errno})
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
	return nil
}

func (r *MockRing) WaitForCompletion(ctx context.Context) ([]virtio.Result, error) {
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

func (r *MockRing) DisableIRQ() error      { return nil }
func (r *MockRing) NewBatch() virtio.Batch { return nil }

// MockResult is a canned virtio.Result for use with MockRing, or built
// directly by tests that drive a QueueSet/Dispatcher without a ring at
// all.
type MockResult struct {
	UD  uint64
	N   uint32
	Val int32
	Err error
}

func (r MockResult) UserData() uint64 { return r.UD }
func (r MockResult) Len() uint32      { return r.N }
func (r MockResult) Value() int32     { return r.Val }
func (r MockResult) Error() error     { return r.Err }

var (
	_ virtio.Ring   = (*MockRing)(nil)
	_ virtio.Result = MockResult{}
)
