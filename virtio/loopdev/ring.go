// Package loopdev provides an in-process loopback virtio-fs transport:
// a Ring implementation with no real hardware underneath, backed by a
// goroutine that plays the device side of the protocol directly against
// an in-memory filesystem. It stands in for the real virtio-mmio/PCI
// enumeration this driver would otherwise bind to, the way go-ublk's
// internal/uring/iouring_stub.go and its NewStubRunner let queue code
// run and be tested without a real /dev/ublkcN char device.
package loopdev

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/virtiofs-driver/internal/constants"
	"github.com/ehrlich-b/virtiofs-driver/internal/logging"
	"github.com/ehrlich-b/virtiofs-driver/virtio"
)

// Processor handles one submitted descriptor chain and produces the
// device's result. The Filesystem type in device.go is the production
// Processor; tests may supply their own.
type Processor interface {
	Process(chain virtio.DescriptorChain) virtio.Result
}

type pending struct {
	chain    virtio.DescriptorChain
	userData uint64
}

type result struct {
	ud  uint64
	n   uint32
	val int32
	err error
}

func (r result) UserData() uint64 { return r.ud }
func (r result) Len() uint32      { return r.n }
func (r result) Value() int32     { return r.val }
func (r result) Error() error     { return r.err }

// Ring is a Ring implementation backed by Go channels instead of a
// shared-memory avail/used ring pair. Submission is therefore never
// actually "published" the way a real virtqueue publishes an avail
// index; FlushAvail moves staged chains onto the channel immediately.
type Ring struct {
	logger *logging.Logger
	depth  int

	mu      sync.Mutex
	staged  []pending
	inFlight atomic.Int64

	avail  chan pending
	used   chan virtio.Result
	done   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewRing creates a loopback ring of the given depth whose device side
// calls proc.Process for every submitted chain. workers controls how
// many chains the device processes concurrently (>=1).
func NewRing(depth, workers int, proc Processor) *Ring {
	if workers < 1 {
		workers = 1
	}
	r := &Ring{
		logger: logging.Default(),
		depth:  depth,
		avail:  make(chan pending, depth),
		used:   make(chan virtio.Result, depth),
		done:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.deviceLoop(proc)
	}
	return r
}

func (r *Ring) deviceLoop(proc Processor) {
	defer r.wg.Done()
	for {
		select {
		case p, ok := <-r.avail:
			if !ok {
				return
			}
			res := proc.Process(p.chain)
			r.inFlight.Add(-1)
			select {
			case r.used <- res:
			case <-r.done:
				return
			}
		case <-r.done:
			return
		}
	}
}

func (r *Ring) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.done)
	close(r.avail)
	r.wg.Wait()
	close(r.used)
	return nil
}

func (r *Ring) PrepareChain(chain virtio.DescriptorChain, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(r.inFlight.Load())+len(r.staged) >= r.depth {
		return virtio.ErrQueueFull
	}
	r.staged = append(r.staged, pending{chain: chain, userData: userData})
	return nil
}

func (r *Ring) FlushAvail() (uint32, error) {
	r.mu.Lock()
	staged := r.staged
	r.staged = nil
	r.mu.Unlock()

	for _, p := range staged {
		r.inFlight.Add(1)
		select {
		case r.avail <- p:
		case <-r.done:
			return 0, nil
		}
	}
	return uint32(len(staged)), nil
}

func (r *Ring) Submit(chain virtio.DescriptorChain, userData uint64) error {
	if err := r.PrepareChain(chain, userData); err != nil {
		return err
	}
	_, err := r.FlushAvail()
	return err
}

func (r *Ring) WaitForCompletion(ctx context.Context) ([]virtio.Result, error) {
	select {
	case res, ok := <-r.used:
		if !ok {
			return nil, nil
		}
		out := []virtio.Result{res}
		for {
			select {
			case more, ok := <-r.used:
				if !ok {
					return out, nil
				}
				out = append(out, more)
			default:
				return out, nil
			}
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, nil
	}
}

// DisableIRQ is a no-op: the loopback transport never raises interrupts,
// the dispatcher always blocks directly on WaitForCompletion.
func (r *Ring) DisableIRQ() error { return nil }

func (r *Ring) NewBatch() virtio.Batch {
	return &batch{ring: r}
}

type batch struct {
	ring  *Ring
	count int
}

func (b *batch) Add(chain virtio.DescriptorChain, userData uint64) error {
	if err := b.ring.PrepareChain(chain, userData); err != nil {
		return err
	}
	b.count++
	return nil
}

func (b *batch) Submit() ([]virtio.Result, error) {
	if _, err := b.ring.FlushAvail(); err != nil {
		return nil, err
	}
	return b.ring.WaitForCompletion(context.Background())
}

func (b *batch) Len() int { return b.count }

// DefaultDepth is used by constructors that don't take an explicit depth.
const DefaultDepth = constants.DefaultQueueDepth
