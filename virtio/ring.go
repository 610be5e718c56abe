// Package virtio provides the virtqueue transport abstraction the FUSE
// codec and dispatcher submit descriptor chains through: device config
// negotiation (C2) and the queue set that owns each virtqueue's DMA
// buffers (C3).
//
// Ring generalizes go-ublk's internal/uring.Ring from io_uring SQE/CQE
// submission to virtqueue descriptor-chain submission: a Ring here
// manages one virtqueue's available/used ring pair instead of one
// io_uring's submission/completion ring pair, but the submit-batch,
// flush, wait-for-completion shape is the same.
package virtio

import (
	"context"
	"errors"
)

// ErrQueueFull is returned when a virtqueue has no free descriptor slot.
// The dispatcher's per-queue depth tracking is meant to make this
// unreachable in steady state (mirrors go-ublk's ErrRingFull comment).
var ErrQueueFull = errors.New("virtio: queue full")

// DescriptorChain is one request's device-readable and device-writable
// buffer segments, submitted as a single chained descriptor (spec.md
// §3's "descriptor chain" data model).
type DescriptorChain struct {
	Readable [][]byte // buffers the device may read (driver -> device)
	Writable [][]byte // buffers the device may write (device -> driver)
}

// Ring is one virtqueue: the pair of available/used rings plus the
// descriptor table backing them. Implementations exist for the
// in-process loopback transport (virtio/loopdev) and, behind the
// vhostuser build tag, a real vhost-user socket transport.
type Ring interface {
	// Close tears down the queue and releases any backing memory.
	Close() error

	// PrepareChain stages chain's descriptors in the ring without making
	// them visible to the device yet, associating userData so the
	// matching completion can be correlated back to the caller. Returns
	// ErrQueueFull if no descriptor slot is free.
	PrepareChain(chain DescriptorChain, userData uint64) error

	// FlushAvail publishes every chain staged since the last flush by
	// updating the avail ring index and notifying the device. Returns
	// how many chains were published.
	FlushAvail() (uint32, error)

	// Submit is a convenience wrapper combining PrepareChain+FlushAvail
	// for the common single-chain case.
	Submit(chain DescriptorChain, userData uint64) error

	// WaitForCompletion blocks until at least one used-ring entry is
	// available or ctx is done, then drains every entry currently ready.
	WaitForCompletion(ctx context.Context) ([]Result, error)

	// DisableIRQ suppresses device->driver notifications for this queue.
	// Used while the dispatcher is already polling, to avoid redundant
	// interrupt delivery (spec.md §5's interrupt coalescing guidance).
	DisableIRQ() error

	// NewBatch creates a batch for submitting several chains with a
	// single avail-ring publish.
	NewBatch() Batch
}

// Batch stages several descriptor chains for one FlushAvail/Submit.
type Batch interface {
	Add(chain DescriptorChain, userData uint64) error
	Submit() ([]Result, error)
	Len() int
}

// Result is one used-ring entry: the request it completes and the
// device's reported outcome.
type Result interface {
	UserData() uint64
	// Len is the number of bytes the device wrote into the writable
	// segments of the original chain.
	Len() uint32
	// Value is 0 for success, negative errno for failure.
	Value() int32
	Error() error
}

// Config parameterizes the creation of a Ring for a single queue.
type Config struct {
	QueueIndex uint16
	Depth      uint32
}
