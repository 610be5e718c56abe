package virtio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/virtiofs-driver/internal/logging"
)

// DMABuffer is a single DMA-capable buffer backing one descriptor slot.
// Sync must be called before handing Bytes to the device (to flush
// driver writes) and after reclaiming it from a completion (to observe
// device writes), mirroring the cache-coherence contract of spec.md §3
// ("DMA stream buffers with cache-coherence sync(range)"). The loopback
// transport's Sync is a no-op since both sides share one address space;
// a real virtio-mmio/PCI transport would issue the platform DMA sync
// calls here instead.
type DMABuffer struct {
	Bytes []byte
	sync  func(offset, length int)
}

// Sync flushes or invalidates the [offset, offset+length) range.
func (b *DMABuffer) Sync(offset, length int) {
	if b.sync != nil {
		b.sync(offset, length)
	}
}

// NewDMABuffer wraps buf with a transport-supplied sync hook.
func NewDMABuffer(buf []byte, sync func(offset, length int)) *DMABuffer {
	return &DMABuffer{Bytes: buf, sync: sync}
}

// QueueHandle is one queue slot's view into a QueueSet: its Ring, the
// buffer pool it draws DMA buffers from, and the submission lock that
// serializes concurrent submitters on it. The dispatcher owns one
// QueueHandle per in-flight request's assigned queue.
type QueueHandle struct {
	Index uint16
	Ring  Ring

	set      *QueueSet
	lock     sync.Mutex
	inFlight atomic.Int32
}

// AcquireBuffer returns a free DMA buffer of at least size bytes,
// allocating a fresh one if the pool is empty, the way go-ublk's
// queue.BufferPool hands out size-bucketed buffers instead of mmap'ing
// per request.
func (h *QueueHandle) AcquireBuffer(size int) *DMABuffer {
	return h.set.pool.get(size)
}

// ReleaseBuffer returns buf to the pool for reuse.
func (h *QueueHandle) ReleaseBuffer(buf *DMABuffer) {
	h.set.pool.put(buf)
}

// WithLock runs fn while holding h's submission lock, serializing
// concurrent submitters the way a per-tag mutex serializes concurrent
// fetch/commit on the same tag in go-ublk's internal/queue/runner.go.
func (h *QueueHandle) WithLock(fn func(*QueueHandle) error) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	return fn(h)
}

// MarkSubmitted records that one more request is outstanding on h.
func (h *QueueHandle) MarkSubmitted() { h.inFlight.Add(1) }

// MarkCompleted records that an outstanding request on h finished.
func (h *QueueHandle) MarkCompleted() { h.inFlight.Add(-1) }

// InFlight returns how many requests are currently outstanding on h.
func (h *QueueHandle) InFlight() int32 { return h.inFlight.Load() }

// QueueStat is one queue's point-in-time depth, returned by Stats.
type QueueStat struct {
	Index    uint16
	Class    QueueClass
	InFlight int32
}

// QueueClass labels which of the three fixed roles a queue plays
// within a QueueSet (spec.md §3/§4.2).
type QueueClass int

const (
	ClassHiprio QueueClass = iota
	ClassNotify
	ClassRequest
)

// QueueSet owns every virtqueue a negotiated device exposes (C3), built
// in the fixed construction order spec.md §4.2 requires: the
// high-priority queue first, then the notification queue if
// FeatureNotification was negotiated, then the N request queues. Each
// queue is independently lockable so that concurrent submitters on
// different queues never contend, following go-ublk's per-tag
// sync.Mutex discipline in internal/queue/runner.go (here scoped
// per-queue rather than per-tag, since tag ownership inside one queue
// is serialized by the dispatcher instead).
type QueueSet struct {
	logger *logging.Logger

	mu      sync.RWMutex
	handles []*QueueHandle
	classes []QueueClass
	pool    *bufferPool

	requestBase int
	numRequest  int
	notifyIdx   int // -1 when no notification queue was built

	closed atomic.Bool
}

// NewQueueSet builds a QueueSet in the fixed hiprio -> notify -> request
// order. hiprio must be non-nil; notify may be nil when
// FeatureNotification was not negotiated. bufSize is handed to the
// buffer pool, whose bucket sizes are fixed and do not depend on it.
func NewQueueSet(hiprio Ring, notify Ring, requests []Ring, bufSize int) *QueueSet {
	qs := &QueueSet{
		logger: logging.Default(),
		pool:   newBufferPool(bufSize),
	}

	qs.handles = append(qs.handles, &QueueHandle{Index: 0, Ring: hiprio, set: qs})
	qs.classes = append(qs.classes, ClassHiprio)

	qs.notifyIdx = -1
	if notify != nil {
		qs.notifyIdx = len(qs.handles)
		qs.handles = append(qs.handles, &QueueHandle{Index: uint16(qs.notifyIdx), Ring: notify, set: qs})
		qs.classes = append(qs.classes, ClassNotify)
	}

	qs.requestBase = len(qs.handles)
	for _, r := range requests {
		idx := len(qs.handles)
		qs.handles = append(qs.handles, &QueueHandle{Index: uint16(idx), Ring: r, set: qs})
		qs.classes = append(qs.classes, ClassRequest)
	}
	qs.numRequest = len(requests)

	return qs
}

// NumQueues returns how many queues this set manages in total (hiprio +
// notify, if any + every request queue).
func (qs *QueueSet) NumQueues() int {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	return len(qs.handles)
}

// NumRequestQueues returns how many request queues (excluding hiprio
// and notify) this set manages.
func (qs *QueueSet) NumRequestQueues() int {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	return qs.numRequest
}

// Hiprio returns the reserved high-priority queue handle (FORGET,
// BATCH_FORGET, INTERRUPT traffic per spec.md §4.5).
func (qs *QueueSet) Hiprio() *QueueHandle {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	return qs.handles[0]
}

// Notify returns the notification queue handle and true if this set was
// built with FeatureNotification negotiated, or (nil, false) otherwise.
func (qs *QueueSet) Notify() (*QueueHandle, bool) {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	if qs.notifyIdx < 0 {
		return nil, false
	}
	return qs.handles[qs.notifyIdx], true
}

// Request returns the i'th request queue handle.
func (qs *QueueSet) Request(i uint16) (*QueueHandle, error) {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	if int(i) >= qs.numRequest {
		return nil, fmt.Errorf("virtio: request queue index %d out of range (have %d)", i, qs.numRequest)
	}
	return qs.handles[qs.requestBase+int(i)], nil
}

// Queue returns the handle for absolute queue index idx, spanning
// hiprio, notify (if present), and every request queue in construction
// order. Most callers want Hiprio/Notify/Request instead; this exists
// for code that already has an absolute index, such as Drain's
// completion callback.
func (qs *QueueSet) Queue(idx uint16) (*QueueHandle, error) {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	if int(idx) >= len(qs.handles) {
		return nil, fmt.Errorf("virtio: queue index %d out of range (have %d queues)", idx, len(qs.handles))
	}
	return qs.handles[idx], nil
}

// WithQueueLock runs fn while holding queue idx's submission lock. Kept
// for callers that only have an absolute index; prefer handle.WithLock
// when a *QueueHandle is already in hand.
func (qs *QueueSet) WithQueueLock(idx uint16, fn func(*QueueHandle) error) error {
	h, err := qs.Queue(idx)
	if err != nil {
		return err
	}
	return h.WithLock(fn)
}

// Stats returns each queue's class and current in-flight depth, the way
// SPEC_FULL.md's metrics section describes feeding per-queue depth into
// Metrics.RecordQueueDepth.
func (qs *QueueSet) Stats() []QueueStat {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	stats := make([]QueueStat, len(qs.handles))
	for i, h := range qs.handles {
		stats[i] = QueueStat{Index: h.Index, Class: qs.classes[i], InFlight: h.InFlight()}
	}
	return stats
}

// Drain runs one round of completion collection: it waits on every
// queue at once, invokes onResult for each completion a queue returns,
// and ends the round as soon as any queue has returned (or ctx is
// done), so one idle queue never holds back another queue's
// completions. The dispatcher's drain loop calls it repeatedly.
func (qs *QueueSet) Drain(ctx context.Context, onResult func(queue uint16, res Result)) error {
	qs.mu.RLock()
	handles := append([]*QueueHandle{}, qs.handles...)
	qs.mu.RUnlock()

	roundCtx, endRound := context.WithCancel(ctx)
	defer endRound()

	var wg sync.WaitGroup
	errs := make([]error, len(handles))
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h *QueueHandle) {
			defer wg.Done()
			results, err := h.Ring.WaitForCompletion(roundCtx)
			if err != nil {
				if ctx.Err() != nil || roundCtx.Err() == nil {
					errs[i] = err
				}
				return
			}
			for _, r := range results {
				onResult(h.Index, r)
			}
			endRound()
		}(i, h)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Close closes every queue's Ring. Safe to call once; subsequent calls
// are no-ops.
func (qs *QueueSet) Close() error {
	if !qs.closed.CompareAndSwap(false, true) {
		return nil
	}
	qs.mu.RLock()
	defer qs.mu.RUnlock()

	var firstErr error
	for _, h := range qs.handles {
		if err := h.Ring.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
