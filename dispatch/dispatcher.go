package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/virtiofs-driver/fuse"
	"github.com/ehrlich-b/virtiofs-driver/internal/logging"
	"github.com/ehrlich-b/virtiofs-driver/virtio"
)

// Dispatcher correlates Submit callers with virtqueue completions. One
// Dispatcher per device, shared across every request queue. Grounded
// on go-ublk's Runner.processRequests/handleCompletion
// (internal/queue/runner.go): drain-all-before-returning, per-request
// locking, and the synchronous submit-then-block-for-result shape of
// Controller.AddDevice et al. (internal/ctrl/control.go), generalized
// from one fixed tag set to an open-ended map keyed by FUSE's `unique`.
type Dispatcher struct {
	logger *logging.Logger
	queues *virtio.QueueSet

	uniqueCounter atomic.Uint64
	roundRobin    atomic.Uint32

	mu       sync.Mutex
	inFlight map[uint64]*InFlightRequest

	observer atomic.Pointer[Observer]

	drainCancel context.CancelFunc
	drainDone   chan struct{}
}

// SetObserver installs o to be notified of every Submit call's outcome.
// Passing nil disables observation. Safe to call concurrently with
// Submit.
func (d *Dispatcher) SetObserver(o Observer) {
	if o == nil {
		d.observer.Store(nil)
		return
	}
	d.observer.Store(&o)
}

// NewDispatcher creates a dispatcher over qs and starts its background
// completion-drain loop. FUSE's high-priority opcodes (FORGET,
// BATCH_FORGET, INTERRUPT) route to qs.Hiprio(); everything else
// round-robins across qs.Request(i).
func NewDispatcher(qs *virtio.QueueSet) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger:      logging.Default(),
		queues:      qs,
		inFlight:    make(map[uint64]*InFlightRequest),
		drainCancel: cancel,
		drainDone:   make(chan struct{}),
	}
	go d.drainLoop(ctx)
	return d
}

// NextUnique allocates the next `unique` id for an outgoing request.
// Monotonic and never reused, matching spec.md §3's correlation
// requirement that `unique` values are not recycled while a prior
// request with the same value could still be outstanding.
func (d *Dispatcher) NextUnique() uint64 {
	return d.uniqueCounter.Add(1)
}

// routeQueue picks the queue handle op should submit on: FORGET,
// BATCH_FORGET, and INTERRUPT go to the reserved hiprio queue; INIT is
// pinned to request queue 0 regardless of round-robin state, since
// spec.md §4.4 requires it be the first request on request queue 0
// before any other opcode is accepted; everything else round-robins
// across the request queues the way spec.md §4.5 describes
// "round-robin" dispatch without pinning the exact scheme.
func (d *Dispatcher) routeQueue(op fuse.Opcode) (*virtio.QueueHandle, error) {
	if op == fuse.INIT {
		return d.queues.Request(0)
	}
	if fuse.QueueFor(op) == fuse.QueueHiprio {
		return d.queues.Hiprio(), nil
	}
	n := d.queues.NumRequestQueues()
	if n == 0 {
		return nil, fmt.Errorf("dispatch: queue set has no request queues")
	}
	idx := uint16(d.roundRobin.Add(1) % uint32(n))
	return d.queues.Request(idx)
}

// Submit encodes header+body+extra, submits the resulting descriptor
// chain on the appropriate queue, and blocks until either a reply
// arrives, ctx is cancelled, or Interrupt is called for this request's
// unique id. extra carries whatever trailing payload the opcode needs
// (fuse.EncodeName output for name-bearing ops, raw data for WRITE) -
// callers are responsible for encoding it, since only they know how
// many names (if any) an opcode carries. It returns the decoded reply
// body and the FUSE errno (0 on success).
func (d *Dispatcher) Submit(ctx context.Context, op fuse.Opcode, nodeID uint64, body []byte, extra []byte) (replyBody []byte, errno int32, submitErr error) {
	start := time.Now()
	defer func() {
		if obs := d.observer.Load(); obs != nil {
			(*obs).ObserveOp(op, uint64(len(replyBody)), uint64(time.Since(start)), submitErr == nil && errno == 0)
		}
	}()

	unique := d.NextUnique()
	handle, err := d.routeQueue(op)
	if err != nil {
		return nil, 0, fmt.Errorf("dispatch: route request %d: %w", unique, err)
	}

	req := newInFlight(unique, handle.Index)
	if err := req.transition(StateEncoded); err != nil {
		return nil, 0, err
	}

	reqBytes, err := d.encode(op, unique, nodeID, body, extra)
	if err != nil {
		return nil, 0, fmt.Errorf("dispatch: encode request %d: %w", unique, err)
	}

	d.mu.Lock()
	d.inFlight[unique] = req
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, unique)
		d.mu.Unlock()
	}()

	var replyBuf *virtio.DMABuffer
	err = handle.WithLock(func(h *virtio.QueueHandle) error {
		replyBuf = h.AcquireBuffer(replyBufferSize)
		req.replyBuf = replyBuf
		chain := virtio.DescriptorChain{
			Readable: [][]byte{reqBytes},
			Writable: [][]byte{replyBuf.Bytes},
		}
		// Both transitions happen under d.mu and before the chain is
		// published, so the drain loop can never see the request in a
		// state that rejects its completion.
		d.mu.Lock()
		err := req.transition(StateSubmitted)
		if err == nil {
			err = req.transition(StateWaitingReply)
		}
		d.mu.Unlock()
		if err != nil {
			return err
		}
		return h.Ring.Submit(chain, unique)
	})
	if replyBuf != nil {
		defer func() {
			_ = handle.WithLock(func(h *virtio.QueueHandle) error {
				h.ReleaseBuffer(replyBuf)
				return nil
			})
		}()
	}
	if err != nil {
		return nil, 0, fmt.Errorf("dispatch: submit request %d: %w", unique, err)
	}

	handle.MarkSubmitted()
	defer handle.MarkCompleted()
	if obs := d.observer.Load(); obs != nil {
		(*obs).ObserveQueueDepth(uint32(handle.InFlight()))
	}

	select {
	case r := <-req.reply:
		if r.err != nil {
			return nil, 0, r.err
		}
		return r.body, r.errno, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// interruptSubmitTimeout bounds how long the background FUSE_INTERRUPT
// submission in Interrupt will wait for the device to acknowledge it,
// since nothing blocks on that acknowledgement.
const interruptSubmitTimeout = 5 * time.Second

// Interrupt marks unique's request Interrupted, wakes its Submit caller
// with a cancellation error, and submits an actual FUSE_INTERRUPT chain
// on the hiprio queue so the device is told too (spec.md §4.4/§5: "on
// expiry they issue FUSE_INTERRUPT and continue waiting"). The device
// acknowledgement, if any, is awaited in the background rather than by
// this call's caller, since the original request may still complete or
// be dropped on its own; that late reply is simply dropped by the drain
// loop finding no matching waiter.
func (d *Dispatcher) Interrupt(unique uint64) error {
	d.mu.Lock()
	req, ok := d.inFlight[unique]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("dispatch: no in-flight request with unique %d", unique)
	}

	d.mu.Lock()
	err := req.transition(StateInterrupted)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case req.reply <- replyOrErr{err: fmt.Errorf("dispatch: request %d interrupted", unique)}:
	default:
	}

	body, encErr := fuse.EncodeBody(&fuse.InterruptIn{Unique: unique})
	if encErr != nil {
		return fmt.Errorf("dispatch: encode FUSE_INTERRUPT for %d: %w", unique, encErr)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), interruptSubmitTimeout)
		defer cancel()
		if _, _, err := d.Submit(ctx, fuse.INTERRUPT, 0, body, nil); err != nil {
			d.logger.Warn("FUSE_INTERRUPT submit failed", "unique", unique, "error", err)
		}
	}()

	return nil
}

// drainLoop continuously waits for completions across every queue and
// routes each to its waiting Submit call, the background counterpart
// to go-ublk's ioLoop.
func (d *Dispatcher) drainLoop(ctx context.Context) {
	defer close(d.drainDone)
	for {
		err := d.queues.Drain(ctx, d.handleCompletion)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.logger.Error("drain loop error", "error", err)
		}
	}
}

func (d *Dispatcher) handleCompletion(queue uint16, res virtio.Result) {
	unique := res.UserData()

	d.mu.Lock()
	req, ok := d.inFlight[unique]
	d.mu.Unlock()
	if !ok {
		// Either a stale completion for an already-interrupted request,
		// or a spurious duplicate; both are safe to drop.
		return
	}

	d.mu.Lock()
	err := req.transition(StateCompleted)
	d.mu.Unlock()
	if err != nil {
		d.logger.Warn("completion for request in unexpected state", "unique", unique, "error", err)
		return
	}

	var body []byte
	if req.replyBuf != nil {
		n := int(res.Len())
		if n > len(req.replyBuf.Bytes) {
			n = len(req.replyBuf.Bytes)
		}
		req.replyBuf.Sync(0, n)
		// The device writes a 16-byte OutHeader ahead of the op-specific
		// payload (spec.md §4.3); callers only want the payload.
		if n > outHeaderSize {
			body = append([]byte{}, req.replyBuf.Bytes[outHeaderSize:n]...)
		}
	}

	select {
	case req.reply <- replyOrErr{body: body, errno: res.Value()}:
	default:
	}
}

const (
	replyBufferSize = 64 * 1024
	outHeaderSize   = 16
)

func (d *Dispatcher) encode(op fuse.Opcode, unique uint64, nodeID uint64, body []byte, extra []byte) ([]byte, error) {
	hdr := fuse.InHeader{
		Len:    uint32(40 + len(body) + len(extra)),
		Opcode: uint32(op),
		Unique: unique,
		NodeID: nodeID,
	}
	out := make([]byte, hdr.Len)
	if err := fuse.EncodeHeader(out, &hdr); err != nil {
		return nil, err
	}
	copy(out[40:], body)
	copy(out[40+len(body):], extra)
	return out, nil
}

// Close stops the drain loop and waits for it to exit.
func (d *Dispatcher) Close() error {
	d.drainCancel()
	<-d.drainDone
	return nil
}
