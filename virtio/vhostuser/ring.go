//go:build vhostuser

package vhostuser

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/virtiofs-driver/internal/logging"
	"github.com/ehrlich-b/virtiofs-driver/virtio"
)

// Ring implements virtio.Ring directly over a shared-memory descriptor
// table plus avail/used ring pair, laid out exactly as
// vhostuser.VringDesc/VringAvail/VringUsed (mirroring
// hanwen-go-fuse/vhostuser's Ring, but written from the driver side:
// this side owns the avail ring and reads the used ring, where the
// backend owns the reverse).
type Ring struct {
	logger *logging.Logger
	index  uint32
	depth  uint16

	mem     []byte // mmap'd shared region backing desc+avail+used
	descOff int
	availOff int
	usedOff  int

	kickFD *os.File // driver writes here to notify the backend
	callFD *os.File // backend writes here to notify the driver

	mu       sync.Mutex
	freeDesc []uint16
	lastUsed uint16
	pending  []uint16 // descriptor head indices staged since last flush
}

// NewRing allocates a shared-memory-backed ring of the given depth and
// maps it with PROT_READ|PROT_WRITE|MAP_SHARED so the backend process
// can mmap the same fd and see driver writes without a copy. It returns
// the ring, the memfd backing it (for Client.SetMemTable), and the
// call eventfd (for Client.SetVringCall) — the kick eventfd is kept
// internally in the ring's kickFD field, which Connect hands to
// Client.SetVringKick.
func NewRing(index uint32, depth uint16) (*Ring, *os.File, *os.File, error) {
	descBytes := int(depth) * int(unsafe.Sizeof(VringDesc{}))
	availBytes := 4 + int(depth)*2
	usedBytes := 4 + int(depth)*int(unsafe.Sizeof(VringUsedElement{}))
	total := descBytes + availBytes + usedBytes

	rawMemFD, err := unix.MemfdCreate(fmt.Sprintf("virtiofs-vring-%d", index), 0)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("vhostuser: memfd_create: %w", err)
	}
	memFile := os.NewFile(uintptr(rawMemFD), "virtiofs-vring")
	if err := memFile.Truncate(int64(total)); err != nil {
		memFile.Close()
		return nil, nil, nil, fmt.Errorf("vhostuser: truncate vring memfd: %w", err)
	}

	mem, err := unix.Mmap(rawMemFD, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		memFile.Close()
		return nil, nil, nil, fmt.Errorf("vhostuser: mmap vring: %w", err)
	}

	kickFD, err := newEventfd("virtiofs-kick")
	if err != nil {
		unix.Munmap(mem)
		memFile.Close()
		return nil, nil, nil, err
	}
	callFD, err := newEventfd("virtiofs-call")
	if err != nil {
		unix.Munmap(mem)
		memFile.Close()
		kickFD.Close()
		return nil, nil, nil, err
	}

	r := &Ring{
		logger:   logging.Default(),
		index:    index,
		depth:    depth,
		mem:      mem,
		descOff:  0,
		availOff: descBytes,
		usedOff:  descBytes + availBytes,
		kickFD:   kickFD,
		callFD:   callFD,
	}
	for i := uint16(0); i < depth; i++ {
		r.freeDesc = append(r.freeDesc, i)
	}
	return r, memFile, callFD, nil
}

// newEventfd creates an eventfd wrapped as an *os.File. The same fd is
// both passed to the backend via SCM_RIGHTS and kept locally to signal
// or observe it, since an eventfd is a single duplex descriptor.
func newEventfd(name string) (*os.File, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("vhostuser: eventfd: %w", err)
	}
	return os.NewFile(uintptr(fd), name), nil
}

func (r *Ring) descAt(i uint16) *VringDesc {
	off := r.descOff + int(i)*int(unsafe.Sizeof(VringDesc{}))
	return (*VringDesc)(unsafe.Pointer(&r.mem[off]))
}

func (r *Ring) writeAvailEntry(slot uint16, descHead uint16) {
	off := r.availOff + 4 + int(slot)*2
	binary.LittleEndian.PutUint16(r.mem[off:off+2], descHead)
}

func (r *Ring) availIdx() *uint16 {
	return (*uint16)(unsafe.Pointer(&r.mem[r.availOff+2]))
}

func (r *Ring) usedIdx() uint16 {
	return *(*uint16)(unsafe.Pointer(&r.mem[r.usedOff+2]))
}

func (r *Ring) usedElement(slot uint16) VringUsedElement {
	off := r.usedOff + 4 + int(slot)*int(unsafe.Sizeof(VringUsedElement{}))
	return *(*VringUsedElement)(unsafe.Pointer(&r.mem[off]))
}

// PrepareChain writes chain's buffers into free descriptor slots
// (chained via Next/VringDescFNext) and records the head index as
// pending, without yet bumping the avail ring's published index.
func (r *Ring) PrepareChain(chain virtio.DescriptorChain, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	need := len(chain.Readable) + len(chain.Writable)
	if need == 0 || need > len(r.freeDesc) {
		return virtio.ErrQueueFull
	}

	var head uint16
	var prev *uint16
	for i, buf := range append(append([][]byte{}, chain.Readable...), chain.Writable...) {
		slot := r.freeDesc[len(r.freeDesc)-1]
		r.freeDesc = r.freeDesc[:len(r.freeDesc)-1]

		d := r.descAt(slot)
		d.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		d.Len = uint32(len(buf))
		d.Flags = 0
		if i >= len(chain.Readable) {
			d.Flags |= VringDescFWrite
		}
		if i == 0 {
			head = slot
		} else {
			*prev |= VringDescFNext
			d.Next = slot
		}
		prev = &d.Flags
	}
	r.pending = append(r.pending, head)
	return nil
}

// FlushAvail publishes every pending descriptor head onto the avail
// ring and kicks the backend via kickFD (an eventfd write of 1) after
// every non-empty flush; the used ring's no-notify flag is not read.
func (r *Ring) FlushAvail() (uint32, error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}
	idx := r.availIdx()
	for _, head := range pending {
		r.writeAvailEntry(*idx, head)
		*idx++
	}
	if err := r.Notify(); err != nil {
		return 0, err
	}
	return uint32(len(pending)), nil
}

// Notify kicks the backend by writing to the shared eventfd.
func (r *Ring) Notify() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := r.kickFD.Write(buf[:])
	return err
}

func (r *Ring) Submit(chain virtio.DescriptorChain, userData uint64) error {
	if err := r.PrepareChain(chain, userData); err != nil {
		return err
	}
	_, err := r.FlushAvail()
	return err
}

// WaitForCompletion blocks on callFD until the backend signals new
// used-ring entries, then drains every entry published since lastUsed.
func (r *Ring) WaitForCompletion(ctx context.Context) ([]virtio.Result, error) {
	done := make(chan struct{})
	var readErr error
	var buf [8]byte
	go func() {
		_, readErr = r.callFD.Read(buf[:])
		close(done)
	}()

	select {
	case <-done:
		if readErr != nil {
			return nil, readErr
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var results []virtio.Result
	current := r.usedIdx()
	for r.lastUsed != current {
		elem := r.usedElement(r.lastUsed % r.depth)
		r.freeDesc = append(r.freeDesc, uint16(elem.ID))
		results = append(results, usedResult{id: elem.ID, len: elem.Len})
		r.lastUsed++
	}
	return results, nil
}

type usedResult struct {
	id  uint32
	len uint32
}

func (u usedResult) UserData() uint64 { return uint64(u.id) }
func (u usedResult) Len() uint32      { return u.len }
func (u usedResult) Value() int32     { return 0 }
func (u usedResult) Error() error     { return nil }

// DisableIRQ sets the avail ring's NO_INTERRUPT-equivalent flag so the
// backend stops signaling callFD; the driver is expected to poll
// WaitForCompletion directly instead.
func (r *Ring) DisableIRQ() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	flags := (*uint16)(unsafe.Pointer(&r.mem[r.availOff]))
	*flags = 1
	return nil
}

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

// Close unmaps the shared ring memory and closes the kick/call fds.
func (r *Ring) Close() error {
	var firstErr error
	if err := unix.Munmap(r.mem); err != nil {
		firstErr = err
	}
	if err := r.kickFD.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.callFD.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
