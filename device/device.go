// Package device provides the operation surface (C6) a VFS layer would
// call: one method per FUSE opcode, each a thin composition of the
// fuse codec and the dispatch package's Submit/Interrupt. Grounded on
// go-ublk's top-level backend.go, which plays the same role for block
// I/O (Device, DeviceParams, CreateAndServe/StopAndDelete lifecycle).
package device

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/virtiofs-driver/dispatch"
	"github.com/ehrlich-b/virtiofs-driver/fuse"
	"github.com/ehrlich-b/virtiofs-driver/virtio"
)

// ErrNotInitialized is returned by every operation other than Init
// before the mandatory first INIT exchange on request queue 0 has
// completed (spec.md §4.4's "the INIT exchange must be the first
// request on request queue 0 before any other opcode is accepted"),
// mirroring go-ublk's FETCH_REQ-before-START_DEV ordering constraint
// in CreateAndServe.
var ErrNotInitialized = fmt.Errorf("device: INIT has not completed")

// AnyFuseDevice is the capability interface a VFS-side caller programs
// against instead of *Device directly (spec.md §9's "dynamic
// dispatch"), one method per opcode in the §4.3 catalogue.
type AnyFuseDevice interface {
	Init(ctx context.Context, in *fuse.InitIn) (*fuse.InitOut, error)
	Lookup(ctx context.Context, parent uint64, name string) (*fuse.EntryOut, error)
	Forget(ctx context.Context, nodeID uint64, nlookup uint64) error
	BatchForget(ctx context.Context, entries []fuse.ForgetOne) error
	Getattr(ctx context.Context, nodeID uint64, in *fuse.GetattrIn) (*fuse.AttrOut, error)
	Setattr(ctx context.Context, nodeID uint64, in *fuse.SetattrIn) (*fuse.AttrOut, error)
	Readlink(ctx context.Context, nodeID uint64) (string, error)
	Symlink(ctx context.Context, parent uint64, name, target string) (*fuse.EntryOut, error)
	Mknod(ctx context.Context, parent uint64, name string, in *fuse.MknodIn) (*fuse.EntryOut, error)
	Mkdir(ctx context.Context, parent uint64, name string, in *fuse.MkdirIn) (*fuse.EntryOut, error)
	Create(ctx context.Context, parent uint64, name string, in *fuse.CreateIn) (*fuse.EntryOut, *fuse.OpenOut, error)
	Unlink(ctx context.Context, parent uint64, name string) error
	Rmdir(ctx context.Context, parent uint64, name string) error
	Rename(ctx context.Context, parent uint64, name string, newParent uint64, newName string) error
	Rename2(ctx context.Context, parent uint64, name string, newParent uint64, newName string, flags uint32) error
	Link(ctx context.Context, oldNodeID uint64, newParent uint64, newName string) (*fuse.EntryOut, error)
	Open(ctx context.Context, nodeID uint64, in *fuse.OpenIn) (*fuse.OpenOut, error)
	Opendir(ctx context.Context, nodeID uint64, in *fuse.OpenIn) (*fuse.OpenOut, error)
	Read(ctx context.Context, nodeID uint64, in *fuse.ReadIn) ([]byte, error)
	Readdir(ctx context.Context, nodeID uint64, in *fuse.ReadIn) ([]byte, error)
	Readdirplus(ctx context.Context, nodeID uint64, in *fuse.ReadIn) ([]byte, error)
	Write(ctx context.Context, nodeID uint64, in *fuse.WriteIn, data []byte) (*fuse.WriteOut, error)
	Release(ctx context.Context, nodeID uint64, in *fuse.ReleaseIn) error
	Releasedir(ctx context.Context, nodeID uint64, in *fuse.ReleaseIn) error
	Flush(ctx context.Context, nodeID uint64, in *fuse.FlushIn) error
	Fsync(ctx context.Context, nodeID uint64, in *fuse.FsyncIn) error
	Fsyncdir(ctx context.Context, nodeID uint64, in *fuse.FsyncIn) error
	Statfs(ctx context.Context, nodeID uint64) (*fuse.StatfsOut, error)
	Setxattr(ctx context.Context, nodeID uint64, in *fuse.SetxattrIn, name string, value []byte) error
	Getxattr(ctx context.Context, nodeID uint64, in *fuse.GetxattrIn, name string) ([]byte, error)
	Listxattr(ctx context.Context, nodeID uint64, in *fuse.GetxattrIn) ([]byte, error)
	Removexattr(ctx context.Context, nodeID uint64, name string) error
	Access(ctx context.Context, nodeID uint64, in *fuse.AccessIn) error
	Getlk(ctx context.Context, nodeID uint64, in *fuse.LkIn) (*fuse.LkOut, error)
	Setlk(ctx context.Context, nodeID uint64, in *fuse.LkIn) error
	Setlkw(ctx context.Context, nodeID uint64, in *fuse.LkIn) error
	Bmap(ctx context.Context, nodeID uint64, in *fuse.BmapIn) (*fuse.BmapOut, error)
	Ioctl(ctx context.Context, nodeID uint64, in *fuse.IoctlIn, data []byte) (*fuse.IoctlOut, []byte, error)
	Poll(ctx context.Context, nodeID uint64, in *fuse.PollIn) (*fuse.PollOut, error)
	Fallocate(ctx context.Context, nodeID uint64, in *fuse.FallocateIn) error
	Lseek(ctx context.Context, nodeID uint64, in *fuse.LseekIn) (*fuse.LseekOut, error)
	Destroy(ctx context.Context) error
	Interrupt(ctx context.Context, unique uint64) error
}

// Device is the default AnyFuseDevice implementation: each method
// encodes its op struct, calls dispatch.Dispatcher.Submit, and decodes
// the reply. It carries no filesystem state of its own - that lives on
// the far side of the transport (virtio/loopdev.Filesystem, or a real
// vhost-user backend).
type Device struct {
	dispatcher *dispatch.Dispatcher
	queues     *virtio.QueueSet

	initialized atomic.Bool
	major       uint32
	minor       uint32
}

// New wraps qs with a dispatcher and returns an uninitialized Device.
// Every method but Init returns ErrNotInitialized until Init completes,
// matching go-ublk's FETCH_REQ-before-START_DEV invariant generalized
// to FUSE's own INIT handshake.
func New(qs *virtio.QueueSet) *Device {
	return &Device{
		dispatcher: dispatch.NewDispatcher(qs),
		queues:     qs,
	}
}

// SetObserver installs o to be notified of every operation's outcome
// (op, reply size, latency, success). Passing nil disables observation.
func (d *Device) SetObserver(o dispatch.Observer) {
	d.dispatcher.SetObserver(o)
}

// Close tears down the dispatcher and every queue's Ring.
func (d *Device) Close() error {
	if err := d.dispatcher.Close(); err != nil {
		return err
	}
	return d.queues.Close()
}

// Major returns the negotiated FUSE protocol major version, valid only
// after Init.
func (d *Device) Major() uint32 { return d.major }

// Minor returns the negotiated FUSE protocol minor version, valid only
// after Init.
func (d *Device) Minor() uint32 { return d.minor }

func (d *Device) requireInit() error {
	if !d.initialized.Load() {
		return ErrNotInitialized
	}
	return nil
}

// Init performs the mandatory first INIT exchange on request queue 0
// (spec.md §4.4) and records the negotiated protocol version.
func (d *Device) Init(ctx context.Context, in *fuse.InitIn) (*fuse.InitOut, error) {
	body, err := fuse.EncodeBody(in)
	if err != nil {
		return nil, err
	}
	reply, errno, err := d.dispatcher.Submit(ctx, fuse.INIT, 1, body, nil)
	if err != nil {
		return nil, err
	}
	if errno != 0 {
		return nil, fmt.Errorf("device: INIT failed: errno %d", errno)
	}
	var out fuse.InitOut
	if err := fuse.DecodeBody(reply, &out); err != nil {
		return nil, err
	}
	d.major = out.Major
	d.minor = out.Minor
	d.initialized.Store(true)
	return &out, nil
}

func (d *Device) submitSimple(ctx context.Context, op fuse.Opcode, nodeID uint64, in any) ([]byte, error) {
	if err := d.requireInit(); err != nil && op != fuse.INIT {
		return nil, err
	}
	var body []byte
	if in != nil {
		b, err := fuse.EncodeBody(in)
		if err != nil {
			return nil, err
		}
		body = b
	}
	reply, errno, err := d.dispatcher.Submit(ctx, op, nodeID, body, nil)
	if err != nil {
		return nil, err
	}
	if errno != 0 {
		return nil, fmt.Errorf("device: %s failed: errno %d", op, errno)
	}
	return reply, nil
}

func (d *Device) submitWithNames(ctx context.Context, op fuse.Opcode, nodeID uint64, in any, names ...string) ([]byte, error) {
	if err := d.requireInit(); err != nil {
		return nil, err
	}
	var body []byte
	if in != nil {
		b, err := fuse.EncodeBody(in)
		if err != nil {
			return nil, err
		}
		body = b
	}
	var extra []byte
	for _, n := range names {
		extra = append(extra, fuse.EncodeName(n, fuse.PadAligned)...)
	}
	reply, errno, err := d.dispatcher.Submit(ctx, op, nodeID, body, extra)
	if err != nil {
		return nil, err
	}
	if errno != 0 {
		return nil, fmt.Errorf("device: %s failed: errno %d", op, errno)
	}
	return reply, nil
}

func (d *Device) Lookup(ctx context.Context, parent uint64, name string) (*fuse.EntryOut, error) {
	reply, err := d.submitWithNames(ctx, fuse.LOOKUP, parent, nil, name)
	if err != nil {
		return nil, err
	}
	var out fuse.EntryOut
	if err := fuse.DecodeBody(reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Device) Forget(ctx context.Context, nodeID uint64, nlookup uint64) error {
	_, err := d.submitSimple(ctx, fuse.FORGET, nodeID, &fuse.ForgetIn{Nlookup: nlookup})
	return err
}

func (d *Device) BatchForget(ctx context.Context, entries []fuse.ForgetOne) error {
	if err := d.requireInit(); err != nil {
		return err
	}
	body, err := fuse.EncodeBody(&fuse.BatchForgetIn{Count: uint32(len(entries))})
	if err != nil {
		return err
	}
	var extra []byte
	for i := range entries {
		b, err := fuse.EncodeBody(&entries[i])
		if err != nil {
			return err
		}
		extra = append(extra, b...)
	}
	_, errno, err := d.dispatcher.Submit(ctx, fuse.BATCH_FORGET, 0, body, extra)
	if err != nil {
		return err
	}
	if errno != 0 {
		return fmt.Errorf("device: BATCH_FORGET failed: errno %d", errno)
	}
	return nil
}

func (d *Device) Getattr(ctx context.Context, nodeID uint64, in *fuse.GetattrIn) (*fuse.AttrOut, error) {
	reply, err := d.submitSimple(ctx, fuse.GETATTR, nodeID, in)
	if err != nil {
		return nil, err
	}
	var out fuse.AttrOut
	if err := fuse.DecodeBody(reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Device) Setattr(ctx context.Context, nodeID uint64, in *fuse.SetattrIn) (*fuse.AttrOut, error) {
	reply, err := d.submitSimple(ctx, fuse.SETATTR, nodeID, in)
	if err != nil {
		return nil, err
	}
	var out fuse.AttrOut
	if err := fuse.DecodeBody(reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Device) Readlink(ctx context.Context, nodeID uint64) (string, error) {
	reply, err := d.submitSimple(ctx, fuse.READLINK, nodeID, nil)
	if err != nil {
		return "", err
	}
	name, err := fuse.DecodeName(reply, fuse.PadAligned)
	if err != nil {
		return "", err
	}
	return name, nil
}

func (d *Device) Symlink(ctx context.Context, parent uint64, name, target string) (*fuse.EntryOut, error) {
	reply, err := d.submitWithNames(ctx, fuse.SYMLINK, parent, nil, name, target)
	if err != nil {
		return nil, err
	}
	var out fuse.EntryOut
	if err := fuse.DecodeBody(reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Device) Mknod(ctx context.Context, parent uint64, name string, in *fuse.MknodIn) (*fuse.EntryOut, error) {
	reply, err := d.submitWithNames(ctx, fuse.MKNOD, parent, in, name)
	if err != nil {
		return nil, err
	}
	var out fuse.EntryOut
	if err := fuse.DecodeBody(reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Device) Mkdir(ctx context.Context, parent uint64, name string, in *fuse.MkdirIn) (*fuse.EntryOut, error) {
	reply, err := d.submitWithNames(ctx, fuse.MKDIR, parent, in, name)
	if err != nil {
		return nil, err
	}
	var out fuse.EntryOut
	if err := fuse.DecodeBody(reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create combines MKNOD+OPEN semantics: the reply carries an EntryOut
// followed immediately by an OpenOut (spec.md §4.3's "EntryOut
// (+OpenOut)" column).
func (d *Device) Create(ctx context.Context, parent uint64, name string, in *fuse.CreateIn) (*fuse.EntryOut, *fuse.OpenOut, error) {
	reply, err := d.submitWithNames(ctx, fuse.CREATE, parent, in, name)
	if err != nil {
		return nil, nil, err
	}
	var entry fuse.EntryOut
	entrySize := int(sizeofEntryOut)
	if len(reply) < entrySize {
		return nil, nil, fmt.Errorf("device: CREATE reply too short for EntryOut")
	}
	if err := fuse.DecodeBody(reply[:entrySize], &entry); err != nil {
		return nil, nil, err
	}
	var open fuse.OpenOut
	if err := fuse.DecodeBody(reply[entrySize:], &open); err != nil {
		return nil, nil, err
	}
	return &entry, &open, nil
}

func (d *Device) Unlink(ctx context.Context, parent uint64, name string) error {
	_, err := d.submitWithNames(ctx, fuse.UNLINK, parent, nil, name)
	return err
}

func (d *Device) Rmdir(ctx context.Context, parent uint64, name string) error {
	_, err := d.submitWithNames(ctx, fuse.RMDIR, parent, nil, name)
	return err
}

func (d *Device) Rename(ctx context.Context, parent uint64, name string, newParent uint64, newName string) error {
	_, err := d.submitWithNames(ctx, fuse.RENAME, parent, &fuse.RenameIn{Newdir: newParent}, name, newName)
	return err
}

func (d *Device) Rename2(ctx context.Context, parent uint64, name string, newParent uint64, newName string, flags uint32) error {
	_, err := d.submitWithNames(ctx, fuse.RENAME2, parent, &fuse.Rename2In{Newdir: newParent, Flags: flags}, name, newName)
	return err
}

func (d *Device) Link(ctx context.Context, oldNodeID uint64, newParent uint64, newName string) (*fuse.EntryOut, error) {
	reply, err := d.submitWithNames(ctx, fuse.LINK, newParent, &fuse.LinkIn{Oldnodeid: oldNodeID}, newName)
	if err != nil {
		return nil, err
	}
	var out fuse.EntryOut
	if err := fuse.DecodeBody(reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Device) Open(ctx context.Context, nodeID uint64, in *fuse.OpenIn) (*fuse.OpenOut, error) {
	reply, err := d.submitSimple(ctx, fuse.OPEN, nodeID, in)
	if err != nil {
		return nil, err
	}
	var out fuse.OpenOut
	if err := fuse.DecodeBody(reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Device) Opendir(ctx context.Context, nodeID uint64, in *fuse.OpenIn) (*fuse.OpenOut, error) {
	reply, err := d.submitSimple(ctx, fuse.OPENDIR, nodeID, in)
	if err != nil {
		return nil, err
	}
	var out fuse.OpenOut
	if err := fuse.DecodeBody(reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Device) Read(ctx context.Context, nodeID uint64, in *fuse.ReadIn) ([]byte, error) {
	return d.submitSimple(ctx, fuse.READ, nodeID, in)
}

func (d *Device) Readdir(ctx context.Context, nodeID uint64, in *fuse.ReadIn) ([]byte, error) {
	return d.submitSimple(ctx, fuse.READDIR, nodeID, in)
}

func (d *Device) Readdirplus(ctx context.Context, nodeID uint64, in *fuse.ReadIn) ([]byte, error) {
	return d.submitSimple(ctx, fuse.READDIRPLUS, nodeID, in)
}

func (d *Device) Write(ctx context.Context, nodeID uint64, in *fuse.WriteIn, data []byte) (*fuse.WriteOut, error) {
	if err := d.requireInit(); err != nil {
		return nil, err
	}
	body, err := fuse.EncodeBody(in)
	if err != nil {
		return nil, err
	}
	reply, errno, err := d.dispatcher.Submit(ctx, fuse.WRITE, nodeID, body, data)
	if err != nil {
		return nil, err
	}
	if errno != 0 {
		return nil, fmt.Errorf("device: WRITE failed: errno %d", errno)
	}
	var out fuse.WriteOut
	if err := fuse.DecodeBody(reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Device) Release(ctx context.Context, nodeID uint64, in *fuse.ReleaseIn) error {
	_, err := d.submitSimple(ctx, fuse.RELEASE, nodeID, in)
	return err
}

func (d *Device) Releasedir(ctx context.Context, nodeID uint64, in *fuse.ReleaseIn) error {
	_, err := d.submitSimple(ctx, fuse.RELEASEDIR, nodeID, in)
	return err
}

func (d *Device) Flush(ctx context.Context, nodeID uint64, in *fuse.FlushIn) error {
	_, err := d.submitSimple(ctx, fuse.FLUSH, nodeID, in)
	return err
}

func (d *Device) Fsync(ctx context.Context, nodeID uint64, in *fuse.FsyncIn) error {
	_, err := d.submitSimple(ctx, fuse.FSYNC, nodeID, in)
	return err
}

func (d *Device) Fsyncdir(ctx context.Context, nodeID uint64, in *fuse.FsyncIn) error {
	_, err := d.submitSimple(ctx, fuse.FSYNCDIR, nodeID, in)
	return err
}

func (d *Device) Statfs(ctx context.Context, nodeID uint64) (*fuse.StatfsOut, error) {
	reply, err := d.submitSimple(ctx, fuse.STATFS, nodeID, nil)
	if err != nil {
		return nil, err
	}
	var out fuse.StatfsOut
	if err := fuse.DecodeBody(reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Device) Setxattr(ctx context.Context, nodeID uint64, in *fuse.SetxattrIn, name string, value []byte) error {
	if err := d.requireInit(); err != nil {
		return err
	}
	body, err := fuse.EncodeBody(in)
	if err != nil {
		return err
	}
	extra := append(fuse.EncodeName(name, fuse.PadAligned), value...)
	_, errno, err := d.dispatcher.Submit(ctx, fuse.SETXATTR, nodeID, body, extra)
	if err != nil {
		return err
	}
	if errno != 0 {
		return fmt.Errorf("device: SETXATTR failed: errno %d", errno)
	}
	return nil
}

func (d *Device) Getxattr(ctx context.Context, nodeID uint64, in *fuse.GetxattrIn, name string) ([]byte, error) {
	return d.submitWithNames(ctx, fuse.GETXATTR, nodeID, in, name)
}

func (d *Device) Listxattr(ctx context.Context, nodeID uint64, in *fuse.GetxattrIn) ([]byte, error) {
	return d.submitSimple(ctx, fuse.LISTXATTR, nodeID, in)
}

func (d *Device) Removexattr(ctx context.Context, nodeID uint64, name string) error {
	_, err := d.submitWithNames(ctx, fuse.REMOVEXATTR, nodeID, nil, name)
	return err
}

func (d *Device) Access(ctx context.Context, nodeID uint64, in *fuse.AccessIn) error {
	_, err := d.submitSimple(ctx, fuse.ACCESS, nodeID, in)
	return err
}

func (d *Device) Getlk(ctx context.Context, nodeID uint64, in *fuse.LkIn) (*fuse.LkOut, error) {
	reply, err := d.submitSimple(ctx, fuse.GETLK, nodeID, in)
	if err != nil {
		return nil, err
	}
	var out fuse.LkOut
	if err := fuse.DecodeBody(reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Device) Setlk(ctx context.Context, nodeID uint64, in *fuse.LkIn) error {
	_, err := d.submitSimple(ctx, fuse.SETLK, nodeID, in)
	return err
}

func (d *Device) Setlkw(ctx context.Context, nodeID uint64, in *fuse.LkIn) error {
	_, err := d.submitSimple(ctx, fuse.SETLKW, nodeID, in)
	return err
}

func (d *Device) Bmap(ctx context.Context, nodeID uint64, in *fuse.BmapIn) (*fuse.BmapOut, error) {
	reply, err := d.submitSimple(ctx, fuse.BMAP, nodeID, in)
	if err != nil {
		return nil, err
	}
	var out fuse.BmapOut
	if err := fuse.DecodeBody(reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Device) Ioctl(ctx context.Context, nodeID uint64, in *fuse.IoctlIn, data []byte) (*fuse.IoctlOut, []byte, error) {
	if err := d.requireInit(); err != nil {
		return nil, nil, err
	}
	body, err := fuse.EncodeBody(in)
	if err != nil {
		return nil, nil, err
	}
	reply, errno, err := d.dispatcher.Submit(ctx, fuse.IOCTL, nodeID, body, data)
	if err != nil {
		return nil, nil, err
	}
	if errno != 0 {
		return nil, nil, fmt.Errorf("device: IOCTL failed: errno %d", errno)
	}
	outSize := int(sizeofIoctlOut)
	if len(reply) < outSize {
		return nil, nil, fmt.Errorf("device: IOCTL reply too short for IoctlOut")
	}
	var out fuse.IoctlOut
	if err := fuse.DecodeBody(reply[:outSize], &out); err != nil {
		return nil, nil, err
	}
	return &out, reply[outSize:], nil
}

func (d *Device) Poll(ctx context.Context, nodeID uint64, in *fuse.PollIn) (*fuse.PollOut, error) {
	reply, err := d.submitSimple(ctx, fuse.POLL, nodeID, in)
	if err != nil {
		return nil, err
	}
	var out fuse.PollOut
	if err := fuse.DecodeBody(reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Device) Fallocate(ctx context.Context, nodeID uint64, in *fuse.FallocateIn) error {
	_, err := d.submitSimple(ctx, fuse.FALLOCATE, nodeID, in)
	return err
}

func (d *Device) Lseek(ctx context.Context, nodeID uint64, in *fuse.LseekIn) (*fuse.LseekOut, error) {
	reply, err := d.submitSimple(ctx, fuse.LSEEK, nodeID, in)
	if err != nil {
		return nil, err
	}
	var out fuse.LseekOut
	if err := fuse.DecodeBody(reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Device) Destroy(ctx context.Context) error {
	_, err := d.submitSimple(ctx, fuse.DESTROY, 0, nil)
	return err
}

// Interrupt issues FUSE_INTERRUPT for unique on the high-priority
// queue (spec.md §4.4's best-effort interrupt path).
func (d *Device) Interrupt(ctx context.Context, unique uint64) error {
	if err := d.requireInit(); err != nil {
		return err
	}
	return d.dispatcher.Interrupt(unique)
}

const (
	sizeofEntryOut = unsafe.Sizeof(fuse.EntryOut{})
	sizeofIoctlOut = unsafe.Sizeof(fuse.IoctlOut{})
)
