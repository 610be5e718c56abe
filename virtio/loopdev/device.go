package loopdev

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/ehrlich-b/virtiofs-driver/fuse"
	"github.com/ehrlich-b/virtiofs-driver/internal/constants"
	"github.com/ehrlich-b/virtiofs-driver/internal/logging"
	"github.com/ehrlich-b/virtiofs-driver/virtio"
)

const rootIno = 1

// inode is one file or directory in the loopback filesystem. Each inode
// carries its own lock rather than the tree being guarded by one global
// mutex, the same "lock only what you touch" principle as backend/mem.go's
// shard-per-byte-range locking, applied here at shard-per-inode
// granularity since virtio-fs requests address whole files, not byte
// ranges within a shared block device.
type inode struct {
	mu       sync.RWMutex
	id       uint64
	mode     uint32
	size     uint64
	data     []byte
	children map[string]uint64
	nlookup  uint64
}

// Filesystem is the device-side backend the loopback Ring hands
// submitted descriptor chains to. It implements enough of the FUSE
// opcode surface (spec.md §4.3's catalogue) to smoke-test a full
// request/reply round trip: INIT, LOOKUP, GETATTR, MKDIR, CREATE,
// OPEN, OPENDIR, READ, WRITE, RELEASE, RELEASEDIR, FLUSH, FSYNC,
// FSYNCDIR, UNLINK, RMDIR, STATFS. Every other opcode gets ENOSYS.
type Filesystem struct {
	logger *logging.Logger

	mu     sync.RWMutex
	nodes  map[uint64]*inode
	nextID uint64
	nextFh uint64
}

// NewFilesystem creates an empty filesystem with just a root directory.
func NewFilesystem() *Filesystem {
	fs := &Filesystem{
		logger: logging.Default(),
		nodes:  make(map[uint64]*inode),
		nextID: rootIno + 1,
	}
	fs.nodes[rootIno] = &inode{
		id:       rootIno,
		mode:     syscall.S_IFDIR | 0755,
		children: make(map[string]uint64),
	}
	return fs
}

func (fs *Filesystem) allocIno() uint64 {
	return atomic.AddUint64(&fs.nextID, 1) - 1
}

func (fs *Filesystem) allocFh() uint64 {
	return atomic.AddUint64(&fs.nextFh, 1)
}

func (fs *Filesystem) lookupLocked(parent uint64, name string) (*inode, bool) {
	fs.mu.RLock()
	p, ok := fs.nodes[parent]
	fs.mu.RUnlock()
	if !ok {
		return nil, false
	}
	p.mu.RLock()
	childID, ok := p.children[name]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}
	fs.mu.RLock()
	child := fs.nodes[childID]
	fs.mu.RUnlock()
	return child, child != nil
}

func (fs *Filesystem) attrOf(n *inode) fuse.Attr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return fuse.Attr{
		Ino:     n.id,
		Size:    n.size,
		Blocks:  (n.size + 511) / 512,
		Mode:    n.mode,
		Nlink:   1,
		Blksize: 4096,
	}
}

// Process decodes one request, dispatches it, and writes the reply
// into chain's first writable segment.
func (fs *Filesystem) Process(chain virtio.DescriptorChain) virtio.Result {
	req := concat(chain.Readable)
	if len(req) < 40 {
		return errResult(0, syscall.EINVAL)
	}
	hdr, err := fuse.DecodeHeader(req)
	if err != nil {
		return errResult(0, syscall.EINVAL)
	}
	body := req[40:]

	outBody, errno := fs.dispatch(fuse.Opcode(hdr.Opcode), hdr, body)
	reply := fs.encodeReply(hdr.Unique, outBody, errno)

	n := 0
	if len(chain.Writable) > 0 {
		n = copy(chain.Writable[0], reply)
	}
	return result{ud: hdr.Unique, n: uint32(n), val: -errno}
}

func (fs *Filesystem) dispatch(op fuse.Opcode, hdr *fuse.InHeader, body []byte) ([]byte, int32) {
	switch op {
	case fuse.INIT:
		out := fuse.InitOut{Major: 7, Minor: 31, MaxReadahead: 131072, MaxWrite: 1 << 20}
		b, _ := fuse.EncodeBody(&out)
		return b, 0

	case fuse.LOOKUP:
		name, ok := parseName(body)
		if !ok {
			return nil, int32(syscall.EINVAL)
		}
		child, ok := fs.lookupLocked(hdr.NodeID, name)
		if !ok {
			return nil, int32(syscall.ENOENT)
		}
		out := fuse.EntryOut{NodeID: child.id, EntryValid: 1, AttrValid: 1, Attr: fs.attrOf(child)}
		b, _ := fuse.EncodeBody(&out)
		return b, 0

	case fuse.GETATTR:
		fs.mu.RLock()
		n, ok := fs.nodes[hdr.NodeID]
		fs.mu.RUnlock()
		if !ok {
			return nil, int32(syscall.ENOENT)
		}
		out := fuse.AttrOut{AttrValid: 1, Attr: fs.attrOf(n)}
		b, _ := fuse.EncodeBody(&out)
		return b, 0

	case fuse.MKDIR, fuse.CREATE:
		name, mode, ok := parseNameAndMode(op, body)
		if !ok {
			return nil, int32(syscall.EINVAL)
		}
		fs.mu.Lock()
		parent, ok := fs.nodes[hdr.NodeID]
		if !ok {
			fs.mu.Unlock()
			return nil, int32(syscall.ENOENT)
		}
		id := fs.allocIno()
		typeBits := uint32(syscall.S_IFREG)
		if op == fuse.MKDIR {
			typeBits = syscall.S_IFDIR
		}
		child := &inode{id: id, mode: typeBits | (mode &^ uint32(syscall.S_IFMT))}
		if op == fuse.MKDIR {
			child.children = make(map[string]uint64)
		}
		fs.nodes[id] = child
		fs.mu.Unlock()

		parent.mu.Lock()
		if parent.children == nil {
			parent.children = make(map[string]uint64)
		}
		parent.children[name] = id
		parent.mu.Unlock()

		out := fuse.EntryOut{NodeID: id, EntryValid: 1, AttrValid: 1, Attr: fs.attrOf(child)}
		b, _ := fuse.EncodeBody(&out)
		if op == fuse.CREATE {
			// CREATE's reply carries an EntryOut immediately followed by
			// an OpenOut (spec.md §4.3's "EntryOut (+OpenOut)" column),
			// since CREATE combines MKNOD+OPEN into one round trip.
			openOut := fuse.OpenOut{Fh: fs.allocFh()}
			ob, _ := fuse.EncodeBody(&openOut)
			b = append(b, ob...)
		}
		return b, 0

	case fuse.OPEN, fuse.OPENDIR:
		out := fuse.OpenOut{Fh: fs.allocFh()}
		b, _ := fuse.EncodeBody(&out)
		return b, 0

	case fuse.READ:
		var in fuse.ReadIn
		if err := fuse.DecodeBody(body[:min(len(body), 40)], &in); err != nil {
			return nil, int32(syscall.EINVAL)
		}
		fs.mu.RLock()
		n, ok := fs.nodes[hdr.NodeID]
		fs.mu.RUnlock()
		if !ok {
			return nil, int32(syscall.ENOENT)
		}
		n.mu.RLock()
		defer n.mu.RUnlock()
		start := in.Offset
		if start > uint64(len(n.data)) {
			start = uint64(len(n.data))
		}
		end := start + uint64(in.Size)
		if end > uint64(len(n.data)) {
			end = uint64(len(n.data))
		}
		return append([]byte{}, n.data[start:end]...), 0

	case fuse.WRITE:
		var in fuse.WriteIn
		if err := fuse.DecodeBody(body[:min(len(body), 40)], &in); err != nil {
			return nil, int32(syscall.EINVAL)
		}
		payload := body[40:]
		if uint32(len(payload)) > in.Size {
			payload = payload[:in.Size]
		}
		fs.mu.RLock()
		n, ok := fs.nodes[hdr.NodeID]
		fs.mu.RUnlock()
		if !ok {
			return nil, int32(syscall.ENOENT)
		}
		n.mu.Lock()
		end := in.Offset + uint64(len(payload))
		if end > uint64(len(n.data)) {
			grown := make([]byte, end)
			copy(grown, n.data)
			n.data = grown
		}
		copy(n.data[in.Offset:end], payload)
		n.size = uint64(len(n.data))
		n.mu.Unlock()

		out := fuse.WriteOut{Size: uint32(len(payload))}
		b, _ := fuse.EncodeBody(&out)
		return b, 0

	case fuse.RELEASE, fuse.RELEASEDIR, fuse.FLUSH, fuse.FSYNC, fuse.FSYNCDIR:
		return nil, 0

	case fuse.UNLINK, fuse.RMDIR:
		name, ok := parseName(body)
		if !ok {
			return nil, int32(syscall.EINVAL)
		}
		fs.mu.RLock()
		parent, ok := fs.nodes[hdr.NodeID]
		fs.mu.RUnlock()
		if !ok {
			return nil, int32(syscall.ENOENT)
		}
		parent.mu.Lock()
		delete(parent.children, name)
		parent.mu.Unlock()
		return nil, 0

	case fuse.STATFS:
		out := fuse.StatfsOut{Bsize: 4096, Frsize: 4096, NameLen: 255}
		b, _ := fuse.EncodeBody(&out)
		return b, 0

	default:
		return nil, int32(syscall.ENOSYS)
	}
}

func (fs *Filesystem) encodeReply(unique uint64, body []byte, errno int32) []byte {
	out := fuse.OutHeader{
		Len:    uint32(16 + len(body)),
		Error:  -errno,
		Unique: unique,
	}
	if errno == 0 {
		out.Error = 0
	}
	buf := make([]byte, 16+len(body))
	_ = fuse.EncodeOutHeader(buf, &out)
	copy(buf[16:], body)
	return buf
}

func parseName(body []byte) (string, bool) {
	idx := indexByte(body, 0)
	if idx < 0 {
		return "", false
	}
	return string(body[:idx]), true
}

func parseNameAndMode(op fuse.Opcode, body []byte) (string, uint32, bool) {
	var fixedSize, modeOffset int
	switch op {
	case fuse.MKDIR:
		fixedSize, modeOffset = 8, 0
	case fuse.CREATE:
		fixedSize, modeOffset = 16, 4
	default:
		return "", 0, false
	}
	if len(body) < fixedSize+1 {
		return "", 0, false
	}
	mode := binary.LittleEndian.Uint32(body[modeOffset : modeOffset+4])
	name, ok := parseName(body[fixedSize:])
	return name, mode, ok
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func concat(bufs [][]byte) []byte {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

func errResult(ud uint64, errno syscall.Errno) result {
	return result{ud: ud, val: -int32(errno)}
}

// ReadConfig implements virtio.ConfigSource: the loopback device always
// advertises the full supported feature set and a single request queue.
func (fs *Filesystem) ReadConfig() (virtio.DeviceConfig, error) {
	var cfg virtio.DeviceConfig
	copy(cfg.Tag[:], "loopdev")
	cfg.NumRequestQueues = 1
	cfg.NotifyBufSize = constants.DefaultNotifyBufSize
	cfg.DeviceFeatures = virtio.SupportedFeatures
	return cfg, nil
}
