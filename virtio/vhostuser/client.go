//go:build vhostuser

package vhostuser

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/virtiofs-driver/internal/logging"
	"github.com/ehrlich-b/virtiofs-driver/virtio"
)

const headerSize = int(unsafe.Sizeof(Header{}))

// Client is the driver side of the vhost-user control channel: it
// dials the backend's Unix socket and drives the handshake
// (GET_FEATURES/SET_FEATURES/SET_MEM_TABLE/SET_VRING_*) the way
// hanwen-go-fuse/vhostuser's Server answers it from the backend side.
// Fd passing (shared memory regions, kick/call eventfds) uses
// golang.org/x/sys/unix's Sendmsg/ParseSocketControlMessage, the same
// primitives vhostuser/server.go builds on via the syscall package.
type Client struct {
	conn   *net.UnixConn
	logger *logging.Logger
}

// Dial connects to the vhost-user socket at path.
func Dial(path string) (*Client, error) {
	addr := &net.UnixAddr{Name: path, Net: "unix"}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("vhostuser: dial %s: %w", path, err)
	}
	return &Client{conn: conn, logger: logging.Default()}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// sendMessage writes a Header followed by payload, optionally passing
// fds via SCM_RIGHTS ancillary data.
func (c *Client) sendMessage(req Request, payload []byte, fds []int) error {
	hdr := Header{Request: uint32(req), Size: uint32(len(payload))}
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], hdr.Request)
	binary.LittleEndian.PutUint32(buf[4:8], hdr.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], hdr.Size)
	copy(buf[headerSize:], payload)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	rawConn, err := c.conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("vhostuser: syscall conn: %w", err)
	}
	var sendErr error
	ctrlErr := rawConn.Write(func(fd uintptr) bool {
		sendErr = unix.Sendmsg(int(fd), buf, oob, nil, 0)
		return true
	})
	if ctrlErr != nil {
		return fmt.Errorf("vhostuser: write ctrl: %w", ctrlErr)
	}
	if sendErr != nil {
		return fmt.Errorf("vhostuser: sendmsg %s: %w", req, sendErr)
	}
	return nil
}

// recvMessage reads one reply header plus its payload, returning any
// fds passed alongside it (e.g. a GET_CONFIG reply never carries fds,
// but future backend-initiated requests may).
func (c *Client) recvMessage() (Header, []byte, []int, error) {
	var hdrBuf [3 * 4]byte
	oobBuf := make([]byte, unix.CmsgSpace(16*4))

	rawConn, err := c.conn.SyscallConn()
	if err != nil {
		return Header{}, nil, nil, err
	}

	var n, oobn int
	var recvErr error
	ctrlErr := rawConn.Read(func(fd uintptr) bool {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(fd), hdrBuf[:], oobBuf, 0)
		return true
	})
	if ctrlErr != nil {
		return Header{}, nil, nil, ctrlErr
	}
	if recvErr != nil {
		return Header{}, nil, nil, fmt.Errorf("vhostuser: recvmsg header: %w", recvErr)
	}
	if n < headerSize {
		return Header{}, nil, nil, fmt.Errorf("vhostuser: short header read: %d bytes", n)
	}

	hdr := Header{
		Request: binary.LittleEndian.Uint32(hdrBuf[0:4]),
		Flags:   binary.LittleEndian.Uint32(hdrBuf[4:8]),
		Size:    binary.LittleEndian.Uint32(hdrBuf[8:12]),
	}

	var fds []int
	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oobBuf[:oobn])
		if err == nil {
			for _, scm := range scms {
				if f, err := unix.ParseUnixRights(&scm); err == nil {
					fds = append(fds, f...)
				}
			}
		}
	}

	payload := make([]byte, hdr.Size)
	if hdr.Size > 0 {
		read, err := c.conn.Read(payload)
		if err != nil {
			return hdr, nil, fds, fmt.Errorf("vhostuser: read payload: %w", err)
		}
		payload = payload[:read]
	}
	return hdr, payload, fds, nil
}

// request sends req with payload and returns the reply payload.
func (c *Client) request(req Request, payload []byte) ([]byte, error) {
	if err := c.sendMessage(req, payload, nil); err != nil {
		return nil, err
	}
	_, reply, _, err := c.recvMessage()
	return reply, err
}

// GetFeatures negotiates the virtio feature bits (VHOST_USER_GET_FEATURES).
func (c *Client) GetFeatures() (uint64, error) {
	reply, err := c.request(ReqGetFeatures, nil)
	if err != nil {
		return 0, err
	}
	if len(reply) < 8 {
		return 0, fmt.Errorf("vhostuser: short GET_FEATURES reply")
	}
	return binary.LittleEndian.Uint64(reply), nil
}

// SetFeatures acknowledges the negotiated feature set.
func (c *Client) SetFeatures(bits uint64) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, bits)
	return c.sendMessage(ReqSetFeatures, payload, nil)
}

// SetOwner claims exclusive control of the backend's queues.
func (c *Client) SetOwner() error {
	return c.sendMessage(ReqSetOwner, nil, nil)
}

// SetMemTable shares memFile's contents with the backend as the sole
// guest memory region, covering the DMA buffers this driver hands out.
func (c *Client) SetMemTable(memFile *os.File, size uint64) error {
	region := VhostUserMemoryRegion{
		GuestPhysAddr: 0,
		MemorySize:    size,
		DriverAddr:    0,
		MmapOffset:    0,
	}
	payload := make([]byte, 8+unsafe.Sizeof(region))
	binary.LittleEndian.PutUint32(payload[0:4], 1) // Nregions
	off := 8
	binary.LittleEndian.PutUint64(payload[off:off+8], region.GuestPhysAddr)
	binary.LittleEndian.PutUint64(payload[off+8:off+16], region.MemorySize)
	binary.LittleEndian.PutUint64(payload[off+16:off+24], region.DriverAddr)
	binary.LittleEndian.PutUint64(payload[off+24:off+32], region.MmapOffset)
	return c.sendMessage(ReqSetMemTable, payload, []int{int(memFile.Fd())})
}

// SetVringNum sets queue index's descriptor count.
func (c *Client) SetVringNum(index, num uint32) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], index)
	binary.LittleEndian.PutUint32(payload[4:8], num)
	return c.sendMessage(ReqSetVringNum, payload, nil)
}

// SetVringAddr publishes the guest-virtual addresses of one queue's
// descriptor table, available ring, and used ring.
func (c *Client) SetVringAddr(addr VhostUserVringAddr) error {
	payload := make([]byte, 8+3*8)
	binary.LittleEndian.PutUint32(payload[0:4], addr.Index)
	binary.LittleEndian.PutUint32(payload[4:8], addr.Flags)
	binary.LittleEndian.PutUint64(payload[8:16], addr.DescUserAddr)
	binary.LittleEndian.PutUint64(payload[16:24], addr.UsedUserAddr)
	binary.LittleEndian.PutUint64(payload[24:32], addr.AvailUserAddr)
	return c.sendMessage(ReqSetVringAddr, payload, nil)
}

// SetVringKick passes the eventfd the backend should write to notify
// this driver of new used-ring entries on queue index.
func (c *Client) SetVringKick(index uint32, fd *os.File) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], index)
	return c.sendMessage(ReqSetVringKick, payload, []int{int(fd.Fd())})
}

// SetVringCall passes the eventfd this driver listens on for the
// backend's completion notifications on queue index.
func (c *Client) SetVringCall(index uint32, fd *os.File) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], index)
	return c.sendMessage(ReqSetVringCall, payload, []int{int(fd.Fd())})
}

// SetVringEnable starts or stops processing on queue index.
func (c *Client) SetVringEnable(index uint32, enable bool) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], index)
	if enable {
		binary.LittleEndian.PutUint32(payload[4:8], 1)
	}
	return c.sendMessage(ReqSetVringEnable, payload, nil)
}

// ReadConfig implements virtio.ConfigSource over GET_CONFIG.
func (c *Client) ReadConfig() (virtio.DeviceConfig, error) {
	// offset=0, size=full config struct, flags=0
	req := make([]byte, 12)
	binary.LittleEndian.PutUint32(req[4:8], 48)
	reply, err := c.request(ReqGetConfig, req)
	if err != nil {
		return virtio.DeviceConfig{}, err
	}
	if len(reply) < 12+44 {
		return virtio.DeviceConfig{}, fmt.Errorf("vhostuser: short GET_CONFIG reply: %d bytes", len(reply))
	}
	body := reply[12:]
	var cfg virtio.DeviceConfig
	copy(cfg.Tag[:], body[0:36])
	cfg.NumRequestQueues = binary.LittleEndian.Uint32(body[36:40])
	cfg.DeviceFeatures, err = c.GetFeatures()
	return cfg, err
}
