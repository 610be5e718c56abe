//go:build vhostuser

// Package vhostuser is the real second virtio-fs transport: a driver
// that dials a vhost-user control socket instead of looping back
// in-process. Protocol constants and wire structs are taken directly
// from hanwen-go-fuse's vhostuser package, which itself documents them
// against qemu's vhost-user.h / virtio_ring.h; this file keeps the same
// field names and layout, adapted to the driver (client) side of the
// handshake rather than the backend (server) side that package
// implements.
package vhostuser

import "fmt"

// Request is one VHOST_USER_* message type.
type Request uint32

const (
	ReqNone                   Request = 0
	ReqGetFeatures            Request = 1
	ReqSetFeatures            Request = 2
	ReqSetOwner               Request = 3
	ReqResetOwner             Request = 4
	ReqSetMemTable            Request = 5
	ReqSetLogBase             Request = 6
	ReqSetLogFD               Request = 7
	ReqSetVringNum            Request = 8
	ReqSetVringAddr           Request = 9
	ReqSetVringBase           Request = 10
	ReqGetVringBase           Request = 11
	ReqSetVringKick           Request = 12
	ReqSetVringCall           Request = 13
	ReqSetVringErr            Request = 14
	ReqGetProtocolFeatures    Request = 15
	ReqSetProtocolFeatures    Request = 16
	ReqGetQueueNum            Request = 17
	ReqSetVringEnable         Request = 18
	ReqGetConfig              Request = 24
	ReqSetConfig              Request = 25
)

// Header precedes every vhost-user message (hanwen-go-fuse/vhostuser's
// Header, field for field).
type Header struct {
	Request uint32
	Flags   uint32
	Size    uint32
}

const (
	flagVersionMask = 0x3
	flagReply       = 0x1 << 2
	flagNeedReply   = 0x1 << 3
)

// VringDesc is one descriptor table entry (virtio_ring.h, aligned 16).
type VringDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const (
	VringDescFNext     = 1
	VringDescFWrite    = 2
	VringDescFIndirect = 4
)

// VringAvail is the driver-writable "available" ring header.
type VringAvail struct {
	Flags uint16
	Idx   uint16
	Ring0 uint16
}

// VringUsedElement is one entry of the device-writable "used" ring.
type VringUsedElement struct {
	ID  uint32
	Len uint32
}

// VringUsed is the device-writable "used" ring header.
type VringUsed struct {
	Flags uint16
	Idx   uint16
	Ring0 VringUsedElement
}

// VhostUserMemoryRegion describes one shared-memory region the backend
// may map; DriverAddr/MmapOffset let it locate the region in its own
// address space after receiving the matching fd via SCM_RIGHTS.
type VhostUserMemoryRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	DriverAddr    uint64
	MmapOffset    uint64
}

const maxMemoryRegions = 8

// VhostUserMemory is the SET_MEM_TABLE payload.
type VhostUserMemory struct {
	Nregions uint32
	Padding  uint32
	Regions  [maxMemoryRegions]VhostUserMemoryRegion
}

// VhostUserVringState is the payload of SET_VRING_NUM/SET_VRING_BASE/
// SET_VRING_ENABLE: one (queue index, value) pair.
type VhostUserVringState struct {
	Index uint32
	Num   uint32
}

// VhostUserVringAddr is the SET_VRING_ADDR payload.
type VhostUserVringAddr struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

func (r Request) String() string {
	switch r {
	case ReqGetFeatures:
		return "GET_FEATURES"
	case ReqSetFeatures:
		return "SET_FEATURES"
	case ReqSetOwner:
		return "SET_OWNER"
	case ReqSetMemTable:
		return "SET_MEM_TABLE"
	case ReqSetVringNum:
		return "SET_VRING_NUM"
	case ReqSetVringAddr:
		return "SET_VRING_ADDR"
	case ReqSetVringBase:
		return "SET_VRING_BASE"
	case ReqGetVringBase:
		return "GET_VRING_BASE"
	case ReqSetVringKick:
		return "SET_VRING_KICK"
	case ReqSetVringCall:
		return "SET_VRING_CALL"
	case ReqGetProtocolFeatures:
		return "GET_PROTOCOL_FEATURES"
	case ReqSetProtocolFeatures:
		return "SET_PROTOCOL_FEATURES"
	case ReqSetVringEnable:
		return "SET_VRING_ENABLE"
	case ReqGetConfig:
		return "GET_CONFIG"
	case ReqSetConfig:
		return "SET_CONFIG"
	default:
		return fmt.Sprintf("REQ(%d)", uint32(r))
	}
}
