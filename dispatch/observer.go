package dispatch

import "github.com/ehrlich-b/virtiofs-driver/fuse"

// Observer receives a notification for every completed Submit call,
// the seam go-ublk's top-level Observer interface gives backend.go's
// metrics layer, generalized here to FUSE's per-opcode shape instead of
// block I/O's fixed read/write/discard/flush set.
type Observer interface {
	ObserveOp(op fuse.Opcode, bytes uint64, latencyNs uint64, success bool)

	// ObserveQueueDepth reports one queue's in-flight request count
	// immediately after a Submit call changes it, feeding per-queue
	// depth metrics the way QueueSet.Stats snapshots it on demand.
	ObserveQueueDepth(depth uint32)
}
