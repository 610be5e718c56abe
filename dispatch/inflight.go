// Package dispatch correlates FUSE requests with their virtqueue
// completions (C5): assigning each request a queue, tracking its state
// through the request lifecycle, and waking the caller once a matching
// reply arrives.
package dispatch

import (
	"fmt"

	"github.com/ehrlich-b/virtiofs-driver/virtio"
)

// RequestState is one step of a request's lifecycle (spec.md §3's
// "per-request state machine"), generalized from go-ublk's TagState
// (internal/queue/runner.go) from a two-phase fetch/commit cycle to
// the five-phase encode/submit/wait/complete cycle a FUSE request
// actually goes through, plus the parallel Interrupted path spec.md §5
// calls for.
type RequestState int

const (
	// StateFresh is the request's state before it has been encoded.
	StateFresh RequestState = iota
	// StateEncoded means the wire bytes exist but have not been handed
	// to a queue yet.
	StateEncoded
	// StateSubmitted means the descriptor chain has been handed to its
	// queue for publishing; the driver no longer owns the request's
	// buffers.
	StateSubmitted
	// StateWaitingReply means the request is ready to accept its reply;
	// it is entered together with StateSubmitted, just before the chain
	// is published, and the caller then parks on the completion channel.
	StateWaitingReply
	// StateCompleted is terminal: a reply (or transport error) has been
	// delivered to the caller.
	StateCompleted
	// StateInterrupted is terminal: FUSE_INTERRUPT was issued for this
	// request's unique id before a reply arrived, and the caller has
	// been woken with a cancellation error instead of a device reply.
	StateInterrupted
)

func (s RequestState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateEncoded:
		return "encoded"
	case StateSubmitted:
		return "submitted"
	case StateWaitingReply:
		return "waiting_reply"
	case StateCompleted:
		return "completed"
	case StateInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// InFlightRequest tracks one request from encode through completion.
// The dispatcher owns a map of these keyed by Unique; nothing here is
// safe for concurrent use without the dispatcher's lock, mirroring the
// per-tag mutex discipline in go-ublk's runner.go (here scoped per
// request instead of per queue-tag slot).
type InFlightRequest struct {
	Unique uint64
	Queue  uint16
	State  RequestState

	// reply is delivered by the completion drain loop and read by the
	// blocked Submit caller.
	reply chan replyOrErr

	// replyBuf is the DMA buffer the device writes its reply into; the
	// completion handler reads the written prefix out of it before the
	// buffer is returned to the pool.
	replyBuf *virtio.DMABuffer
}

type replyOrErr struct {
	body  []byte
	errno int32
	err   error
}

func newInFlight(unique uint64, queue uint16) *InFlightRequest {
	return &InFlightRequest{
		Unique: unique,
		Queue:  queue,
		State:  StateFresh,
		reply:  make(chan replyOrErr, 1),
	}
}

// transition validates and applies a state change, mirroring runner.go's
// handleCompletion switch that rejects transitions from an unexpected
// current state instead of silently clobbering it.
func (req *InFlightRequest) transition(to RequestState) error {
	valid := map[RequestState][]RequestState{
		StateFresh:        {StateEncoded},
		StateEncoded:      {StateSubmitted},
		StateSubmitted:    {StateWaitingReply},
		StateWaitingReply: {StateCompleted, StateInterrupted},
	}
	allowed, ok := valid[req.State]
	if !ok {
		return fmt.Errorf("dispatch: request %d has no transitions out of state %s", req.Unique, req.State)
	}
	for _, a := range allowed {
		if a == to {
			req.State = to
			return nil
		}
	}
	return fmt.Errorf("dispatch: request %d cannot move %s -> %s", req.Unique, req.State, to)
}
