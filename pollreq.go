package wepoll

import (
	"errors"
	"sync/atomic"
)

// RequestStatus is the outcome of a PollRequest.
type RequestStatus uint32

const (
	// RequestPending means the request has been submitted and not yet fed
	// back.
	RequestPending RequestStatus = iota
	// RequestDelivered means the request completed with driver flags.
	RequestDelivered
	// RequestFailed means the request completed with a driver error.
	RequestFailed
	// RequestCancelled means the driver acknowledged a cancellation.
	RequestCancelled
)

func (x RequestStatus) String() string {
	switch x {
	case RequestPending:
		return `Pending`
	case RequestDelivered:
		return `Delivered`
	case RequestFailed:
		return `Failed`
	case RequestCancelled:
		return `Cancelled`
	default:
		return `Unknown`
	}
}

// PollRequest is one asynchronous poll submitted to a Driver on behalf of a
// Socket. A socket has at most one live request; older requests that have
// been superseded still count as outstanding until their completion is fed
// back, at which point they are discarded.
//
// Drivers may read a request from any goroutine, but must not retain it after
// delivering its Completion.
type PollRequest struct {
	sock       *Socket
	handle     Handle
	base       Handle
	id         uint64
	events     Events
	flags      PollFlags
	status     atomic.Uint32
	superseded atomic.Bool
}

// Socket returns the user socket handle the request polls.
func (x *PollRequest) Socket() Handle { return x.handle }

// Base returns the driver handle the request must be submitted against.
func (x *PollRequest) Base() Handle { return x.base }

// ID returns the port-unique generation number of the request.
func (x *PollRequest) ID() uint64 { return x.id }

// Events returns the interest the request was submitted to satisfy.
func (x *PollRequest) Events() Events { return x.events }

// Flags returns the driver flags to poll for.
func (x *PollRequest) Flags() PollFlags { return x.flags }

// Status returns the current outcome of the request.
func (x *PollRequest) Status() RequestStatus { return RequestStatus(x.status.Load()) }

// Superseded reports whether the owning socket stopped waiting on this
// request, either because its interest changed or because it was deleted.
func (x *PollRequest) Superseded() bool { return x.superseded.Load() }

// covers reports whether the request already waits on everything in events.
func (x *PollRequest) covers(events Events) bool {
	return events&knownEvents&^x.events == 0
}

// finish records the outcome of c, panicking if the request was already fed.
func (x *PollRequest) finish(c Completion) {
	status := RequestDelivered
	switch {
	case errors.Is(c.Err, ErrCancelled):
		status = RequestCancelled
	case c.Err != nil:
		status = RequestFailed
	}
	if !x.status.CompareAndSwap(uint32(RequestPending), uint32(status)) {
		contractViolation(`feed event`, x.handle, `poll request completed twice`)
	}
}
