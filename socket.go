package wepoll

import (
	"errors"
	"sync"

	"github.com/joeycumines/go-wepoll/reflock"
)

// Event is an epoll_event: the events mask plus opaque user data.
type Event struct {
	Events Events
	Data   uint64
}

type socketFlags uint8

const (
	sockBound socketFlags = 1 << iota
	sockDeleted
	sockPending
	sockLocalClose
)

// Socket is the pollable socket record for one registered handle. It tracks
// the interest mask, the most recently observed events, and the single live
// PollRequest.
//
// All mutable state is guarded by an internal mutex; the embedded RefLock
// only governs lifetime. Every submitted PollRequest holds a reference until
// it is fed back, as does the handle index, so Delete returns only once the
// driver has finished with the socket.
type Socket struct { // betteralign:ignore
	lock reflock.RefLock
	port *Port

	mu           sync.Mutex
	live         *PollRequest
	handle       Handle
	base         Handle
	data         uint64
	interest     Events
	observed     Events
	pollRequests int
	flags        socketFlags

	// guarded by port.mu
	key      Handle
	indexed  bool
	queued   bool
	detached bool
}

// Handle returns the handle the socket was bound to.
func (x *Socket) Handle() Handle {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.handle
}

// Data returns the user data set by SetEvent.
func (x *Socket) Data() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.data
}

// Interest returns the current interest mask, which includes EPOLLERR and
// EPOLLHUP while the socket is armed.
func (x *Socket) Interest() Events {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.interest
}

// Observed returns the events observed but not yet delivered by Wait.
func (x *Socket) Observed() Events {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.observed
}

// PollRequests returns the number of submitted requests not yet fed back,
// including superseded ones.
func (x *Socket) PollRequests() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.pollRequests
}

// Live returns the live poll request, or nil.
func (x *Socket) Live() *PollRequest {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.live
}

// State returns the interest tracking state.
func (x *Socket) State() SocketState {
	x.mu.Lock()
	defer x.mu.Unlock()
	switch {
	case x.flags&sockDeleted != 0:
		return StateDeleting
	case x.live != nil:
		return StateArmed
	case x.flags&sockPending != 0:
		return StatePendingRearm
	default:
		return StateIdle
	}
}

// Bind associates the socket with h, resolving the driver handle and
// inserting the socket into the port's handle index. A socket may only be
// bound once.
func (x *Socket) Bind(h Handle) error {
	if err := x.port.enter(); err != nil {
		return err
	}
	defer x.port.leave()

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.flags&sockBound != 0 {
		contractViolation(`bind`, h, `socket already bound`)
	}
	if x.flags&sockDeleted != 0 {
		return ErrNotFound
	}

	base, err := x.port.driver.BaseHandle(h)
	if err != nil {
		return err
	}

	if err := x.port.insert(x, h); err != nil {
		return err
	}

	x.handle = h
	x.base = base
	x.flags |= sockBound

	return nil
}

// SetEvent replaces the interest mask and user data, arming or re-arming the
// socket as needed. EPOLLERR and EPOLLHUP are always included.
func (x *Socket) SetEvent(ev Event) error {
	if ev.Events&EPOLLET != 0 {
		return ErrNotSupported
	}

	if err := x.port.enter(); err != nil {
		return err
	}
	defer x.port.leave()

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.flags&sockDeleted != 0 {
		return ErrNotFound
	}
	if x.flags&sockBound == 0 {
		contractViolation(`set event`, x.handle, `socket not bound`)
	}

	x.interest = ev.Events&(knownEvents|EPOLLONESHOT) | alwaysEvents
	x.data = ev.Data
	x.observed &= x.interest

	return x.update()
}

// Update re-evaluates whether a poll request must be submitted to satisfy
// the current interest, submitting one if so.
func (x *Socket) Update() error {
	if err := x.port.enter(); err != nil {
		return err
	}
	defer x.port.leave()

	x.mu.Lock()
	defer x.mu.Unlock()
	return x.update()
}

// update must be called with mu held.
func (x *Socket) update() error {
	if x.flags&sockDeleted != 0 {
		return nil
	}

	want := x.interest & knownEvents

	if x.live != nil {
		if x.live.covers(want) {
			// includes withdrawn interest: the result is masked on completion
			return nil
		}
		if err := x.supersede(); err != nil {
			return err
		}
	}

	if want == 0 {
		return nil
	}

	req := &PollRequest{
		sock:   x,
		handle: x.handle,
		base:   x.base,
		id:     x.port.nextRequestID(),
		events: want,
		flags:  FlagsFor(want),
	}

	x.registerPollRequest(req)

	if err := x.port.driver.Submit(req); err != nil {
		req.superseded.Store(true)
		req.status.Store(uint32(RequestFailed))
		x.unregisterPollRequest(req)
		// the index reference is still held, this cannot be the last
		x.lock.Unref()
		return err
	}

	x.port.logSubmit(req)

	return nil
}

// supersede asks the driver to cancel the live request, dropping it only if
// that succeeds. A dropped request stays outstanding until its completion is
// fed back. If the cancel fails the request stays live, and re-arms with the
// current interest once it completes.
func (x *Socket) supersede() error {
	req := x.live
	if err := x.port.driver.Cancel(req); err != nil {
		return err
	}
	x.live = nil
	req.superseded.Store(true)
	return nil
}

// registerPollRequest makes req the live request, accounting for it and
// taking the reference it holds until it is fed back.
func (x *Socket) registerPollRequest(req *PollRequest) {
	if x.flags&sockDeleted != 0 {
		contractViolation(`register poll request`, x.handle, `socket is being deleted`)
	}
	if x.live != nil {
		contractViolation(`register poll request`, x.handle, `another poll request is live`)
	}
	x.lock.Ref()
	x.live = req
	x.pollRequests++
	x.port.pollRequests.Add(1)
}

// unregisterPollRequest retires req from the accounting. The caller must
// release the reference req held, after unlocking mu.
func (x *Socket) unregisterPollRequest(req *PollRequest) {
	if x.pollRequests <= 0 {
		contractViolation(`unregister poll request`, x.handle, `no poll requests outstanding`)
	}
	if x.live == req {
		x.live = nil
	}
	x.pollRequests--
	x.port.pollRequests.Add(-1)
}

// FeedEvent delivers the completion of one of this socket's poll requests.
// Completions for superseded requests, or for a deleted socket, are
// discarded.
func (x *Socket) FeedEvent(c Completion) {
	if c.Request == nil || c.Request.sock != x {
		contractViolation(`feed event`, x.handle, `completion for another socket`)
	}

	localClose := x.feed(c)

	// release the request's reference, possibly waking Delete
	x.lock.Unref()

	if localClose {
		x.port.reap(x)
	}
}

func (x *Socket) feed(c Completion) (localClose bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	req := c.Request
	req.finish(c)

	stale := req != x.live || x.flags&sockDeleted != 0
	x.unregisterPollRequest(req)

	if stale {
		x.port.logStale(req, c)
		return false
	}

	var events Events
	switch {
	case errors.Is(c.Err, ErrCancelled):
	case c.Err != nil:
		x.port.logFeedError(req, c.Err)
		events = EPOLLERR
	case c.Flags&PollLocalClose != 0:
		// closed without being deleted, the handle may already be reused
		if x.flags&sockLocalClose == 0 {
			x.flags |= sockLocalClose
			x.port.reaping.Add(1)
			return true
		}
		return false
	default:
		events = EventsFor(c.Flags)
	}

	events &= x.interest
	if events == 0 {
		if err := x.update(); err != nil {
			x.port.logRearmError(x.handle, err)
		}
		return false
	}

	x.observed |= events
	x.flags |= sockPending
	x.port.enqueue(x)

	return false
}

// deliver consumes the observed events for Wait, then re-arms.
func (x *Socket) deliver() (ev Event, ok bool, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.flags &^= sockPending

	if x.flags&sockDeleted != 0 {
		return
	}

	ev.Events = x.observed & x.interest
	x.observed = 0

	if ev.Events != 0 {
		ev.Data = x.data
		ok = true
		if x.interest&EPOLLONESHOT != 0 {
			x.interest = 0
		}
	}

	err = x.update()

	return
}

// Delete removes the socket from the port, cancels the live request, and
// blocks until every outstanding poll request has been fed back. It returns
// ErrNotFound if the socket was already deleted, ErrClosed if the port is
// closed, and otherwise any error from cancelling the live request. Close
// waits for Delete to return.
func (x *Socket) Delete() error {
	if err := x.port.enter(); err != nil {
		return err
	}
	defer x.port.leave()
	return x.delete()
}

// delete implements Delete, for callers that already hold a port reference
// or that run during Close.
func (x *Socket) delete() error {
	if !x.port.detach(x) {
		return ErrNotFound
	}

	x.mu.Lock()
	x.flags |= sockDeleted
	x.flags &^= sockPending
	x.observed = 0
	var err error
	if req := x.live; req != nil {
		err = x.supersede()
		// discarded on completion regardless, as the socket is deleted
		x.live = nil
		req.superseded.Store(true)
	}
	outstanding := x.pollRequests
	h := x.handle
	x.mu.Unlock()

	x.port.logDelete(h, outstanding)

	x.lock.UnrefAndDestroy()
	x.port.release()

	return err
}
