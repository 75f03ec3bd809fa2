// Package wepolltest provides an in-memory wepoll.Driver, for tests and
// examples. Completions are produced explicitly, with Complete, Fail and
// Ack, so that tests control the interleaving with the code under test.
package wepolltest

import (
	"errors"
	"sync"

	"github.com/joeycumines/go-wepoll"
)

const defaultBuffer = 4096

// BaseOffset is added to a socket handle to derive its base handle.
const BaseOffset wepoll.Handle = 1 << 20

var (
	// ErrUnknownRequest is returned (or panicked with) when a request is
	// completed that is not pending.
	ErrUnknownRequest = errors.New(`wepolltest: unknown poll request`)

	// ErrClosed is returned by Submit and Cancel after Close.
	ErrClosed = errors.New(`wepolltest: driver closed`)
)

// Driver is a fake wepoll.Driver. The zero value is not usable, use
// NewDriver.
type Driver struct { // betteralign:ignore
	mu          sync.Mutex
	completions chan wepoll.Completion
	pending     map[*wepoll.PollRequest]struct{}
	submitted   []*wepoll.PollRequest
	cancelled   []*wepoll.PollRequest
	closed      bool
	done        chan struct{}

	autoCancel bool
	// acks queued by Cancel, sent by the acking goroutine
	acks   []wepoll.Completion
	acking sync.WaitGroup
	active bool

	// injected errors, see SetSubmitErr etc
	submitErr error
	cancelErr error
	baseErr   error
}

// Option configures a Driver.
type Option func(*Driver)

// WithAutoCancel makes Cancel acknowledge requests, completing them with
// wepoll.ErrCancelled as a real driver eventually would. The completions are
// sent asynchronously, in the order Cancel was called, so Cancel never blocks
// on a full buffer.
func WithAutoCancel() Option {
	return func(d *Driver) { d.autoCancel = true }
}

// WithBuffer sets the capacity of the completions channel.
func WithBuffer(n int) Option {
	return func(d *Driver) { d.completions = make(chan wepoll.Completion, n) }
}

// NewDriver returns a new fake driver.
func NewDriver(opts ...Option) *Driver {
	d := &Driver{
		pending: make(map[*wepoll.PollRequest]struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.completions == nil {
		d.completions = make(chan wepoll.Completion, defaultBuffer)
	}
	return d
}

// BaseHandle implements wepoll.Driver.
func (x *Driver) BaseHandle(socket wepoll.Handle) (wepoll.Handle, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.baseErr != nil {
		return 0, x.baseErr
	}
	return socket + BaseOffset, nil
}

// Submit implements wepoll.Driver.
func (x *Driver) Submit(req *wepoll.PollRequest) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	if x.submitErr != nil {
		return x.submitErr
	}
	x.pending[req] = struct{}{}
	x.submitted = append(x.submitted, req)
	return nil
}

// Cancel implements wepoll.Driver.
func (x *Driver) Cancel(req *wepoll.PollRequest) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cancelErr != nil {
		return x.cancelErr
	}
	x.cancelled = append(x.cancelled, req)
	if x.autoCancel && !x.closed {
		if _, ok := x.pending[req]; ok {
			delete(x.pending, req)
			x.acks = append(x.acks, wepoll.Completion{Request: req, Err: wepoll.ErrCancelled})
			if !x.active {
				x.active = true
				x.acking.Add(1)
				go x.sendAcks()
			}
		}
	}
	return nil
}

func (x *Driver) sendAcks() {
	defer x.acking.Done()
	for {
		x.mu.Lock()
		if len(x.acks) == 0 {
			x.active = false
			x.mu.Unlock()
			return
		}
		c := x.acks[0]
		x.acks = x.acks[1:]
		x.mu.Unlock()

		select {
		case x.completions <- c:
		case <-x.done:
			return
		}
	}
}

// Completions implements wepoll.Driver.
func (x *Driver) Completions() <-chan wepoll.Completion { return x.completions }

// Close implements wepoll.Driver. Pending requests, and acknowledgements not
// yet sent, are abandoned.
func (x *Driver) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return ErrClosed
	}
	x.closed = true
	clear(x.pending)
	x.acks = nil
	close(x.done)
	x.mu.Unlock()

	x.acking.Wait()

	x.mu.Lock()
	defer x.mu.Unlock()
	close(x.completions)
	return nil
}

// Complete delivers req with the given driver flags. Complete, Fail, Ack and
// AckCancelled send synchronously, blocking while the buffer is full.
func (x *Driver) Complete(req *wepoll.PollRequest, flags wepoll.PollFlags) error {
	return x.deliver(wepoll.Completion{Request: req, Flags: flags})
}

// Fail delivers req with a driver error.
func (x *Driver) Fail(req *wepoll.PollRequest, err error) error {
	return x.deliver(wepoll.Completion{Request: req, Err: err})
}

// Ack acknowledges the cancellation of req.
func (x *Driver) Ack(req *wepoll.PollRequest) error {
	return x.deliver(wepoll.Completion{Request: req, Err: wepoll.ErrCancelled})
}

// AckCancelled acknowledges every cancelled request that is still pending,
// returning the number acknowledged.
func (x *Driver) AckCancelled() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n int
	for _, req := range x.cancelled {
		if _, ok := x.pending[req]; ok {
			x.deliverLocked(wepoll.Completion{Request: req, Err: wepoll.ErrCancelled})
			n++
		}
	}
	return n
}

func (x *Driver) deliver(c wepoll.Completion) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.pending[c.Request]; !ok {
		return ErrUnknownRequest
	}
	x.deliverLocked(c)
	return nil
}

func (x *Driver) deliverLocked(c wepoll.Completion) {
	delete(x.pending, c.Request)
	x.completions <- c
}

// Pending returns the requests submitted and not yet completed, in
// submission order.
func (x *Driver) Pending() []*wepoll.PollRequest {
	x.mu.Lock()
	defer x.mu.Unlock()
	var reqs []*wepoll.PollRequest
	for _, req := range x.submitted {
		if _, ok := x.pending[req]; ok {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// Submitted returns every request accepted by Submit, in order.
func (x *Driver) Submitted() []*wepoll.PollRequest {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]*wepoll.PollRequest(nil), x.submitted...)
}

// Cancelled returns every request passed to Cancel, in order.
func (x *Driver) Cancelled() []*wepoll.PollRequest {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]*wepoll.PollRequest(nil), x.cancelled...)
}

// Last returns the most recently submitted request, or nil.
func (x *Driver) Last() *wepoll.PollRequest {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.submitted) == 0 {
		return nil
	}
	return x.submitted[len(x.submitted)-1]
}

// SetSubmitErr sets the error returned by Submit, nil to clear.
func (x *Driver) SetSubmitErr(err error) {
	x.mu.Lock()
	x.submitErr = err
	x.mu.Unlock()
}

// SetCancelErr sets the error returned by Cancel, nil to clear.
func (x *Driver) SetCancelErr(err error) {
	x.mu.Lock()
	x.cancelErr = err
	x.mu.Unlock()
}

// SetBaseErr sets the error returned by BaseHandle, nil to clear.
func (x *Driver) SetBaseErr(err error) {
	x.mu.Lock()
	x.baseErr = err
	x.mu.Unlock()
}
