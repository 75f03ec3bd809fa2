package wepoll

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-wepoll/reflock"
)

// CtlOp is an epoll_ctl operation.
type CtlOp int

const (
	CtlAdd CtlOp = 1
	CtlDel CtlOp = 2
	CtlMod CtlOp = 3
)

func (x CtlOp) String() string {
	switch x {
	case CtlAdd:
		return `EPOLL_CTL_ADD`
	case CtlDel:
		return `EPOLL_CTL_DEL`
	case CtlMod:
		return `EPOLL_CTL_MOD`
	default:
		return `EPOLL_CTL_UNKNOWN`
	}
}

// Stats is a point in time snapshot of a Port.
type Stats struct {
	// Sockets is the number of live sockets, registered or not.
	Sockets int
	// Registered is the number of sockets in the handle index.
	Registered int
	// PollRequests is the number of poll requests submitted and not yet fed
	// back, across all sockets.
	PollRequests int
	// Ready is the number of sockets queued for Wait.
	Ready int
}

// Port is an epoll instance: a set of registered sockets sharing one Driver,
// and the queue of sockets with events ready to be reported by Wait.
//
// All methods are safe for concurrent use.
type Port struct { // betteralign:ignore
	lock   reflock.RefLock
	driver Driver
	log    portLogger

	refLockOptions []reflock.Option
	maxSockets     int

	mu      sync.Mutex
	index   *handleIndex
	ready   *readyQueue
	sockets int
	closed  bool

	// wake has a buffer of one, signalling Wait that ready may be non-empty
	wake    chan struct{}
	closing chan struct{}
	// routed is closed once the completion router exits, nil if disabled
	routed chan struct{}

	reaping      sync.WaitGroup
	pollRequests atomic.Int64
	requestID    atomic.Uint64
}

// New returns a Port backed by driver. Unless disabled with
// WithCompletionRouting, a goroutine is started that feeds completions from
// driver until it is closed, which Close does.
func New(driver Driver, opts ...PortOption) (*Port, error) {
	if driver == nil {
		return nil, ErrInvalidArgument
	}

	cfg, err := resolvePortOptions(opts)
	if err != nil {
		return nil, err
	}

	log, err := newPortLogger(cfg.logger, cfg.logRateLimits)
	if err != nil {
		return nil, err
	}

	x := &Port{
		driver:         driver,
		log:            log,
		refLockOptions: cfg.refLockOptions,
		maxSockets:     cfg.maxSockets,
		index:          newHandleIndex(),
		ready:          newReadyQueue(),
		wake:           make(chan struct{}, 1),
		closing:        make(chan struct{}),
	}

	x.lock.Init(cfg.refLockOptions...)
	// held until Close
	x.lock.Ref()

	if cfg.routeCompletions {
		x.routed = make(chan struct{})
		go x.route(driver.Completions(), cfg.completionBatchSize)
	}

	return x, nil
}

// Ctl performs an epoll_ctl operation. The ev parameter is required by
// CtlAdd and CtlMod, and ignored by CtlDel.
func (x *Port) Ctl(op CtlOp, h Handle, ev *Event) error {
	switch op {
	case CtlAdd:
		if ev == nil {
			return ErrInvalidArgument
		}
		return x.Add(h, *ev)
	case CtlMod:
		if ev == nil {
			return ErrInvalidArgument
		}
		return x.Modify(h, *ev)
	case CtlDel:
		return x.Delete(h)
	default:
		return ErrInvalidArgument
	}
}

// Add registers h with the given interest, returning ErrExists if it is
// already registered.
func (x *Port) Add(h Handle, ev Event) error {
	if ev.Events&EPOLLET != 0 {
		return ErrNotSupported
	}

	if err := x.enter(); err != nil {
		return err
	}
	defer x.leave()

	s, err := x.NewSocket()
	if err != nil {
		return err
	}

	if err := s.Bind(h); err != nil {
		_ = s.delete()
		return err
	}

	if err := s.SetEvent(ev); err != nil {
		_ = s.delete()
		return err
	}

	return nil
}

// Modify replaces the interest and user data of h.
func (x *Port) Modify(h Handle, ev Event) error {
	if err := x.enter(); err != nil {
		return err
	}
	defer x.leave()

	x.mu.Lock()
	s, ok := x.index.lookup(h)
	if ok {
		s.lock.Ref()
	}
	x.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	defer s.lock.Unref()

	return s.SetEvent(ev)
}

// Delete deregisters h, blocking until the driver has finished with it.
func (x *Port) Delete(h Handle) error {
	if err := x.enter(); err != nil {
		return err
	}
	defer x.leave()

	s, ok := x.Lookup(h)
	if !ok {
		return ErrNotFound
	}

	return s.delete()
}

// Lookup returns the socket registered for h. The socket may be deleted
// concurrently, after which its methods return ErrNotFound.
func (x *Port) Lookup(h Handle) (*Socket, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.index.lookup(h)
}

// NewSocket allocates a socket on this port, which must be bound before use.
// The caller is responsible for deleting the socket, which is only done
// automatically by Close once it is bound.
func (x *Port) NewSocket() (*Socket, error) {
	if err := x.enter(); err != nil {
		return nil, err
	}
	defer x.leave()

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.maxSockets > 0 && x.sockets >= x.maxSockets {
		return nil, ErrResourceExhausted
	}
	x.sockets++

	s := &Socket{port: x}
	s.lock.Init(x.refLockOptions...)
	// released by Delete
	s.lock.Ref()

	return s, nil
}

// Wait blocks until at least one registered socket is ready, or ctx is done,
// then fills events with up to len(events) ready sockets, in the order they
// became ready. Level-triggered sockets are re-armed as they are reported.
func (x *Port) Wait(ctx context.Context, events []Event) (int, error) {
	if len(events) == 0 {
		return 0, ErrInvalidArgument
	}

	if err := x.enter(); err != nil {
		return 0, err
	}
	defer x.leave()

	for {
		if n := x.drain(events); n != 0 {
			return n, nil
		}

		select {
		case <-x.wake:
		case <-x.closing:
			return 0, ErrClosed
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (x *Port) drain(events []Event) (n int) {
	for n < len(events) {
		x.mu.Lock()
		s, ok := x.ready.pop()
		live := ok && !s.detached
		if live {
			s.lock.Ref()
		}
		x.mu.Unlock()

		if !ok {
			break
		}
		if !live {
			continue
		}

		ev, ok, err := s.deliver()
		if err != nil {
			x.logRearmError(s.Handle(), err)
		}
		s.lock.Unref()

		if ok {
			events[n] = ev
			n++
		}
	}

	x.mu.Lock()
	remaining := x.ready.len()
	x.mu.Unlock()
	if remaining != 0 {
		x.notify()
	}

	return n
}

// Stats returns a snapshot of the port's counters.
func (x *Port) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	return Stats{
		Sockets:      x.sockets,
		Registered:   x.index.len(),
		PollRequests: int(x.pollRequests.Load()),
		Ready:        x.ready.len(),
	}
}

// Close waits for in-flight calls, including those on a Socket, then deletes
// every registered socket, waiting for the driver to finish with each, then
// closes the driver. Pending and future calls fail with
// ErrClosed. With completion routing enabled, Close returns once the router
// has exited.
func (x *Port) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return ErrClosed
	}
	x.closed = true
	close(x.closing)
	x.mu.Unlock()

	// wait for in-flight calls, including Socket methods
	x.lock.UnrefAndDestroy()

	x.mu.Lock()
	sockets := x.index.sockets()
	x.mu.Unlock()

	var errs []error
	for _, s := range sockets {
		if err := s.delete(); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}

	x.reaping.Wait()

	if err := x.driver.Close(); err != nil {
		errs = append(errs, err)
	}

	if x.routed != nil {
		<-x.routed
	}

	err := errors.Join(errs...)
	x.logClose(len(sockets), err)

	return err
}

func (x *Port) enter() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	x.lock.Ref()
	return nil
}

func (x *Port) leave() { x.lock.Unref() }

func (x *Port) nextRequestID() uint64 { return x.requestID.Add(1) }

// notify wakes one Wait, if any.
func (x *Port) notify() {
	select {
	case x.wake <- struct{}{}:
	default:
	}
}

// insert adds s to the handle index under h.
func (x *Port) insert(s *Socket, h Handle) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	switch {
	case x.closed:
		return ErrClosed
	case s.detached:
		return ErrNotFound
	case !x.index.insert(h, s):
		return ErrExists
	}
	s.key = h
	s.indexed = true
	return nil
}

// detach claims s for deletion, removing it from the index and the ready
// queue. It returns false if s was already claimed.
func (x *Port) detach(s *Socket) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if s.detached {
		return false
	}
	s.detached = true
	if s.indexed {
		x.index.remove(s.key, s)
		s.indexed = false
	}
	// left in the ready queue, drain skips it
	return true
}

// release returns a deleted socket's slot.
func (x *Port) release() {
	x.mu.Lock()
	x.sockets--
	x.mu.Unlock()
}

// enqueue queues s for Wait.
func (x *Port) enqueue(s *Socket) {
	x.mu.Lock()
	if !s.detached {
		x.ready.push(s)
	}
	x.mu.Unlock()
	x.notify()
}

// reap deletes a socket whose handle was closed without being deleted. The
// caller must have added to reaping.
func (x *Port) reap(s *Socket) {
	go func() {
		defer x.reaping.Done()
		err := s.delete()
		if errors.Is(err, ErrNotFound) {
			return
		}
		x.logReap(s.Handle(), err)
	}()
}
