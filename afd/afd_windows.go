//go:build windows

package afd

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"unsafe"

	"github.com/joeycumines/go-wepoll"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/windows"
)

const (
	ioctlPoll = 0x00012024

	sioBaseHandle      = 0x48000022
	sioBspHandlePoll   = 0x4800001D
	sioBspHandleSelect = 0x4800001C

	// completion key used to stop the completion goroutine
	quitKey = ^uintptr(0)
)

const afdDevice = `\Device\Afd\Wepoll`

var (
	modntdll = windows.NewLazySystemDLL(`ntdll.dll`)

	procNtDeviceIoControlFile = modntdll.NewProc(`NtDeviceIoControlFile`)
	procNtCancelIoFileEx      = modntdll.NewProc(`NtCancelIoFileEx`)
)

type pollHandleInfo struct {
	Handle windows.Handle
	Events uint32
	Status windows.NTStatus
}

type pollInfo struct {
	Timeout         int64
	NumberOfHandles uint32
	Exclusive       uint32
	Handles         [1]pollHandleInfo
}

// op is one in-flight poll IOCTL. The IO_STATUS_BLOCK must be the first
// field: its address is the completion's overlapped pointer.
type op struct { // betteralign:ignore
	iosb windows.IO_STATUS_BLOCK
	info pollInfo
	req  *wepoll.PollRequest
	pin  runtime.Pinner
}

// Driver polls sockets through one AFD helper handle, associated with a
// private I/O completion port.
type Driver struct { // betteralign:ignore
	logger *logiface.Logger[logiface.Event]

	iocp windows.Handle
	afd  windows.Handle

	mu      sync.Mutex
	pending map[*wepoll.PollRequest]*op
	closed  bool

	completions chan wepoll.Completion
	done        chan struct{}
}

// New opens the AFD helper and starts the goroutine that dequeues
// completions.
func New(opts ...Option) (*Driver, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	iocp, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf(`afd: create completion port: %w`, err)
	}

	afd, err := openHelper(iocp)
	if err != nil {
		_ = windows.CloseHandle(iocp)
		return nil, err
	}

	x := &Driver{
		logger:      cfg.logger,
		iocp:        iocp,
		afd:         afd,
		pending:     make(map[*wepoll.PollRequest]*op),
		completions: make(chan wepoll.Completion, cfg.completionBuffer),
		done:        make(chan struct{}),
	}

	go x.run()

	x.logger.Debug().
		Uint64(`iocp`, uint64(iocp)).
		Log(`afd driver opened`)

	return x, nil
}

func openHelper(iocp windows.Handle) (windows.Handle, error) {
	name, err := windows.NewNTUnicodeString(afdDevice)
	if err != nil {
		return 0, err
	}

	attrs := windows.OBJECT_ATTRIBUTES{
		ObjectName: name,
	}
	attrs.Length = uint32(unsafe.Sizeof(attrs))

	var (
		afd  windows.Handle
		iosb windows.IO_STATUS_BLOCK
	)
	if err := windows.NtCreateFile(
		&afd,
		windows.SYNCHRONIZE,
		&attrs,
		&iosb,
		nil,
		0,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		windows.FILE_OPEN,
		0,
		0,
		0,
	); err != nil {
		return 0, fmt.Errorf(`afd: open helper: %w`, err)
	}

	if _, err := windows.CreateIoCompletionPort(afd, iocp, 0, 0); err != nil {
		_ = windows.CloseHandle(afd)
		return 0, fmt.Errorf(`afd: associate helper: %w`, err)
	}

	if err := windows.SetFileCompletionNotificationModes(afd, windows.FILE_SKIP_SET_EVENT_ON_HANDLE); err != nil {
		_ = windows.CloseHandle(afd)
		return 0, fmt.Errorf(`afd: set notification modes: %w`, err)
	}

	return afd, nil
}

// BaseHandle implements wepoll.Driver, resolving the base service provider
// socket, falling back to the poll and select provider handles for layered
// providers that intercept SIO_BASE_HANDLE.
func (x *Driver) BaseHandle(socket wepoll.Handle) (wepoll.Handle, error) {
	var err error
	for _, ioctl := range [...]uint32{sioBaseHandle, sioBspHandlePoll, sioBspHandleSelect} {
		var (
			base  windows.Handle
			bytes uint32
		)
		err = windows.WSAIoctl(
			windows.Handle(socket),
			ioctl,
			nil,
			0,
			(*byte)(unsafe.Pointer(&base)),
			uint32(unsafe.Sizeof(base)),
			&bytes,
			nil,
			0,
		)
		if err == nil && base != 0 && base != windows.InvalidHandle {
			return wepoll.Handle(base), nil
		}
	}
	return 0, fmt.Errorf(`afd: base handle %#x: %w`, uintptr(socket), err)
}

// Submit implements wepoll.Driver.
func (x *Driver) Submit(req *wepoll.PollRequest) error {
	o := &op{req: req}
	o.info = pollInfo{
		Timeout:         math.MaxInt64,
		NumberOfHandles: 1,
		Handles: [1]pollHandleInfo{{
			Handle: windows.Handle(req.Base()),
			Events: uint32(req.Flags()),
		}},
	}
	o.iosb.Status = windows.STATUS_PENDING
	o.pin.Pin(o)

	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		o.pin.Unpin()
		return ErrClosed
	}
	x.pending[req] = o
	x.mu.Unlock()

	r, _, _ := procNtDeviceIoControlFile.Call(
		uintptr(x.afd),
		0,
		0,
		uintptr(unsafe.Pointer(&o.iosb)),
		uintptr(unsafe.Pointer(&o.iosb)),
		ioctlPoll,
		uintptr(unsafe.Pointer(&o.info)),
		unsafe.Sizeof(o.info),
		uintptr(unsafe.Pointer(&o.info)),
		unsafe.Sizeof(o.info),
	)

	switch status := windows.NTStatus(r); status {
	case windows.STATUS_SUCCESS, windows.STATUS_PENDING:
		// a completion packet is queued either way
		return nil
	default:
		x.mu.Lock()
		delete(x.pending, req)
		x.mu.Unlock()
		o.pin.Unpin()
		return fmt.Errorf(`afd: poll: %w`, status)
	}
}

// Cancel implements wepoll.Driver.
func (x *Driver) Cancel(req *wepoll.PollRequest) error {
	x.mu.Lock()
	o, ok := x.pending[req]
	x.mu.Unlock()
	if !ok {
		return nil
	}
	return x.cancel(o)
}

func (x *Driver) cancel(o *op) error {
	var iosb windows.IO_STATUS_BLOCK
	r, _, _ := procNtCancelIoFileEx.Call(
		uintptr(x.afd),
		uintptr(unsafe.Pointer(&o.iosb)),
		uintptr(unsafe.Pointer(&iosb)),
	)
	switch status := windows.NTStatus(r); status {
	case windows.STATUS_SUCCESS, windows.STATUS_NOT_FOUND:
		// not found means it already completed
		return nil
	default:
		return fmt.Errorf(`afd: cancel: %w`, status)
	}
}

// Completions implements wepoll.Driver.
func (x *Driver) Completions() <-chan wepoll.Completion { return x.completions }

// Close implements wepoll.Driver. Requests still in flight are cancelled,
// and their completions are discarded.
func (x *Driver) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return ErrClosed
	}
	x.closed = true
	ops := make([]*op, 0, len(x.pending))
	for _, o := range x.pending {
		ops = append(ops, o)
	}
	x.mu.Unlock()

	for _, o := range ops {
		if err := x.cancel(o); err != nil {
			x.logger.Warning().
				Err(err).
				Uint64(`request`, o.req.ID()).
				Log(`afd cancel on close failed`)
		}
	}

	if err := windows.PostQueuedCompletionStatus(x.iocp, 0, quitKey, nil); err != nil {
		return fmt.Errorf(`afd: post quit: %w`, err)
	}

	<-x.done

	err1 := windows.CloseHandle(x.afd)
	err2 := windows.CloseHandle(x.iocp)

	x.logger.Debug().
		Int(`abandoned`, len(ops)).
		Log(`afd driver closed`)

	if err1 != nil {
		return err1
	}
	return err2
}

func (x *Driver) run() {
	defer close(x.done)
	defer close(x.completions)

	var quitting bool
	for {
		var (
			qty uint32
			key uintptr
			ov  *windows.Overlapped
		)
		err := windows.GetQueuedCompletionStatus(x.iocp, &qty, &key, &ov, windows.INFINITE)
		if ov == nil {
			if err != nil {
				x.logger.Err().
					Err(err).
					Log(`afd completion port failed`)
				return
			}
			if key == quitKey {
				quitting = true
			}
		} else {
			o := (*op)(unsafe.Pointer(ov))
			c := o.completion()

			x.mu.Lock()
			delete(x.pending, o.req)
			x.mu.Unlock()
			o.pin.Unpin()

			if !quitting {
				x.completions <- c
			}
		}

		if quitting {
			x.mu.Lock()
			remaining := len(x.pending)
			x.mu.Unlock()
			if remaining == 0 {
				return
			}
		}
	}
}

func (x *op) completion() wepoll.Completion {
	c := wepoll.Completion{Request: x.req}
	switch status := x.iosb.Status; {
	case status == windows.STATUS_CANCELLED:
		c.Err = wepoll.ErrCancelled
	case status != windows.STATUS_SUCCESS:
		c.Err = fmt.Errorf(`afd: poll: %w`, status)
	case x.info.NumberOfHandles < 1:
		// timed out, or nothing reported
	default:
		c.Flags = wepoll.PollFlags(x.info.Handles[0].Events)
	}
	return c
}
