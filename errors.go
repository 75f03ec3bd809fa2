package wepoll

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed Port.
	ErrClosed = errors.New(`wepoll: port closed`)

	// ErrExists is returned when adding a handle that is already registered
	// (EEXIST).
	ErrExists = errors.New(`wepoll: handle already registered`)

	// ErrNotFound is returned when a handle is not registered (ENOENT).
	ErrNotFound = errors.New(`wepoll: handle not registered`)

	// ErrInvalidArgument is returned for malformed requests (EINVAL).
	ErrInvalidArgument = errors.New(`wepoll: invalid argument`)

	// ErrNotSupported is returned for valid epoll requests this package does
	// not implement, such as EPOLLET.
	ErrNotSupported = errors.New(`wepoll: not supported`)

	// ErrResourceExhausted is returned when a port has reached its socket
	// limit (ENOMEM), see WithMaxSockets.
	ErrResourceExhausted = errors.New(`wepoll: resource exhausted`)

	// ErrCancelled is the Completion.Err reported by drivers when a poll
	// request was cancelled before anything was observed.
	ErrCancelled = errors.New(`wepoll: poll request cancelled`)
)

// ContractError is the panic value raised when Socket or Port is used in a
// way that indicates a bug in the caller, or in this package, such as binding
// a socket twice or registering a second live poll request.
type ContractError struct {
	Op     string
	Handle Handle
	Reason string
}

func (x *ContractError) Error() string {
	return fmt.Sprintf(`wepoll: %s: handle %#x: %s`, x.Op, uintptr(x.Handle), x.Reason)
}

func contractViolation(op string, h Handle, reason string) {
	panic(&ContractError{Op: op, Handle: h, Reason: reason})
}
