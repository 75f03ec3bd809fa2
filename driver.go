package wepoll

// Handle is an opaque OS socket or driver handle.
type Handle uintptr

// Driver submits poll operations against a completion based socket driver.
// All methods must be safe for concurrent use.
//
// Every request accepted by Submit must eventually produce exactly one
// Completion on the Completions channel, including requests that were
// cancelled, which complete with Err set to ErrCancelled unless the driver
// observed events first.
type Driver interface {
	// BaseHandle resolves the handle poll requests for socket are submitted
	// against, e.g. the base provider socket under any layered providers.
	BaseHandle(socket Handle) (Handle, error)

	// Submit starts an asynchronous poll for req.Flags() on req.Base(). If
	// it returns an error no completion will be delivered.
	Submit(req *PollRequest) error

	// Cancel asks the driver to complete req early. It is advisory: the
	// completion may still carry events, and a request that already
	// completed must not be reported as an error. Submit and Cancel are
	// called with the socket locked, so must not block on the delivery of
	// completions.
	Cancel(req *PollRequest) error

	// Completions delivers finished requests. It is closed by Close.
	Completions() <-chan Completion

	// Close releases the driver. Requests still in flight are abandoned.
	Close() error
}

// Completion is the outcome of one PollRequest, as reported by a Driver.
type Completion struct {
	// Request is the request that finished.
	Request *PollRequest

	// Err is nil on success, ErrCancelled if the request was cancelled, or
	// a driver error.
	Err error

	// Flags are the observed driver flags, only meaningful if Err is nil.
	Flags PollFlags
}
