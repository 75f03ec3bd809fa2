//go:build !windows

package afd

import (
	"github.com/joeycumines/go-wepoll"
)

// Driver is unavailable on this platform.
type Driver struct{}

// New validates opts then returns ErrNotSupported.
func New(opts ...Option) (*Driver, error) {
	if _, err := resolveOptions(opts); err != nil {
		return nil, err
	}
	return nil, ErrNotSupported
}

// BaseHandle implements wepoll.Driver, returning ErrNotSupported.
func (*Driver) BaseHandle(wepoll.Handle) (wepoll.Handle, error) { return 0, ErrNotSupported }

// Submit implements wepoll.Driver, returning ErrNotSupported.
func (*Driver) Submit(*wepoll.PollRequest) error { return ErrNotSupported }

// Cancel implements wepoll.Driver, returning ErrNotSupported.
func (*Driver) Cancel(*wepoll.PollRequest) error { return ErrNotSupported }

// Completions implements wepoll.Driver, returning nil.
func (*Driver) Completions() <-chan wepoll.Completion { return nil }

// Close implements wepoll.Driver, returning ErrNotSupported.
func (*Driver) Close() error { return ErrNotSupported }
