// Package afd implements wepoll.Driver on Windows, by issuing the AFD poll
// IOCTL against the \Device\Afd helper, with completions delivered through an
// I/O completion port. On other platforms New returns ErrNotSupported.
package afd

import (
	"errors"
	"fmt"

	"github.com/joeycumines/go-wepoll"
	"github.com/joeycumines/logiface"
)

const defaultCompletionBuffer = 1024

var (
	// ErrNotSupported is returned by New on platforms without AFD.
	ErrNotSupported = fmt.Errorf(`afd: %w`, wepoll.ErrNotSupported)

	// ErrClosed is returned by operations on a closed Driver.
	ErrClosed = errors.New(`afd: driver closed`)
)

var _ wepoll.Driver = (*Driver)(nil)

type options struct {
	logger           *logiface.Logger[logiface.Event]
	completionBuffer int
}

// Option configures a Driver.
type Option interface {
	applyDriver(*options) error
}

type optionImpl struct {
	applyDriverFunc func(*options) error
}

func (x *optionImpl) applyDriver(opts *options) error {
	return x.applyDriverFunc(opts)
}

// WithLogger sets the logger, nil (the default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithCompletionBuffer sets the capacity of the completions channel.
func WithCompletionBuffer(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 0 {
			return fmt.Errorf(`afd: invalid completion buffer: %d`, n)
		}
		opts.completionBuffer = n
		return nil
	}}
}

func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{
		completionBuffer: defaultCompletionBuffer,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyDriver(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
