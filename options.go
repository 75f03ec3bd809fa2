package wepoll

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-wepoll/reflock"
	"github.com/joeycumines/logiface"
)

const (
	defaultCompletionBatchSize = 64
)

// defaultLogRateLimits bounds each noisy log category.
var defaultLogRateLimits = map[time.Duration]int{
	time.Second: 10,
}

// portOptions holds configuration options for Port creation.
type portOptions struct {
	logger              *logiface.Logger[logiface.Event]
	logRateLimits       map[time.Duration]int
	refLockOptions      []reflock.Option
	maxSockets          int
	completionBatchSize int
	routeCompletions    bool
}

// PortOption configures a Port instance.
type PortOption interface {
	applyPort(*portOptions) error
}

// portOptionImpl implements PortOption.
type portOptionImpl struct {
	applyPortFunc func(*portOptions) error
}

func (x *portOptionImpl) applyPort(opts *portOptions) error {
	return x.applyPortFunc(opts)
}

// WithLogger sets the logger. A nil logger, the default, disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) PortOption {
	return &portOptionImpl{func(opts *portOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithLogRateLimits sets the per category rate limits applied to noisy log
// lines, such as discarded completions. See catrate.NewLimiter for the
// format. An empty map disables rate limiting.
func WithLogRateLimits(rates map[time.Duration]int) PortOption {
	return &portOptionImpl{func(opts *portOptions) error {
		opts.logRateLimits = rates
		return nil
	}}
}

// WithMaxSockets limits the number of sockets a Port will hold at once,
// further registrations fail with ErrResourceExhausted. Zero means no limit.
func WithMaxSockets(n int) PortOption {
	return &portOptionImpl{func(opts *portOptions) error {
		if n < 0 {
			return fmt.Errorf(`%w: max sockets %d`, ErrInvalidArgument, n)
		}
		opts.maxSockets = n
		return nil
	}}
}

// WithCompletionBatchSize sets the maximum number of completions the router
// receives before yielding.
func WithCompletionBatchSize(n int) PortOption {
	return &portOptionImpl{func(opts *portOptions) error {
		if n <= 0 {
			return fmt.Errorf(`%w: completion batch size %d`, ErrInvalidArgument, n)
		}
		opts.completionBatchSize = n
		return nil
	}}
}

// WithCompletionRouting sets whether the Port starts a goroutine feeding
// completions from Driver.Completions. When disabled (enabled is the
// default), the caller must feed every completion with Port.FeedCompletion.
func WithCompletionRouting(enabled bool) PortOption {
	return &portOptionImpl{func(opts *portOptions) error {
		opts.routeCompletions = enabled
		return nil
	}}
}

// WithRefLockOptions sets the options used to initialise the RefLock of the
// Port and of every Socket, e.g. reflock.WithSemaphore.
func WithRefLockOptions(options ...reflock.Option) PortOption {
	return &portOptionImpl{func(opts *portOptions) error {
		opts.refLockOptions = options
		return nil
	}}
}

// resolvePortOptions applies PortOption instances to portOptions.
func resolvePortOptions(opts []PortOption) (*portOptions, error) {
	cfg := &portOptions{
		logRateLimits:       defaultLogRateLimits,
		completionBatchSize: defaultCompletionBatchSize,
		routeCompletions:    true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPort(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
