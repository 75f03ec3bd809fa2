package wepoll

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// log categories, for rate limiting
const (
	logCategoryStale logCategory = iota
	logCategoryFeedError
	logCategoryRearm
)

type logCategory int

// portLogger wraps the optional logger, rate limiting noisy categories.
type portLogger struct {
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
}

func newPortLogger(logger *logiface.Logger[logiface.Event], rates map[time.Duration]int) (x portLogger, err error) {
	x.logger = logger
	if logger == nil || len(rates) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf(`%w: log rate limits: %v`, ErrInvalidArgument, r)
		}
	}()
	x.limiter = catrate.NewLimiter(rates)
	return
}

// build returns a builder for level, or nil if it is disabled or category
// is currently rate limited.
func (x *portLogger) build(level logiface.Level, category logCategory) *logiface.Builder[logiface.Event] {
	b := x.logger.Build(level)
	if !b.Enabled() {
		return nil
	}
	if _, ok := x.limiter.Allow(category); !ok {
		b.Release()
		return nil
	}
	return b
}

func (x *Port) logSubmit(req *PollRequest) {
	x.log.logger.Trace().
		Uint64(`handle`, uint64(req.handle)).
		Uint64(`request`, req.id).
		Stringer(`flags`, req.flags).
		Log(`poll request submitted`)
}

func (x *Port) logStale(req *PollRequest, c Completion) {
	b := x.log.build(logiface.LevelDebug, logCategoryStale)
	if b == nil {
		return
	}
	if c.Err != nil {
		b = b.Err(c.Err)
	}
	b.Uint64(`handle`, uint64(req.handle)).
		Uint64(`request`, req.id).
		Stringer(`flags`, c.Flags).
		Log(`discarded stale completion`)
}

func (x *Port) logFeedError(req *PollRequest, err error) {
	b := x.log.build(logiface.LevelWarning, logCategoryFeedError)
	if b == nil {
		return
	}
	b.Err(err).
		Uint64(`handle`, uint64(req.handle)).
		Uint64(`request`, req.id).
		Log(`poll request failed`)
}

func (x *Port) logRearmError(h Handle, err error) {
	b := x.log.build(logiface.LevelWarning, logCategoryRearm)
	if b == nil {
		return
	}
	b.Err(err).
		Uint64(`handle`, uint64(h)).
		Log(`failed to re-arm socket`)
}

func (x *Port) logDelete(h Handle, outstanding int) {
	x.log.logger.Debug().
		Uint64(`handle`, uint64(h)).
		Int(`outstanding`, outstanding).
		Log(`deleting socket`)
}

func (x *Port) logReap(h Handle, err error) {
	var b *logiface.Builder[logiface.Event]
	if err != nil {
		b = x.log.logger.Warning().Err(err)
	} else {
		b = x.log.logger.Info()
	}
	b.Uint64(`handle`, uint64(h)).
		Log(`socket closed without being deleted`)
}

func (x *Port) logClose(sockets int, err error) {
	x.log.logger.Info().
		Int(`sockets`, sockets).
		Bool(`error`, err != nil).
		Log(`port closed`)
}
