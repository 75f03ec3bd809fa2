package reflock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// signaler is the handshake between the single destroyer, parked in await,
// and whichever goroutine performs the final unref. Implementations must not
// lose a signal that arrives before the destroyer parks.
type signaler interface {
	signal(l *RefLock)
	await(l *RefLock)
}

// condSignaler parks the destroyer on a per-instance condition variable. The
// signal and await bits live in the state word, and are only inspected with
// mu held.
type condSignaler struct {
	mu   sync.Mutex
	cond sync.Cond
}

func (x *condSignaler) signal(l *RefLock) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.lazyInit()
	if s := l.setFlag(flagSignal); s.awaiting() {
		// at most one await per lock
		x.cond.Signal()
	}
}

func (x *condSignaler) await(l *RefLock) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.lazyInit()
	for s := l.setFlag(flagAwait); !s.signaled(); s = l.load() {
		x.cond.Wait()
	}
}

func (x *condSignaler) lazyInit() {
	if x.cond.L == nil {
		x.cond.L = &x.mu
	}
}

// semaSignaler parks the destroyer on a weighted semaphore whose only permit
// is taken at construction, so a release that happens first is retained.
type semaSignaler struct {
	sem *semaphore.Weighted
}

func newSemaSignaler() *semaSignaler {
	sem := semaphore.NewWeighted(1)
	if !sem.TryAcquire(1) {
		panic(`reflock: unable to acquire fresh semaphore`)
	}
	return &semaSignaler{sem: sem}
}

func (x *semaSignaler) signal(l *RefLock) {
	l.setFlag(flagSignal)
	x.sem.Release(1)
}

func (x *semaSignaler) await(l *RefLock) {
	l.setFlag(flagAwait)
	if err := x.sem.Acquire(context.Background(), 1); err != nil {
		violation(opAwait, err.Error())
	}
	if s := l.load(); !s.signaled() {
		violation(opAwait, `woken without a pending signal: `+s.String())
	}
}
