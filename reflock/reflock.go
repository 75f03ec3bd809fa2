// Package reflock implements a reference count with a destruction barrier.
//
// A RefLock lets an object be referenced concurrently by ordinary call paths
// and by in-flight asynchronous operations, while giving exactly one caller
// an exclusive teardown point. UnrefAndDestroy blocks until every outstanding
// reference has been released, after which the instance is poisoned.
//
// The caller is responsible for ensuring no new references can be taken once
// destruction has started, typically by removing the object from whatever
// index hands out references before calling UnrefAndDestroy. Violating that,
// or any other part of the contract, panics with a [*Violation].
package reflock

import (
	"sync/atomic"
)

// RefLock is a reference count plus destruction barrier. The zero value has
// a count of zero and uses the condition variable wake strategy.
//
// A RefLock must not be copied after first use.
type RefLock struct { // betteralign:ignore
	state atomic.Uint64
	sig   signaler
	cond  condSignaler
}

// Option configures a RefLock, see Init.
type Option interface {
	applyRefLock(*RefLock)
}

type optionFunc func(*RefLock)

func (f optionFunc) applyRefLock(l *RefLock) { f(l) }

// WithSemaphore selects the semaphore wake strategy, which parks the
// destroyer on a pre-acquired weighted semaphore instead of a condition
// variable.
func WithSemaphore() Option {
	return optionFunc(func(l *RefLock) {
		l.sig = newSemaSignaler()
	})
}

// New returns an initialised RefLock, see Init.
func New(opts ...Option) *RefLock {
	l := new(RefLock)
	l.Init(opts...)
	return l
}

// Init resets the count to zero, clears all flags, and applies opts. It must
// not be called while the lock is in use.
func (l *RefLock) Init(opts ...Option) {
	l.state.Store(0)
	l.sig = nil
	for _, opt := range opts {
		if opt != nil {
			opt.applyRefLock(l)
		}
	}
}

// Ref takes a reference. It panics if destruction has been requested.
func (l *RefLock) Ref() {
	l.update(func(s state) state {
		if s.destroying() {
			violation(opRef, `reference taken after destroy was requested`)
		}
		if s.refs() == maxRefs {
			violation(opRef, `reference count overflow`)
		}
		return s + 1
	})
}

// Unref releases a reference. If it is the last one, and destruction has
// been requested, the destroyer is woken.
func (l *RefLock) Unref() {
	s := l.update(func(s state) state {
		if s.poisoned() {
			violation(opUnref, `lock already destroyed`)
		}
		if s.refs() == 0 {
			violation(opUnref, `reference count underflow`)
		}
		return s - 1
	})
	if s.destroying() && s.refs() == 0 {
		l.signaler().signal(l)
	}
}

// UnrefAndDestroy releases the caller's reference and requests destruction,
// as one atomic step. If the count is already zero there is no reference to
// drop. It returns once the count has reached zero, leaving the lock
// poisoned: no further method may be called.
func (l *RefLock) UnrefAndDestroy() {
	s := l.update(func(s state) state {
		if s.destroying() {
			violation(opDestroy, `destroy already requested`)
		}
		if s.refs() != 0 {
			s--
		}
		return s | flagDestroy
	})

	if s.refs() != 0 {
		l.signaler().await(l)
	}

	s = state(l.state.Swap(uint64(statePoisoned)))
	if !s.destroying() || s.refs() != 0 {
		violation(opDestroy, `inconsistent state after destroy: `+s.String())
	}
}

// Count returns the current reference count. It is intended for diagnostics,
// the value may be stale by the time it is used.
func (l *RefLock) Count() int {
	return int(state(l.state.Load()).refs())
}

// Destroyed reports whether UnrefAndDestroy has completed.
func (l *RefLock) Destroyed() bool {
	return state(l.state.Load()).poisoned()
}

// update applies fn to the state word until the CAS succeeds, returning the
// stored value.
func (l *RefLock) update(fn func(s state) state) state {
	for {
		old := state(l.state.Load())
		next := fn(old)
		if l.state.CompareAndSwap(uint64(old), uint64(next)) {
			return next
		}
	}
}

// setFlag ORs flag into the state word, returning the new value.
func (l *RefLock) setFlag(flag state) state {
	return state(l.state.Or(uint64(flag)) | uint64(flag))
}

func (l *RefLock) load() state {
	return state(l.state.Load())
}

func (l *RefLock) signaler() signaler {
	if l.sig != nil {
		return l.sig
	}
	return &l.cond
}
