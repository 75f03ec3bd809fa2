package reflock

import (
	"fmt"
	"strings"
)

// state is the tagged value held in RefLock's atomic word.
//
//	bits  0-31  reference count
//	bit   32    destroy requested
//	bit   33    signal pending (last unref happened)
//	bit   34    await pending (destroyer is parked)
//	bit   63    poisoned (destroy completed)
type state uint64

const (
	refMask state = 1<<32 - 1
	maxRefs       = uint32(refMask)

	flagDestroy state = 1 << 32
	flagSignal  state = 1 << 33
	flagAwait   state = 1 << 34
)

const (
	flagPoison    state = 1 << 63
	statePoisoned       = flagPoison | flagDestroy
)

const (
	opRef     = `ref`
	opUnref   = `unref`
	opDestroy = `unref and destroy`
	opAwait   = `await`
)

func (s state) refs() uint32 { return uint32(s & refMask) }

func (s state) destroying() bool { return s&flagDestroy != 0 }

func (s state) signaled() bool { return s&flagSignal != 0 }

func (s state) awaiting() bool { return s&flagAwait != 0 }

func (s state) poisoned() bool { return s&flagPoison != 0 }

func (s state) String() string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, `refs=%d`, s.refs())
	for _, f := range [...]struct {
		name string
		set  bool
	}{
		{`destroy`, s.destroying()},
		{`signal`, s.signaled()},
		{`await`, s.awaiting()},
		{`poison`, s.poisoned()},
	} {
		if f.set {
			b.WriteByte('|')
			b.WriteString(f.name)
		}
	}
	return b.String()
}
