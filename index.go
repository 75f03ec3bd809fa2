package wepoll

import (
	"github.com/google/btree"
)

const indexDegree = 8

type indexEntry struct {
	handle Handle
	sock   *Socket
}

func indexLess(a, b indexEntry) bool { return a.handle < b.handle }

// handleIndex maps user handles to sockets. It is not safe for concurrent
// use, the Port guards it with its mutex.
type handleIndex struct {
	tree *btree.BTreeG[indexEntry]
}

func newHandleIndex() *handleIndex {
	return &handleIndex{tree: btree.NewG(indexDegree, indexLess)}
}

// insert adds s under h, returning false if h is already present.
func (x *handleIndex) insert(h Handle, s *Socket) bool {
	if x.tree.Has(indexEntry{handle: h}) {
		return false
	}
	x.tree.ReplaceOrInsert(indexEntry{handle: h, sock: s})
	return true
}

func (x *handleIndex) lookup(h Handle) (*Socket, bool) {
	e, ok := x.tree.Get(indexEntry{handle: h})
	return e.sock, ok
}

// remove deletes h, only if it maps to s.
func (x *handleIndex) remove(h Handle, s *Socket) bool {
	if e, ok := x.tree.Get(indexEntry{handle: h}); !ok || e.sock != s {
		return false
	}
	x.tree.Delete(indexEntry{handle: h})
	return true
}

func (x *handleIndex) len() int { return x.tree.Len() }

// sockets returns every indexed socket, in handle order.
func (x *handleIndex) sockets() []*Socket {
	sockets := make([]*Socket, 0, x.tree.Len())
	x.tree.Ascend(func(e indexEntry) bool {
		sockets = append(sockets, e.sock)
		return true
	})
	return sockets
}
