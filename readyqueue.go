package wepoll

import (
	"github.com/eapache/queue"
)

// readyQueue is the FIFO of sockets with events awaiting Wait. Membership is
// tracked by Socket.queued, so a socket appears at most once. Guarded by the
// Port mutex.
type readyQueue struct {
	q *queue.Queue
}

func newReadyQueue() *readyQueue {
	return &readyQueue{q: queue.New()}
}

func (x *readyQueue) push(s *Socket) {
	if s.queued {
		return
	}
	s.queued = true
	x.q.Add(s)
}

func (x *readyQueue) pop() (*Socket, bool) {
	if x.q.Length() == 0 {
		return nil, false
	}
	s := x.q.Remove().(*Socket)
	s.queued = false
	return s, true
}

func (x *readyQueue) len() int { return x.q.Length() }
