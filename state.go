package wepoll

// SocketState is the interest tracking state of a Socket.
//
//	Idle         → Armed        [SetEvent / Update submits a request]
//	Armed        → PendingRearm [FeedEvent observed requested events]
//	Armed        → Armed        [FeedEvent observed nothing of interest, re-armed]
//	Armed        → Idle         [interest withdrawn and the request fed back]
//	PendingRearm → Armed | Idle [Wait delivered the event]
//	PendingRearm → Armed        [SetEvent / Update submits a request]
//	any          → Deleting     [Delete] (terminal)
type SocketState uint8

const (
	// StateIdle means no live poll request and nothing pending delivery.
	StateIdle SocketState = iota
	// StateArmed means a live poll request is in flight.
	StateArmed
	// StatePendingRearm means an observed event is queued for Wait, with no
	// live poll request.
	StatePendingRearm
	// StateDeleting means Delete has been called.
	StateDeleting
)

func (x SocketState) String() string {
	switch x {
	case StateIdle:
		return `Idle`
	case StateArmed:
		return `Armed`
	case StatePendingRearm:
		return `PendingRearm`
	case StateDeleting:
		return `Deleting`
	default:
		return `Unknown`
	}
}
