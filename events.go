package wepoll

import (
	"strconv"
	"strings"
)

// Events is an epoll event mask, using the Linux bit values.
type Events uint32

const (
	EPOLLIN      Events = 0x0001
	EPOLLPRI     Events = 0x0002
	EPOLLOUT     Events = 0x0004
	EPOLLERR     Events = 0x0008
	EPOLLHUP     Events = 0x0010
	EPOLLRDNORM  Events = 0x0040
	EPOLLRDBAND  Events = 0x0080
	EPOLLWRNORM  Events = 0x0100
	EPOLLWRBAND  Events = 0x0200
	EPOLLMSG     Events = 0x0400
	EPOLLRDHUP   Events = 0x2000
	EPOLLONESHOT Events = 1 << 30
	EPOLLET      Events = 1 << 31
)

// knownEvents are the readiness bits a poll request can observe.
const knownEvents = EPOLLIN | EPOLLPRI | EPOLLOUT | EPOLLERR | EPOLLHUP |
	EPOLLRDNORM | EPOLLRDBAND | EPOLLWRNORM | EPOLLWRBAND | EPOLLMSG | EPOLLRDHUP

// alwaysEvents are reported regardless of the requested mask, as epoll does.
const alwaysEvents = EPOLLERR | EPOLLHUP

type bitName[T ~uint32] struct {
	bit  T
	name string
}

var eventNames = [...]bitName[Events]{
	{EPOLLIN, `IN`},
	{EPOLLPRI, `PRI`},
	{EPOLLOUT, `OUT`},
	{EPOLLERR, `ERR`},
	{EPOLLHUP, `HUP`},
	{EPOLLRDNORM, `RDNORM`},
	{EPOLLRDBAND, `RDBAND`},
	{EPOLLWRNORM, `WRNORM`},
	{EPOLLWRBAND, `WRBAND`},
	{EPOLLMSG, `MSG`},
	{EPOLLRDHUP, `RDHUP`},
	{EPOLLONESHOT, `ONESHOT`},
	{EPOLLET, `ET`},
}

func (x Events) String() string { return formatBits(x, eventNames[:]) }

// formatBits renders x as names joined by '|', with any unnamed bits
// appended in hex.
func formatBits[T ~uint32](x T, names []bitName[T]) string {
	if x == 0 {
		return `0`
	}
	var (
		b    strings.Builder
		rest = x
	)
	for _, n := range names {
		if x&n.bit == 0 {
			continue
		}
		rest &^= n.bit
		if b.Len() != 0 {
			b.WriteByte('|')
		}
		b.WriteString(n.name)
	}
	if rest != 0 {
		if b.Len() != 0 {
			b.WriteByte('|')
		}
		b.WriteString(`0x`)
		b.WriteString(strconv.FormatUint(uint64(rest), 16))
	}
	return b.String()
}

// PollFlags are the driver level poll bits, laid out as the AFD poll IOCTL
// defines them.
type PollFlags uint32

const (
	PollReceive          PollFlags = 0x0001
	PollReceiveExpedited PollFlags = 0x0002
	PollSend             PollFlags = 0x0004
	PollDisconnect       PollFlags = 0x0008
	PollAbort            PollFlags = 0x0010
	PollLocalClose       PollFlags = 0x0020
	PollAccept           PollFlags = 0x0080
	PollConnectFail      PollFlags = 0x0100
)

var flagNames = [...]bitName[PollFlags]{
	{PollReceive, `RECEIVE`},
	{PollReceiveExpedited, `RECEIVE_EXPEDITED`},
	{PollSend, `SEND`},
	{PollDisconnect, `DISCONNECT`},
	{PollAbort, `ABORT`},
	{PollLocalClose, `LOCAL_CLOSE`},
	{PollAccept, `ACCEPT`},
	{PollConnectFail, `CONNECT_FAIL`},
}

func (x PollFlags) String() string { return formatBits(x, flagNames[:]) }

// FlagsFor returns the driver flags a poll request must wait on to observe
// the given events. PollLocalClose is always included, so that closing a
// socket without deleting it is noticed.
func FlagsFor(events Events) PollFlags {
	flags := PollLocalClose
	if events&(EPOLLIN|EPOLLRDNORM) != 0 {
		flags |= PollReceive | PollAccept
	}
	if events&(EPOLLPRI|EPOLLRDBAND) != 0 {
		flags |= PollReceiveExpedited
	}
	if events&(EPOLLOUT|EPOLLWRNORM|EPOLLWRBAND) != 0 {
		flags |= PollSend
	}
	if events&(EPOLLIN|EPOLLRDNORM|EPOLLRDHUP) != 0 {
		flags |= PollDisconnect
	}
	if events&EPOLLHUP != 0 {
		flags |= PollAbort
	}
	if events&EPOLLERR != 0 {
		flags |= PollConnectFail
	}
	return flags
}

// EventsFor translates completed driver flags into epoll events. The result
// is not masked by any interest, and PollLocalClose maps to nothing.
func EventsFor(flags PollFlags) Events {
	var events Events
	if flags&(PollReceive|PollAccept) != 0 {
		events |= EPOLLIN | EPOLLRDNORM
	}
	if flags&PollReceiveExpedited != 0 {
		events |= EPOLLPRI | EPOLLRDBAND
	}
	if flags&PollSend != 0 {
		events |= EPOLLOUT | EPOLLWRNORM | EPOLLWRBAND
	}
	if flags&PollDisconnect != 0 && flags&PollConnectFail == 0 {
		events |= EPOLLIN | EPOLLRDNORM | EPOLLRDHUP
	}
	if flags&PollAbort != 0 {
		events |= EPOLLHUP
	}
	if flags&PollConnectFail != 0 {
		// a failed connect reads and writes as an error, like Linux
		events |= EPOLLIN | EPOLLOUT | EPOLLERR | EPOLLRDNORM | EPOLLWRNORM | EPOLLRDHUP
	}
	return events
}
