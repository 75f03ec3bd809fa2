package wepoll_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joeycumines/go-wepoll"
	"github.com/joeycumines/go-wepoll/reflock"
	"github.com/joeycumines/go-wepoll/wepolltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New(`boom`)

func TestSocket_SetEvent_singleSubmission(t *testing.T) {
	p, d := newManualPort(t)
	s := bound(t, p, 1)
	assert.Equal(t, wepoll.StateIdle, s.State())

	require.NoError(t, s.SetEvent(wepoll.Event{Events: wepoll.EPOLLIN, Data: 7}))
	require.Len(t, d.Submitted(), 1)
	first := d.Last()
	assert.Equal(t, wepoll.Handle(1), first.Socket())
	assert.Equal(t, 1+wepolltest.BaseOffset, first.Base())
	assert.Equal(t, wepoll.EPOLLIN|wepoll.EPOLLERR|wepoll.EPOLLHUP, first.Events())
	assert.Equal(t, wepoll.FlagsFor(wepoll.EPOLLIN|wepoll.EPOLLERR|wepoll.EPOLLHUP), first.Flags())
	assert.Equal(t, wepoll.RequestPending, first.Status())
	assert.Equal(t, wepoll.StateArmed, s.State())
	assert.Equal(t, 1, s.PollRequests())
	assert.Same(t, first, s.Live())

	// covered by the live request
	require.NoError(t, s.SetEvent(wepoll.Event{Events: wepoll.EPOLLIN, Data: 8}))
	assert.Len(t, d.Submitted(), 1)
	assert.Empty(t, d.Cancelled())

	// grows the interest: exactly one new submission, the old one cancelled
	require.NoError(t, s.SetEvent(wepoll.Event{Events: wepoll.EPOLLIN | wepoll.EPOLLOUT}))
	require.Len(t, d.Submitted(), 2)
	second := d.Last()
	assert.NotSame(t, first, second)
	assert.Greater(t, second.ID(), first.ID())
	assert.Equal(t, []*wepoll.PollRequest{first}, d.Cancelled())
	assert.True(t, first.Superseded())
	assert.False(t, second.Superseded())
	assert.Same(t, second, s.Live())
	assert.Equal(t, 2, s.PollRequests())
	assert.Equal(t, 2, p.Stats().PollRequests)

	// narrowing is covered too
	require.NoError(t, s.SetEvent(wepoll.Event{Events: wepoll.EPOLLOUT}))
	assert.Len(t, d.Submitted(), 2)
}

func TestSocket_FeedEvent_staleIsDiscarded(t *testing.T) {
	p, d := newManualPort(t)
	s := bound(t, p, 1)
	require.NoError(t, s.SetEvent(wepoll.Event{Events: wepoll.EPOLLIN}))
	first := d.Last()
	require.NoError(t, s.SetEvent(wepoll.Event{Events: wepoll.EPOLLIN | wepoll.EPOLLOUT}))
	second := d.Last()

	require.NoError(t, d.Complete(first, wepoll.PollReceive))
	require.Equal(t, 1, pump(p, d))

	assert.Equal(t, wepoll.RequestDelivered, first.Status())
	assert.Equal(t, wepoll.Events(0), s.Observed())
	assert.Equal(t, 1, s.PollRequests())
	assert.Same(t, second, s.Live())
	assert.Equal(t, wepoll.StateArmed, s.State())
	assert.Equal(t, 0, p.Stats().Ready)
	assert.Len(t, d.Submitted(), 2)
}

func TestSocket_roundTrip(t *testing.T) {
	p, d := newManualPort(t)
	require.NoError(t, p.Add(5, wepoll.Event{Events: wepoll.EPOLLIN, Data: 99}))
	s, ok := p.Lookup(5)
	require.True(t, ok)
	req := d.Last()

	require.NoError(t, d.Complete(req, wepoll.PollReceive|wepoll.PollSend))
	require.Equal(t, 1, pump(p, d))

	assert.Equal(t, wepoll.RequestDelivered, req.Status())
	assert.Equal(t, wepoll.EPOLLIN, s.Observed())
	assert.Equal(t, wepoll.StatePendingRearm, s.State())
	assert.Nil(t, s.Live())
	assert.Equal(t, 0, s.PollRequests())
	assert.Equal(t, 1, p.Stats().Ready)

	events := make([]wepoll.Event, 4)
	n, err := p.Wait(context.Background(), events)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, wepoll.Event{Events: wepoll.EPOLLIN, Data: 99}, events[0])

	// level-triggered: re-armed on delivery
	assert.Equal(t, wepoll.Events(0), s.Observed())
	assert.Equal(t, wepoll.StateArmed, s.State())
	require.Len(t, d.Submitted(), 2)
	assert.Same(t, d.Last(), s.Live())

	require.NoError(t, d.Complete(d.Last(), wepoll.PollReceive))
	pump(p, d)
	n, err = p.Wait(context.Background(), events)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, wepoll.EPOLLIN, events[0].Events)
}

func TestSocket_oneshot(t *testing.T) {
	p, d := newManualPort(t)
	require.NoError(t, p.Add(5, wepoll.Event{Events: wepoll.EPOLLIN | wepoll.EPOLLONESHOT, Data: 1}))
	s, _ := p.Lookup(5)

	require.NoError(t, d.Complete(d.Last(), wepoll.PollReceive))
	pump(p, d)

	events := make([]wepoll.Event, 1)
	n, err := p.Wait(context.Background(), events)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, wepoll.EPOLLIN, events[0].Events)

	assert.Equal(t, wepoll.Events(0), s.Interest())
	assert.Equal(t, wepoll.StateIdle, s.State())
	assert.Len(t, d.Submitted(), 1)

	require.NoError(t, p.Modify(5, wepoll.Event{Events: wepoll.EPOLLIN | wepoll.EPOLLONESHOT, Data: 2}))
	assert.Len(t, d.Submitted(), 2)
	assert.Equal(t, wepoll.StateArmed, s.State())
}

func TestSocket_Delete_blocksUntilFed(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		opts []reflock.Option
	}{
		{`cond`, nil},
		{`semaphore`, []reflock.Option{reflock.WithSemaphore()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, d := newManualPort(t, wepoll.WithRefLockOptions(tc.opts...))
			require.NoError(t, p.Add(1, wepoll.Event{Events: wepoll.EPOLLIN}))
			s, _ := p.Lookup(1)
			req := d.Last()

			done := goAsync(s.Delete)

			require.Eventually(t, func() bool { return len(d.Cancelled()) == 1 }, waitLong, tick)
			assert.Same(t, req, d.Cancelled()[0])
			assert.True(t, req.Superseded())

			select {
			case err := <-done:
				t.Fatalf(`delete returned before the request was fed: %v`, err)
			case <-time.After(waitShort):
			}

			_, ok := p.Lookup(1)
			assert.False(t, ok, `removed from the index before blocking`)
			assert.Equal(t, wepoll.StateDeleting, s.State())

			require.NoError(t, d.Ack(req))
			require.Equal(t, 1, pump(p, d))

			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(waitLong):
				t.Fatal(`delete did not return`)
			}

			assert.Equal(t, wepoll.RequestCancelled, req.Status())
			assert.Equal(t, wepoll.Stats{}, p.Stats())
			assert.ErrorIs(t, s.Delete(), wepoll.ErrNotFound)
			assert.ErrorIs(t, s.SetEvent(wepoll.Event{Events: wepoll.EPOLLIN}), wepoll.ErrNotFound)
			assert.ErrorIs(t, p.Delete(1), wepoll.ErrNotFound)
		})
	}
}

func TestSocket_Delete_waitsForSupersededRequests(t *testing.T) {
	p, d := newManualPort(t)
	require.NoError(t, p.Add(1, wepoll.Event{Events: wepoll.EPOLLIN}))
	first := d.Last()
	require.NoError(t, p.Modify(1, wepoll.Event{Events: wepoll.EPOLLIN | wepoll.EPOLLOUT}))
	second := d.Last()

	done := goAsync(func() error { return p.Delete(1) })
	require.Eventually(t, func() bool { return len(d.Cancelled()) == 2 }, waitLong, tick)

	require.NoError(t, d.Ack(second))
	pump(p, d)

	select {
	case err := <-done:
		t.Fatalf(`delete returned with a superseded request outstanding: %v`, err)
	case <-time.After(waitShort):
	}
	assert.Equal(t, 1, p.Stats().PollRequests)

	// completes with events anyway, which are discarded
	require.NoError(t, d.Complete(first, wepoll.PollReceive))
	pump(p, d)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitLong):
		t.Fatal(`delete did not return`)
	}
	assert.Equal(t, wepoll.Stats{}, p.Stats())
}

func TestSocket_Delete_cancelError(t *testing.T) {
	p, d := newManualPort(t)
	require.NoError(t, p.Add(1, wepoll.Event{Events: wepoll.EPOLLIN}))
	req := d.Last()
	d.SetCancelErr(errBoom)

	done := goAsync(func() error { return p.Delete(1) })

	// the driver still completes the request eventually
	require.Eventually(t, func() bool { return req.Superseded() }, waitLong, tick)
	require.NoError(t, d.Complete(req, 0))
	pump(p, d)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errBoom)
	case <-time.After(waitLong):
		t.Fatal(`delete did not return`)
	}
}

func TestSocket_SetEvent_cancelError(t *testing.T) {
	p, d := newManualPort(t)
	require.NoError(t, p.Add(1, wepoll.Event{Events: wepoll.EPOLLIN, Data: 5}))
	s, _ := p.Lookup(1)
	first := d.Last()

	d.SetCancelErr(errBoom)
	assert.ErrorIs(t, p.Modify(1, wepoll.Event{Events: wepoll.EPOLLIN | wepoll.EPOLLOUT, Data: 5}), errBoom)
	d.SetCancelErr(nil)

	// still in flight, so still live
	assert.Same(t, first, s.Live())
	assert.False(t, first.Superseded())
	assert.Equal(t, wepoll.StateArmed, s.State())
	assert.Len(t, d.Submitted(), 1)
	assert.Equal(t, 1, s.PollRequests())

	require.NoError(t, d.Complete(first, wepoll.PollReceive))
	require.Equal(t, 1, pump(p, d))
	assert.Equal(t, wepoll.EPOLLIN, s.Observed())

	ctx, cancel := context.WithTimeout(context.Background(), waitLong)
	defer cancel()
	events := make([]wepoll.Event, 1)
	n, err := p.Wait(ctx, events)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, wepoll.Event{Events: wepoll.EPOLLIN, Data: 5}, events[0])

	// re-armed with the interest set by the failed Modify
	require.Len(t, d.Submitted(), 2)
	assert.Same(t, d.Last(), s.Live())
	assert.Equal(t, wepoll.EPOLLIN|wepoll.EPOLLOUT|wepoll.EPOLLERR|wepoll.EPOLLHUP, d.Last().Events())
}

func TestSocket_State_rearmedWhileQueued(t *testing.T) {
	p, d := newManualPort(t)
	require.NoError(t, p.Add(1, wepoll.Event{Events: wepoll.EPOLLIN, Data: 4}))
	s, _ := p.Lookup(1)

	require.NoError(t, d.Complete(d.Last(), wepoll.PollReceive))
	pump(p, d)
	require.Equal(t, wepoll.StatePendingRearm, s.State())

	require.NoError(t, s.SetEvent(wepoll.Event{Events: wepoll.EPOLLIN | wepoll.EPOLLOUT, Data: 4}))
	require.Len(t, d.Submitted(), 2)
	assert.Same(t, d.Last(), s.Live())
	assert.Equal(t, wepoll.StateArmed, s.State())
	assert.Equal(t, 1, p.Stats().Ready)

	events := make([]wepoll.Event, 1)
	n, err := p.Wait(context.Background(), events)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, wepoll.Event{Events: wepoll.EPOLLIN, Data: 4}, events[0])
	assert.Equal(t, wepoll.StateArmed, s.State())
	assert.Len(t, d.Submitted(), 2, `covered by the live request`)
}

func TestSocket_submitError(t *testing.T) {
	p, d := newManualPort(t)
	d.SetSubmitErr(errBoom)

	assert.ErrorIs(t, p.Add(1, wepoll.Event{Events: wepoll.EPOLLIN}), errBoom)
	_, ok := p.Lookup(1)
	assert.False(t, ok)
	assert.Equal(t, wepoll.Stats{}, p.Stats())

	s := bound(t, p, 2)
	assert.ErrorIs(t, s.SetEvent(wepoll.Event{Events: wepoll.EPOLLIN}), errBoom)
	assert.Equal(t, wepoll.StateIdle, s.State())
	assert.Nil(t, s.Live())
	assert.Equal(t, 0, s.PollRequests())

	d.SetSubmitErr(nil)
	require.NoError(t, s.Update())
	assert.Equal(t, wepoll.StateArmed, s.State())
	assert.Len(t, d.Submitted(), 1)
}

func TestSocket_failedCompletionReportsError(t *testing.T) {
	p, d := newManualPort(t)
	require.NoError(t, p.Add(1, wepoll.Event{Events: wepoll.EPOLLIN, Data: 3}))
	req := d.Last()

	require.NoError(t, d.Fail(req, errBoom))
	pump(p, d)
	assert.Equal(t, wepoll.RequestFailed, req.Status())

	events := make([]wepoll.Event, 1)
	n, err := p.Wait(context.Background(), events)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, wepoll.Event{Events: wepoll.EPOLLERR, Data: 3}, events[0])
}

func TestSocket_spontaneousCancelRearms(t *testing.T) {
	p, d := newManualPort(t)
	require.NoError(t, p.Add(1, wepoll.Event{Events: wepoll.EPOLLIN}))
	s, _ := p.Lookup(1)

	require.NoError(t, d.Ack(d.Last()))
	pump(p, d)

	assert.Len(t, d.Submitted(), 2)
	assert.Equal(t, wepoll.StateArmed, s.State())
	assert.Equal(t, 0, p.Stats().Ready)
}

func TestSocket_withdrawnInterestIsNotCancelled(t *testing.T) {
	p, d := newManualPort(t)
	require.NoError(t, p.Add(1, wepoll.Event{Events: wepoll.EPOLLIN}))
	s, _ := p.Lookup(1)
	req := d.Last()

	require.NoError(t, p.Modify(1, wepoll.Event{}))
	assert.Equal(t, wepoll.EPOLLERR|wepoll.EPOLLHUP, s.Interest())
	assert.Empty(t, d.Cancelled())
	assert.Len(t, d.Submitted(), 1)

	require.NoError(t, d.Complete(req, wepoll.PollReceive))
	pump(p, d)

	assert.Equal(t, 0, p.Stats().Ready)
	require.Len(t, d.Submitted(), 2)
	assert.Equal(t, wepoll.PollLocalClose|wepoll.PollAbort|wepoll.PollConnectFail, d.Last().Flags())
}

func TestSocket_localCloseDeletes(t *testing.T) {
	p, d := newManualPort(t)
	require.NoError(t, p.Add(1, wepoll.Event{Events: wepoll.EPOLLIN}))
	s, _ := p.Lookup(1)

	require.NoError(t, d.Complete(d.Last(), wepoll.PollLocalClose))
	pump(p, d)

	require.Eventually(t, func() bool { return p.Stats().Sockets == 0 }, waitLong, tick)
	_, ok := p.Lookup(1)
	assert.False(t, ok)
	assert.Equal(t, wepoll.StateDeleting, s.State())
	assert.Len(t, d.Submitted(), 1)
}

func TestSocket_edgeTriggeredNotSupported(t *testing.T) {
	p, _ := newManualPort(t)
	assert.ErrorIs(t, p.Add(1, wepoll.Event{Events: wepoll.EPOLLIN | wepoll.EPOLLET}), wepoll.ErrNotSupported)
	assert.Equal(t, wepoll.Stats{}, p.Stats())

	s := bound(t, p, 2)
	assert.ErrorIs(t, s.SetEvent(wepoll.Event{Events: wepoll.EPOLLET}), wepoll.ErrNotSupported)
	assert.Equal(t, wepoll.StateIdle, s.State())
}

func TestSocket_Bind(t *testing.T) {
	p, d := newManualPort(t)
	s := bound(t, p, 1)
	assert.Equal(t, wepoll.Handle(1), s.Handle())

	other, err := p.NewSocket()
	require.NoError(t, err)
	assert.ErrorIs(t, other.Bind(1), wepoll.ErrExists)
	require.NoError(t, other.Delete())
	assert.Equal(t, 1, p.Stats().Sockets)

	d.SetBaseErr(errBoom)
	assert.ErrorIs(t, p.Add(2, wepoll.Event{Events: wepoll.EPOLLIN}), errBoom)
	assert.Equal(t, wepoll.Stats{Sockets: 1, Registered: 1}, p.Stats())

	deleted, err := p.NewSocket()
	require.NoError(t, err)
	require.NoError(t, deleted.Delete())
	assert.ErrorIs(t, deleted.Bind(3), wepoll.ErrNotFound)
}

func TestSocket_contractViolations(t *testing.T) {
	t.Run(`rebind`, func(t *testing.T) {
		p, _ := newManualPort(t)
		s := bound(t, p, 1)
		err := requirePanicsContract(t, func() { _ = s.Bind(2) })
		assert.Equal(t, `bind`, err.Op)
		assert.Equal(t, `wepoll: bind: handle 0x2: socket already bound`, err.Error())
	})

	t.Run(`set event before bind`, func(t *testing.T) {
		p, _ := newManualPort(t)
		s, err := p.NewSocket()
		require.NoError(t, err)
		v := requirePanicsContract(t, func() { _ = s.SetEvent(wepoll.Event{Events: wepoll.EPOLLIN}) })
		assert.Equal(t, `set event`, v.Op)
	})

	t.Run(`completion without request`, func(t *testing.T) {
		p, _ := newManualPort(t)
		v := requirePanicsContract(t, func() { p.FeedCompletion(wepoll.Completion{}) })
		assert.Equal(t, `feed completion`, v.Op)
	})

	t.Run(`completion for another port`, func(t *testing.T) {
		p1, d1 := newManualPort(t)
		p2, _ := newManualPort(t)
		require.NoError(t, p1.Add(1, wepoll.Event{Events: wepoll.EPOLLIN}))
		v := requirePanicsContract(t, func() { p2.FeedCompletion(wepoll.Completion{Request: d1.Last()}) })
		assert.Equal(t, `feed completion`, v.Op)
	})

	t.Run(`completion fed twice`, func(t *testing.T) {
		p, d := newManualPort(t)
		require.NoError(t, p.Add(1, wepoll.Event{Events: wepoll.EPOLLIN}))
		c := wepoll.Completion{Request: d.Last(), Flags: wepoll.PollReceive}
		p.FeedCompletion(c)
		v := requirePanicsContract(t, func() { p.FeedCompletion(c) })
		assert.Equal(t, `poll request completed twice`, v.Reason)
	})
}
