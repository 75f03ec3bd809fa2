package wepoll_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-wepoll"
	"github.com/joeycumines/go-wepoll/wepolltest"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

const (
	waitShort = 50 * time.Millisecond
	waitLong  = 5 * time.Second
	tick      = time.Millisecond
)

// newManualPort returns a port with completion routing disabled, so tests
// decide when completions are fed, using pump.
func newManualPort(t *testing.T, opts ...wepoll.PortOption) (*wepoll.Port, *wepolltest.Driver) {
	t.Helper()
	d := wepolltest.NewDriver()
	p, err := wepoll.New(d, append([]wepoll.PortOption{wepoll.WithCompletionRouting(false)}, opts...)...)
	require.NoError(t, err)
	return p, d
}

// newRoutedPort returns a port with completion routing enabled, and a
// driver that acknowledges cancellations, closing the port on cleanup.
func newRoutedPort(t *testing.T, opts ...wepoll.PortOption) (*wepoll.Port, *wepolltest.Driver) {
	t.Helper()
	d := wepolltest.NewDriver(wepolltest.WithAutoCancel())
	p, err := wepoll.New(d, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := p.Close(); err != nil && !errors.Is(err, wepoll.ErrClosed) {
			t.Error(err)
		}
	})
	return p, d
}

// pump feeds every completion currently buffered by d.
func pump(p *wepoll.Port, d *wepolltest.Driver) (n int) {
	for {
		select {
		case c, ok := <-d.Completions():
			if !ok {
				return
			}
			p.FeedCompletion(c)
			n++
		default:
			return
		}
	}
}

// goAsync runs fn in a goroutine, returning a channel receiving its result.
func goAsync(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

func bound(t *testing.T, p *wepoll.Port, h wepoll.Handle) *wepoll.Socket {
	t.Helper()
	s, err := p.NewSocket()
	require.NoError(t, err)
	require.NoError(t, s.Bind(h))
	return s
}

// requirePanicsContract asserts fn panics with a *wepoll.ContractError.
func requirePanicsContract(t *testing.T, fn func()) *wepoll.ContractError {
	t.Helper()
	var v any
	func() {
		defer func() { v = recover() }()
		fn()
	}()
	require.NotNil(t, v, `expected a panic`)
	err, ok := v.(*wepoll.ContractError)
	require.True(t, ok, `unexpected panic value: %#v`, v)
	return err
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(b []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(b)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func newTestLogger(w *syncBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(w),
			stumpy.WithTimeField(``),
		),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}
