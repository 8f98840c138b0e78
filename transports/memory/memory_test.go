package memory

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	hub := NewHub(append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)...)
	t.Cleanup(func() { _ = hub.Close() })
	return hub
}

func TestHostHasNoImplicitPeer(t *testing.T) {
	hub := newHub(t)
	err := hub.Host().Local().Send("IPCMessenger", []byte("x"))
	assert.ErrorIs(t, err, contracts.ErrNoImplicitPeer)
}

func TestHostToWindowDelivery(t *testing.T) {
	hub := newHub(t)
	win, err := hub.OpenWindow()
	require.NoError(t, err)

	got := make(chan messaging.Delivery, 1)
	unsubscribe, err := win.Transport().Subscribe("IPCMessenger", func(d messaging.Delivery) { got <- d })
	require.NoError(t, err)
	defer unsubscribe()

	body := []byte("hello")
	require.NoError(t, win.Send("IPCMessenger", body))
	body[0] = 'j'

	select {
	case d := <-got:
		assert.Equal(t, "hello", string(d.Body), "body must be copied on send")
		assert.Equal(t, win.Transport().Local(), d.Sender)
	case <-time.After(time.Second):
		t.Fatal("delivery not received")
	}
}

func TestWindowToHostDelivery(t *testing.T) {
	hub := newHub(t)
	win, err := hub.OpenWindow()
	require.NoError(t, err)

	got := make(chan messaging.Delivery, 1)
	_, err = hub.Host().Subscribe("IPCMessenger", func(d messaging.Delivery) { got <- d })
	require.NoError(t, err)

	require.NoError(t, win.Transport().Local().Send("IPCMessenger", []byte("hi")))

	select {
	case d := <-got:
		assert.Same(t, win, d.Sender)
	case <-time.After(time.Second):
		t.Fatal("delivery not received")
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	hub := newHub(t)
	win, err := hub.OpenWindow()
	require.NoError(t, err)

	var other atomic.Int32
	got := make(chan struct{}, 1)
	_, err = win.Transport().Subscribe("other", func(messaging.Delivery) { other.Add(1) })
	require.NoError(t, err)
	_, err = win.Transport().Subscribe("IPCMessenger", func(messaging.Delivery) { got <- struct{}{} })
	require.NoError(t, err)

	require.NoError(t, win.Send("IPCMessenger", nil))
	<-got
	assert.Equal(t, int32(0), other.Load())
}

func TestWindowDestroy(t *testing.T) {
	hub := newHub(t)
	win, err := hub.OpenWindow()
	require.NoError(t, err)

	var fired, removed atomic.Int32
	win.OnDestroyed(func() { fired.Add(1) })
	unsubscribe := win.OnDestroyed(func() { removed.Add(1) })
	unsubscribe()
	unsubscribe()
	assert.Equal(t, 1, win.Listeners())

	win.Destroy()
	win.Destroy()

	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, int32(0), removed.Load())
	assert.True(t, win.IsDestroyed())

	_, ok := hub.Window(win.ID())
	assert.False(t, ok)

	assert.ErrorIs(t, win.Send("IPCMessenger", nil), contracts.ErrEndpointDestroyed)
	assert.ErrorIs(t, win.Transport().Local().Send("IPCMessenger", nil), contracts.ErrEndpointDestroyed)

	late := make(chan struct{})
	win.OnDestroyed(func() { close(late) })
	select {
	case <-late:
	case <-time.After(time.Second):
		t.Fatal("listener registered after destroy did not run")
	}
}

func TestHubLookup(t *testing.T) {
	hub := newHub(t)
	a, err := hub.OpenWindow()
	require.NoError(t, err)
	b, err := hub.OpenWindow()
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	got, ok := hub.Window(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Len(t, hub.Windows(), 2)

	require.NoError(t, hub.Close())
	assert.True(t, a.IsDestroyed())
	assert.True(t, b.IsDestroyed())

	_, err = hub.OpenWindow()
	assert.Error(t, err)
}

func TestMessengerOverMemory(t *testing.T) {
	hub := newHub(t, WithDeliveryLimit(4))
	win, err := hub.OpenWindow()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	host, err := messaging.NewMessenger(hub.Host(), messaging.DefaultConfig(), messaging.WithLogger(logger))
	require.NoError(t, err)
	defer host.Close()
	renderer, err := messaging.NewMessenger(win.Transport(), messaging.DefaultConfig(), messaging.WithLogger(logger))
	require.NoError(t, err)
	defer renderer.Close()

	type counter struct {
		N int `json:"n"`
	}
	require.NoError(t, renderer.On("ping", messaging.Handle(func(ctx context.Context, c counter) (counter, error) {
		return counter{N: c.N + 1}, nil
	})))
	require.NoError(t, renderer.OnFunc("hang", func(ctx context.Context, req *messaging.Request, reply messaging.Reply) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got counter
	require.NoError(t, host.Send(ctx, win, "ping", counter{N: 3}).Decode(ctx, &got))
	assert.Equal(t, 4, got.N)
	assert.Equal(t, 0, win.Listeners())

	f := host.Send(ctx, win, "hang", nil)
	require.Eventually(t, func() bool { return win.Listeners() == 1 }, time.Second, 5*time.Millisecond)
	win.Destroy()

	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, contracts.ErrTargetDestroyed)
	assert.Equal(t, 0, host.Pending())
}
