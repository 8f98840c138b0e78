package messaging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/serialization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replyRecorder struct {
	calls  int
	err    error
	result any
}

func (r *replyRecorder) reply(err error, result any) error {
	r.calls++
	r.err = err
	r.result = result
	return nil
}

func newRequest(label string, data any) *Request {
	return &Request{ID: 1, Label: label, Data: data, codec: serialization.JSON()}
}

func TestHandle(t *testing.T) {
	h := Handle(func(ctx context.Context, p ping) (ping, error) {
		if p.N < 0 {
			return ping{}, errors.New("negative")
		}
		return ping{N: p.N * 2}, nil
	})

	t.Run("decodes generic payload", func(t *testing.T) {
		rec := &replyRecorder{}
		h.ServeIPC(context.Background(), newRequest("double", map[string]any{"n": 21.0}), rec.reply)
		require.Equal(t, 1, rec.calls)
		assert.NoError(t, rec.err)
		assert.Equal(t, ping{N: 42}, rec.result)
	})

	t.Run("handler error", func(t *testing.T) {
		rec := &replyRecorder{}
		h.ServeIPC(context.Background(), newRequest("double", map[string]any{"n": -1.0}), rec.reply)
		assert.EqualError(t, rec.err, "negative")
		assert.Nil(t, rec.result)
	})

	t.Run("nil payload", func(t *testing.T) {
		rec := &replyRecorder{}
		h.ServeIPC(context.Background(), newRequest("double", nil), rec.reply)
		assert.NoError(t, rec.err)
		assert.Equal(t, ping{}, rec.result)
	})

	t.Run("invalid payload", func(t *testing.T) {
		rec := &replyRecorder{}
		h.ServeIPC(context.Background(), newRequest("double", "not an object"), rec.reply)
		assert.ErrorContains(t, rec.err, "invalid double payload")
	})
}

func TestBuildChain(t *testing.T) {
	var order []string
	mw := func(name string) MiddlewareFunc {
		return func(ctx context.Context, req *Request, reply Reply, next Handler) {
			order = append(order, name)
			next.ServeIPC(ctx, req, reply)
		}
	}
	handler := HandlerFunc(func(ctx context.Context, req *Request, reply Reply) {
		order = append(order, "handler")
	})

	chain := buildChain(handler, []MiddlewareFunc{mw("first"), mw("second")})
	chain.ServeIPC(context.Background(), newRequest("x", nil), (&replyRecorder{}).reply)

	assert.Equal(t, []string{"first", "second", "handler"}, order)
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	chain := buildChain(HandlerFunc(func(ctx context.Context, req *Request, reply Reply) {
		panic("kaboom")
	}), []MiddlewareFunc{RecoveryMiddleware(logger)})

	rec := &replyRecorder{}
	assert.NotPanics(t, func() {
		chain.ServeIPC(context.Background(), newRequest("explode", nil), rec.reply)
	})
	assert.ErrorContains(t, rec.err, "handler panic: kaboom")
	assert.Contains(t, buf.String(), "request handler panicked")
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	chain := buildChain(HandlerFunc(func(ctx context.Context, req *Request, reply Reply) {
		_ = reply(nil, "ok")
	}), []MiddlewareFunc{LoggingMiddleware(logger)})

	rec := &replyRecorder{}
	chain.ServeIPC(context.Background(), newRequest("greet", nil), rec.reply)

	assert.Equal(t, "ok", rec.result)
	assert.Contains(t, buf.String(), `"label":"greet"`)
	assert.Contains(t, buf.String(), "request answered")
}

func TestMessenger_PanicRecovery(t *testing.T) {
	p := newPair(t, DefaultConfig())
	require.NoError(t, p.renderer.OnFunc("explode", func(ctx context.Context, req *Request, reply Reply) {
		panic("kaboom")
	}))
	require.NoError(t, p.renderer.On("ping", increment()))

	_, err := waitFor(t, p.host.Send(context.Background(), p.window, "explode", nil))
	var remote *contracts.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "kaboom")

	_, err = waitFor(t, p.host.Send(context.Background(), p.window, "ping", ping{N: 1}))
	assert.NoError(t, err)
}

func TestMessenger_Middleware(t *testing.T) {
	seen := make(chan string, 1)
	tag := func(ctx context.Context, req *Request, reply Reply, next Handler) {
		seen <- req.Label
		next.ServeIPC(ctx, req, reply)
	}

	p := newPair(t, DefaultConfig(), WithMiddleware(tag))
	require.NoError(t, p.renderer.On("ping", increment()))

	_, err := waitFor(t, p.host.Send(context.Background(), p.window, "ping", ping{N: 1}))
	require.NoError(t, err)
	assert.Equal(t, "ping", <-seen)
}
