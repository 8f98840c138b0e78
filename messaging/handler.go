package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/mmate-ipc/serialization"
)

// Request is an inbound request handed to a Handler.
type Request struct {
	ID     uint64
	Label  string
	Data   any
	Sender Endpoint

	codec serialization.Codec
}

// Decode decodes the request payload into v
func (r *Request) Decode(v any) error {
	return serialization.Convert(r.codec, r.Data, v)
}

// Reply sends the single response to a request. A non-nil err is sent as the
// error string and result is dropped. Calling Reply twice returns
// contracts.ErrAlreadyReplied.
type Reply func(err error, result any) error

// Handler answers requests of one label. It may call reply later from any
// goroutine; not calling it at all leaves the caller to its own timeout.
type Handler interface {
	ServeIPC(ctx context.Context, req *Request, reply Reply)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, req *Request, reply Reply)

// ServeIPC implements Handler
func (f HandlerFunc) ServeIPC(ctx context.Context, req *Request, reply Reply) {
	f(ctx, req, reply)
}

// Handle adapts a typed request/response function into a Handler. The request
// payload is decoded into Req and the returned value is sent as the result.
func Handle[Req, Res any](fn func(ctx context.Context, req Req) (Res, error)) Handler {
	return HandlerFunc(func(ctx context.Context, r *Request, reply Reply) {
		var in Req
		if r.Data != nil {
			if err := r.Decode(&in); err != nil {
				_ = reply(fmt.Errorf("invalid %s payload: %w", r.Label, err), nil)
				return
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			_ = reply(err, nil)
			return
		}
		_ = reply(nil, out)
	})
}

// MiddlewareFunc wraps request handling; call next to continue the chain.
type MiddlewareFunc func(ctx context.Context, req *Request, reply Reply, next Handler)

// buildChain wraps handler with middleware, first middleware outermost.
func buildChain(handler Handler, middleware []MiddlewareFunc) Handler {
	result := handler
	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		next := result
		result = HandlerFunc(func(ctx context.Context, req *Request, reply Reply) {
			mw(ctx, req, reply, next)
		})
	}
	return result
}

// RecoveryMiddleware turns a handler panic into an error reply.
func RecoveryMiddleware(logger *slog.Logger) MiddlewareFunc {
	return func(ctx context.Context, req *Request, reply Reply, next Handler) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("request handler panicked",
					"label", req.Label,
					"correlationId", req.ID,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				_ = reply(fmt.Errorf("handler panic: %v", r), nil)
			}
		}()
		next.ServeIPC(ctx, req, reply)
	}
}

// LoggingMiddleware logs every handled request and how its reply went.
func LoggingMiddleware(logger *slog.Logger) MiddlewareFunc {
	return func(ctx context.Context, req *Request, reply Reply, next Handler) {
		start := time.Now()
		logged := func(err error, result any) error {
			sendErr := reply(err, result)
			logger.Info("request answered",
				"label", req.Label,
				"correlationId", req.ID,
				"failed", err != nil,
				"duration", time.Since(start),
				"error", sendErr,
			)
			return sendErr
		}
		next.ServeIPC(ctx, req, logged)
	}
}
