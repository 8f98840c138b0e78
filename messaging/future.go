package messaging

import (
	"context"
	"sync"

	"github.com/glimte/mmate-ipc/internal/correlation"
	"github.com/glimte/mmate-ipc/serialization"
)

// Future is the caller-visible handle of one request. It completes when the
// response arrives, or when the request is evicted, cancelled or fails to send.
type Future struct {
	id    uint64
	label string
	codec serialization.Codec

	once  sync.Once
	done  chan struct{}
	value any
	err   error

	cancel func()
}

func newFuture(id uint64, label string, codec serialization.Codec) *Future {
	return &Future{
		id:    id,
		label: label,
		codec: codec,
		done:  make(chan struct{}),
	}
}

func failedFuture(label string, codec serialization.Codec, err error) *Future {
	f := newFuture(0, label, codec)
	f.settle(correlation.Failure(err))
	return f
}

// FailedFuture returns a future already completed with err.
func FailedFuture(label string, err error) *Future {
	return failedFuture(label, serialization.JSON(), err)
}

func (f *Future) settle(o correlation.Outcome) {
	f.once.Do(func() {
		f.value = o.Value
		f.err = o.Err
		close(f.done)
	})
}

// ID returns the correlation id. It is zero for requests rejected before an
// id was allocated.
func (f *Future) ID() uint64 {
	return f.id
}

// Label returns the request label
func (f *Future) Label() string {
	return f.label
}

// Done is closed once the future has completed
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done. Giving up on ctx does
// not cancel the request; use Cancel for that.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode waits for the result and decodes it into v.
func (f *Future) Decode(ctx context.Context, v any) error {
	res, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	return serialization.Convert(f.codec, res, v)
}

// Err returns the failure reason once completed, nil otherwise.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Cancel evicts the pending request with contracts.ErrCancelled. It has no
// effect once the future has completed.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}
