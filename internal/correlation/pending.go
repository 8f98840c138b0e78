package correlation

import (
	"sync"
	"time"
)

// Outcome is the result applied to a pending request's completion handle.
type Outcome struct {
	Value any
	Err   error
}

// Success wraps a response payload
func Success(value any) Outcome {
	return Outcome{Value: value}
}

// Failure wraps a failure reason
func Failure(err error) Outcome {
	return Outcome{Err: err}
}

// Pending is one in-flight exchange.
type Pending struct {
	ID       uint64
	Label    string
	Deadline time.Duration
	SentAt   time.Time

	complete func(Outcome)
	once     sync.Once

	timer   *time.Timer
	unwatch func()
	stopCtx func() bool
}

// NewPending creates a pending request whose completion handle is complete.
func NewPending(id uint64, label string, timeout time.Duration, complete func(Outcome)) *Pending {
	return &Pending{
		ID:       id,
		Label:    label,
		Deadline: timeout,
		SentAt:   time.Now(),
		complete: complete,
	}
}

func (p *Pending) settle(o Outcome) {
	p.once.Do(func() {
		if p.complete != nil {
			p.complete(o)
		}
	})
}

// release cancels every scheduled artifact. Stopping a timer that already
// fired is a no-op.
func (p *Pending) release() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.unwatch != nil {
		p.unwatch()
		p.unwatch = nil
	}
	if p.stopCtx != nil {
		p.stopCtx()
		p.stopCtx = nil
	}
}
