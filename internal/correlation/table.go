// Package correlation owns the pending-request table: correlation id
// allocation, registration, completion and eviction.
//
// Every pending entry owns its scheduled artifacts (deadline timer,
// destruction subscription, context watch). They are released exactly once, on
// the single removal path shared by Complete and Evict, whichever wins.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-ipc/contracts"
)

// DestroyNotifier is implemented by targets that can disappear on their own.
// The returned function removes the subscription and must be idempotent.
type DestroyNotifier interface {
	OnDestroyed(fn func()) (unsubscribe func())
}

// EvictHook observes evictions. It runs after the entry has been removed and
// its artifacts released.
type EvictHook func(p *Pending, reason error)

// Table maps in-flight correlation ids to their pending requests.
type Table struct {
	mu            sync.Mutex
	nextID        uint64
	entries       map[uint64]*Pending
	rejectOnEvict bool
	onEvict       EvictHook
}

// TableOption configures a Table
type TableOption func(*Table)

// WithRejectOnEvict controls whether timeout and destruction evictions fail
// the completion handle. When disabled such entries are dropped and the caller
// is never settled. Other eviction reasons always settle.
func WithRejectOnEvict(reject bool) TableOption {
	return func(t *Table) {
		t.rejectOnEvict = reject
	}
}

// WithEvictHook sets a hook invoked for every eviction
func WithEvictHook(hook EvictHook) TableOption {
	return func(t *Table) {
		t.onEvict = hook
	}
}

// NewTable creates an empty table. Ids start at 0.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		entries:       make(map[uint64]*Pending),
		rejectOnEvict: true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Allocate returns the next correlation id. Ids are never reused.
func (t *Table) Allocate() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	return id
}

// Insert registers a pending request under its id.
func (t *Table) Insert(p *Pending) error {
	if p == nil {
		return fmt.Errorf("pending request cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[p.ID]; exists {
		return fmt.Errorf("%w: %d", contracts.ErrDuplicateID, p.ID)
	}
	t.entries[p.ID] = p
	return nil
}

// Complete settles the pending request with outcome. It returns an
// *contracts.UnexpectedResponseError when id is not pending.
func (t *Table) Complete(id uint64, outcome Outcome) error {
	p := t.remove(id)
	if p == nil {
		return &contracts.UnexpectedResponseError{ID: id}
	}
	p.settle(outcome)
	return nil
}

// Evict removes a pending request that will never receive a response. It
// reports false when id was no longer pending.
func (t *Table) Evict(id uint64, reason error) bool {
	p := t.remove(id)
	if p == nil {
		return false
	}
	if t.rejectOnEvict || !isOperational(reason) {
		p.settle(Failure(reason))
	}
	if t.onEvict != nil {
		t.onEvict(p, reason)
	}
	return true
}

// EvictAll evicts every pending request with reason and returns the count.
func (t *Table) EvictAll(reason error) int {
	t.mu.Lock()
	ids := make([]uint64, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	n := 0
	for _, id := range ids {
		if t.Evict(id, reason) {
			n++
		}
	}
	return n
}

// ArmTimeout schedules eviction of id with contracts.ErrTimeout after d. A
// non-positive d arms nothing. It reports false if id is no longer pending.
func (t *Table) ArmTimeout(id uint64, d time.Duration) bool {
	if d <= 0 {
		return t.IsPending(id)
	}
	timer := time.AfterFunc(d, func() {
		t.Evict(id, contracts.ErrTimeout)
	})
	return t.attach(id, func(p *Pending) { p.timer = timer }, func() { timer.Stop() })
}

// WatchDestruction evicts id with contracts.ErrTargetDestroyed when target
// reports it has been destroyed.
func (t *Table) WatchDestruction(id uint64, target DestroyNotifier) bool {
	unsubscribe := target.OnDestroyed(func() {
		t.Evict(id, contracts.ErrTargetDestroyed)
	})
	return t.attach(id, func(p *Pending) { p.unwatch = unsubscribe }, unsubscribe)
}

// WatchContext evicts id with the context's cause once ctx is done.
func (t *Table) WatchContext(ctx context.Context, id uint64) bool {
	if ctx.Done() == nil {
		return t.IsPending(id)
	}
	stop := context.AfterFunc(ctx, func() {
		reason := context.Cause(ctx)
		if errors.Is(reason, context.Canceled) {
			reason = fmt.Errorf("%w: %w", contracts.ErrCancelled, reason)
		}
		t.Evict(id, reason)
	})
	return t.attach(id, func(p *Pending) { p.stopCtx = stop }, func() { stop() })
}

// IsPending reports whether id is currently in the table
func (t *Table) IsPending(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

// Len returns the number of pending requests
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// attach stores an artifact on a live entry, or releases it right away when
// the entry has already been removed.
func (t *Table) attach(id uint64, store func(*Pending), release func()) bool {
	t.mu.Lock()
	p, ok := t.entries[id]
	if ok {
		store(p)
	}
	t.mu.Unlock()

	if !ok {
		release()
	}
	return ok
}

func isOperational(reason error) bool {
	return errors.Is(reason, contracts.ErrTimeout) || errors.Is(reason, contracts.ErrTargetDestroyed)
}

// remove deletes id and releases its artifacts. Only the caller that removes
// the entry gets it back, which makes settlement exactly-once.
func (t *Table) remove(id uint64) *Pending {
	t.mu.Lock()
	p, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	p.release()
	return p
}
