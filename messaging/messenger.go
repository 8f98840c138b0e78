package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/internal/correlation"
	"github.com/glimte/mmate-ipc/serialization"
)

// Messenger correlates requests and responses over a fire-and-forget
// transport. One Messenger exists per process role.
type Messenger struct {
	transport Transport
	config    Config
	codec     serialization.Codec
	logger    *slog.Logger
	faults    FaultHandler
	metrics   MetricsCollector
	table     *correlation.Table

	middleware []MiddlewareFunc
	handlers   map[string]Handler
	mu         sync.RWMutex

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	closed      atomic.Bool
}

// NewMessenger creates a messenger and subscribes it to the configured channel.
func NewMessenger(transport Transport, cfg Config, opts ...MessengerOption) (*Messenger, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid messenger config: %w", err)
	}

	options := &messengerOptions{
		logger:  slog.Default(),
		codec:   serialization.JSON(),
		metrics: NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(options)
	}

	m := &Messenger{
		transport: transport,
		config:    cfg,
		codec:     options.codec,
		logger:    options.logger.With("channel", cfg.ChannelName),
		faults:    options.faults,
		metrics:   options.metrics,
		handlers:  make(map[string]Handler),
	}
	m.middleware = append([]MiddlewareFunc{RecoveryMiddleware(m.logger)}, options.middleware...)
	m.table = correlation.NewTable(
		correlation.WithRejectOnEvict(cfg.RejectOnEviction),
		correlation.WithEvictHook(m.onEvict),
	)
	m.ctx, m.cancel = context.WithCancel(context.Background())

	unsubscribe, err := transport.Subscribe(cfg.ChannelName, m.dispatch)
	if err != nil {
		m.cancel()
		return nil, fmt.Errorf("failed to subscribe to channel %s: %w", cfg.ChannelName, err)
	}
	m.unsubscribe = unsubscribe

	return m, nil
}

// Config returns the messenger configuration
func (m *Messenger) Config() Config {
	return m.config
}

// Transport returns the underlying transport
func (m *Messenger) Transport() Transport {
	return m.transport
}

// Send transmits a request to target and returns its future. A nil target
// addresses the transport's implicit peer. ctx only bounds the pending
// request: once it is done the request is evicted with its cause.
func (m *Messenger) Send(ctx context.Context, target Endpoint, label string, data any, opts ...SendOption) *Future {
	so := sendOptions{timeout: m.config.DefaultTimeout}
	for _, opt := range opts {
		opt(&so)
	}

	switch {
	case label == "":
		return failedFuture(label, m.codec, contracts.ErrEmptyLabel)
	case label == contracts.ResponseLabel:
		return failedFuture(label, m.codec, fmt.Errorf("%w: %q", contracts.ErrReservedLabel, label))
	case m.closed.Load():
		return failedFuture(label, m.codec, contracts.ErrClosed)
	}

	local := m.transport.Local()
	if target == nil {
		target = local
	}

	id := m.table.Allocate()
	f := newFuture(id, label, m.codec)
	started := time.Now()
	pending := correlation.NewPending(id, label, so.timeout, func(o correlation.Outcome) {
		m.metrics.RecordCompleted(label, time.Since(started), o.Err == nil)
		f.settle(o)
	})

	// Registration precedes transmission: a response can be delivered on
	// another goroutine before target.Send returns.
	if err := m.table.Insert(pending); err != nil {
		m.logger.Error("failed to register request", "label", label, "correlationId", id, "error", err)
		m.reportFault("sender", err)
		f.settle(correlation.Failure(err))
		return f
	}
	f.cancel = func() { m.table.Evict(id, contracts.ErrCancelled) }

	m.table.ArmTimeout(id, so.timeout)
	if notifier, ok := target.(DestroyNotifier); ok && !sameEndpoint(target, local) {
		m.table.WatchDestruction(id, notifier)
	}
	if ctx != nil {
		m.table.WatchContext(ctx, id)
	}

	body, err := serialization.EncodeMessage(m.codec, contracts.NewRequest(id, label, data))
	if err != nil {
		_ = m.table.Complete(id, correlation.Failure(err))
		return f
	}

	if err := target.Send(m.config.ChannelName, body); err != nil {
		terr := &contracts.TransmissionError{Op: "request", ID: id, Label: label, Err: err}
		m.logger.Warn("failed to send request", "label", label, "correlationId", id, "error", err)
		_ = m.table.Complete(id, correlation.Failure(terr))
		return f
	}

	m.metrics.RecordSent(label)
	if m.config.DebugLogging {
		m.logger.Debug("request sent",
			"label", label,
			"correlationId", id,
			"timeout", so.timeout,
			"data", data,
		)
	}

	return f
}

// On registers the handler for label. Exactly one handler may exist per label.
func (m *Messenger) On(label string, handler Handler) error {
	if label == "" {
		return contracts.ErrEmptyLabel
	}
	if label == contracts.ResponseLabel {
		return fmt.Errorf("%w: %q", contracts.ErrReservedLabel, label)
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handlers[label]; exists {
		return fmt.Errorf("%w: %s", contracts.ErrHandlerExists, label)
	}
	m.handlers[label] = buildChain(handler, m.middleware)

	m.logger.Info("registered request handler", "label", label)
	return nil
}

// OnFunc registers a handler function for label
func (m *Messenger) OnFunc(label string, fn func(ctx context.Context, req *Request, reply Reply)) error {
	return m.On(label, HandlerFunc(fn))
}

// Off removes the handler for label and reports whether one was registered
func (m *Messenger) Off(label string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.handlers[label]
	delete(m.handlers, label)
	return exists
}

// Labels returns the labels that have a handler, sorted
func (m *Messenger) Labels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	labels := make([]string, 0, len(m.handlers))
	for label := range m.handlers {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Pending returns the number of requests awaiting a response
func (m *Messenger) Pending() int {
	return m.table.Len()
}

// IsPending reports whether the request with id is still awaiting a response
func (m *Messenger) IsPending(id uint64) bool {
	return m.table.IsPending(id)
}

// Stats returns the collected metrics
func (m *Messenger) Stats() MetricsStats {
	return m.metrics.GetStats()
}

// Closed reports whether Close has been called
func (m *Messenger) Closed() bool {
	return m.closed.Load()
}

// Close unsubscribes from the transport and evicts every pending request with
// contracts.ErrClosed.
func (m *Messenger) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.cancel()

	if n := m.table.EvictAll(contracts.ErrClosed); n > 0 {
		m.logger.Info("evicted pending requests on close", "count", n)
	}
	return nil
}

func (m *Messenger) onEvict(p *correlation.Pending, reason error) {
	m.metrics.RecordEvicted(p.Label, reason)

	switch {
	case errors.Is(reason, contracts.ErrTimeout):
		m.logger.Error("request timed out",
			"label", p.Label,
			"correlationId", p.ID,
			"timeout", p.Deadline,
		)
	case errors.Is(reason, contracts.ErrTargetDestroyed):
		m.logger.Warn("request target destroyed before responding",
			"label", p.Label,
			"correlationId", p.ID,
		)
	default:
		if m.config.DebugLogging {
			m.logger.Debug("request evicted", "label", p.Label, "correlationId", p.ID, "reason", reason)
		}
	}
}

func (m *Messenger) reportFault(component string, err error) {
	m.metrics.RecordError(component, err)
	if m.faults != nil {
		m.faults(err)
	}
}

// sameEndpoint compares endpoints without panicking on uncomparable types.
func sameEndpoint(a, b Endpoint) bool {
	if a == nil || b == nil {
		return false
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}
