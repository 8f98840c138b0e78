// Package memory provides an in-process transport with one host and any
// number of windows. Windows can be destroyed at any time, which makes it the
// reference transport for the messenger's destruction handling and for tests.
package memory

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/messaging"
	"github.com/google/uuid"
)

const defaultQueueSize = 1024

// Hub connects a host with its windows.
type Hub struct {
	mu      sync.RWMutex
	host    *node
	windows map[string]*Window
	closed  bool

	logger    *slog.Logger
	queueSize int
	limit     int
}

// Option configures a Hub
type Option func(*Hub)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithQueueSize sets the per-endpoint inbound queue capacity
func WithQueueSize(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.queueSize = size
		}
	}
}

// WithDeliveryLimit caps concurrent deliveries per endpoint. Zero means
// unlimited.
func WithDeliveryLimit(limit int) Option {
	return func(h *Hub) {
		h.limit = limit
	}
}

// NewHub creates a hub with a running host endpoint.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		windows:   make(map[string]*Window),
		logger:    slog.Default(),
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.host = newNode("host", h.queueSize, h.limit)
	return h
}

// Host returns the host side transport. Its Local endpoint has no implicit
// peer: the host must always address a window.
func (h *Hub) Host() messaging.Transport {
	return &hostTransport{hub: h}
}

// OpenWindow creates a new window endpoint.
func (h *Hub) OpenWindow() (*Window, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("memory: hub is closed")
	}

	id := uuid.New().String()
	w := &Window{
		id:        id,
		hub:       h,
		node:      newNode(id, h.queueSize, h.limit),
		listeners: make(map[uint64]func()),
	}
	w.port = &hostPort{hub: h, window: w}
	h.windows[id] = w

	h.logger.Debug("window opened", "windowId", id)
	return w, nil
}

// Window returns the open window with id
func (h *Hub) Window(id string) (*Window, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.windows[id]
	return w, ok
}

// Windows returns every open window
func (h *Hub) Windows() []*Window {
	h.mu.RLock()
	defer h.mu.RUnlock()

	windows := make([]*Window, 0, len(h.windows))
	for _, w := range h.windows {
		windows = append(windows, w)
	}
	return windows
}

// Close destroys every window and stops the host endpoint.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	windows := make([]*Window, 0, len(h.windows))
	for _, w := range h.windows {
		windows = append(windows, w)
	}
	h.mu.Unlock()

	for _, w := range windows {
		w.Destroy()
	}
	h.host.stop()
	return nil
}

func (h *Hub) forget(id string) {
	h.mu.Lock()
	delete(h.windows, id)
	h.mu.Unlock()
}

type hostTransport struct {
	hub *Hub
}

func (t *hostTransport) Local() messaging.Endpoint {
	return noPeer{}
}

func (t *hostTransport) Subscribe(channel string, handler messaging.DeliveryHandler) (func(), error) {
	return t.hub.host.subscribe(channel, handler)
}

// noPeer is the host's own endpoint.
type noPeer struct{}

func (noPeer) Send(channel string, body []byte) error {
	return contracts.ErrNoImplicitPeer
}

// hostPort is a window's route to the host. It is the window's implicit peer.
type hostPort struct {
	hub    *Hub
	window *Window
}

func (p *hostPort) Send(channel string, body []byte) error {
	if p.window.IsDestroyed() {
		return fmt.Errorf("memory: window %s: %w", p.window.id, contracts.ErrEndpointDestroyed)
	}
	return p.hub.host.enqueue(channel, messaging.Delivery{Sender: p.window, Body: body})
}

// Window is a destroyable endpoint. Seen from the host it is a send target;
// Transport gives the window's own side.
type Window struct {
	id   string
	hub  *Hub
	node *node
	port *hostPort

	mu        sync.Mutex
	destroyed bool
	listeners map[uint64]func()
	nextLis   uint64
}

// ID returns the window id
func (w *Window) ID() string {
	return w.id
}

// Send delivers body to the window on channel.
func (w *Window) Send(channel string, body []byte) error {
	if w.IsDestroyed() {
		return fmt.Errorf("memory: window %s: %w", w.id, contracts.ErrEndpointDestroyed)
	}
	return w.node.enqueue(channel, messaging.Delivery{Sender: w.port, Body: body})
}

// OnDestroyed registers fn to run once when the window is destroyed. On an
// already destroyed window fn runs on its own goroutine.
func (w *Window) OnDestroyed(fn func()) func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.destroyed {
		go fn()
		return func() {}
	}

	id := w.nextLis
	w.nextLis++
	w.listeners[id] = fn
	return func() {
		w.mu.Lock()
		delete(w.listeners, id)
		w.mu.Unlock()
	}
}

// Listeners returns the number of destruction subscriptions
func (w *Window) Listeners() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.listeners)
}

// IsDestroyed reports whether Destroy has been called
func (w *Window) IsDestroyed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.destroyed
}

// Destroy tears the window down. Queued deliveries are dropped and later
// sends fail with contracts.ErrEndpointDestroyed.
func (w *Window) Destroy() {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return
	}
	w.destroyed = true
	listeners := make([]func(), 0, len(w.listeners))
	for _, fn := range w.listeners {
		listeners = append(listeners, fn)
	}
	w.listeners = make(map[uint64]func())
	w.mu.Unlock()

	w.node.stop()
	w.hub.forget(w.id)
	w.hub.logger.Debug("window destroyed", "windowId", w.id, "listeners", len(listeners))

	for _, fn := range listeners {
		fn()
	}
}

// Transport returns the window side transport, whose implicit peer is the host.
func (w *Window) Transport() messaging.Transport {
	return &windowTransport{window: w}
}

type windowTransport struct {
	window *Window
}

func (t *windowTransport) Local() messaging.Endpoint {
	return t.window.port
}

func (t *windowTransport) Subscribe(channel string, handler messaging.DeliveryHandler) (func(), error) {
	return t.window.node.subscribe(channel, handler)
}
