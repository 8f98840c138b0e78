package messaging

import (
	"fmt"
	"sync"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/stretchr/testify/mock"
)

// loopNet is an in-process network of named parties. "host" has no implicit
// peer; every other party's implicit peer is "host".
type loopNet struct {
	mu      sync.Mutex
	parties map[string]*loopParty
}

type loopParty struct {
	name      string
	inbox     chan Delivery
	handler   DeliveryHandler
	destroyed bool
	listeners map[int]func()
	nextLis   int
}

func newLoopNet() *loopNet {
	return &loopNet{parties: make(map[string]*loopParty)}
}

func (n *loopNet) transport(name string) *loopTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.parties[name]; !ok {
		n.parties[name] = &loopParty{
			name:      name,
			inbox:     make(chan Delivery, 64),
			listeners: make(map[int]func()),
		}
	}
	return &loopTransport{net: n, name: name}
}

func (n *loopNet) endpoint(from, to string) loopEndpoint {
	return loopEndpoint{net: n, from: from, to: to}
}

func (n *loopNet) destroy(name string) {
	n.mu.Lock()
	p := n.parties[name]
	p.destroyed = true
	listeners := make([]func(), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.listeners = map[int]func(){}
	n.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

func (n *loopNet) listenerCount(name string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.parties[name].listeners)
}

type loopEndpoint struct {
	net      *loopNet
	from, to string
}

func (e loopEndpoint) Send(channel string, body []byte) error {
	if e.to == "" {
		return contracts.ErrNoImplicitPeer
	}
	e.net.mu.Lock()
	p, ok := e.net.parties[e.to]
	if !ok || p.destroyed {
		e.net.mu.Unlock()
		return fmt.Errorf("send to %s: %w", e.to, contracts.ErrEndpointDestroyed)
	}
	e.net.mu.Unlock()

	p.inbox <- Delivery{Sender: e.net.endpoint(e.to, e.from), Body: append([]byte(nil), body...)}
	return nil
}

func (e loopEndpoint) OnDestroyed(fn func()) func() {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	p := e.net.parties[e.to]
	id := p.nextLis
	p.nextLis++
	p.listeners[id] = fn
	return func() {
		e.net.mu.Lock()
		delete(p.listeners, id)
		e.net.mu.Unlock()
	}
}

type loopTransport struct {
	net  *loopNet
	name string
}

func (t *loopTransport) Local() Endpoint {
	if t.name == "host" {
		return t.net.endpoint(t.name, "")
	}
	return t.net.endpoint(t.name, "host")
}

func (t *loopTransport) Subscribe(channel string, handler DeliveryHandler) (func(), error) {
	t.net.mu.Lock()
	p := t.net.parties[t.name]
	t.net.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case d := <-p.inbox:
				handler(d)
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }, nil
}

// mockTransport lets tests script transport failures.
type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Local() Endpoint {
	args := m.Called()
	if ep := args.Get(0); ep != nil {
		return ep.(Endpoint)
	}
	return nil
}

func (m *mockTransport) Subscribe(channel string, handler DeliveryHandler) (func(), error) {
	args := m.Called(channel, handler)
	if fn := args.Get(0); fn != nil {
		return fn.(func()), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockEndpoint struct {
	mock.Mock
}

func (m *mockEndpoint) Send(channel string, body []byte) error {
	args := m.Called(channel, body)
	return args.Error(0)
}
