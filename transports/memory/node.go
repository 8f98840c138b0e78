package memory

import (
	"fmt"
	"sync"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/messaging"
)

type parcel struct {
	channel  string
	delivery messaging.Delivery
}

type subscription struct {
	channel string
	handler messaging.DeliveryHandler
}

// node is one endpoint's inbox. A pump goroutine hands each parcel to the
// channel's subscribers on a goroutine of its own, bounded by limit.
type node struct {
	name  string
	queue chan parcel
	done  chan struct{}
	limit chan struct{}

	mu       sync.RWMutex
	subs     map[uint64]subscription
	nextSub  uint64
	stopOnce sync.Once
}

func newNode(name string, queueSize, limit int) *node {
	n := &node{
		name:  name,
		queue: make(chan parcel, queueSize),
		done:  make(chan struct{}),
		subs:  make(map[uint64]subscription),
	}
	if limit > 0 {
		n.limit = make(chan struct{}, limit)
	}
	go n.pump()
	return n
}

func (n *node) enqueue(channel string, d messaging.Delivery) error {
	d.Body = append([]byte(nil), d.Body...)

	select {
	case <-n.done:
		return fmt.Errorf("memory: %s: %w", n.name, contracts.ErrEndpointDestroyed)
	default:
	}

	select {
	case n.queue <- parcel{channel: channel, delivery: d}:
		return nil
	case <-n.done:
		return fmt.Errorf("memory: %s: %w", n.name, contracts.ErrEndpointDestroyed)
	}
}

func (n *node) subscribe(channel string, handler messaging.DeliveryHandler) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	select {
	case <-n.done:
		return nil, fmt.Errorf("memory: %s: %w", n.name, contracts.ErrEndpointDestroyed)
	default:
	}

	id := n.nextSub
	n.nextSub++
	n.subs[id] = subscription{channel: channel, handler: handler}

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}, nil
}

func (n *node) stop() {
	n.stopOnce.Do(func() { close(n.done) })
}

func (n *node) pump() {
	for {
		select {
		case p := <-n.queue:
			n.deliver(p)
		case <-n.done:
			return
		}
	}
}

func (n *node) deliver(p parcel) {
	n.mu.RLock()
	handlers := make([]messaging.DeliveryHandler, 0, 1)
	for _, sub := range n.subs {
		if sub.channel == p.channel {
			handlers = append(handlers, sub.handler)
		}
	}
	n.mu.RUnlock()

	for _, h := range handlers {
		if n.limit != nil {
			select {
			case n.limit <- struct{}{}:
			case <-n.done:
				return
			}
		}
		go func(h messaging.DeliveryHandler) {
			defer func() {
				if n.limit != nil {
					<-n.limit
				}
			}()
			h(p.delivery)
		}(h)
	}
}
