package messaging

// Endpoint is an addressable party on a transport. Send is fire-and-forget:
// a nil error only means the transport accepted the message.
//
// Transports return an error wrapping contracts.ErrEndpointDestroyed when the
// endpoint no longer exists.
type Endpoint interface {
	Send(channel string, body []byte) error
}

// DestroyNotifier is implemented by endpoints that can terminate independently
// of the local process, such as a renderer window seen from its host.
//
// fn must not be invoked synchronously from within OnDestroyed. The returned
// function removes the subscription and must be safe to call more than once.
type DestroyNotifier interface {
	OnDestroyed(fn func()) (unsubscribe func())
}

// Delivery is one inbound message together with the handle of its sender.
type Delivery struct {
	Sender Endpoint
	Body   []byte
}

// DeliveryHandler receives inbound messages from a transport
type DeliveryHandler func(Delivery)

// Transport is the fire-and-forget duplex the messenger is built on.
type Transport interface {
	// Local returns the transport's own endpoint. Sending to it reaches the
	// single implicit peer, when the process role has one.
	Local() Endpoint

	// Subscribe registers handler for every message arriving on channel.
	// Deliveries must be asynchronous relative to any Send call.
	Subscribe(channel string, handler DeliveryHandler) (unsubscribe func(), err error)
}
