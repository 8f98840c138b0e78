package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// LifecycleSuffix names the fanout exchange carrying lifecycle notices
	LifecycleSuffix = ".lifecycle"

	// HeaderEndpoint carries the id of the endpoint a lifecycle notice is about
	HeaderEndpoint = "x-ipc-endpoint"

	// TypeDestroyed marks a lifecycle notice announcing a destroyed endpoint
	TypeDestroyed = "destroyed"
)

// ExchangeName is the direct exchange routing a messenger channel
func ExchangeName(channel string) string {
	return channel
}

// LifecycleExchangeName is the fanout exchange for channel's lifecycle notices
func LifecycleExchangeName(channel string) string {
	return channel + LifecycleSuffix
}

// QueueName is the inbox of endpoint on channel
func QueueName(channel, endpoint string) string {
	return channel + "." + endpoint
}

// DeclareEndpoint declares the exchanges of channel and binds the endpoint's
// inbox to the direct exchange under the endpoint id. The inbox lives as long
// as its consumer.
func DeclareEndpoint(ch Channel, channel, endpoint string) (string, error) {
	exchange := ExchangeName(channel)
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return "", &TopologyError{Component: "exchange", Name: exchange, Err: err}
	}

	lifecycle := LifecycleExchangeName(channel)
	if err := ch.ExchangeDeclare(lifecycle, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return "", &TopologyError{Component: "exchange", Name: lifecycle, Err: err}
	}

	queue := QueueName(channel, endpoint)
	if _, err := ch.QueueDeclare(queue, false, true, true, false, nil); err != nil {
		return "", &TopologyError{Component: "queue", Name: queue, Err: err}
	}
	if err := ch.QueueBind(queue, endpoint, exchange, false, nil); err != nil {
		return "", &TopologyError{Component: "binding", Name: queue + "->" + exchange, Err: err}
	}
	return queue, nil
}

// DeclareLifecycleQueue declares a server-named queue bound to channel's
// lifecycle exchange and returns its name.
func DeclareLifecycleQueue(ch Channel, channel string) (string, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", &TopologyError{Component: "queue", Name: "lifecycle", Err: err}
	}
	lifecycle := LifecycleExchangeName(channel)
	if err := ch.QueueBind(q.Name, "", lifecycle, false, nil); err != nil {
		return "", &TopologyError{Component: "binding", Name: q.Name + "->" + lifecycle, Err: err}
	}
	return q.Name, nil
}
