// Package rabbitmq holds the AMQP plumbing behind the RabbitMQ transport: a
// reconnecting connection manager, the channel surface the transport relies
// on, and the IPC topology (one direct exchange per messenger channel, one
// queue per endpoint, and a fanout exchange for lifecycle notices).
package rabbitmq
