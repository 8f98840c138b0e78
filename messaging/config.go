package messaging

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-ipc/serialization"
)

const (
	// DefaultChannelName is the transport channel used when none is configured
	DefaultChannelName = "IPCMessenger"

	// DefaultTimeout applies to requests sent without an explicit timeout
	DefaultTimeout = 10 * time.Second
)

// Config is the process-wide messenger configuration, fixed at construction.
type Config struct {
	// ChannelName is the transport channel carrying both requests and responses
	ChannelName string
	// DebugLogging traces every send, receive and reply at debug level
	DebugLogging bool
	// DefaultTimeout applies when Send is called without WithTimeout. Zero
	// disables the deadline.
	DefaultTimeout time.Duration
	// RejectOnEviction fails the caller's future when a request times out or
	// its target is destroyed. When false the request is dropped and logged
	// only, and the future never completes.
	RejectOnEviction bool
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		ChannelName:      DefaultChannelName,
		DefaultTimeout:   DefaultTimeout,
		RejectOnEviction: true,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.ChannelName == "" {
		return fmt.Errorf("channel name cannot be empty")
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("default timeout cannot be negative: %v", c.DefaultTimeout)
	}
	return nil
}

// FaultHandler receives protocol faults the dispatcher cannot attribute to a
// caller: unexpected responses, malformed messages and failed replies.
type FaultHandler func(err error)

type messengerOptions struct {
	logger     *slog.Logger
	codec      serialization.Codec
	faults     FaultHandler
	metrics    MetricsCollector
	middleware []MiddlewareFunc
}

// MessengerOption configures a Messenger
type MessengerOption func(*messengerOptions)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) MessengerOption {
	return func(o *messengerOptions) {
		o.logger = logger
	}
}

// WithCodec sets the wire codec. Both peers must use the same codec.
func WithCodec(codec serialization.Codec) MessengerOption {
	return func(o *messengerOptions) {
		o.codec = codec
	}
}

// WithFaultHandler sets the handler for protocol faults
func WithFaultHandler(handler FaultHandler) MessengerOption {
	return func(o *messengerOptions) {
		o.faults = handler
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) MessengerOption {
	return func(o *messengerOptions) {
		o.metrics = metrics
	}
}

// WithMiddleware adds middleware around every request handler
func WithMiddleware(middleware ...MiddlewareFunc) MessengerOption {
	return func(o *messengerOptions) {
		o.middleware = append(o.middleware, middleware...)
	}
}

type sendOptions struct {
	timeout time.Duration
}

// SendOption configures a single request
type SendOption func(*sendOptions)

// WithTimeout overrides the default timeout. Zero means never time out.
func WithTimeout(timeout time.Duration) SendOption {
	return func(o *sendOptions) {
		o.timeout = timeout
	}
}

// WithoutTimeout disables the deadline for this request
func WithoutTimeout() SendOption {
	return WithTimeout(0)
}
