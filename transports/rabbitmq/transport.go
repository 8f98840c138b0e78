// Package rabbitmq carries messenger traffic over a RabbitMQ broker.
//
// Every transport is one endpoint with its own inbox queue. Messages name
// their sender in the AMQP reply-to property so the receiver can answer it
// directly. When a transport closes it broadcasts a lifecycle notice, which
// peers surface as the destruction of that endpoint.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/internal/rabbitmq"
	"github.com/glimte/mmate-ipc/internal/reliability"
	"github.com/glimte/mmate-ipc/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrTransportClosed is returned by sends after Close
var ErrTransportClosed = errors.New("rabbitmq: transport is closed")

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	source         rabbitmq.ChannelSource
	id             string
	peerID         string
	logger         *slog.Logger
	publishTimeout time.Duration
	retry          reliability.RetryPolicy
	breaker        *reliability.CircuitBreaker

	pubMu sync.Mutex
	pubCh rabbitmq.Channel

	mu        sync.Mutex
	endpoints map[string]*Endpoint
	destroyed map[string]bool
	subs      map[uint64]*subscription
	nextSub   uint64
	closed    bool
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	EndpointID        string
	PeerID            string
	PublishTimeout    time.Duration
	PublishRetries    int
	RetryDelay        time.Duration
	BreakerThreshold  int
	BreakerCooldown   time.Duration
	Logger            *slog.Logger
	ConnectionOptions []rabbitmq.ConnectionOption
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithEndpointID sets this endpoint's id. A random id is used otherwise.
func WithEndpointID(id string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.EndpointID = id
	}
}

// WithPeer sets the implicit peer addressed by Local
func WithPeer(id string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PeerID = id
	}
}

// WithPublishTimeout bounds a single publish
func WithPublishTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublishTimeout = timeout
	}
}

// WithPublishRetries retries failed publishes with exponential backoff
func WithPublishRetries(retries int, delay time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublishRetries = retries
		cfg.RetryDelay = delay
	}
}

// WithCircuitBreaker fails sends fast after threshold consecutive publish
// failures, for cooldown.
func WithCircuitBreaker(threshold int, cooldown time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.BreakerThreshold = threshold
		cfg.BreakerCooldown = cooldown
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// NewTransport connects to the broker at connectionString.
func NewTransport(ctx context.Context, connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(&cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return newTransport(manager, cfg), nil
}

func defaultConfig() TransportConfig {
	return TransportConfig{
		PublishTimeout:   5 * time.Second,
		PublishRetries:   3,
		RetryDelay:       50 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerCooldown:  10 * time.Second,
		Logger:           slog.Default(),
	}
}

func newTransport(source rabbitmq.ChannelSource, cfg TransportConfig) *Transport {
	if cfg.EndpointID == "" {
		cfg.EndpointID = uuid.New().String()
	}
	logger := cfg.Logger.With("endpointId", cfg.EndpointID)

	t := &Transport{
		source:         source,
		id:             cfg.EndpointID,
		peerID:         cfg.PeerID,
		logger:         logger,
		publishTimeout: cfg.PublishTimeout,
		retry:          reliability.NewExponentialBackoff(cfg.RetryDelay, time.Second, 2.0, cfg.PublishRetries),
		breaker: reliability.NewCircuitBreaker(
			reliability.WithName("rabbitmq-publish"),
			reliability.WithFailureThreshold(cfg.BreakerThreshold),
			reliability.WithTimeout(cfg.BreakerCooldown),
			reliability.WithBreakerLogger(logger),
		),
		endpoints: make(map[string]*Endpoint),
		destroyed: make(map[string]bool),
		subs:      make(map[uint64]*subscription),
	}
	source.OnReconnect(t.resubscribe)
	return t
}

// ID returns this endpoint's id
func (t *Transport) ID() string {
	return t.id
}

// Local returns the implicit peer, or an endpoint that refuses every send
// when none is configured.
func (t *Transport) Local() messaging.Endpoint {
	if t.peerID == "" {
		return noPeer{}
	}
	return t.Endpoint(t.peerID)
}

// Endpoint returns the handle of the remote endpoint id. Handles are cached,
// so the same id always yields the same handle.
func (t *Transport) Endpoint(id string) *Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ep, ok := t.endpoints[id]; ok {
		return ep
	}
	ep := &Endpoint{transport: t, id: id, listeners: make(map[uint64]func())}
	if t.destroyed[id] {
		ep.destroyed = true
	}
	t.endpoints[id] = ep
	return ep
}

// Subscribe consumes this endpoint's inbox on channel, plus the channel's
// lifecycle notices.
func (t *Transport) Subscribe(channel string, handler messaging.DeliveryHandler) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	id := t.nextSub
	t.nextSub++
	sub := &subscription{transport: t, channel: channel, handler: handler}
	t.mu.Unlock()

	if err := sub.start(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.subs[id] = sub
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			sub.stop()
		})
	}, nil
}

// Close announces this endpoint's destruction on every subscribed channel and
// disconnects.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = map[uint64]*subscription{}
	t.mu.Unlock()

	for _, sub := range subs {
		if err := t.announceDestroyed(sub.channel); err != nil {
			t.logger.Warn("failed to announce endpoint shutdown", "channel", sub.channel, "error", err)
		}
		sub.stop()
	}

	t.pubMu.Lock()
	if t.pubCh != nil {
		_ = t.pubCh.Close()
		t.pubCh = nil
	}
	t.pubMu.Unlock()

	return t.source.Close()
}

// Ping opens and closes a channel to prove the broker connection is usable.
func (t *Transport) Ping(ctx context.Context) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := t.source.Channel()
	if err != nil {
		return err
	}
	return ch.Close()
}

func (t *Transport) send(channel, to string, body []byte) error {
	t.mu.Lock()
	closed, destroyed := t.closed, t.destroyed[to]
	t.mu.Unlock()

	switch {
	case closed:
		return ErrTransportClosed
	case destroyed:
		return fmt.Errorf("rabbitmq: endpoint %s: %w", to, contracts.ErrEndpointDestroyed)
	}

	msg := amqp.Publishing{
		ReplyTo:      t.id,
		MessageId:    uuid.New().String(),
		Timestamp:    time.Now(),
		DeliveryMode: amqp.Transient,
		Body:         body,
	}
	return t.publish(rabbitmq.ExchangeName(channel), to, msg)
}

func (t *Transport) announceDestroyed(channel string) error {
	msg := amqp.Publishing{
		Type:      rabbitmq.TypeDestroyed,
		Headers:   amqp.Table{rabbitmq.HeaderEndpoint: t.id},
		Timestamp: time.Now(),
	}
	return t.publish(rabbitmq.LifecycleExchangeName(channel), "", msg)
}

func (t *Transport) publish(exchange, key string, msg amqp.Publishing) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.publishTimeout)
	defer cancel()

	return t.breaker.Execute(ctx, func() error {
		return reliability.Retry(ctx, t.retry, func() error {
			return t.publishOnce(ctx, exchange, key, msg)
		})
	})
}

func (t *Transport) publishOnce(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	if t.pubCh == nil {
		ch, err := t.source.Channel()
		if err != nil {
			return &rabbitmq.PublishError{Exchange: exchange, RoutingKey: key, Err: err}
		}
		t.pubCh = ch
	}

	if err := t.pubCh.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		// The channel is unusable after a failed publish; open a fresh one next time.
		_ = t.pubCh.Close()
		t.pubCh = nil
		return &rabbitmq.PublishError{Exchange: exchange, RoutingKey: key, Err: err}
	}
	return nil
}

func (t *Transport) markDestroyed(id string) {
	if id == "" || id == t.id {
		return
	}

	t.mu.Lock()
	if t.destroyed[id] {
		t.mu.Unlock()
		return
	}
	t.destroyed[id] = true
	ep := t.endpoints[id]
	t.mu.Unlock()

	t.logger.Info("remote endpoint destroyed", "peerId", id)
	if ep != nil {
		ep.destroy()
	}
}

func (t *Transport) resubscribe() {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	t.pubMu.Lock()
	t.pubCh = nil
	t.pubMu.Unlock()

	for _, sub := range subs {
		if err := sub.start(); err != nil {
			t.logger.Error("failed to restore subscription after reconnect", "channel", sub.channel, "error", err)
		}
	}
}

type noPeer struct{}

func (noPeer) Send(channel string, body []byte) error {
	return contracts.ErrNoImplicitPeer
}

// Endpoint is a remote endpoint on the broker.
type Endpoint struct {
	transport *Transport
	id        string

	mu        sync.Mutex
	destroyed bool
	listeners map[uint64]func()
	nextLis   uint64
}

// ID returns the endpoint id
func (e *Endpoint) ID() string {
	return e.id
}

// Send publishes body to the endpoint's inbox on channel
func (e *Endpoint) Send(channel string, body []byte) error {
	return e.transport.send(channel, e.id, body)
}

// OnDestroyed runs fn once the endpoint announces its shutdown
func (e *Endpoint) OnDestroyed(fn func()) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		go fn()
		return func() {}
	}

	id := e.nextLis
	e.nextLis++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *Endpoint) destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	listeners := make([]func(), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.listeners = map[uint64]func(){}
	e.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

type subscription struct {
	transport *Transport
	channel   string
	handler   messaging.DeliveryHandler

	mu      sync.Mutex
	ch      rabbitmq.Channel
	stopped bool
}

func (s *subscription) start() error {
	t := s.transport

	ch, err := t.source.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	queue, err := rabbitmq.DeclareEndpoint(ch, s.channel, t.id)
	if err != nil {
		_ = ch.Close()
		return err
	}
	lifecycleQueue, err := rabbitmq.DeclareLifecycleQueue(ch, s.channel)
	if err != nil {
		_ = ch.Close()
		return err
	}

	inbox, err := ch.Consume(queue, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}
	notices, err := ch.Consume(lifecycleQueue, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to consume %s: %w", lifecycleQueue, err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ch.Close()
		return nil
	}
	s.ch = ch
	s.mu.Unlock()

	t.logger.Debug("subscribed", "channel", s.channel, "queue", queue)
	go s.consume(inbox, notices)
	return nil
}

func (s *subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
}

func (s *subscription) consume(inbox, notices <-chan amqp.Delivery) {
	t := s.transport
	for {
		select {
		case d, ok := <-inbox:
			if !ok {
				return
			}
			delivery := messaging.Delivery{Body: d.Body}
			if d.ReplyTo != "" {
				delivery.Sender = t.Endpoint(d.ReplyTo)
			}
			go s.handler(delivery)

		case d, ok := <-notices:
			if !ok {
				return
			}
			if d.Type != rabbitmq.TypeDestroyed {
				continue
			}
			id, _ := d.Headers[rabbitmq.HeaderEndpoint].(string)
			t.markDestroyed(id)
		}
	}
}
