package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-ipc/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager owns the AMQP connection and re-dials it when the broker
// drops it. Registered reconnect hooks run after every successful re-dial so
// consumers can be restored.
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxRetries     int
	dialTimeout    time.Duration
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	done           chan struct{}
	closeOnce      sync.Once

	hooksMu     sync.Mutex
	onReconnect []func()
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts. A negative
// value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: time.Second,
		maxRetries:     -1,
		dialTimeout:    30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
	cm.attach(conn)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	go cm.handleReconnect(cm.notifyClose)
	return nil
}

// Channel opens a new AMQP channel on the current connection
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	ch, err := cm.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// OnReconnect registers fn to run after every successful reconnection
func (cm *ConnectionManager) OnReconnect(fn func()) {
	cm.hooksMu.Lock()
	defer cm.hooksMu.Unlock()
	cm.onReconnect = append(cm.onReconnect, fn)
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.isConnected = false
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// dial connects with the configured timeout
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	out := make(chan result, 1)
	go func() {
		conn, err := amqp.Dial(cm.url)
		out <- result{conn, err}
	}()

	select {
	case r := <-out:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-out; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// attach must be called with mu held.
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (cm *ConnectionManager) handleReconnect(notifyClose chan *amqp.Error) {
	select {
	case err, ok := <-notifyClose:
		if !ok || err == nil {
			// graceful close
			return
		}
		cm.logger.Error("connection closed", "error", err)

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.reconnect()

	case <-cm.done:
		cm.logger.Info("connection manager shutting down")
	}
}

func (cm *ConnectionManager) reconnect() {
	policy := reliability.NewExponentialBackoff(cm.reconnectDelay, time.Minute, 2.0, cm.maxRetries)
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if cm.maxRetries >= 0 && attempt >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt,
				"duration", time.Since(start),
				"error", ErrMaxRetriesExceeded,
			)
			return
		}

		if attempt > 0 {
			timer := time.NewTimer(policy.NextDelay(attempt - 1))
			select {
			case <-timer.C:
			case <-cm.done:
				timer.Stop()
				return
			}
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt+1, "maxRetries", cm.maxRetries)

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		cm.attach(conn)
		notifyClose := cm.notifyClose
		cm.mu.Unlock()

		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(start),
		)

		cm.hooksMu.Lock()
		hooks := append([]func(){}, cm.onReconnect...)
		cm.hooksMu.Unlock()
		for _, hook := range hooks {
			hook()
		}

		go cm.handleReconnect(notifyClose)
		return
	}
}
