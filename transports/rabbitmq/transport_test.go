package rabbitmq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/internal/rabbitmq"
	"github.com/glimte/mmate-ipc/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind).Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	a := m.Called(name)
	return a.Get(0).(amqp.Queue), a.Error(1)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange).Error(0)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	a := m.Called(queue)
	return a.Get(0).(<-chan amqp.Delivery), a.Error(1)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(exchange, key, msg).Error(0)
}

func (m *mockChannel) Close() error {
	return m.Called().Error(0)
}

type mockSource struct {
	mock.Mock

	mu        sync.Mutex
	reconnect []func()
}

func (m *mockSource) Channel() (rabbitmq.Channel, error) {
	a := m.Called()
	if ch := a.Get(0); ch != nil {
		return ch.(rabbitmq.Channel), a.Error(1)
	}
	return nil, a.Error(1)
}

func (m *mockSource) OnReconnect(fn func()) {
	m.mu.Lock()
	m.reconnect = append(m.reconnect, fn)
	m.mu.Unlock()
}

func (m *mockSource) Close() error {
	return m.Called().Error(0)
}

func testConfig(id, peer string) TransportConfig {
	cfg := defaultConfig()
	cfg.EndpointID = id
	cfg.PeerID = peer
	cfg.RetryDelay = time.Millisecond
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func TestLocal(t *testing.T) {
	host := newTransport(&mockSource{}, testConfig("host", ""))
	assert.ErrorIs(t, host.Local().Send("IPC", nil), contracts.ErrNoImplicitPeer)

	win := newTransport(&mockSource{}, testConfig("win-1", "host"))
	assert.Same(t, win.Endpoint("host"), win.Local())
	assert.Equal(t, "host", win.Endpoint("host").ID())
}

func TestSendPublishesToEndpointQueue(t *testing.T) {
	ch := &mockChannel{}
	source := &mockSource{}
	source.On("Channel").Return(ch, nil).Once()

	ch.On("PublishWithContext", "IPC", "win-1", mock.MatchedBy(func(msg amqp.Publishing) bool {
		return msg.ReplyTo == "host" && string(msg.Body) == `{"id":0}` && msg.MessageId != ""
	})).Return(nil).Twice()

	tr := newTransport(source, testConfig("host", ""))
	require.NoError(t, tr.Endpoint("win-1").Send("IPC", []byte(`{"id":0}`)))
	require.NoError(t, tr.Endpoint("win-1").Send("IPC", []byte(`{"id":0}`)))

	ch.AssertExpectations(t)
	source.AssertExpectations(t)
}

func TestSendRetriesOnFreshChannel(t *testing.T) {
	broken, healthy := &mockChannel{}, &mockChannel{}
	source := &mockSource{}
	source.On("Channel").Return(broken, nil).Once()
	source.On("Channel").Return(healthy, nil).Once()

	broken.On("PublishWithContext", "IPC", "win-1", mock.Anything).Return(amqp.ErrClosed)
	broken.On("Close").Return(nil)
	healthy.On("PublishWithContext", "IPC", "win-1", mock.Anything).Return(nil)

	tr := newTransport(source, testConfig("host", ""))
	require.NoError(t, tr.Endpoint("win-1").Send("IPC", []byte("x")))

	broken.AssertNumberOfCalls(t, "PublishWithContext", 1)
	healthy.AssertNumberOfCalls(t, "PublishWithContext", 1)
}

func TestSendGivesUp(t *testing.T) {
	source := &mockSource{}
	source.On("Channel").Return(nil, rabbitmq.ErrConnectionNotReady)

	cfg := testConfig("host", "")
	cfg.PublishRetries = 2
	tr := newTransport(source, cfg)

	err := tr.Endpoint("win-1").Send("IPC", []byte("x"))
	assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)
	var perr *rabbitmq.PublishError
	assert.ErrorAs(t, err, &perr)
	source.AssertNumberOfCalls(t, "Channel", 3)
}

func TestSubscribe(t *testing.T) {
	ch := &mockChannel{}
	source := &mockSource{}
	source.On("Channel").Return(ch, nil)

	inbox := make(chan amqp.Delivery, 1)
	notices := make(chan amqp.Delivery, 1)

	ch.On("ExchangeDeclare", "IPC", amqp.ExchangeDirect).Return(nil)
	ch.On("ExchangeDeclare", "IPC.lifecycle", amqp.ExchangeFanout).Return(nil)
	ch.On("QueueDeclare", "IPC.host").Return(amqp.Queue{Name: "IPC.host"}, nil)
	ch.On("QueueBind", "IPC.host", "host", "IPC").Return(nil)
	ch.On("QueueDeclare", "").Return(amqp.Queue{Name: "amq.gen-1"}, nil)
	ch.On("QueueBind", "amq.gen-1", "", "IPC.lifecycle").Return(nil)
	ch.On("Consume", "IPC.host").Return((<-chan amqp.Delivery)(inbox), nil)
	ch.On("Consume", "amq.gen-1").Return((<-chan amqp.Delivery)(notices), nil)
	ch.On("Close").Return(nil)

	tr := newTransport(source, testConfig("host", ""))

	got := make(chan messaging.Delivery, 1)
	unsubscribe, err := tr.Subscribe("IPC", func(d messaging.Delivery) { got <- d })
	require.NoError(t, err)
	defer unsubscribe()

	inbox <- amqp.Delivery{ReplyTo: "win-1", Body: []byte("hello")}

	select {
	case d := <-got:
		assert.Equal(t, "hello", string(d.Body))
		assert.Same(t, tr.Endpoint("win-1"), d.Sender)
	case <-time.After(time.Second):
		t.Fatal("delivery not received")
	}

	t.Run("lifecycle notice destroys endpoint", func(t *testing.T) {
		fired := make(chan struct{})
		tr.Endpoint("win-1").OnDestroyed(func() { close(fired) })

		notices <- amqp.Delivery{Type: rabbitmq.TypeDestroyed, Headers: amqp.Table{rabbitmq.HeaderEndpoint: "win-1"}}

		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("destruction not observed")
		}
		assert.ErrorIs(t, tr.Endpoint("win-1").Send("IPC", nil), contracts.ErrEndpointDestroyed)
	})
}

func TestSubscribeTopologyFailure(t *testing.T) {
	ch := &mockChannel{}
	source := &mockSource{}
	source.On("Channel").Return(ch, nil)
	ch.On("ExchangeDeclare", "IPC", amqp.ExchangeDirect).Return(errors.New("access refused"))
	ch.On("Close").Return(nil)

	tr := newTransport(source, testConfig("host", ""))
	_, err := tr.Subscribe("IPC", func(messaging.Delivery) {})

	var terr *rabbitmq.TopologyError
	require.ErrorAs(t, err, &terr)
	ch.AssertCalled(t, "Close")
}

func TestCloseAnnouncesDestruction(t *testing.T) {
	ch := &mockChannel{}
	source := &mockSource{}
	source.On("Channel").Return(ch, nil)
	source.On("Close").Return(nil)

	inbox := make(chan amqp.Delivery)
	notices := make(chan amqp.Delivery)
	ch.On("ExchangeDeclare", mock.Anything, mock.Anything).Return(nil)
	ch.On("QueueDeclare", mock.Anything).Return(amqp.Queue{Name: "q"}, nil)
	ch.On("QueueBind", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ch.On("Consume", "q").Return((<-chan amqp.Delivery)(inbox), nil).Once()
	ch.On("Consume", "q").Return((<-chan amqp.Delivery)(notices), nil).Once()
	ch.On("Close").Return(nil)
	ch.On("PublishWithContext", "IPC.lifecycle", "", mock.MatchedBy(func(msg amqp.Publishing) bool {
		return msg.Type == rabbitmq.TypeDestroyed && msg.Headers[rabbitmq.HeaderEndpoint] == "win-1"
	})).Return(nil).Once()

	tr := newTransport(source, testConfig("win-1", "host"))
	_, err := tr.Subscribe("IPC", func(messaging.Delivery) {})
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	ch.AssertExpectations(t)
	assert.ErrorIs(t, tr.Endpoint("host").Send("IPC", nil), ErrTransportClosed)
}

func TestPing(t *testing.T) {
	ch := &mockChannel{}
	source := &mockSource{}
	source.On("Channel").Return(ch, nil).Once()
	source.On("Channel").Return(nil, rabbitmq.ErrConnectionNotReady).Once()
	source.On("Close").Return(nil)
	ch.On("Close").Return(nil)

	tr := newTransport(source, testConfig("host", ""))
	require.NoError(t, tr.Ping(context.Background()))
	assert.ErrorIs(t, tr.Ping(context.Background()), rabbitmq.ErrConnectionNotReady)

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Ping(context.Background()), ErrTransportClosed)
}
