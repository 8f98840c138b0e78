package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-ipc/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPinger struct {
	mock.Mock
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.Called().Error(0)
}

type fakeMessenger struct {
	pending int
	closed  bool
}

func (f fakeMessenger) Pending() int { return f.pending }
func (f fakeMessenger) Closed() bool { return f.closed }
func (f fakeMessenger) Stats() messaging.MetricsStats {
	return messaging.MetricsStats{RequestsSent: 4, Timeouts: 1}
}

type slowChecker struct{}

func (slowChecker) Name() string { return "slow" }
func (slowChecker) Check(ctx context.Context) CheckResult {
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	return CheckResult{Name: "slow", Status: StatusHealthy}
}

func TestTransportChecker(t *testing.T) {
	p := &mockPinger{}
	p.On("Ping").Return(nil).Once()
	p.On("Ping").Return(errors.New("connection refused")).Once()

	c := NewTransportChecker("rabbitmq", p)
	assert.Equal(t, "rabbitmq", c.Name())

	ok := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	bad := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, bad.Status)
	assert.Equal(t, "connection refused", bad.Error)
	p.AssertExpectations(t)
}

func TestMessengerChecker(t *testing.T) {
	tests := []struct {
		name      string
		messenger fakeMessenger
		max       int
		want      Status
	}{
		{"idle", fakeMessenger{}, 10, StatusHealthy},
		{"busy", fakeMessenger{pending: 11}, 10, StatusDegraded},
		{"no threshold", fakeMessenger{pending: 1000}, 0, StatusHealthy},
		{"closed", fakeMessenger{closed: true}, 10, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewMessengerChecker("host", tt.messenger, tt.max).Check(context.Background())
			assert.Equal(t, tt.want, r.Status)
			assert.Equal(t, tt.messenger.pending, r.Details["pending"])
			assert.Equal(t, int64(1), r.Details["timeouts"])
		})
	}
}

func TestGoroutineChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewGoroutineChecker(1<<20, 1<<21).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewGoroutineChecker(0, 1<<20).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewGoroutineChecker(0, 0).Check(context.Background()).Status)
}

func TestRegistry(t *testing.T) {
	p := &mockPinger{}
	p.On("Ping").Return(nil)

	r := NewRegistry()
	r.Register(NewTransportChecker("rabbitmq", p))
	r.Register(NewMessengerChecker("host", fakeMessenger{}, 10))

	h := r.Check(context.Background())
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Len(t, h.Checks, 2)

	r.Register(NewMessengerChecker("window", fakeMessenger{pending: 20}, 10))
	assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)

	r.Unregister("window")
	r.Register(NewMessengerChecker("closed", fakeMessenger{closed: true}, 10))
	assert.Equal(t, StatusUnhealthy, r.Check(context.Background()).Status)
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register(slowChecker{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	h := r.Check(ctx)
	require.Contains(t, h.Checks, "slow")
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Equal(t, "check timed out", h.Checks["slow"].Message)
}
