package contracts

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResponse(t *testing.T) {
	t.Run("success carries result and null error", func(t *testing.T) {
		msg := NewResponse(7, nil, map[string]int{"n": 4})

		assert.Equal(t, uint64(7), msg.ID)
		assert.True(t, msg.IsResponse())

		env, ok := msg.Data.(Envelope)
		require.True(t, ok)
		assert.False(t, env.Failed())
		assert.Nil(t, env.Err)
		assert.Equal(t, map[string]int{"n": 4}, env.Res)
		assert.NoError(t, env.Error())
	})

	t.Run("error drops result and keeps message", func(t *testing.T) {
		msg := NewResponse(1, errors.New("boom"), "ignored")

		env := msg.Data.(Envelope)
		require.True(t, env.Failed())
		assert.Equal(t, "boom", *env.Err)
		assert.Nil(t, env.Res)

		var remote *RemoteError
		require.ErrorAs(t, env.Error(), &remote)
		assert.Equal(t, "boom", remote.Message)
	})

	t.Run("wrapped error is reduced to its message", func(t *testing.T) {
		env := NewEnvelope(fmt.Errorf("lookup: %w", errors.New("missing")), nil)
		assert.Equal(t, "lookup: missing", *env.Err)
	})
}

func TestRequestLabel(t *testing.T) {
	assert.False(t, NewRequest(0, "ping", nil).IsResponse())
	assert.True(t, Message{Label: ResponseLabel}.IsResponse())
}

func TestErrors(t *testing.T) {
	t.Run("unexpected response matches sentinel", func(t *testing.T) {
		var err error = &UnexpectedResponseError{ID: 42}
		assert.ErrorIs(t, err, ErrUnexpectedResponse)
		assert.Contains(t, err.Error(), "id=42")
	})

	t.Run("transmission error unwraps", func(t *testing.T) {
		err := &TransmissionError{Op: "reply", ID: 3, Label: "ping", Err: ErrEndpointDestroyed}
		assert.ErrorIs(t, err, ErrEndpointDestroyed)
		assert.Contains(t, err.Error(), `"ping"`)
	})

	t.Run("eviction classification", func(t *testing.T) {
		assert.True(t, IsEviction(ErrTimeout))
		assert.True(t, IsEviction(fmt.Errorf("wrapped: %w", ErrTargetDestroyed)))
		assert.True(t, IsEviction(ErrCancelled))
		assert.True(t, IsEviction(ErrClosed))
		assert.False(t, IsEviction(&RemoteError{Message: "boom"}))
		assert.False(t, IsEviction(nil))
	})
}
