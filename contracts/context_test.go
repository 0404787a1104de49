package contracts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func TestMessageContext(t *testing.T) {
	t.Run("NewMessageContext allocates an empty header bag", func(t *testing.T) {
		msg := NewMessageContext("orders", "orders.created", []byte("{}"))

		assert.Equal(t, "orders", msg.Exchange)
		assert.Equal(t, "orders.created", msg.RoutingKey)
		assert.NotNil(t, msg.Headers)
		assert.False(t, msg.AutoAck)
	})

	t.Run("Ack acknowledges the delivery exactly once", func(t *testing.T) {
		acker := &mockAcknowledger{}
		acker.On("Ack", uint64(7), false).Return(nil).Once()
		msg := NewMessageContext("orders", "orders.created", nil, WithDelivery(7, acker))

		assert.True(t, msg.RequiresAck())
		require.NoError(t, msg.Ack())
		require.NoError(t, msg.Ack())

		assert.False(t, msg.RequiresAck())
		assert.True(t, msg.Acknowledged())
		acker.AssertNumberOfCalls(t, "Ack", 1)
	})

	t.Run("Ack is a no-op in auto-ack mode", func(t *testing.T) {
		acker := &mockAcknowledger{}
		msg := NewMessageContext("orders", "orders.created", nil, WithDelivery(1, acker), WithAutoAck(true))

		assert.False(t, msg.RequiresAck())
		require.NoError(t, msg.Ack())
		acker.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("Ack wraps acknowledger errors", func(t *testing.T) {
		acker := &mockAcknowledger{}
		ackErr := errors.New("channel closed")
		acker.On("Ack", uint64(3), false).Return(ackErr)
		msg := NewMessageContext("orders", "orders.created", nil, WithDelivery(3, acker))

		err := msg.Ack()
		assert.ErrorIs(t, err, ackErr)
	})

	t.Run("Ack without acknowledger fails", func(t *testing.T) {
		msg := NewMessageContext("orders", "orders.created", nil)
		assert.ErrorIs(t, msg.Ack(), ErrNoAcknowledger)
	})

	t.Run("SetHeader allocates a nil bag", func(t *testing.T) {
		msg := &MessageContext{}
		msg.SetHeader("k", "v")

		v, ok := msg.Header("k")
		assert.True(t, ok)
		assert.Equal(t, "v", v)
	})

	t.Run("CloneHeaders returns an independent copy", func(t *testing.T) {
		msg := NewMessageContext("x", "k", nil, WithHeaders(map[string]any{"a": 1}))
		clone := msg.CloneHeaders()
		clone["a"] = 2

		assert.Equal(t, 1, msg.Headers["a"])
	})
}

func TestRequeueAttempts(t *testing.T) {
	t.Run("absent header reports not attempted", func(t *testing.T) {
		msg := NewMessageContext("x", "k", nil)

		_, ok := msg.RequeueAttempts()
		assert.False(t, ok)
	})

	t.Run("SetRequeueAttempts stores a long-int", func(t *testing.T) {
		msg := NewMessageContext("x", "k", nil)
		msg.SetRequeueAttempts(2)

		assert.Equal(t, int32(2), msg.Headers[RequeueAttemptsHeader])
		n, ok := msg.RequeueAttempts()
		assert.True(t, ok)
		assert.Equal(t, 2, n)
	})

	t.Run("HeaderInt accepts integer encodings", func(t *testing.T) {
		for _, v := range []any{3, int8(3), int16(3), int32(3), int64(3), uint8(3), uint16(3), uint32(3), uint64(3), float64(3), "3"} {
			n, ok := HeaderInt(v)
			assert.True(t, ok, "%T", v)
			assert.Equal(t, 3, n, "%T", v)
		}
	})

	t.Run("HeaderInt rejects non-integers", func(t *testing.T) {
		for _, v := range []any{"three", 2.5, true, nil, []byte("3")} {
			_, ok := HeaderInt(v)
			assert.False(t, ok, "%v", v)
		}
	})
}
