package rabbitmq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glimte/amqprouter/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
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

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

func startTestConsumer(t *testing.T, handler DeliveryHandler) (*Consumer, chan amqp.Delivery, *ConsumerInfo) {
	t.Helper()
	c := NewConsumer(nil, WithConsumerLogger(discardLogger()))
	deliveries := make(chan amqp.Delivery)
	ctx, cancel := context.WithCancel(context.Background())
	info := &ConsumerInfo{Queue: "orders.audit", ConsumerTag: "test", cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.activeConsumers[info.Queue] = info
	c.mu.Unlock()

	go c.processMessages(ctx, info, deliveries, handler)
	return c, deliveries, info
}

func TestConsumer(t *testing.T) {
	t.Run("NewConsumer applies defaults and options", func(t *testing.T) {
		c := NewConsumer(nil)
		assert.Equal(t, 10, c.prefetchCount)

		c = NewConsumer(nil, WithPrefetchCount(1))
		assert.Equal(t, 1, c.prefetchCount)
	})

	t.Run("deliveries are handled one at a time in order", func(t *testing.T) {
		var mu sync.Mutex
		var keys []string
		active, maxActive := 0, 0

		c, deliveries, _ := startTestConsumer(t, func(ctx context.Context, d amqp.Delivery) {
			mu.Lock()
			active++
			maxActive = max(maxActive, active)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			keys = append(keys, d.RoutingKey)
			mu.Unlock()
		})

		for _, key := range []string{"a", "b", "c"} {
			deliveries <- amqp.Delivery{RoutingKey: key}
		}
		require.NoError(t, c.Unsubscribe("orders.audit"))

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"a", "b", "c"}, keys)
		assert.Equal(t, 1, maxActive)
	})

	t.Run("handler context outlives consumer cancellation", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		var ctxErr error

		c, deliveries, info := startTestConsumer(t, func(ctx context.Context, d amqp.Delivery) {
			close(started)
			<-release
			ctxErr = ctx.Err()
		})

		deliveries <- amqp.Delivery{RoutingKey: "a"}
		<-started
		info.cancel()
		close(release)
		<-info.done

		assert.NoError(t, ctxErr)
		assert.Empty(t, c.GetActiveConsumers())
	})

	t.Run("closed delivery channel stops the consumer", func(t *testing.T) {
		c, deliveries, info := startTestConsumer(t, func(context.Context, amqp.Delivery) {})

		close(deliveries)

		select {
		case <-info.done:
		case <-time.After(time.Second):
			t.Fatal("consumer did not stop")
		}
		assert.Empty(t, c.GetActiveConsumers())
	})

	t.Run("Unsubscribe of an unknown queue fails", func(t *testing.T) {
		c := NewConsumer(nil)

		err := c.Unsubscribe("missing")

		assert.ErrorIs(t, err, ErrNotSubscribed)
		var consumerErr *ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "missing", consumerErr.Queue)
	})

	t.Run("UnsubscribeAll stops every consumer", func(t *testing.T) {
		c, _, info := startTestConsumer(t, func(context.Context, amqp.Delivery) {})

		c.UnsubscribeAll()

		<-info.done
		assert.Empty(t, c.GetActiveConsumers())
	})
}

func TestToMessageContext(t *testing.T) {
	t.Run("delivery fields are copied", func(t *testing.T) {
		ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		acker := &mockAcknowledger{}
		d := amqp.Delivery{
			Acknowledger: acker,
			Exchange:     "orders",
			RoutingKey:   "orders.created",
			Body:         []byte(`{"id":1}`),
			Headers:      amqp.Table{"re-queue-attempts": int32(2)},
			DeliveryTag:  7,
			Redelivered:  true,
			ContentType:  "application/json",
			MessageId:    "m-1",
			Timestamp:    ts,

			CorrelationId: "c-1",
			ReplyTo:       "replies",
			DeliveryMode:  amqp.Persistent,
			Priority:      4,
		}

		msg := ToMessageContext(d, false)

		assert.Equal(t, "orders", msg.Exchange)
		assert.Equal(t, "orders.created", msg.RoutingKey)
		assert.Equal(t, []byte(`{"id":1}`), msg.Body)
		assert.Equal(t, uint64(7), msg.DeliveryTag)
		assert.True(t, msg.Redelivered)
		assert.Equal(t, "application/json", msg.ContentType)
		assert.Equal(t, "m-1", msg.MessageID)
		assert.Equal(t, ts, msg.Timestamp)
		assert.Equal(t, contracts.Properties{
			CorrelationID: "c-1",
			ReplyTo:       "replies",
			DeliveryMode:  amqp.Persistent,
			Priority:      4,
		}, msg.Properties)
		attempts, ok := msg.RequeueAttempts()
		require.True(t, ok)
		assert.Equal(t, 2, attempts)
		assert.True(t, msg.RequiresAck())
	})

	t.Run("Ack goes to the delivery acknowledger", func(t *testing.T) {
		acker := &mockAcknowledger{}
		acker.On("Ack", uint64(3), false).Return(nil).Once()

		msg := ToMessageContext(amqp.Delivery{Acknowledger: acker, DeliveryTag: 3}, false)

		require.NoError(t, msg.Ack())
		require.NoError(t, msg.Ack())
		acker.AssertExpectations(t)
	})

	t.Run("headers are copied not shared", func(t *testing.T) {
		headers := amqp.Table{"k": "v"}

		msg := ToMessageContext(amqp.Delivery{Headers: headers}, true)
		msg.SetHeader("k", "changed")

		assert.Equal(t, "v", headers["k"])
		assert.False(t, msg.RequiresAck())
	})
}
