package reliability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/amqprouter/config"
	"github.com/glimte/amqprouter/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTopology struct {
	mock.Mock
}

func (m *mockTopology) DeclareExchange(ctx context.Context, exchange rabbitmq.ExchangeDeclaration) error {
	args := m.Called(ctx, exchange)
	return args.Error(0)
}

func (m *mockTopology) DeclareQueue(ctx context.Context, queue rabbitmq.QueueDeclaration) (amqp.Queue, error) {
	args := m.Called(ctx, queue)
	return amqp.Queue{Name: queue.Name}, args.Error(0)
}

func (m *mockTopology) BindQueue(ctx context.Context, binding rabbitmq.Binding) error {
	args := m.Called(ctx, binding)
	return args.Error(0)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	args := m.Called(ctx, exchange, routingKey, msg)
	return args.Error(0)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ordersExchange(durable bool) config.ExchangeConfig {
	cfg := config.Config{
		Connection: config.ConnectionConfig{URL: "amqp://localhost"},
		Exchanges: []config.ExchangeConfig{{
			Name:                       "orders",
			Durable:                    durable,
			DeadLetterExchange:         "orders.dlx",
			RequeueFailedMessages:      true,
			RequeueAttempts:            3,
			RequeueTimeoutMilliseconds: 1500,
		}},
	}
	cfg.ApplyDefaults()
	return cfg.Exchanges[0]
}

func sampleMessage() DelayedMessage {
	return NewDelayedMessage(ordersExchange(true), "orders.created", 1500*time.Millisecond, amqp.Publishing{
		Headers:       amqp.Table{"re-queue-attempts": int32(1)},
		ContentType:   "application/json",
		MessageId:     "m-1",
		CorrelationId: "c-1",
		DeliveryMode:  amqp.Persistent,
		Body:          []byte(`{"id":42}`),
	})
}

func expectDeclaration(topology *mockTopology) {
	topology.On("DeclareExchange", mock.Anything, rabbitmq.ExchangeDeclaration{
		Name: "orders.dlx", Type: "direct", Durable: true,
	}).Return(nil)
	topology.On("DeclareQueue", mock.Anything, rabbitmq.QueueDeclaration{
		Name: "orders.orders.created.delayed.1500",
		Arguments: amqp.Table{
			"x-message-ttl":             int64(1500),
			"x-dead-letter-exchange":    "orders",
			"x-dead-letter-routing-key": "orders.created",
			"x-expires":                 int64(61500),
		},
	}).Return(nil)
	topology.On("BindQueue", mock.Anything, rabbitmq.Binding{
		Queue: "orders.orders.created.delayed.1500", Exchange: "orders.dlx", RoutingKey: "orders.orders.created.delayed.1500",
	}).Return(nil)
}

func TestDelayQueueName(t *testing.T) {
	assert.Equal(t, "orders.orders.created.delayed.250", DelayQueueName("orders", "orders.created", 250*time.Millisecond))
}

func TestDelayScheduler(t *testing.T) {
	t.Run("Schedule declares the delay queue and publishes through the dead letter exchange", func(t *testing.T) {
		topology := &mockTopology{}
		publisher := &mockPublisher{}
		expectDeclaration(topology)
		publisher.On("Publish", mock.Anything, "orders.dlx", "orders.orders.created.delayed.1500",
			mock.MatchedBy(func(p amqp.Publishing) bool {
				return string(p.Body) == `{"id":42}` &&
					p.Headers["re-queue-attempts"] == int32(1) &&
					p.ContentType == "application/json" &&
					p.MessageId == "m-1" &&
					p.CorrelationId == "c-1" &&
					p.DeliveryMode == amqp.Persistent &&
					!p.Timestamp.IsZero()
			})).Return(nil).Once()

		s := NewDelayScheduler(topology, publisher, WithSchedulerLogger(quietLogger()))
		require.NoError(t, s.Schedule(t.Context(), sampleMessage()))

		topology.AssertExpectations(t)
		publisher.AssertExpectations(t)
	})

	t.Run("delay queue is declared once while fresh", func(t *testing.T) {
		topology := &mockTopology{}
		publisher := &mockPublisher{}
		expectDeclaration(topology)
		publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		s := NewDelayScheduler(topology, publisher, WithSchedulerLogger(quietLogger()))
		require.NoError(t, s.Schedule(t.Context(), sampleMessage()))
		require.NoError(t, s.Schedule(t.Context(), sampleMessage()))

		topology.AssertNumberOfCalls(t, "DeclareQueue", 1)
		publisher.AssertNumberOfCalls(t, "Publish", 2)
	})

	t.Run("stale delay queue is redeclared", func(t *testing.T) {
		topology := &mockTopology{}
		publisher := &mockPublisher{}
		expectDeclaration(topology)
		publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		now := time.Now()
		s := NewDelayScheduler(topology, publisher, WithSchedulerLogger(quietLogger()))
		s.now = func() time.Time { return now }
		require.NoError(t, s.Schedule(t.Context(), sampleMessage()))

		now = now.Add(queueExpiryGrace)
		require.NoError(t, s.Schedule(t.Context(), sampleMessage()))

		topology.AssertNumberOfCalls(t, "DeclareQueue", 2)
	})

	t.Run("Forget forces redeclaration", func(t *testing.T) {
		topology := &mockTopology{}
		publisher := &mockPublisher{}
		expectDeclaration(topology)
		publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		s := NewDelayScheduler(topology, publisher, WithSchedulerLogger(quietLogger()))
		require.NoError(t, s.Schedule(t.Context(), sampleMessage()))
		s.Forget()
		require.NoError(t, s.Schedule(t.Context(), sampleMessage()))

		topology.AssertNumberOfCalls(t, "BindQueue", 2)
	})

	t.Run("invalid messages are rejected before touching the broker", func(t *testing.T) {
		s := NewDelayScheduler(&mockTopology{}, &mockPublisher{}, WithSchedulerLogger(quietLogger()))

		noDLX := sampleMessage()
		noDLX.DeadLetter.Name = ""
		assert.ErrorIs(t, s.Schedule(t.Context(), noDLX), ErrMissingDeadLetterExchange)

		noDelay := sampleMessage()
		noDelay.Delay = 0
		assert.ErrorIs(t, s.Schedule(t.Context(), noDelay), ErrInvalidDelay)

		noTarget := sampleMessage()
		noTarget.Exchange = ""
		assert.ErrorIs(t, s.Schedule(t.Context(), noTarget), ErrMissingTarget)

		expiring := sampleMessage()
		expiring.Publishing.Expiration = "1000"
		assert.ErrorIs(t, s.Schedule(t.Context(), expiring), ErrExpirationNotDelayable)
	})

	t.Run("declaration failure is not cached", func(t *testing.T) {
		declareErr := errors.New("access refused")
		topology := &mockTopology{}
		topology.On("DeclareExchange", mock.Anything, mock.Anything).Return(declareErr).Once()
		s := NewDelayScheduler(topology, &mockPublisher{}, WithSchedulerLogger(quietLogger()))

		err := s.Schedule(t.Context(), sampleMessage())

		require.Error(t, err)
		assert.ErrorIs(t, err, declareErr)
		var scheduleErr *ScheduleError
		require.ErrorAs(t, err, &scheduleErr)
		assert.Equal(t, "declare", scheduleErr.Op)
		assert.Empty(t, s.declared)
	})

	t.Run("publish failure is wrapped", func(t *testing.T) {
		publishErr := errors.New("publish failed")
		topology := &mockTopology{}
		publisher := &mockPublisher{}
		expectDeclaration(topology)
		publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(publishErr)

		s := NewDelayScheduler(topology, publisher, WithSchedulerLogger(quietLogger()))
		err := s.Schedule(t.Context(), sampleMessage())

		assert.ErrorIs(t, err, publishErr)
		var scheduleErr *ScheduleError
		require.ErrorAs(t, err, &scheduleErr)
		assert.Equal(t, "publish", scheduleErr.Op)
	})
}

func TestDeadLetterExchangeMatchesStartupTopology(t *testing.T) {
	for _, durable := range []bool{false, true} {
		t.Run(fmt.Sprintf("durable=%t", durable), func(t *testing.T) {
			exchange := ordersExchange(durable)

			var startup rabbitmq.ExchangeDeclaration
			for _, decl := range rabbitmq.TopologyFromConfig([]config.ExchangeConfig{exchange}).Exchanges {
				if decl.Name == "orders.dlx" {
					startup = decl
				}
			}
			require.Equal(t, "orders.dlx", startup.Name)

			topology := &mockTopology{}
			topology.On("DeclareExchange", mock.Anything, startup).Return(nil).Once()
			topology.On("DeclareQueue", mock.Anything, mock.Anything).Return(nil)
			topology.On("BindQueue", mock.Anything, mock.Anything).Return(nil)
			publisher := &mockPublisher{}
			publisher.On("Publish", mock.Anything, "orders.dlx", mock.Anything, mock.Anything).Return(nil)

			s := NewDelayScheduler(topology, publisher, WithSchedulerLogger(quietLogger()))
			msg := NewDelayedMessage(exchange, "orders.created", exchange.RequeueTimeout(), amqp.Publishing{Body: []byte("x")})
			require.NoError(t, s.Schedule(t.Context(), msg))

			topology.AssertExpectations(t)
		})
	}
}
