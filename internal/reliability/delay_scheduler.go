package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/amqprouter/config"
	"github.com/glimte/amqprouter/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// queueExpiryGrace keeps an idle delay queue alive this long past its TTL.
// Publishing does not count as use for x-expires, so a queue is redeclared
// once half the grace has passed since its last declaration.
const queueExpiryGrace = 60 * time.Second

// TopologyDeclarer declares the broker objects a delay queue needs
type TopologyDeclarer interface {
	DeclareExchange(ctx context.Context, exchange rabbitmq.ExchangeDeclaration) error
	DeclareQueue(ctx context.Context, queue rabbitmq.QueueDeclaration) (amqp.Queue, error)
	BindQueue(ctx context.Context, binding rabbitmq.Binding) error
}

// MessagePublisher publishes to an exchange
type MessagePublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// DelayedMessage is a message to deliver to Exchange/RoutingKey after Delay.
// It waits in a queue bound to DeadLetter.
type DelayedMessage struct {
	Exchange   string
	RoutingKey string
	DeadLetter rabbitmq.ExchangeDeclaration
	Delay      time.Duration
	Publishing amqp.Publishing
}

// NewDelayedMessage parks publishing on ex's dead letter exchange, declared
// exactly as the startup topology declares it
func NewDelayedMessage(ex config.ExchangeConfig, routingKey string, delay time.Duration, publishing amqp.Publishing) DelayedMessage {
	return DelayedMessage{
		Exchange:   ex.Name,
		RoutingKey: routingKey,
		DeadLetter: rabbitmq.DeadLetterExchangeDeclaration(ex),
		Delay:      delay,
		Publishing: publishing,
	}
}

// DelayScheduler parks messages in TTL queues that dead-letter back to their
// original exchange and routing key
type DelayScheduler struct {
	topology  TopologyDeclarer
	publisher MessagePublisher
	logger    *slog.Logger

	mu       sync.Mutex
	declared map[string]time.Time
	now      func() time.Time
}

// DelaySchedulerOption configures the scheduler
type DelaySchedulerOption func(*DelayScheduler)

// WithSchedulerLogger sets the logger
func WithSchedulerLogger(logger *slog.Logger) DelaySchedulerOption {
	return func(s *DelayScheduler) {
		s.logger = logger
	}
}

// NewDelayScheduler creates a scheduler that declares delay queues through
// topology and publishes through publisher
func NewDelayScheduler(topology TopologyDeclarer, publisher MessagePublisher, options ...DelaySchedulerOption) *DelayScheduler {
	s := &DelayScheduler{
		topology:  topology,
		publisher: publisher,
		logger:    slog.Default(),
		declared:  make(map[string]time.Time),
		now:       time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// DelayQueueName names the parking queue for one target and delay
func DelayQueueName(exchange, routingKey string, delay time.Duration) string {
	return fmt.Sprintf("%s.%s.delayed.%d", exchange, routingKey, delay.Milliseconds())
}

// Schedule declares the delay queue unless it was declared recently and
// publishes the message to it through the dead-letter exchange
func (s *DelayScheduler) Schedule(ctx context.Context, msg DelayedMessage) error {
	if err := validate(msg); err != nil {
		return &ScheduleError{Op: "validate", Exchange: msg.Exchange, RoutingKey: msg.RoutingKey, Err: err, Timestamp: time.Now()}
	}

	queue := DelayQueueName(msg.Exchange, msg.RoutingKey, msg.Delay)
	if err := s.ensureDelayQueue(ctx, queue, msg); err != nil {
		return &ScheduleError{Op: "declare", Queue: queue, Exchange: msg.Exchange, RoutingKey: msg.RoutingKey, Err: err, Timestamp: time.Now()}
	}

	publishing := msg.Publishing
	if publishing.Timestamp.IsZero() {
		publishing.Timestamp = time.Now()
	}
	if err := s.publisher.Publish(ctx, msg.DeadLetter.Name, queue, publishing); err != nil {
		return &ScheduleError{Op: "publish", Queue: queue, Exchange: msg.Exchange, RoutingKey: msg.RoutingKey, Err: err, Timestamp: time.Now()}
	}

	s.logger.Debug("parked message",
		"queue", queue,
		"exchange", msg.Exchange,
		"routingKey", msg.RoutingKey,
		"delay", msg.Delay)
	return nil
}

func validate(msg DelayedMessage) error {
	switch {
	case msg.Exchange == "":
		return ErrMissingTarget
	case msg.DeadLetter.Name == "":
		return ErrMissingDeadLetterExchange
	case msg.Delay < time.Millisecond:
		return ErrInvalidDelay
	case msg.Publishing.Expiration != "":
		// the broker would dead-letter the message when its own TTL ran out
		return ErrExpirationNotDelayable
	}
	return nil
}

// ensureDelayQueue holds the lock across declaration so concurrent schedules
// for the same queue declare it once
func (s *DelayScheduler) ensureDelayQueue(ctx context.Context, queue string, msg DelayedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if at, ok := s.declared[queue]; ok && s.now().Sub(at) < queueExpiryGrace/2 {
		return nil
	}

	dlx := msg.DeadLetter
	if dlx.Type == "" {
		dlx.Type = amqp.ExchangeDirect
	}
	if err := s.topology.DeclareExchange(ctx, dlx); err != nil {
		return err
	}

	ttl := msg.Delay.Milliseconds()
	_, err := s.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name: queue,
		Arguments: amqp.Table{
			"x-message-ttl":             ttl,
			"x-dead-letter-exchange":    msg.Exchange,
			"x-dead-letter-routing-key": msg.RoutingKey,
			"x-expires":                 ttl + queueExpiryGrace.Milliseconds(),
		},
	})
	if err != nil {
		return err
	}

	if err := s.topology.BindQueue(ctx, rabbitmq.Binding{
		Queue:      queue,
		Exchange:   msg.DeadLetter.Name,
		RoutingKey: queue,
	}); err != nil {
		return err
	}

	s.declared[queue] = s.now()
	s.logger.Debug("declared delay queue", "queue", queue, "ttl", msg.Delay)
	return nil
}

// Forget drops the record of declared queues, so they are redeclared on next
// use. Call it after a connection recovery, since expired queues are gone.
func (s *DelayScheduler) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.declared)
}
