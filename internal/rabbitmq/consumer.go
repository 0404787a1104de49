package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/amqprouter/contracts"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. Acknowledgment is the handler's job
// in manual-ack mode.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer manages message consumption from RabbitMQ
type Consumer struct {
	pool          *ChannelPool
	prefetchCount int
	logger        *slog.Logger

	mu              sync.Mutex
	activeConsumers map[string]*ConsumerInfo
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:            pool,
		prefetchCount:   10,
		logger:          slog.Default(),
		activeConsumers: make(map[string]*ConsumerInfo),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// SubscribeOptions configures one queue subscription
type SubscribeOptions struct {
	AutoAck   bool
	Exclusive bool
	// ConsumerTag defaults to a generated amqprouter-<uuid> tag
	ConsumerTag string
}

// ConsumerInfo tracks active consumer information
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	AutoAck     bool
	Channel     *PooledChannel
	cancel      context.CancelFunc
	done        chan struct{}
}

// Subscribe starts consuming a queue. Deliveries are handed to handler one at a
// time, each on a context that survives cancellation of ctx, so stopping the
// consumer never aborts a delivery in progress.
func (c *Consumer) Subscribe(ctx context.Context, queue string, opts SubscribeOptions, handler DeliveryHandler) error {
	c.mu.Lock()
	if _, exists := c.activeConsumers[queue]; exists {
		c.mu.Unlock()
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrAlreadySubscribed, Timestamp: time.Now()}
	}
	c.mu.Unlock()

	tag := opts.ConsumerTag
	if tag == "" {
		tag = "amqprouter-" + uuid.NewString()
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Discard(ch)
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		opts.AutoAck,
		opts.Exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.pool.Discard(ch)
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	info := &ConsumerInfo{
		Queue:       queue,
		ConsumerTag: tag,
		AutoAck:     opts.AutoAck,
		Channel:     ch,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	c.activeConsumers[queue] = info
	c.mu.Unlock()

	go c.processMessages(consumerCtx, info, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"autoAck", opts.AutoAck,
		"prefetchCount", c.prefetchCount,
	)

	return nil
}

// processMessages handles deliveries strictly one after another
func (c *Consumer) processMessages(ctx context.Context, info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		c.mu.Lock()
		if c.activeConsumers[info.Queue] == info {
			delete(c.activeConsumers, info.Queue)
		}
		c.mu.Unlock()

		// unacked prefetched deliveries go back to the queue with the channel
		if info.Channel != nil {
			c.pool.Discard(info.Channel)
		}
		close(info.done)
		c.logger.Info("consumer stopped", "queue", info.Queue, "consumerTag", info.ConsumerTag)
	}()

	msgCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", info.Queue)
				return
			}
			handler(msgCtx, delivery)
		}
	}
}

// Unsubscribe stops consuming from a queue and waits for the delivery in
// progress to finish
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	info, ok := c.activeConsumers[queue]
	c.mu.Unlock()
	if !ok {
		return &ConsumerError{Queue: queue, Op: "unsubscribe", Err: ErrNotSubscribed, Timestamp: time.Now()}
	}

	if info.Channel != nil && !info.Channel.IsClosed() {
		if err := info.Channel.Cancel(info.ConsumerTag, false); err != nil {
			c.logger.Warn("failed to cancel consumer", "queue", queue, "error", err)
		}
	}
	info.cancel()
	<-info.done

	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() {
	var wg sync.WaitGroup
	for _, queue := range c.GetActiveConsumers() {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Debug("unsubscribe", "queue", queue, "error", err)
			}
		}(queue)
	}
	wg.Wait()
}

// GetActiveConsumers returns a list of active consumer queues
func (c *Consumer) GetActiveConsumers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.activeConsumers))
	for queue := range c.activeConsumers {
		queues = append(queues, queue)
	}
	return queues
}

// ToMessageContext converts a delivery into the pipeline's message context
func ToMessageContext(d amqp.Delivery, autoAck bool) *contracts.MessageContext {
	headers := make(map[string]any, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}

	var acker contracts.Acknowledger
	if d.Acknowledger != nil {
		acker = d.Acknowledger
	}

	return contracts.NewMessageContext(d.Exchange, d.RoutingKey, d.Body,
		contracts.WithHeaders(headers),
		contracts.WithDelivery(d.DeliveryTag, acker),
		contracts.WithAutoAck(autoAck),
		contracts.WithRedelivered(d.Redelivered),
		contracts.WithProperties(d.ContentType, d.MessageId, d.Timestamp),
		contracts.WithBasicProperties(contracts.Properties{
			ContentEncoding: d.ContentEncoding,
			CorrelationID:   d.CorrelationId,
			ReplyTo:         d.ReplyTo,
			Type:            d.Type,
			AppID:           d.AppId,
			DeliveryMode:    d.DeliveryMode,
			Priority:        d.Priority,
		}),
	)
}
