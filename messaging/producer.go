package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/amqprouter/config"
	"github.com/glimte/amqprouter/internal/rabbitmq"
	"github.com/glimte/amqprouter/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes to the broker. *rabbitmq.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
	PublishBatch(ctx context.Context, messages []rabbitmq.PublishMessage) error
}

// SendOption adjusts an outgoing message
type SendOption func(*amqp.Publishing)

// WithHeader sets a message header
func WithHeader(key string, value any) SendOption {
	return func(p *amqp.Publishing) {
		if p.Headers == nil {
			p.Headers = amqp.Table{}
		}
		p.Headers[key] = value
	}
}

// WithContentType sets the content type
func WithContentType(contentType string) SendOption {
	return func(p *amqp.Publishing) {
		p.ContentType = contentType
	}
}

// WithMessageID replaces the generated message id
func WithMessageID(id string) SendOption {
	return func(p *amqp.Publishing) {
		p.MessageId = id
	}
}

// WithCorrelationID sets the correlation id
func WithCorrelationID(id string) SendOption {
	return func(p *amqp.Publishing) {
		p.CorrelationId = id
	}
}

// WithExpiration sets a per-message TTL
func WithExpiration(ttl time.Duration) SendOption {
	return func(p *amqp.Publishing) {
		p.Expiration = fmt.Sprintf("%d", ttl.Milliseconds())
	}
}

// WithTransient publishes in non-persistent delivery mode
func WithTransient() SendOption {
	return func(p *amqp.Publishing) {
		p.DeliveryMode = amqp.Transient
	}
}

// OutgoingMessage is one entry of SendBatch
type OutgoingMessage struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Options    []SendOption
}

// Producer sends messages to exchanges configured for production
type Producer struct {
	exchanges ExchangeLookup
	publisher Publisher
	scheduler Scheduler
	logger    *slog.Logger
}

// ProducerOption configures the Producer
type ProducerOption func(*Producer)

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// NewProducer creates a producer. The scheduler serves SendDelayed and may be
// nil when delayed sends are not used.
func NewProducer(exchanges ExchangeLookup, publisher Publisher, scheduler Scheduler, options ...ProducerOption) *Producer {
	p := &Producer{
		exchanges: exchanges,
		publisher: publisher,
		scheduler: scheduler,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Send publishes body to exchange with routingKey
func (p *Producer) Send(ctx context.Context, exchange, routingKey string, body []byte, opts ...SendOption) error {
	msg, err := p.build(exchange, body, opts)
	if err != nil {
		return err
	}

	if err := p.publisher.Publish(ctx, exchange, routingKey, msg); err != nil {
		return fmt.Errorf("send to %s/%s: %w", exchange, routingKey, err)
	}

	p.logger.DebugContext(ctx, "message sent",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId)
	return nil
}

// SendJSON marshals v and publishes it as application/json
func (p *Producer) SendJSON(ctx context.Context, exchange, routingKey string, v any, opts ...SendOption) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message for %s/%s: %w", exchange, routingKey, err)
	}
	return p.Send(ctx, exchange, routingKey, body, append([]SendOption{WithContentType("application/json")}, opts...)...)
}

// SendString publishes s as text/plain
func (p *Producer) SendString(ctx context.Context, exchange, routingKey, s string, opts ...SendOption) error {
	return p.Send(ctx, exchange, routingKey, []byte(s), append([]SendOption{WithContentType("text/plain")}, opts...)...)
}

// SendDelayed delivers body to exchange/routingKey after delay, parking it on
// the exchange's dead letter exchange in the meantime. Every send option is
// kept except WithExpiration, which is rejected.
func (p *Producer) SendDelayed(ctx context.Context, exchange, routingKey string, body []byte, delay time.Duration, opts ...SendOption) error {
	cfg, err := p.producible(exchange)
	if err != nil {
		return err
	}
	if cfg.DeadLetterExchange == "" {
		return fmt.Errorf("%w: %s", ErrNoDeadLetterExchange, exchange)
	}
	if p.scheduler == nil {
		return fmt.Errorf("send delayed to %s/%s: no scheduler", exchange, routingKey)
	}

	msg, err := p.build(exchange, body, opts)
	if err != nil {
		return err
	}
	if msg.Expiration != "" {
		return fmt.Errorf("send delayed to %s/%s: %w", exchange, routingKey, ErrExpirationWithDelay)
	}

	err = p.scheduler.Schedule(ctx, reliability.NewDelayedMessage(cfg, routingKey, delay, msg))
	if err != nil {
		return fmt.Errorf("send delayed to %s/%s: %w", exchange, routingKey, err)
	}

	p.logger.DebugContext(ctx, "delayed message scheduled",
		"exchange", exchange,
		"routingKey", routingKey,
		"delay", delay,
		"messageId", msg.MessageId)
	return nil
}

// SendBatch publishes messages in order. Every exchange is checked before
// anything is published.
func (p *Producer) SendBatch(ctx context.Context, messages []OutgoingMessage) error {
	batch := make([]rabbitmq.PublishMessage, 0, len(messages))
	for _, m := range messages {
		msg, err := p.build(m.Exchange, m.Body, m.Options)
		if err != nil {
			return err
		}
		batch = append(batch, rabbitmq.PublishMessage{
			Exchange:   m.Exchange,
			RoutingKey: m.RoutingKey,
			Message:    msg,
		})
	}

	if err := p.publisher.PublishBatch(ctx, batch); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

func (p *Producer) producible(exchange string) (cfg config.ExchangeConfig, err error) {
	if p.exchanges == nil {
		return cfg, fmt.Errorf("%w: %s", ErrExchangeNotConfigured, exchange)
	}
	cfg, ok := p.exchanges.Exchange(exchange)
	if !ok {
		return cfg, fmt.Errorf("%w: %s", ErrExchangeNotConfigured, exchange)
	}
	if !cfg.Role.CanProduce() {
		return cfg, fmt.Errorf("%w: %s has role %s", ErrExchangeNotProducible, exchange, cfg.Role)
	}
	return cfg, nil
}

func (p *Producer) build(exchange string, body []byte, opts []SendOption) (amqp.Publishing, error) {
	cfg, err := p.producible(exchange)
	if err != nil {
		return amqp.Publishing{}, err
	}

	msg := amqp.Publishing{
		MessageId: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Body:      body,
	}
	if cfg.Durable {
		msg.DeliveryMode = amqp.Persistent
	}
	for _, opt := range opts {
		opt(&msg)
	}
	return msg, nil
}
