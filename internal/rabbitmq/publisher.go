package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// publishChannel is the subset of *amqp.Channel the publisher uses
type publishChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	IsClosed() bool
	Close() error
}

// Publisher publishes on one shared channel. amqp091 channels are not safe for
// concurrent publishers, so every publish holds the mutex until it is written
// and, in confirm mode, acknowledged.
type Publisher struct {
	open           func() (publishChannel, error)
	confirm        bool
	confirmTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	ch     publishChannel
	closed bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithConfirmMode enables publisher confirms on the shared channel
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirm = enabled
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher that opens its channel from the connection
// manager on first use and again after the channel is lost.
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		confirm:        true,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}

	p.open = func() (publishChannel, error) {
		ch, err := manager.Channel()
		if err != nil {
			return nil, err
		}
		if p.confirm {
			if err := ch.Confirm(false); err != nil {
				ch.Close()
				return nil, fmt.Errorf("enable confirms: %w", err)
			}
		}
		return ch, nil
	}

	return p
}

// channel returns the shared channel, reopening it if needed. Callers hold p.mu.
func (p *Publisher) channel() (publishChannel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.open()
	if err != nil {
		return nil, err
	}
	p.ch = ch
	p.logger.Debug("opened publishing channel", "confirm", p.confirm)
	return ch, nil
}

// Publish publishes a single message
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.publishLocked(ctx, exchange, routingKey, msg); err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// PublishMessage represents one entry of a batch
type PublishMessage struct {
	Exchange   string
	RoutingKey string
	Message    amqp.Publishing
}

// PublishBatch publishes messages in order without interleaving other
// publishers. It stops at the first failure.
func (p *Publisher) PublishBatch(ctx context.Context, messages []PublishMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, m := range messages {
		if err := p.publishLocked(ctx, m.Exchange, m.RoutingKey, m.Message); err != nil {
			return &PublishError{
				Exchange:   m.Exchange,
				RoutingKey: m.RoutingKey,
				Err:        fmt.Errorf("batch message %d: %w", i, err),
				Timestamp:  time.Now(),
			}
		}
	}
	return nil
}

func (p *Publisher) publishLocked(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if p.closed {
		return ErrPublisherClosed
	}

	ch, err := p.channel()
	if err != nil {
		return err
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return err
	}
	if dc == nil {
		return nil
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()
	acked, err := dc.WaitContext(confirmCtx)
	if err != nil {
		return fmt.Errorf("waiting for confirmation: %w", err)
	}
	if !acked {
		return ErrPublishNotConfirmed
	}
	return nil
}

// Close closes the shared channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch.Close()
	}
	return nil
}
