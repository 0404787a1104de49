package messaging

import (
	"context"
	"log/slog"

	"github.com/glimte/amqprouter/config"
	"github.com/glimte/amqprouter/contracts"
	"github.com/glimte/amqprouter/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeLookup resolves the configuration of an exchange. *config.Config
// implements it.
type ExchangeLookup interface {
	Exchange(name string) (config.ExchangeConfig, bool)
}

// Scheduler parks a message for delayed redelivery
type Scheduler interface {
	Schedule(ctx context.Context, msg reliability.DelayedMessage) error
}

// ErrorProcessor decides whether a failed delivery gets another attempt. The
// attempt count travels in the re-queue-attempts header; once it reaches the
// exchange's RequeueAttempts the message is dropped.
type ErrorProcessor struct {
	exchanges ExchangeLookup
	scheduler Scheduler
	logger    *slog.Logger
	metrics   *RequeueMetrics
}

// ErrorProcessorOption configures the ErrorProcessor
type ErrorProcessorOption func(*ErrorProcessor)

// WithErrorProcessorLogger sets the logger
func WithErrorProcessorLogger(logger *slog.Logger) ErrorProcessorOption {
	return func(p *ErrorProcessor) {
		p.logger = logger
	}
}

// WithRequeueMetrics records requeue decisions
func WithRequeueMetrics(metrics *RequeueMetrics) ErrorProcessorOption {
	return func(p *ErrorProcessor) {
		p.metrics = metrics
	}
}

// NewErrorProcessor creates an error processor
func NewErrorProcessor(exchanges ExchangeLookup, scheduler Scheduler, options ...ErrorProcessorOption) *ErrorProcessor {
	p := &ErrorProcessor{
		exchanges: exchanges,
		scheduler: scheduler,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// HandleFailure implements interceptors.FailureHandler. The delivery is
// acknowledged first, so the broker never redelivers it; further attempts come
// only from the delay queue.
func (p *ErrorProcessor) HandleFailure(ctx context.Context, msg *contracts.MessageContext, err error) {
	if msg.RequiresAck() {
		if ackErr := msg.Ack(); ackErr != nil {
			p.logger.ErrorContext(ctx, "failed to acknowledge failed delivery",
				"exchange", msg.Exchange,
				"routingKey", msg.RoutingKey,
				"error", ackErr)
		}
	}

	p.logger.ErrorContext(ctx, "message processing failed",
		"exchange", msg.Exchange,
		"routingKey", msg.RoutingKey,
		"messageId", msg.MessageID,
		"error", err)

	var exchange config.ExchangeConfig
	var ok bool
	if p.exchanges != nil {
		exchange, ok = p.exchanges.Exchange(msg.Exchange)
	}
	if !ok {
		p.drop(ctx, msg, DropUnconfigured, "no configuration for exchange, not requeueing")
		return
	}

	switch {
	case !exchange.RequeueFailedMessages:
		p.drop(ctx, msg, DropDisabled, "requeue of failed messages is disabled")
		return
	case exchange.DeadLetterExchange == "":
		p.drop(ctx, msg, DropNoDeadLetter, "no dead letter exchange configured")
		return
	case exchange.RequeueTimeoutMilliseconds < 1:
		p.drop(ctx, msg, DropInvalidTimeout, "requeue timeout must be at least 1ms")
		return
	case exchange.RequeueAttempts < 1:
		p.drop(ctx, msg, DropInvalidBudget, "requeue attempts must be at least 1")
		return
	}

	next := 1
	if raw, present := msg.Header(contracts.RequeueAttemptsHeader); present {
		attempts, valid := contracts.HeaderInt(raw)
		if !valid || attempts < 0 {
			p.drop(ctx, msg, DropMalformed, "requeue attempts header is not a non-negative integer")
			return
		}
		if attempts >= exchange.RequeueAttempts {
			p.logger.WarnContext(ctx, "attempts exhausted, dropping message",
				"exchange", msg.Exchange,
				"routingKey", msg.RoutingKey,
				"attempts", attempts,
				"maxAttempts", exchange.RequeueAttempts)
			p.metrics.recordDropped(msg.Exchange, DropExhausted)
			return
		}
		next = attempts + 1
	}

	msg.SetRequeueAttempts(next)
	headers := msg.CloneHeaders()
	headers[contracts.OriginalExchangeHeader] = msg.Exchange
	headers[contracts.OriginalRoutingKeyHeader] = msg.RoutingKey

	delayed := reliability.NewDelayedMessage(exchange, msg.RoutingKey, exchange.RequeueTimeout(), republish(msg, headers))
	if schedErr := p.scheduler.Schedule(ctx, delayed); schedErr != nil {
		p.logger.ErrorContext(ctx, "failed to requeue message",
			"exchange", msg.Exchange,
			"routingKey", msg.RoutingKey,
			"attempt", next,
			"error", schedErr)
		p.metrics.recordDropped(msg.Exchange, DropScheduleFailed)
		return
	}

	p.logger.InfoContext(ctx, "message requeued",
		"exchange", msg.Exchange,
		"routingKey", msg.RoutingKey,
		"attempt", next,
		"maxAttempts", exchange.RequeueAttempts,
		"delay", delayed.Delay)
	p.metrics.recordRequeued(msg.Exchange)
}

// republish rebuilds the publishing of a delivery with new headers
func republish(msg *contracts.MessageContext, headers map[string]any) amqp.Publishing {
	props := msg.Properties
	return amqp.Publishing{
		Headers:         amqp.Table(headers),
		ContentType:     msg.ContentType,
		ContentEncoding: props.ContentEncoding,
		DeliveryMode:    props.DeliveryMode,
		Priority:        props.Priority,
		CorrelationId:   props.CorrelationID,
		ReplyTo:         props.ReplyTo,
		MessageId:       msg.MessageID,
		Timestamp:       msg.Timestamp,
		Type:            props.Type,
		AppId:           props.AppID,
		Body:            msg.Body,
	}
}

func (p *ErrorProcessor) drop(ctx context.Context, msg *contracts.MessageContext, reason, text string) {
	p.logger.WarnContext(ctx, text,
		"exchange", msg.Exchange,
		"routingKey", msg.RoutingKey,
		"reason", reason)
	p.metrics.recordDropped(msg.Exchange, reason)
}
