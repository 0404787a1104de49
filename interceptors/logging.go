package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/amqprouter/contracts"
)

// LoggingInterceptor logs message processing. It serves both chains.
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *contracts.MessageContext, next MessageHandler) error {
	start := time.Now()

	i.logger.DebugContext(ctx, "processing message",
		"exchange", msg.Exchange,
		"routingKey", msg.RoutingKey,
		"deliveryTag", msg.DeliveryTag,
		"redelivered", msg.Redelivered,
	)

	err := next.Handle(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.ErrorContext(ctx, "message processing failed",
			"exchange", msg.Exchange,
			"routingKey", msg.RoutingKey,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.InfoContext(ctx, "message processed successfully",
			"exchange", msg.Exchange,
			"routingKey", msg.RoutingKey,
			"duration", duration,
		)
	}

	return err
}

// InterceptFailure implements FailureInterceptor
func (i *LoggingInterceptor) InterceptFailure(ctx context.Context, msg *contracts.MessageContext, err error, next FailureHandler) {
	attempts, _ := msg.RequeueAttempts()
	i.logger.WarnContext(ctx, "handling failed message",
		"exchange", msg.Exchange,
		"routingKey", msg.RoutingKey,
		"requeueAttempts", attempts,
		"error", err,
	)
	next.HandleFailure(ctx, msg, err)
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}
