package interceptors

import (
	"context"

	"github.com/glimte/amqprouter/contracts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/amqprouter"

// TracingInterceptor wraps dispatch in an OpenTelemetry span
type TracingInterceptor struct {
	tracer trace.Tracer
}

// NewTracingInterceptor creates a tracing interceptor. A nil tracer uses the
// global tracer provider.
func NewTracingInterceptor(tracer trace.Tracer) *TracingInterceptor {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &TracingInterceptor{tracer: tracer}
}

// Intercept implements Interceptor
func (i *TracingInterceptor) Intercept(ctx context.Context, msg *contracts.MessageContext, next MessageHandler) error {
	spanCtx, span := i.tracer.Start(ctx, "amqprouter.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", msg.Exchange),
		attribute.String("messaging.rabbitmq.destination.routing_key", msg.RoutingKey),
		attribute.Int64("messaging.rabbitmq.delivery_tag", int64(msg.DeliveryTag)),
	)
	if msg.MessageID != "" {
		span.SetAttributes(attribute.String("messaging.message.id", msg.MessageID))
	}
	if attempts, ok := msg.RequeueAttempts(); ok {
		span.SetAttributes(attribute.Int("amqprouter.requeue_attempts", attempts))
	}

	err := next.Handle(spanCtx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

// Name implements Interceptor
func (i *TracingInterceptor) Name() string {
	return "TracingInterceptor"
}
