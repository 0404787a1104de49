package messaging

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"github.com/glimte/amqprouter/contracts"
	"github.com/glimte/amqprouter/routing"
)

// Invocation is one handler call planned for a delivery
type Invocation struct {
	Handler  string
	Pattern  string
	Priority int
	Kind     HandlerKind

	ref      handlerRef
	sequence int
}

// Dispatcher runs the handlers matching a delivery's exchange and routing key
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher over a built registry
func NewDispatcher(registry *Registry, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Plan resolves the handlers for a delivery in invocation order. A handler
// matched through several patterns appears once, under the first pattern the
// trie yields. The second result is false when no container serves the exchange.
func (d *Dispatcher) Plan(exchange, routingKey string) ([]Invocation, bool) {
	container, ok := d.registry.Container(exchange)
	if !ok {
		return nil, false
	}

	var plan []Invocation
	seen := make(map[string]struct{})
	for pattern := range container.trie.Match(routing.Split(routingKey)) {
		for _, ref := range container.handlers[pattern] {
			if _, dup := seen[ref.identity]; dup {
				continue
			}
			seen[ref.identity] = struct{}{}
			plan = append(plan, Invocation{
				Handler:  ref.identity,
				Pattern:  pattern,
				Priority: container.priority(ref.identity, pattern),
				Kind:     ref.kind,
				ref:      ref,
				sequence: container.sequence[ref.identity],
			})
		}
	}

	slices.SortFunc(plan, func(a, b Invocation) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.sequence, b.sequence)
	})
	return plan, true
}

// Handle implements interceptors.MessageHandler
func (d *Dispatcher) Handle(ctx context.Context, msg *contracts.MessageContext) error {
	return d.HandleDelivery(ctx, msg)
}

// HandleDelivery invokes the planned handlers one after another. The first
// handler error stops the dispatch and is returned as a *HandlerError. On
// success the delivery is acknowledged if it still requires it.
func (d *Dispatcher) HandleDelivery(ctx context.Context, msg *contracts.MessageContext) error {
	plan, ok := d.Plan(msg.Exchange, msg.RoutingKey)
	if !ok {
		d.logger.WarnContext(ctx, "no container for exchange",
			"exchange", msg.Exchange,
			"routingKey", msg.RoutingKey)
		d.ack(ctx, msg)
		return nil
	}

	if len(plan) == 0 {
		d.logger.DebugContext(ctx, "no handlers matched",
			"exchange", msg.Exchange,
			"routingKey", msg.RoutingKey)
	}

	for _, inv := range plan {
		d.logger.DebugContext(ctx, "invoking handler",
			"handler", inv.Handler,
			"pattern", inv.Pattern,
			"priority", inv.Priority,
			"exchange", msg.Exchange,
			"routingKey", msg.RoutingKey)

		if err := inv.ref.invoke(ctx, msg); err != nil {
			return &HandlerError{
				Handler:    inv.Handler,
				Pattern:    inv.Pattern,
				Exchange:   msg.Exchange,
				RoutingKey: msg.RoutingKey,
				Err:        err,
			}
		}
	}

	d.ack(ctx, msg)
	return nil
}

func (d *Dispatcher) ack(ctx context.Context, msg *contracts.MessageContext) {
	if !msg.RequiresAck() {
		return
	}
	if err := msg.Ack(); err != nil {
		d.logger.ErrorContext(ctx, "failed to acknowledge delivery",
			"exchange", msg.Exchange,
			"routingKey", msg.RoutingKey,
			"deliveryTag", msg.DeliveryTag,
			"error", err)
	}
}
