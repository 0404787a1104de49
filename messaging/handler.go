package messaging

import (
	"context"
	"reflect"
	"strings"

	"github.com/glimte/amqprouter/contracts"
)

// MessageHandler processes a delivery synchronously
type MessageHandler interface {
	Handle(ctx context.Context, msg *contracts.MessageContext) error
}

// MessageHandlerFunc is a function adapter for MessageHandler. Bindings of
// function adapters need a name.
type MessageHandlerFunc func(ctx context.Context, msg *contracts.MessageContext) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg *contracts.MessageContext) error {
	return f(ctx, msg)
}

// AsyncMessageHandler starts processing and reports the outcome on the
// returned channel. The dispatcher waits for the outcome before running the
// next handler. A nil or closed channel counts as success.
type AsyncMessageHandler interface {
	HandleAsync(ctx context.Context, msg *contracts.MessageContext) <-chan error
}

// AsyncMessageHandlerFunc is a function adapter for AsyncMessageHandler
type AsyncMessageHandlerFunc func(ctx context.Context, msg *contracts.MessageContext) <-chan error

// HandleAsync implements AsyncMessageHandler
func (f AsyncMessageHandlerFunc) HandleAsync(ctx context.Context, msg *contracts.MessageContext) <-chan error {
	return f(ctx, msg)
}

// HandlerKind tells synchronous and asynchronous handlers apart
type HandlerKind int

const (
	HandlerSync HandlerKind = iota
	HandlerAsync
)

func (k HandlerKind) String() string {
	if k == HandlerAsync {
		return "async"
	}
	return "sync"
}

// handlerRef is a handler resolved at binding time
type handlerRef struct {
	kind     HandlerKind
	sync     MessageHandler
	async    AsyncMessageHandler
	identity string
}

func (h handlerRef) invoke(ctx context.Context, msg *contracts.MessageContext) error {
	if h.kind == HandlerAsync {
		done := h.async.HandleAsync(ctx, msg)
		if done == nil {
			return nil
		}
		return <-done
	}
	return h.sync.Handle(ctx, msg)
}

// typeIdentity returns the package-qualified type name of a handler. Function
// types and unnamed types have no usable identity.
func typeIdentity(handler any) (string, bool) {
	t := reflect.TypeOf(handler)
	if t == nil {
		return "", false
	}

	var prefix strings.Builder
	for t.Kind() == reflect.Pointer {
		prefix.WriteByte('*')
		t = t.Elem()
	}
	if t.Kind() == reflect.Func || t.Name() == "" {
		return "", false
	}
	if t.PkgPath() == "" {
		return prefix.String() + t.Name(), true
	}
	return prefix.String() + t.PkgPath() + "." + t.Name(), true
}
