package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/amqprouter/contracts"
)

// MessageHandler represents a message handler in the interceptor chain
type MessageHandler interface {
	Handle(ctx context.Context, msg *contracts.MessageContext) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg *contracts.MessageContext) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg *contracts.MessageContext) error {
	return f(ctx, msg)
}

// Interceptor wraps the success path of a delivery
type Interceptor interface {
	// Intercept processes a message and calls the next handler in the chain
	Intercept(ctx context.Context, msg *contracts.MessageContext, next MessageHandler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *contracts.MessageContext, next MessageHandler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *contracts.MessageContext, next MessageHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *contracts.MessageContext, next MessageHandler) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// FailureHandler receives a delivery whose dispatch failed
type FailureHandler interface {
	HandleFailure(ctx context.Context, msg *contracts.MessageContext, err error)
}

// FailureHandlerFunc is a function adapter for FailureHandler
type FailureHandlerFunc func(ctx context.Context, msg *contracts.MessageContext, err error)

// HandleFailure implements FailureHandler
func (f FailureHandlerFunc) HandleFailure(ctx context.Context, msg *contracts.MessageContext, err error) {
	f(ctx, msg, err)
}

// FailureInterceptor wraps the failure path of a delivery. Not calling next
// suppresses the requeue decision for that delivery.
type FailureInterceptor interface {
	InterceptFailure(ctx context.Context, msg *contracts.MessageContext, err error, next FailureHandler)
	Name() string
}

// FailureInterceptorFunc is a function adapter for FailureInterceptor
type FailureInterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *contracts.MessageContext, err error, next FailureHandler)
}

// NewFailureInterceptorFunc creates a new function-based failure interceptor
func NewFailureInterceptorFunc(name string, fn func(ctx context.Context, msg *contracts.MessageContext, err error, next FailureHandler)) *FailureInterceptorFunc {
	return &FailureInterceptorFunc{name: name, fn: fn}
}

// InterceptFailure implements FailureInterceptor
func (i *FailureInterceptorFunc) InterceptFailure(ctx context.Context, msg *contracts.MessageContext, err error, next FailureHandler) {
	i.fn(ctx, msg, err, next)
}

// Name implements FailureInterceptor
func (i *FailureInterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain. It becomes the new outermost interceptor.
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Names returns the interceptor names from outermost to innermost
func (c *InterceptorChain) Names() []string {
	names := make([]string, 0, len(c.interceptors))
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		names = append(names, c.interceptors[i].Name())
	}
	return names
}

// Then composes the chain around finalHandler
func (c *InterceptorChain) Then(finalHandler MessageHandler) MessageHandler {
	handler := finalHandler
	for _, interceptor := range c.interceptors {
		inner := handler
		handler = MessageHandlerFunc(func(ctx context.Context, msg *contracts.MessageContext) error {
			return interceptor.Intercept(ctx, msg, inner)
		})
	}
	return handler
}

// Execute executes the interceptor chain
func (c *InterceptorChain) Execute(ctx context.Context, msg *contracts.MessageContext, finalHandler MessageHandler) error {
	if len(c.interceptors) == 0 {
		return finalHandler.Handle(ctx, msg)
	}
	return c.Then(finalHandler).Handle(ctx, msg)
}

// FailureChain manages a chain of failure interceptors
type FailureChain struct {
	interceptors []FailureInterceptor
}

// NewFailureChain creates an empty failure chain
func NewFailureChain() *FailureChain {
	return &FailureChain{}
}

// Add adds a failure interceptor. It becomes the new outermost interceptor.
func (c *FailureChain) Add(interceptor FailureInterceptor) *FailureChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of failure interceptors
func (c *FailureChain) Len() int {
	return len(c.interceptors)
}

// Then composes the chain around finalHandler
func (c *FailureChain) Then(finalHandler FailureHandler) FailureHandler {
	handler := finalHandler
	for _, interceptor := range c.interceptors {
		inner := handler
		handler = FailureHandlerFunc(func(ctx context.Context, msg *contracts.MessageContext, err error) {
			interceptor.InterceptFailure(ctx, msg, err, inner)
		})
	}
	return handler
}

// Execute runs the failure chain
func (c *FailureChain) Execute(ctx context.Context, msg *contracts.MessageContext, err error, finalHandler FailureHandler) {
	c.Then(finalHandler).HandleFailure(ctx, msg, err)
}

// ValidationInterceptor validates messages before processing
type ValidationInterceptor struct {
	validator MessageValidator
}

// MessageValidator defines the interface for message validation
type MessageValidator interface {
	Validate(ctx context.Context, msg *contracts.MessageContext) error
}

// MessageValidatorFunc is a function adapter for MessageValidator
type MessageValidatorFunc func(ctx context.Context, msg *contracts.MessageContext) error

// Validate implements MessageValidator
func (f MessageValidatorFunc) Validate(ctx context.Context, msg *contracts.MessageContext) error {
	return f(ctx, msg)
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator MessageValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, msg *contracts.MessageContext, next MessageHandler) error {
	if err := i.validator.Validate(ctx, msg); err != nil {
		return fmt.Errorf("message validation failed: %w", err)
	}

	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}
