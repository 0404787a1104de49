package messaging

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/glimte/amqprouter/contracts"
	"github.com/glimte/amqprouter/interceptors"
)

// Middleware serves both the success and the failure chain
type Middleware interface {
	interceptors.Interceptor
	interceptors.FailureInterceptor
}

// PipelineExecutor is the entry point for a delivery. It wraps dispatch in
// the success chain and the error processor in the failure chain, and never
// lets an error or panic reach the consumer loop.
//
// Middleware is added before the first Execute; the chains are not guarded
// for concurrent modification.
type PipelineExecutor struct {
	dispatcher interceptors.MessageHandler
	failure    interceptors.FailureHandler
	success    *interceptors.InterceptorChain
	failures   *interceptors.FailureChain
	logger     *slog.Logger
}

// PipelineOption configures the PipelineExecutor
type PipelineOption func(*PipelineExecutor)

// WithPipelineLogger sets the logger
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *PipelineExecutor) {
		p.logger = logger
	}
}

// NewPipelineExecutor creates a pipeline around a dispatcher and a failure
// handler, normally a *Dispatcher and an *ErrorProcessor
func NewPipelineExecutor(dispatcher interceptors.MessageHandler, failure interceptors.FailureHandler, options ...PipelineOption) *PipelineExecutor {
	p := &PipelineExecutor{
		dispatcher: dispatcher,
		failure:    failure,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	p.success = interceptors.NewInterceptorChain(p.logger)
	p.failures = interceptors.NewFailureChain()
	return p
}

// Use adds a success-path interceptor. The last one added runs first.
func (p *PipelineExecutor) Use(interceptor interceptors.Interceptor) *PipelineExecutor {
	p.success.Add(interceptor)
	return p
}

// UseFailure adds a failure-path interceptor. The last one added runs first.
func (p *PipelineExecutor) UseFailure(interceptor interceptors.FailureInterceptor) *PipelineExecutor {
	p.failures.Add(interceptor)
	return p
}

// UseBoth adds a middleware to both chains
func (p *PipelineExecutor) UseBoth(m Middleware) *PipelineExecutor {
	p.success.Add(m)
	p.failures.Add(m)
	return p
}

// Interceptors returns the success chain names, outermost first
func (p *PipelineExecutor) Interceptors() []string {
	return p.success.Names()
}

// Execute processes one delivery. The delivery is acknowledged whatever the
// outcome, unless it is in auto-ack mode or already acknowledged.
func (p *PipelineExecutor) Execute(ctx context.Context, msg *contracts.MessageContext) {
	if err := p.runSuccess(ctx, msg); err != nil {
		p.runFailure(ctx, msg, err)
	}

	if msg.RequiresAck() {
		if err := msg.Ack(); err != nil {
			p.logger.ErrorContext(ctx, "failed to acknowledge delivery",
				"exchange", msg.Exchange,
				"routingKey", msg.RoutingKey,
				"error", err)
		}
	}
}

func (p *PipelineExecutor) runSuccess(ctx context.Context, msg *contracts.MessageContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "panic while handling message",
				"exchange", msg.Exchange,
				"routingKey", msg.RoutingKey,
				"panic", r,
				"stack", string(debug.Stack()))
			err = &PanicError{Value: r}
		}
	}()
	return p.success.Execute(ctx, msg, p.dispatcher)
}

func (p *PipelineExecutor) runFailure(ctx context.Context, msg *contracts.MessageContext, cause error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "panic while handling failed message",
				"exchange", msg.Exchange,
				"routingKey", msg.RoutingKey,
				"cause", cause,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	p.failures.Execute(ctx, msg, cause, p.failure)
}
