package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/amqprouter/contracts"
	"github.com/glimte/amqprouter/routing"
	"github.com/tidwall/gjson"
)

// ErrMessageFiltered is returned by a FilteringInterceptor using SkipWithError
var ErrMessageFiltered = errors.New("message filtered")

// MessageFilter defines the interface for message filtering
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, msg *contracts.MessageContext) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *contracts.MessageContext) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *contracts.MessageContext) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently skips the message without error
	SkipSilently SkipBehavior = iota
	// SkipWithError returns ErrMessageFiltered, which sends the message down the failure chain
	SkipWithError
	// SkipWithLog logs that the message was skipped
	SkipWithLog
)

// FilteringInterceptor filters messages based on conditions. A skipped message
// never reaches the dispatcher, so nothing acknowledges it there; the pipeline
// acknowledges skipped deliveries itself.
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg *contracts.MessageContext, next MessageHandler) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return fmt.Errorf("%w: exchange=%s, routingKey=%s", ErrMessageFiltered, msg.Exchange, msg.RoutingKey)
		case SkipWithLog:
			i.logger.InfoContext(ctx, "message skipped by filter",
				"exchange", msg.Exchange,
				"routingKey", msg.RoutingKey,
			)
			return nil
		default:
			return nil
		}
	}

	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg *contracts.MessageContext) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, msg *contracts.MessageContext) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if shouldProcess {
			return true, nil
		}
	}
	return false, nil
}

// RoutingKeyFilter accepts messages whose routing key matches any of its patterns
type RoutingKeyFilter struct {
	patterns []string
}

// NewRoutingKeyFilter creates a filter over route patterns
func NewRoutingKeyFilter(patterns ...string) (*RoutingKeyFilter, error) {
	for _, p := range patterns {
		if err := routing.ValidatePattern(p); err != nil {
			return nil, err
		}
	}
	return &RoutingKeyFilter{patterns: patterns}, nil
}

// ShouldProcess implements MessageFilter
func (f *RoutingKeyFilter) ShouldProcess(ctx context.Context, msg *contracts.MessageContext) (bool, error) {
	for _, p := range f.patterns {
		if routing.MatchPattern(p, msg.RoutingKey) {
			return true, nil
		}
	}
	return false, nil
}

// HeaderFilter accepts messages carrying a header with the expected value
type HeaderFilter struct {
	key           string
	expectedValue any
}

// NewHeaderFilter creates a filter that checks a header value
func NewHeaderFilter(key string, expectedValue any) *HeaderFilter {
	return &HeaderFilter{key: key, expectedValue: expectedValue}
}

// ShouldProcess implements MessageFilter
func (f *HeaderFilter) ShouldProcess(ctx context.Context, msg *contracts.MessageContext) (bool, error) {
	value, exists := msg.Header(f.key)
	if !exists {
		return false, nil
	}
	return value == f.expectedValue, nil
}

// JSONFieldFilter accepts messages whose JSON body has a field at path,
// optionally with an expected string value. Path syntax is gjson's.
type JSONFieldFilter struct {
	path     string
	expected *string
}

// NewJSONFieldExistsFilter matches when the path exists in the body
func NewJSONFieldExistsFilter(path string) *JSONFieldFilter {
	return &JSONFieldFilter{path: path}
}

// NewJSONFieldFilter matches when the value at path equals expected
func NewJSONFieldFilter(path, expected string) *JSONFieldFilter {
	return &JSONFieldFilter{path: path, expected: &expected}
}

// ShouldProcess implements MessageFilter
func (f *JSONFieldFilter) ShouldProcess(ctx context.Context, msg *contracts.MessageContext) (bool, error) {
	if !gjson.ValidBytes(msg.Body) {
		return false, nil
	}
	result := gjson.GetBytes(msg.Body, f.path)
	if !result.Exists() {
		return false, nil
	}
	if f.expected == nil {
		return true, nil
	}
	return result.String() == *f.expected, nil
}

// JSONBodyValidator rejects bodies that are not well-formed JSON
func JSONBodyValidator() MessageValidator {
	return MessageValidatorFunc(func(ctx context.Context, msg *contracts.MessageContext) error {
		if !gjson.ValidBytes(msg.Body) {
			return fmt.Errorf("body of %s is not valid JSON", msg.RoutingKey)
		}
		return nil
	})
}

// ConditionalInterceptor executes an interceptor only if a condition is met
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, msg *contracts.MessageContext, next MessageHandler) error {
	shouldExecute, err := i.condition.ShouldProcess(ctx, msg)
	if err != nil {
		return err
	}

	if shouldExecute {
		return i.interceptor.Intercept(ctx, msg, next)
	}

	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
