package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrNilHandler is returned when a binding carries no handler
	ErrNilHandler = errors.New("messaging: handler is nil")
	// ErrUnnamedHandler is returned for handlers without a stable type identity,
	// such as function adapters or anonymous structs, that were not given a name
	ErrUnnamedHandler = errors.New("messaging: handler needs a name")
	// ErrNoPatterns is returned for a binding without routing patterns
	ErrNoPatterns = errors.New("messaging: binding has no routing patterns")
	// ErrConflictingPriority is returned when a handler is bound twice in one
	// scope to overlapping patterns with different priorities
	ErrConflictingPriority = errors.New("messaging: conflicting priority for overlapping patterns")
	// ErrRegistryBuilt is returned by Register after Build
	ErrRegistryBuilt = errors.New("messaging: registry already built")

	// ErrExchangeNotConfigured is returned when producing to an unknown exchange
	ErrExchangeNotConfigured = errors.New("messaging: exchange not configured")
	// ErrExchangeNotProducible is returned when producing to a consumption-only exchange
	ErrExchangeNotProducible = errors.New("messaging: exchange is not configured for production")
	// ErrNoDeadLetterExchange is returned by delayed sends to an exchange without one
	ErrNoDeadLetterExchange = errors.New("messaging: exchange has no dead letter exchange")
	// ErrExpirationWithDelay is returned by delayed sends with WithExpiration
	ErrExpirationWithDelay = errors.New("messaging: delayed messages cannot carry an expiration")
)

// RegistrationError describes a rejected handler binding
type RegistrationError struct {
	Handler  string
	Exchange string
	Pattern  string
	// Existing is the previously registered pattern the binding conflicts with
	Existing string
	Err      error
}

func (e *RegistrationError) Error() string {
	scope := e.Exchange
	if scope == "" {
		scope = "<general>"
	}
	if e.Existing != "" {
		return fmt.Sprintf("register %s on %s: pattern %q overlaps %q: %v", e.Handler, scope, e.Pattern, e.Existing, e.Err)
	}
	if e.Pattern != "" {
		return fmt.Sprintf("register %s on %s: pattern %q: %v", e.Handler, scope, e.Pattern, e.Err)
	}
	return fmt.Sprintf("register %s on %s: %v", e.Handler, scope, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// HandlerError wraps the error of the handler that aborted a dispatch
type HandlerError struct {
	Handler    string
	Pattern    string
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s (pattern %q) failed for %s/%s: %v", e.Handler, e.Pattern, e.Exchange, e.RoutingKey, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// PanicError carries a panic recovered while processing a delivery
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic during message processing: %v", e.Value)
}
