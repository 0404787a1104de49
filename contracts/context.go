package contracts

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrNoAcknowledger is returned when a manual-ack context has no ack capability
var ErrNoAcknowledger = errors.New("contracts: message context has no acknowledger")

// Acknowledger acknowledges a delivery by its tag. amqp091's Acknowledger
// satisfies it.
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
}

// MessageContext is the inbound delivery as seen by handlers and middleware.
// It is created per delivery and discarded after processing.
type MessageContext struct {
	Exchange    string
	RoutingKey  string
	Body        []byte
	Headers     map[string]any
	DeliveryTag uint64
	Redelivered bool
	// AutoAck is true when the broker acknowledged the delivery on receipt
	AutoAck bool

	ContentType string
	MessageID   string
	Timestamp   time.Time
	Properties  Properties

	acker Acknowledger
	acked atomic.Bool
}

// ContextOption configures a MessageContext
type ContextOption func(*MessageContext)

// WithHeaders sets the header bag
func WithHeaders(headers map[string]any) ContextOption {
	return func(m *MessageContext) {
		m.Headers = headers
	}
}

// WithDelivery attaches the delivery tag and the capability used to ack it
func WithDelivery(tag uint64, acker Acknowledger) ContextOption {
	return func(m *MessageContext) {
		m.DeliveryTag = tag
		m.acker = acker
	}
}

// WithAutoAck marks the delivery as already acknowledged by the broker
func WithAutoAck(autoAck bool) ContextOption {
	return func(m *MessageContext) {
		m.AutoAck = autoAck
	}
}

// WithRedelivered sets the redelivered flag
func WithRedelivered(redelivered bool) ContextOption {
	return func(m *MessageContext) {
		m.Redelivered = redelivered
	}
}

// WithProperties sets content type, message id and timestamp
func WithProperties(contentType, messageID string, timestamp time.Time) ContextOption {
	return func(m *MessageContext) {
		m.ContentType = contentType
		m.MessageID = messageID
		m.Timestamp = timestamp
	}
}

// Properties are the remaining basic properties of a delivery, kept so a
// requeued message is republished unchanged
type Properties struct {
	ContentEncoding string
	CorrelationID   string
	ReplyTo         string
	Type            string
	AppID           string
	DeliveryMode    uint8
	Priority        uint8
}

// WithBasicProperties sets the remaining basic properties
func WithBasicProperties(props Properties) ContextOption {
	return func(m *MessageContext) {
		m.Properties = props
	}
}

// NewMessageContext creates a context for one delivery
func NewMessageContext(exchange, routingKey string, body []byte, opts ...ContextOption) *MessageContext {
	m := &MessageContext{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Body:       body,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.Headers == nil {
		m.Headers = make(map[string]any)
	}
	return m
}

// RequiresAck reports whether the delivery still has to be acknowledged explicitly
func (m *MessageContext) RequiresAck() bool {
	return !m.AutoAck && !m.acked.Load()
}

// Acknowledged reports whether Ack has been called successfully or was skipped
// because the context is in auto-ack mode.
func (m *MessageContext) Acknowledged() bool {
	return m.AutoAck || m.acked.Load()
}

// Ack acknowledges the delivery. It is a no-op in auto-ack mode and after the
// first call, so the dispatcher and the error processor can both call it safely.
func (m *MessageContext) Ack() error {
	if m.AutoAck {
		return nil
	}
	if !m.acked.CompareAndSwap(false, true) {
		return nil
	}
	if m.acker == nil {
		return ErrNoAcknowledger
	}
	if err := m.acker.Ack(m.DeliveryTag, false); err != nil {
		return fmt.Errorf("ack delivery %d: %w", m.DeliveryTag, err)
	}
	return nil
}

// Header returns a header value
func (m *MessageContext) Header(key string) (any, bool) {
	v, ok := m.Headers[key]
	return v, ok
}

// SetHeader sets a header value, allocating the bag if needed
func (m *MessageContext) SetHeader(key string, value any) {
	if m.Headers == nil {
		m.Headers = make(map[string]any)
	}
	m.Headers[key] = value
}

// CloneHeaders returns a shallow copy of the header bag
func (m *MessageContext) CloneHeaders() map[string]any {
	out := make(map[string]any, len(m.Headers))
	for k, v := range m.Headers {
		out[k] = v
	}
	return out
}

func (m *MessageContext) String() string {
	return fmt.Sprintf("%s/%s#%d", m.Exchange, m.RoutingKey, m.DeliveryTag)
}
