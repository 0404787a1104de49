package contracts

import (
	"math"
	"strconv"
)

const (
	// RequeueAttemptsHeader counts how many times a failed message was requeued
	RequeueAttemptsHeader = "re-queue-attempts"
	// OriginalExchangeHeader records the exchange a delayed message returns to
	OriginalExchangeHeader = "x-original-exchange"
	// OriginalRoutingKeyHeader records the routing key a delayed message returns to
	OriginalRoutingKeyHeader = "x-original-routing-key"
)

// RequeueAttempts reads the requeue counter. The second result is false when
// the header is absent or not an integer.
func (m *MessageContext) RequeueAttempts() (int, bool) {
	v, ok := m.Headers[RequeueAttemptsHeader]
	if !ok {
		return 0, false
	}
	return HeaderInt(v)
}

// SetRequeueAttempts writes the requeue counter as an AMQP long-int
func (m *MessageContext) SetRequeueAttempts(n int) {
	if n > math.MaxInt32 {
		n = math.MaxInt32
	}
	m.SetHeader(RequeueAttemptsHeader, int32(n))
}

// HeaderInt converts a header value to int. AMQP peers encode integers with
// varying widths, and some clients send them as strings.
func HeaderInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		if n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	case float32:
		return int(n), float32(int(n)) == n
	case float64:
		return int(n), float64(int(n)) == n
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}
