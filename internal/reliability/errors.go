package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingDeadLetterExchange is returned when a message has nowhere to be parked
	ErrMissingDeadLetterExchange = errors.New("reliability: dead letter exchange is required")
	// ErrInvalidDelay is returned for delays below one millisecond
	ErrInvalidDelay = errors.New("reliability: delay must be at least one millisecond")
	// ErrMissingTarget is returned when the original exchange is unknown
	ErrMissingTarget = errors.New("reliability: target exchange is required")
	// ErrExpirationNotDelayable is returned for messages with a per-message TTL
	ErrExpirationNotDelayable = errors.New("reliability: delayed messages cannot carry an expiration")
)

// ScheduleError describes a failure to park a message
type ScheduleError struct {
	Op         string
	Queue      string
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *ScheduleError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("schedule error: %s %s for %s/%s: %v", e.Op, e.Queue, e.Exchange, e.RoutingKey, e.Err)
	}
	return fmt.Sprintf("schedule error: %s for %s/%s: %v", e.Op, e.Exchange, e.RoutingKey, e.Err)
}

func (e *ScheduleError) Unwrap() error {
	return e.Err
}
