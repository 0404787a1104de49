package messaging

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons reported by RequeueMetrics
const (
	DropUnconfigured   = "unconfigured"
	DropDisabled       = "requeue_disabled"
	DropNoDeadLetter   = "no_dead_letter_exchange"
	DropInvalidTimeout = "invalid_timeout"
	DropInvalidBudget  = "invalid_attempts"
	DropMalformed      = "malformed_header"
	DropExhausted      = "attempts_exhausted"
	DropScheduleFailed = "schedule_failed"
)

// RequeueMetrics counts requeue decisions of the ErrorProcessor
type RequeueMetrics struct {
	requeued *prometheus.CounterVec
	dropped  *prometheus.CounterVec
}

// NewRequeueMetrics creates the collectors and registers them with registerer.
// A nil registerer means prometheus.DefaultRegisterer. Collectors already
// registered by an earlier call are reused.
func NewRequeueMetrics(registerer prometheus.Registerer) (*RequeueMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	requeued, err := registerCounterVec(registerer, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amqprouter",
			Subsystem: "requeue",
			Name:      "scheduled_total",
			Help:      "Failed deliveries parked for another attempt",
		},
		[]string{"exchange"},
	))
	if err != nil {
		return nil, err
	}

	dropped, err := registerCounterVec(registerer, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amqprouter",
			Subsystem: "requeue",
			Name:      "dropped_total",
			Help:      "Failed deliveries dropped without another attempt",
		},
		[]string{"exchange", "reason"},
	))
	if err != nil {
		return nil, err
	}

	return &RequeueMetrics{requeued: requeued, dropped: dropped}, nil
}

func registerCounterVec(registerer prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func (m *RequeueMetrics) recordRequeued(exchange string) {
	if m == nil {
		return
	}
	m.requeued.WithLabelValues(exchange).Inc()
}

func (m *RequeueMetrics) recordDropped(exchange, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(exchange, reason).Inc()
}
