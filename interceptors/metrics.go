package interceptors

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/glimte/amqprouter/contracts"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsInterceptor records Prometheus metrics about message processing
type MetricsInterceptor struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	processed *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amqprouter",
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetricsInterceptor creates a metrics interceptor. A nil registerer means
// prometheus.DefaultRegisterer.
func NewMetricsInterceptor(registerer prometheus.Registerer) *MetricsInterceptor {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &MetricsInterceptor{
		registerer: registerer,
		processed:  newCounterVec("messages_total", "Total number of deliveries by outcome", []string{"exchange", "outcome"}),
		failures:   newCounterVec("failures_total", "Total number of deliveries handed to the failure chain", []string{"exchange"}),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "amqprouter",
				Subsystem: "pipeline",
				Name:      "processing_seconds",
				Help:      "Time spent dispatching a delivery to its handlers",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"exchange"},
		),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (i *MetricsInterceptor) Register() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.registered {
		return nil
	}

	var err error
	if i.processed, err = register(i.registerer, i.processed); err != nil {
		return err
	}
	if i.failures, err = register(i.registerer, i.failures); err != nil {
		return err
	}
	if i.duration, err = register(i.registerer, i.duration); err != nil {
		return err
	}

	i.registered = true
	return nil
}

// register registers c, or returns the collector registered before it
func register[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return c, err
		}
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, nil
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, msg *contracts.MessageContext, next MessageHandler) error {
	start := time.Now()

	err := next.Handle(ctx, msg)
	i.duration.WithLabelValues(msg.Exchange).Observe(time.Since(start).Seconds())

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	i.processed.WithLabelValues(msg.Exchange, outcome).Inc()

	return err
}

// InterceptFailure implements FailureInterceptor
func (i *MetricsInterceptor) InterceptFailure(ctx context.Context, msg *contracts.MessageContext, err error, next FailureHandler) {
	i.failures.WithLabelValues(msg.Exchange).Inc()
	next.HandleFailure(ctx, msg, err)
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}
