// Copyright 2024 amqprouter Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package amqprouter consumes RabbitMQ queues and runs each delivery through a
// middleware pipeline to the handlers whose topic patterns match its routing
// key, requeueing failures through delay queues for a bounded number of
// attempts.
package amqprouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/glimte/amqprouter/config"
	"github.com/glimte/amqprouter/health"
	"github.com/glimte/amqprouter/interceptors"
	"github.com/glimte/amqprouter/internal/rabbitmq"
	"github.com/glimte/amqprouter/internal/reliability"
	"github.com/glimte/amqprouter/messaging"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNilConfig is returned by NewClient without a configuration
	ErrNilConfig = errors.New("amqprouter: config is nil")
	// ErrAlreadyConsuming is returned by StartConsuming while consumers run
	ErrAlreadyConsuming = errors.New("amqprouter: already consuming")
)

// Client wires configuration, handler registry and broker connection together.
// It declares the configured topology on Connect, consumes every queue of
// consumption exchanges through the message pipeline, and produces to
// production exchanges.
type Client struct {
	cfg      config.Config
	registry *messaging.Registry
	logger   *slog.Logger
	fatal    func(error)

	conn      *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	scheduler *reliability.DelayScheduler

	dispatcher *messaging.Dispatcher
	processor  *messaging.ErrorProcessor
	pipeline   *messaging.PipelineExecutor
	producer   *messaging.Producer

	mu         sync.Mutex
	consuming  bool
	consumeCtx context.Context
	recovering atomic.Bool
}

// clientConfig holds client options
type clientConfig struct {
	logger              *slog.Logger
	interceptors        []interceptors.Interceptor
	failureInterceptors []interceptors.FailureInterceptor
	fatal               func(error)
	registerer          prometheus.Registerer
	metrics             bool
	tracer              trace.Tracer
	tracing             bool
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithInterceptors adds success-path interceptors. The last one runs first.
func WithInterceptors(list ...interceptors.Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.interceptors = append(cfg.interceptors, list...)
	}
}

// WithFailureInterceptors adds failure-path interceptors. The last one runs first.
func WithFailureInterceptors(list ...interceptors.FailureInterceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.failureInterceptors = append(cfg.failureInterceptors, list...)
	}
}

// WithFatalErrorHandler replaces the handler called when the connection cannot
// be recovered. The default logs and exits the process.
func WithFatalErrorHandler(fn func(error)) ClientOption {
	return func(cfg *clientConfig) {
		cfg.fatal = fn
	}
}

// WithMetricsRegisterer enables Prometheus pipeline and requeue metrics. A nil
// registerer means prometheus.DefaultRegisterer.
func WithMetricsRegisterer(registerer prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = true
		cfg.registerer = registerer
	}
}

// WithTracer wraps every delivery in an OpenTelemetry span. A nil tracer uses
// the global tracer provider.
func WithTracer(tracer trace.Tracer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tracing = true
		cfg.tracer = tracer
	}
}

// NewClient validates cfg and builds the client. No connection is opened
// until Connect. registry may be nil for a client that only produces.
func NewClient(cfg *config.Config, registry *messaging.Registry, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	opts := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(opts)
	}

	c := &Client{
		cfg:      *cfg,
		registry: registry,
		logger:   opts.logger,
		fatal:    opts.fatal,
	}
	c.cfg.Exchanges = slices.Clone(cfg.Exchanges)
	c.cfg.ApplyDefaults()
	if err := c.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if c.fatal == nil {
		c.fatal = c.exitOnFatal
	}

	for _, exchange := range registry.Exchanges() {
		if _, ok := c.cfg.Exchange(exchange); !ok {
			c.logger.Warn("handlers bound to an exchange missing from configuration", "exchange", exchange)
		}
	}

	if err := c.build(opts); err != nil {
		if c.pool != nil {
			c.pool.Close()
		}
		return nil, err
	}
	return c, nil
}

func (c *Client) build(opts *clientConfig) error {
	conn := c.cfg.Connection
	c.conn = rabbitmq.NewConnectionManager(conn.URL,
		rabbitmq.WithLogger(c.logger),
		rabbitmq.WithHeartbeat(conn.Heartbeat),
		rabbitmq.WithReconnectDelay(conn.ReconnectDelay),
		rabbitmq.WithMaxRetries(conn.MaxReconnectAttempts),
		rabbitmq.WithConnectionName(conn.ClientProvidedName),
	)
	c.conn.AddStateListener(&recoveryListener{client: c})

	pool, err := rabbitmq.NewChannelPool(c.conn,
		rabbitmq.WithMaxSize(conn.ChannelPoolSize),
		rabbitmq.WithMinSize(0),
		rabbitmq.WithChannelLogger(c.logger),
	)
	if err != nil {
		return fmt.Errorf("create channel pool: %w", err)
	}
	c.pool = pool
	c.topology = rabbitmq.NewTopologyManager(pool)
	c.publisher = rabbitmq.NewPublisher(c.conn, rabbitmq.WithPublisherLogger(c.logger))
	c.consumer = rabbitmq.NewConsumer(pool,
		rabbitmq.WithPrefetchCount(conn.PrefetchCount),
		rabbitmq.WithConsumerLogger(c.logger),
	)
	c.scheduler = reliability.NewDelayScheduler(c.topology, c.publisher, reliability.WithSchedulerLogger(c.logger))

	processorOpts := []messaging.ErrorProcessorOption{messaging.WithErrorProcessorLogger(c.logger)}
	var metrics *interceptors.MetricsInterceptor
	if opts.metrics {
		requeue, err := messaging.NewRequeueMetrics(opts.registerer)
		if err != nil {
			return fmt.Errorf("register requeue metrics: %w", err)
		}
		processorOpts = append(processorOpts, messaging.WithRequeueMetrics(requeue))

		metrics = interceptors.NewMetricsInterceptor(opts.registerer)
		if err := metrics.Register(); err != nil {
			return fmt.Errorf("register pipeline metrics: %w", err)
		}
	}

	c.dispatcher = messaging.NewDispatcher(c.registry, messaging.WithDispatcherLogger(c.logger))
	c.processor = messaging.NewErrorProcessor(&c.cfg, c.scheduler, processorOpts...)
	c.pipeline = messaging.NewPipelineExecutor(c.dispatcher, c.processor, messaging.WithPipelineLogger(c.logger))

	c.pipeline.UseBoth(interceptors.NewLoggingInterceptor(c.logger))
	if metrics != nil {
		c.pipeline.UseBoth(metrics)
	}
	if opts.tracing {
		c.pipeline.Use(interceptors.NewTracingInterceptor(opts.tracer))
	}
	for _, i := range opts.interceptors {
		c.pipeline.Use(i)
	}
	for _, i := range opts.failureInterceptors {
		c.pipeline.UseFailure(i)
	}

	c.producer = messaging.NewProducer(&c.cfg, c.publisher, c.scheduler, messaging.WithProducerLogger(c.logger))
	return nil
}

// Connect opens the connection and declares the configured exchanges,
// dead letter exchanges, queues and bindings
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	return c.declareTopology(ctx)
}

func (c *Client) declareTopology(ctx context.Context) error {
	topology := rabbitmq.TopologyFromConfig(c.cfg.Exchanges)
	if err := c.topology.DeclareTopology(ctx, topology); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}
	c.logger.Info("topology declared",
		"exchanges", len(topology.Exchanges),
		"queues", len(topology.Queues),
		"bindings", len(topology.Bindings))
	return nil
}

// StartConsuming subscribes to every queue of the consumption and universal
// exchanges. Cancelling ctx stops intake the same way StopConsuming does.
func (c *Client) StartConsuming(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consuming {
		return ErrAlreadyConsuming
	}
	if err := c.subscribeAll(ctx); err != nil {
		c.consumer.UnsubscribeAll()
		return err
	}
	c.consuming = true
	c.consumeCtx = ctx
	return nil
}

// subscribeAll subscribes queues that have no active consumer. Callers hold c.mu.
func (c *Client) subscribeAll(ctx context.Context) error {
	active := c.consumer.GetActiveConsumers()
	for _, ex := range c.cfg.Exchanges {
		if !ex.Role.CanConsume() {
			continue
		}
		for _, q := range ex.Queues {
			if slices.Contains(active, q.Name) {
				continue
			}
			opts := rabbitmq.SubscribeOptions{AutoAck: ex.AutoAck, Exclusive: q.Exclusive}
			if err := c.consumer.Subscribe(ctx, q.Name, opts, c.deliver(ex.AutoAck)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ConsumedQueues returns the queues of consumption and universal exchanges
func (c *Client) ConsumedQueues() []string {
	var queues []string
	for _, ex := range c.cfg.Exchanges {
		if !ex.Role.CanConsume() {
			continue
		}
		for _, q := range ex.Queues {
			queues = append(queues, q.Name)
		}
	}
	return queues
}

func (c *Client) deliver(autoAck bool) rabbitmq.DeliveryHandler {
	return func(ctx context.Context, d amqp.Delivery) {
		c.pipeline.Execute(ctx, rabbitmq.ToMessageContext(d, autoAck))
	}
}

// StopConsuming stops intake and waits for deliveries in progress
func (c *Client) StopConsuming() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consumer.UnsubscribeAll()
	c.consuming = false
	c.consumeCtx = nil
}

// Consuming reports whether StartConsuming is in effect
func (c *Client) Consuming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consuming
}

// Producer returns the producer for production exchanges
func (c *Client) Producer() *messaging.Producer {
	return c.producer
}

// Pipeline returns the pipeline, for adding interceptors before consuming
func (c *Client) Pipeline() *messaging.PipelineExecutor {
	return c.pipeline
}

// Config returns the configuration with defaults applied
func (c *Client) Config() config.Config {
	return c.cfg
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Health checks the connection and, while consuming, the consumers and the
// depth of every consumed queue
func (c *Client) Health(ctx context.Context) health.Report {
	checkers := []health.Checker{health.NewConnectionChecker(c.conn)}
	if c.Consuming() {
		queues := c.ConsumedQueues()
		checkers = append(checkers, health.NewConsumerChecker(c.consumer, queues))
		if c.conn.IsConnected() {
			for _, queue := range queues {
				checkers = append(checkers, health.NewQueueChecker(queue, c.topology, 0))
			}
		}
	}
	return health.Run(ctx, checkers...)
}

// Close stops consuming and releases the publisher, channels and connection
func (c *Client) Close() error {
	c.StopConsuming()

	return errors.Join(
		c.publisher.Close(),
		c.pool.Close(),
		c.conn.Close(),
	)
}

// recover restores consumption after the connection manager reconnected
func (c *Client) recover() {
	c.scheduler.Forget()

	ctx := context.Background()
	if err := c.declareTopology(ctx); err != nil {
		c.logger.Error("failed to redeclare topology after reconnect", "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.consuming {
		return
	}
	if err := c.consumeCtx.Err(); err != nil {
		return
	}

	// consumers of the lost connection may still be winding down
	c.consumer.UnsubscribeAll()
	if err := c.subscribeAll(c.consumeCtx); err != nil {
		c.logger.Error("failed to resubscribe after reconnect", "error", err)
		return
	}
	c.logger.Info("consumers resubscribed after reconnect")
}

func (c *Client) exitOnFatal(err error) {
	c.logger.Error("connection could not be recovered, exiting", "error", err)
	os.Exit(1)
}

// recoveryListener reacts to connection state changes
type recoveryListener struct {
	client *Client
}

func (l *recoveryListener) OnConnected() {
	if l.client.recovering.Swap(false) {
		l.client.recover()
	}
}

func (l *recoveryListener) OnDisconnected(err error) {
	if errors.Is(err, rabbitmq.ErrMaxRetriesExceeded) {
		l.client.fatal(err)
		return
	}
	l.client.recovering.Store(true)
	l.client.logger.Warn("connection lost, recovering", "error", err)
}

func (l *recoveryListener) OnReconnecting(attempt int) {
	l.client.logger.Info("reconnecting", "attempt", attempt)
}
