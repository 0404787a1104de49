package rabbitmq

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const dialTimeout = 30 * time.Second

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// dialFunc opens a broker connection
type dialFunc func(url string, cfg amqp.Config) (*amqp.Connection, error)

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	connectionName string
	heartbeat      time.Duration
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger
	dial           dialFunc

	mu          sync.RWMutex
	conn        *amqp.Connection
	notifyClose chan *amqp.Error
	isConnected bool
	done        chan struct{}
	closeOnce   sync.Once

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener

	// state events run off the caller's goroutine, one at a time, in the
	// order they were raised
	eventsMu sync.Mutex
	events   []func()
	draining bool
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts.
// A value below 1 retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithHeartbeat sets the heartbeat interval negotiated with the broker
func WithHeartbeat(heartbeat time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = heartbeat
	}
}

// WithConnectionName sets the client-provided connection name
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionName = name
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		heartbeat:      10 * time.Second,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		logger:         slog.Default(),
		dial:           amqp.DialConfig,
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

func (cm *ConnectionManager) amqpConfig() amqp.Config {
	props := amqp.NewConnectionProperties()
	if cm.connectionName != "" {
		props.SetClientConnectionName(cm.connectionName)
	}
	return amqp.Config{
		Heartbeat:  cm.heartbeat,
		Locale:     "en_US",
		Properties: props,
	}
}

// dialWithTimeout dials in the background so a hanging TCP handshake cannot
// outlive ctx or the dial timeout.
func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	out := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url, cm.amqpConfig())
		out <- result{conn, err}
	}()

	select {
	case r := <-out:
		return r.conn, r.err
	case <-dialCtx.Done():
		go func() {
			if r := <-out; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// attach installs conn as the current connection. Callers hold cm.mu.
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Connect establishes the initial connection and starts the reconnect monitor
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialWithTimeout(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"connectionName", cm.connectionName)

	cm.notifyConnected()
	go cm.handleReconnect()

	return nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.isConnected = false
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}

	return nil
}

// handleReconnect monitors the connection and reconnects if necessary
func (cm *ConnectionManager) handleReconnect() {
	for {
		cm.mu.RLock()
		notifyClose := cm.notifyClose
		cm.mu.RUnlock()

		select {
		case err, ok := <-notifyClose:
			select {
			case <-cm.done:
				return
			default:
			}
			var cause error
			if !ok || err == nil {
				// graceful close by the application
				cm.logger.Info("connection closed")
			} else {
				cm.logger.Error("connection lost", "error", err, "code", err.Code)
				cause = err
			}

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			cm.notifyDisconnected(cause)

			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect dials until it succeeds, the manager closes, or maxRetries runs
// out. It reports whether a new connection was attached.
func (cm *ConnectionManager) reconnect() bool {
	startTime := time.Now()

	for attempt := 0; ; attempt++ {
		if cm.maxRetries > 0 && attempt >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt,
				"duration", time.Since(startTime))

			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt,
			})
			return false
		}

		if attempt > 0 {
			select {
			case <-time.After(cm.calculateBackoff(attempt - 1)):
			case <-cm.done:
				return false
			}
		}

		cm.logger.Info("attempting to reconnect",
			"attempt", attempt+1,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempt + 1)

		conn, err := cm.dialWithTimeout(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed",
				"error", err,
				"attempt", attempt+1)
			continue
		}

		select {
		case <-cm.done:
			conn.Close()
			return false
		default:
		}

		cm.mu.Lock()
		cm.attach(conn)
		cm.mu.Unlock()

		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(startTime))
		cm.notifyConnected()
		return true
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	cm.notify(func(l ConnectionStateListener) { l.OnConnected() })
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.notify(func(l ConnectionStateListener) { l.OnDisconnected(err) })
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.notify(func(l ConnectionStateListener) { l.OnReconnecting(attempt) })
}

// notify queues event for every current listener. A listener sees events in
// the order they were raised, and never two at once.
func (cm *ConnectionManager) notify(event func(ConnectionStateListener)) {
	listeners := cm.listeners()
	if len(listeners) == 0 {
		return
	}

	cm.eventsMu.Lock()
	defer cm.eventsMu.Unlock()
	cm.events = append(cm.events, func() {
		for _, listener := range listeners {
			event(listener)
		}
	})
	if !cm.draining {
		cm.draining = true
		go cm.drainEvents()
	}
}

func (cm *ConnectionManager) drainEvents() {
	for {
		cm.eventsMu.Lock()
		if len(cm.events) == 0 {
			cm.draining = false
			cm.eventsMu.Unlock()
			return
		}
		next := cm.events[0]
		cm.events[0] = nil
		cm.events = cm.events[1:]
		cm.eventsMu.Unlock()

		next()
	}
}

// calculateBackoff doubles the base delay per attempt, capped at five minutes,
// with ±12.5% jitter.
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}

	const maxDelay = 5 * time.Minute
	if attempt > 20 {
		attempt = 20
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	jitter := int64(delay) / 4
	if jitter > 0 {
		delay += time.Duration(rand.Int64N(jitter) - jitter/2)
	}
	return delay
}
