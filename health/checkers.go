package health

import (
	"context"
	"fmt"
	"slices"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultBacklogThreshold is the queue depth above which a queue is degraded
const DefaultBacklogThreshold = 10000

// ConnectionState reports whether the broker connection is open
type ConnectionState interface {
	IsConnected() bool
}

// ConnectionChecker checks the broker connection
type ConnectionChecker struct {
	conn ConnectionState
}

// NewConnectionChecker creates a connection checker
func NewConnectionChecker(conn ConnectionState) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
		return result.finish()
	}

	result.Status = StatusHealthy
	result.Message = "Connection is open"
	return result.finish()
}

// ConsumerLister lists the queues with a running consumer
type ConsumerLister interface {
	GetActiveConsumers() []string
}

// ConsumerChecker compares running consumers against the queues that should
// be consumed
type ConsumerChecker struct {
	consumers ConsumerLister
	expected  []string
}

// NewConsumerChecker creates a consumer checker for the expected queues
func NewConsumerChecker(consumers ConsumerLister, expected []string) *ConsumerChecker {
	return &ConsumerChecker{consumers: consumers, expected: expected}
}

func (c *ConsumerChecker) Name() string {
	return "consumers"
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	active := c.consumers.GetActiveConsumers()
	var missing []string
	for _, queue := range c.expected {
		if !slices.Contains(active, queue) {
			missing = append(missing, queue)
		}
	}

	result.Details["active"] = len(active)
	result.Details["expected"] = len(c.expected)

	switch {
	case len(missing) == 0:
		result.Status = StatusHealthy
		result.Message = "All queues are consumed"
	case len(missing) == len(c.expected):
		result.Status = StatusUnhealthy
		result.Message = "No queue is consumed"
		result.Details["missing"] = missing
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d queues are not consumed", len(missing), len(c.expected))
		result.Details["missing"] = missing
	}
	return result.finish()
}

// QueueInspector returns the broker's view of a queue
type QueueInspector interface {
	InspectQueue(ctx context.Context, name string) (amqp.Queue, error)
}

// QueueChecker checks that a queue exists and is not backlogged
type QueueChecker struct {
	queue     string
	inspector QueueInspector
	threshold int
}

// NewQueueChecker creates a queue checker. A threshold below 1 means
// DefaultBacklogThreshold.
func NewQueueChecker(queue string, inspector QueueInspector, threshold int) *QueueChecker {
	if threshold < 1 {
		threshold = DefaultBacklogThreshold
	}
	return &QueueChecker{queue: queue, inspector: inspector, threshold: threshold}
}

func (c *QueueChecker) Name() string {
	return "queue_" + c.queue
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	q, err := c.inspector.InspectQueue(ctx, c.queue)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queue)
		result.Error = err.Error()
		return result.finish()
	}

	result.Details["message_count"] = q.Messages
	result.Details["consumer_count"] = q.Consumers

	switch {
	case q.Messages > c.threshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queue)
	case q.Consumers == 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has no consumers", c.queue)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Queue %s is accessible", c.queue)
	}
	return result.finish()
}

// ComponentChecker adapts a function into a Checker
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker for a custom component
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{name: name, checker: checker}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	status, message, err := c.checker(ctx)
	result.Status = status
	result.Message = message
	if err != nil {
		result.Error = err.Error()
	}
	return result.finish()
}

type pending struct {
	CheckResult
	start time.Time
}

func newResult(name string) *pending {
	now := time.Now()
	return &pending{
		CheckResult: CheckResult{Name: name, Timestamp: now, Details: make(map[string]any)},
		start:       now,
	}
}

func (p *pending) finish() CheckResult {
	p.Duration = time.Since(p.start)
	return p.CheckResult
}
