package rabbitmq

import (
	"context"
	"time"

	"github.com/glimte/amqprouter/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager manages RabbitMQ topology (exchanges, queues, bindings)
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// TopologyFromConfig derives exchanges, dead-letter exchanges, queues and
// bindings from the exchange configuration. A dead-letter exchange shared by
// several exchanges is declared once. Queues without routing keys are bound
// with the empty key, which is what fanout and headers exchanges expect.
func TopologyFromConfig(exchanges []config.ExchangeConfig) Topology {
	var topology Topology
	declared := make(map[string]struct{})

	addExchange := func(decl ExchangeDeclaration) {
		if _, ok := declared[decl.Name]; ok {
			return
		}
		declared[decl.Name] = struct{}{}
		topology.Exchanges = append(topology.Exchanges, decl)
	}

	for _, ex := range exchanges {
		addExchange(ExchangeDeclaration{
			Name:       ex.Name,
			Type:       string(ex.Type),
			Durable:    ex.Durable,
			AutoDelete: ex.AutoDelete,
			Arguments:  amqp.Table(ex.Arguments),
		})
		if ex.DeadLetterExchange != "" {
			addExchange(DeadLetterExchangeDeclaration(ex))
		}

		for _, q := range ex.Queues {
			topology.Queues = append(topology.Queues, QueueDeclaration{
				Name:       q.Name,
				Durable:    q.Durable,
				AutoDelete: q.AutoDelete,
				Exclusive:  q.Exclusive,
				Arguments:  amqp.Table(q.Arguments),
			})

			keys := q.RoutingKeys
			if len(keys) == 0 {
				keys = []string{""}
			}
			for _, key := range keys {
				topology.Bindings = append(topology.Bindings, Binding{
					Queue:      q.Name,
					Exchange:   ex.Name,
					RoutingKey: key,
				})
			}
		}
	}

	return topology
}

// DeadLetterExchangeDeclaration declares ex's dead letter exchange with the
// exchange's durability. Every declaration of it must use these arguments,
// since the broker refuses an inequivalent redeclare.
func DeadLetterExchangeDeclaration(ex config.ExchangeConfig) ExchangeDeclaration {
	kind := string(ex.DeadLetterExchangeType)
	if kind == "" {
		kind = amqp.ExchangeDirect
	}
	return ExchangeDeclaration{
		Name:    ex.DeadLetterExchange,
		Type:    kind,
		Durable: ex.Durable,
	}
}

// DeclareTopology declares the complete topology on one channel
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, exchange := range topology.Exchanges {
			if err := declareExchange(ch, exchange); err != nil {
				return err
			}
		}

		for _, queue := range topology.Queues {
			if _, err := declareQueue(ch, queue); err != nil {
				return err
			}
		}

		for _, binding := range topology.Bindings {
			if err := bindQueue(ch, binding); err != nil {
				return err
			}
		}

		return nil
	})
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return declareExchange(ch, exchange)
	})
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = declareQueue(ch, queue)
		return err
	})
	return q, err
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return bindQueue(ch, binding)
	})
}

// InspectQueue passively declares a queue and returns its message and consumer
// counts. A missing queue closes the channel used for the check.
func (tm *TopologyManager) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
		if err != nil {
			return &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err, Timestamp: time.Now()}
		}
		return nil
	})
	return q, err
}

func declareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

func declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

func bindQueue(ch *amqp.Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      binding.Queue + " -> " + binding.Exchange + " (" + binding.RoutingKey + ")",
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
