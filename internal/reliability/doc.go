// Package reliability schedules delayed redelivery through RabbitMQ itself.
//
// A delayed message is parked in a per-delay queue bound to a dead-letter
// exchange. The queue's message TTL holds the message for the delay, after
// which the broker dead-letters it back to the original exchange and routing
// key. Failed messages are requeued this way, and producers use the same path
// for delayed sends.
//
//	scheduler := NewDelayScheduler(topologyManager, publisher)
//	msg := NewDelayedMessage(exchangeConfig, "orders.created", 5*time.Second,
//	    amqp.Publishing{ContentType: "application/json", Body: body})
//	err := scheduler.Schedule(ctx, msg)
package reliability
