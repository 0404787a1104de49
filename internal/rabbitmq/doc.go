// Package rabbitmq is the amqp091 transport layer of amqprouter.
//
// This package includes:
//   - ConnectionManager: one broker connection with heartbeat, client name and automatic reconnection
//   - ChannelPool: reusable channels for topology work and consumers
//   - Publisher: a single shared publishing channel serialized by a mutex
//   - Consumer: sequential delivery loops, one per subscribed queue
//   - TopologyManager: exchanges, queues and bindings declared from configuration
package rabbitmq
