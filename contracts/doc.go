// Package contracts defines the per-delivery message context that flows through
// the routing pipeline.
//
// A MessageContext carries the exchange name, the dot-delimited routing key, the
// raw body and a mutable header bag, together with the acknowledgment capability
// of the underlying delivery. Handlers, interceptors and the error processor all
// receive the same context for one delivery.
package contracts
