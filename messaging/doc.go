// Package messaging routes deliveries to handlers by exchange and routing key.
//
// Handlers are bound to routing-key patterns with Bind or BindAsync, optionally
// scoped to one exchange and given a priority. A RegistryBuilder validates the
// bindings and builds an immutable Registry. The Dispatcher looks up the
// container for a delivery's exchange, matches the routing key against the
// container's trie and runs every matching handler once, highest priority
// first. The PipelineExecutor wraps the Dispatcher in interceptor chains and
// hands failures to the ErrorProcessor, which requeues through a delay queue
// until the exchange's attempt budget runs out.
//
//	builder := messaging.NewRegistryBuilder()
//	err := builder.Register(messaging.Bind(auditHandler, "orders.#").WithPriority(10))
//	err = builder.Register(messaging.Bind(mailer, "orders.created").OnExchange("orders"))
//	registry, err := builder.Build()
//
//	dispatcher := messaging.NewDispatcher(registry)
//	pipeline := messaging.NewPipelineExecutor(dispatcher, errorProcessor)
//	pipeline.Use(interceptors.NewLoggingInterceptor(logger))
//	pipeline.Execute(ctx, msg)
package messaging
