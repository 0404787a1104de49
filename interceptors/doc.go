// Package interceptors provides the middleware contracts wrapped around message
// dispatch and failure handling.
//
// Two chains exist per pipeline:
//   - InterceptorChain wraps the success path that ends in handler dispatch
//   - FailureChain wraps the failure path that ends in the error processor
//
// A middleware may implement Interceptor, FailureInterceptor or both.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs start, finish and failure of each delivery
//   - MetricsInterceptor: Prometheus counters and latency histogram
//   - TracingInterceptor: OpenTelemetry span per delivery
//   - ValidationInterceptor: rejects deliveries before dispatch
//   - FilteringInterceptor: skips deliveries by routing key, header or JSON body field
//
// Example usage:
//
//	chain := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewTracingInterceptor(nil))
//
//	err := chain.Execute(ctx, msg, finalHandler)
//
// The last interceptor added is the outermost: it runs first and decides whether
// and when to call inward.
package interceptors
