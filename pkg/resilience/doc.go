// Package resilience guards calls to downstream dependencies such as runtime
// gateways and alert channels.
//
// A Guard wraps one dependency with a CircuitBreaker and a Retrier:
//
//	guards := resilience.NewGuardSet(resilience.CircuitBreakerConfig{
//		MaxRequests: 1,
//		Timeout:     30 * time.Second,
//	}, resilience.DefaultRetryConfig())
//
//	err := guards.Get(gatewayID).Do(ctx, func(ctx context.Context) error {
//		return client.call(ctx)
//	})
//
// JobBackoff computes requeue delays for failed queue jobs.
package resilience
