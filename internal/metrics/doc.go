// Package metrics collects connection and health statistics for the load
// balancer.
//
// Events flow through a buffered channel into a collector goroutine so the
// connection path never blocks on bookkeeping:
//   - Backend selections and unavailable (503) responses
//   - Connect failures and failed relays
//   - Bytes relayed in each direction and relay durations (P50, P95, P99)
//   - Backend health transitions
//
// The collector keeps an in-memory view served as JSON and mirrors every
// event into a Prometheus registry.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	go collector.Run(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:     metrics.EventRelayCompleted,
//		Backend:  "127.0.0.1:8081",
//		Duration: 15 * time.Millisecond,
//		BytesIn:  512,
//		BytesOut: 20480,
//	})
//
//	snapshot := collector.Snapshot()
//
// On shutdown the collector drains any queued events before returning.
package metrics
