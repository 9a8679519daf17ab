// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Upstream feed frame/tick/decode-error rates and reconnects
//   - Downstream channel counts, frame rates, slow-consumer closes
//   - Session counts and per-command throughput
//   - Alert triggers and paper trade activity
//   - Snapshot flush throughput and errors
package metrics
