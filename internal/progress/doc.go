// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces used to publish job, batch, and concurrency updates. The hub
// batches events on a background goroutine and fans them out to pluggable
// sinks such as logs, Prometheus metrics, Pub/Sub, or Redis. Delivery is
// best effort: events are dropped under backpressure rather than blocking
// the dispatcher.
package progress
