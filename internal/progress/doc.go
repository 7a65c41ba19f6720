// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that the collector uses to report run progress. It batches events
// on a background goroutine and fans them out to pluggable sinks such as
// Prometheus metrics, structured logs or a message publisher.
package progress
