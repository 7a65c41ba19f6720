// Package sinks implements concrete progress consumers: Prometheus collectors,
// structured logging and a message publisher. Each sink satisfies the
// progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
