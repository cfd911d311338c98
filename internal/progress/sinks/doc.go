// Package sinks implements concrete progress consumers: Prometheus
// collectors, a run repository writer, an in-memory tracker polled by the
// API, and structured logging. Each sink satisfies progress.Sink and is safe
// for repeated Consume/Close cycles.
package sinks
