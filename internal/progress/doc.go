// Package progress carries capture progress from the pipeline to whoever is
// watching: the API poll endpoint, logs, metrics and the run store. The
// pipeline emits Events without blocking; a Hub batches them on a background
// goroutine and fans each batch out to the registered sinks.
package progress
