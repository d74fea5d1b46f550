// Package progress carries process lifecycle transitions from the broadcaster
// to audit sinks. The broadcaster emits one Event per registry mutation
// (registration, update, completion, failure, timeout, removal). The Hub
// batches them on a background goroutine, folds superseded progress updates
// and fans each batch out to sinks such as Prometheus metrics, structured
// logs or run history storage. Live SSE delivery does not pass through here.
package progress
