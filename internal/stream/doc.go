// Package stream keeps the table of open subscriber streams. Each registered
// connection gets a writer goroutine that owns its keepalive ticker and a
// bounded frame queue, so senders never block on network I/O. Streams are
// addressed by channel and key together.
package stream
