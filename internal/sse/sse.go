// Package sse formats Server-Sent-Events frames and prepares HTTP responses
// for long-lived event streams.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported by response writer")

// Transport is the minimal surface the hub needs from an open stream. The
// transport layer owns the underlying connection.
type Transport interface {
	Write(p []byte) (int, error)
	Flush()
}

// Event is one named SSE message. Data is marshaled to JSON.
type Event struct {
	Name string
	Data any
}

// Encode renders evt as an SSE frame: "event: <name>\ndata: <json>\n\n".
func Encode(evt Event) ([]byte, error) {
	if evt.Name == "" {
		return nil, errors.New("event name is required")
	}
	if strings.ContainsAny(evt.Name, "\r\n") {
		return nil, fmt.Errorf("invalid event name %q", evt.Name)
	}
	payload, err := json.Marshal(evt.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", evt.Name, err)
	}
	var buf bytes.Buffer
	buf.Grow(len(evt.Name) + len(payload) + 16)
	buf.WriteString("event: ")
	buf.WriteString(evt.Name)
	buf.WriteString("\ndata: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// Comment renders a comment-only frame. Consumers ignore lines starting
// with ':'.
func Comment(text string) []byte {
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	return []byte(": " + text + "\n\n")
}

// Keepalive is the liveness ping written on idle streams.
var Keepalive = Comment("keepalive")

// Write sends one frame and flushes it through to the client.
func Write(t Transport, frame []byte) error {
	if t == nil {
		return errors.New("nil transport")
	}
	if _, err := t.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	t.Flush()
	return nil
}

// HTTPTransport adapts an http.ResponseWriter to Transport.
type HTTPTransport struct {
	w http.ResponseWriter
	f http.Flusher
}

// Prepare writes the event-stream headers and status, returning a Transport
// ready for frames. It fails if w does not support flushing.
func Prepare(w http.ResponseWriter) (*HTTPTransport, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &HTTPTransport{w: w, f: f}, nil
}

// Write implements Transport.
func (t *HTTPTransport) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

// Flush implements Transport.
func (t *HTTPTransport) Flush() {
	t.f.Flush()
}
