package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-process-hub/internal/sse"
)

// Channel discriminates the event vocabulary carried by a stream.
type Channel string

// Supported channels.
const (
	ChannelProgress  Channel = "progress"
	ChannelProcesses Channel = "processes"
)

const processesSuffix = "_processes"

// ErrClosed is returned by Register once the registry has been closed.
var ErrClosed = errors.New("stream registry closed")

// ProgressKey returns the registry key of a single-operation stream.
func ProgressKey(operationKey string) string {
	return operationKey
}

// ProcessesKey returns the registry key of an owner's panel stream.
func ProcessesKey(ownerID string) string {
	return ownerID + processesSuffix
}

// Observer receives connection lifecycle and delivery signals, typically to
// feed metrics. Implementations must be safe for concurrent use.
type Observer interface {
	ConnectionOpened(ch Channel)
	ConnectionClosed(ch Channel)
	FrameSent(ch Channel)
	FrameDropped(ch Channel)
}

// Config controls keepalive and buffering.
//   - KeepaliveInterval: period of the ": keepalive" comment (default 30s).
//   - QueueSize: frames buffered per connection before drops (default 64).
type Config struct {
	KeepaliveInterval time.Duration
	QueueSize         int
	Logger            *zap.Logger
	Observer          Observer
}

const (
	defaultKeepaliveInterval = 30 * time.Second
	defaultQueueSize         = 64
	dropLogInterval          = 5 * time.Second
)

// Handle identifies one registration. Callers keep it to unregister; a
// handle from a replaced registration never removes its successor.
type Handle struct {
	key  string
	conn *conn
}

// Key returns the registry key the handle was issued for.
func (h Handle) Key() string {
	return h.key
}

// ID returns the unique token of the registration.
func (h Handle) ID() string {
	if h.conn == nil {
		return ""
	}
	return h.conn.id
}

// Done is closed once the registration's writer has exited, whether it was
// removed, replaced or the registry closed.
func (h Handle) Done() <-chan struct{} {
	if h.conn == nil {
		return nil
	}
	return h.conn.done
}

// Registry maps (channel, key) pairs to open streams. At most one connection
// is addressable per pair; equal keys on different channels never collide.
type Registry struct {
	cfg      Config
	logger   *zap.Logger
	observer Observer
	dropLog  rate.Sometimes

	mu     sync.RWMutex
	conns  map[connKey]*conn
	closed bool
}

type connKey struct {
	channel Channel
	key     string
}

// NewRegistry builds an empty Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		observer: observer,
		dropLog:  rate.Sometimes{Interval: dropLogInterval},
		conns:    make(map[connKey]*conn),
	}
}

// Register stores t under (ch, key), queues the hello events ahead of anything
// else, and starts the keepalive. A previous connection under the same key
// stops being addressed; its transport is left to the transport layer.
func (r *Registry) Register(key string, ch Channel, t sse.Transport, hello ...sse.Event) (Handle, error) {
	if key == "" {
		return Handle{}, errors.New("stream key is required")
	}
	if t == nil {
		return Handle{}, errors.New("transport is required")
	}
	frames := make([][]byte, 0, len(hello))
	for _, evt := range hello {
		frame, err := sse.Encode(evt)
		if err != nil {
			return Handle{}, err
		}
		frames = append(frames, frame)
	}
	queueSize := r.cfg.QueueSize
	if len(frames) > queueSize {
		queueSize = len(frames)
	}
	c := &conn{
		id:        uuid.NewString(),
		key:       key,
		channel:   ch,
		transport: t,
		frames:    make(chan []byte, queueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, frame := range frames {
		c.frames <- frame
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Handle{}, ErrClosed
	}
	ck := connKey{channel: ch, key: key}
	old := r.conns[ck]
	r.conns[ck] = c
	r.mu.Unlock()

	r.observer.ConnectionOpened(ch)
	go c.run(r.cfg.KeepaliveInterval, r.logger, r.observer)
	if old != nil {
		r.logger.Debug("stream replaced", zap.String("key", key), zap.String("previous", old.id))
		old.signal(r.observer)
	}
	r.logger.Debug("stream registered",
		zap.String("key", key),
		zap.String("channel", string(ch)),
		zap.String("handle", c.id),
	)
	return Handle{key: key, conn: c}, nil
}

// Remove cancels the keepalive of h and forgets key on h's channel if h is
// still the current registration. It waits for the writer goroutine to exit, so the transport
// is not touched after Remove returns. Removing twice is a no-op.
func (r *Registry) Remove(key string, h Handle) {
	if h.conn == nil {
		return
	}
	r.mu.Lock()
	ck := connKey{channel: h.conn.channel, key: key}
	if cur, ok := r.conns[ck]; ok && cur == h.conn {
		delete(r.conns, ck)
	}
	r.mu.Unlock()
	h.conn.signal(r.observer)
	<-h.conn.done
}

// Send queues evt for the connection under key on ch. Unknown keys and full
// queues drop the event; the return value reports whether it was queued.
func (r *Registry) Send(ch Channel, key string, evt sse.Event) bool {
	frame, err := sse.Encode(evt)
	if err != nil {
		r.logger.Warn("discarding unencodable event", zap.String("event", evt.Name), zap.Error(err))
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connKey{channel: ch, key: key}]
	if !ok {
		r.logger.Debug("no stream for key",
			zap.String("key", key),
			zap.String("channel", string(ch)),
			zap.String("event", evt.Name),
		)
		return false
	}
	return r.enqueue(c, frame, evt.Name)
}

// Broadcast queues evt for every connection on ch and returns how many
// accepted it.
func (r *Registry) Broadcast(ch Channel, evt sse.Event) int {
	frame, err := sse.Encode(evt)
	if err != nil {
		r.logger.Warn("discarding unencodable event", zap.String("event", evt.Name), zap.Error(err))
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	sent := 0
	for _, c := range r.conns {
		if c.channel != ch {
			continue
		}
		if r.enqueue(c, frame, evt.Name) {
			sent++
		}
	}
	return sent
}

// Has reports whether a connection is registered under key on ch.
func (r *Registry) Has(ch Channel, key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[connKey{channel: ch, key: key}]
	return ok
}

// Len returns the number of addressable connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close stops every connection's writer. Transports stay open; handlers
// still call Remove, which becomes a no-op.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[connKey]*conn)
	r.closed = true
	r.mu.Unlock()
	for _, c := range conns {
		c.signal(r.observer)
		<-c.done
	}
}

// enqueue must be called with r.mu held for reading.
func (r *Registry) enqueue(c *conn, frame []byte, name string) bool {
	if c.enqueue(frame) {
		return true
	}
	r.observer.FrameDropped(c.channel)
	r.dropLog.Do(func() {
		r.logger.Warn("stream queue full, dropping event",
			zap.String("key", c.key),
			zap.String("event", name),
		)
	})
	return false
}

type conn struct {
	id        string
	key       string
	channel   Channel
	transport sse.Transport
	frames    chan []byte

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.stop:
		return false
	default:
	}
	select {
	case c.frames <- frame:
		return true
	default:
		return false
	}
}

// signal stops the writer exactly once.
func (c *conn) signal(obs Observer) {
	c.stopOnce.Do(func() {
		close(c.stop)
		obs.ConnectionClosed(c.channel)
	})
}

func (c *conn) run(interval time.Duration, logger *zap.Logger, obs Observer) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case frame := <-c.frames:
			if err := sse.Write(c.transport, frame); err != nil {
				logger.Debug("stream write failed", zap.String("key", c.key), zap.Error(err))
				continue
			}
			obs.FrameSent(c.channel)
		case <-ticker.C:
			if err := sse.Write(c.transport, sse.Keepalive); err != nil {
				logger.Debug("keepalive write failed", zap.String("key", c.key), zap.Error(err))
			}
		}
	}
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened(Channel) {}
func (nopObserver) ConnectionClosed(Channel) {}
func (nopObserver) FrameSent(Channel)        {}
func (nopObserver) FrameDropped(Channel)     {}
