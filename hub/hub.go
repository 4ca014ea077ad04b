// Package hub implements the server-side broadcast hub: one open stream per
// connected dashboard, a bounded replay buffer of recent envelopes, and
// best-effort fan-out with per-subscriber failure isolation.
package hub

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Byounghakim/pc-ui-server-sub000/errors"
	"github.com/Byounghakim/pc-ui-server-sub000/metric"
	"github.com/Byounghakim/pc-ui-server-sub000/pkg/buffer"
)

// Envelope is one timestamped, typed unit of broadcast data. Immutable once
// broadcast; ordering is the hub's enqueue order within one process.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// SyncType is the envelope type of the replay frame sent first on every
// newly opened stream.
const SyncType = "sync"

// ReplayCapacity bounds how much history a reconnecting subscriber can
// recover. A gap larger than this is permanently lost to that subscriber.
const ReplayCapacity = 100

// DefaultKeepAlive is the per-connection keep-alive write interval.
const DefaultKeepAlive = 30 * time.Second

// Sink is the write handle of one open stream. Implementations must be
// safe for use from the hub's broadcast and keep-alive goroutines.
type Sink interface {
	// WriteEnvelope delivers one envelope to the subscriber.
	WriteEnvelope(env Envelope) error
	// WriteKeepAlive writes a no-op frame proving the connection is alive.
	WriteKeepAlive() error
	// Close tears down the underlying connection.
	Close() error
}

// Subscriber is one registered stream connection.
type Subscriber struct {
	ID   string
	sink Sink

	closeOnce sync.Once
	done      chan struct{}
}

// Done is closed when the subscriber has been removed from the hub.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Message is an envelope tagged with the identity of the hub process that
// first broadcast it, used by fan-out backends to suppress loops.
type Message struct {
	Origin   string   `json:"origin"`
	Envelope Envelope `json:"envelope"`
}

// Backend is an optional cross-process fan-out transport, injected as a
// dependency. The hub's public contract (open/broadcast/replay-on-join)
// is identical with or without one.
type Backend interface {
	// Publish forwards a locally broadcast envelope to other processes.
	Publish(msg Message) error
	// Subscribe registers a handler for envelopes broadcast by other
	// processes and returns an unsubscribe function.
	Subscribe(handler func(Message)) (func(), error)
}

// Option configures a Hub.
type Option func(*Hub)

// WithKeepAlive overrides the keep-alive interval.
func WithKeepAlive(interval time.Duration) Option {
	return func(h *Hub) {
		h.keepAlive = interval
	}
}

// WithBackend injects a cross-process fan-out backend.
func WithBackend(b Backend) Option {
	return func(h *Hub) {
		h.backend = b
	}
}

// WithMetrics attaches the platform metric set.
func WithMetrics(m *metric.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithClock overrides the timestamp source (tests).
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

// Hub is the process-wide broadcast point. It is safe for concurrent use
// within one process; it is NOT shared across replicas — scale-out goes
// through an injected Backend.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool

	// orderMu serializes replay appends with the subscriber write loop and
	// with the sync frame written on stream open. Without it two concurrent
	// broadcasts could reach a subscriber in the opposite of their replay
	// (publish) order, and a live envelope could overtake the sync frame.
	// Lock order: orderMu before mu.
	orderMu sync.Mutex

	replay    *buffer.Ring[Envelope]
	keepAlive time.Duration
	origin    string
	backend   Backend
	unsub     func()
	metrics   *metric.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a hub with an empty replay buffer.
func New(opts ...Option) *Hub {
	h := &Hub{
		subscribers: make(map[string]*Subscriber),
		keepAlive:   DefaultKeepAlive,
		origin:      uuid.NewString(),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.replay = buffer.NewRing[Envelope](ReplayCapacity, buffer.WithDropCallback[Envelope](func(Envelope) {
		if h.metrics != nil {
			h.metrics.HubEvictions.Inc()
		}
	}))

	if h.backend != nil {
		unsub, err := h.backend.Subscribe(h.handleRemote)
		if err != nil {
			// Fan-out is best-effort; the hub still serves local subscribers.
			h.logger.Error("fan-out backend subscribe failed", "error", err)
		} else {
			h.unsub = unsub
		}
	}

	return h
}

// Origin returns the identity this hub stamps on fan-out messages.
func (h *Hub) Origin() string {
	return h.origin
}

// OpenStream registers a new subscriber on the given sink. If clientID is
// empty a fresh id is generated. When the replay buffer is non-empty the
// subscriber immediately receives one sync envelope carrying the full
// buffered history, then joins live broadcasts.
func (h *Hub) OpenStream(clientID string, sink Sink) (*Subscriber, error) {
	if sink == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidEnvelope, "Hub", "OpenStream", "nil sink")
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	sub := &Subscriber{
		ID:   clientID,
		sink: sink,
		done: make(chan struct{}),
	}

	// Registration and the sync frame happen under the broadcast order
	// lock so no live envelope can reach the sink before the sync frame,
	// and the sync history is exactly the prefix of what follows.
	h.orderMu.Lock()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.orderMu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrAlreadyStopped, "Hub", "OpenStream", "hub closed")
	}
	// A reconnect with the same client id replaces the stale registration.
	if prev, ok := h.subscribers[clientID]; ok {
		h.dropLocked(prev)
	}
	h.subscribers[clientID] = sub
	count := len(h.subscribers)
	history := h.replay.Snapshot()
	h.mu.Unlock()

	var syncErr error
	if len(history) > 0 {
		sync := Envelope{
			Type:      SyncType,
			Data:      history,
			Timestamp: h.now().UnixMilli(),
		}
		syncErr = sink.WriteEnvelope(sync)
	}
	h.orderMu.Unlock()

	if h.metrics != nil {
		h.metrics.HubSubscribers.Set(float64(count))
	}
	if syncErr != nil {
		h.Remove(sub)
		return nil, errors.WrapTransient(syncErr, "Hub", "OpenStream", "write sync envelope")
	}

	go h.keepAliveLoop(sub)

	h.logger.Debug("stream opened", "client_id", clientID, "replayed", len(history))
	return sub, nil
}

// Publish is the ingress path for callers (HTTP endpoint, task/backup
// services). It validates the envelope fields and broadcasts.
func (h *Hub) Publish(envType string, data any) error {
	if envType == "" {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "Hub", "Publish", "missing type")
	}
	if data == nil {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "Hub", "Publish", "missing data")
	}
	h.Broadcast(envType, data)
	return nil
}

// Broadcast builds an envelope, appends it to the replay buffer (evicting
// the oldest at capacity), and writes it to every registered subscriber.
// A failed write removes only that subscriber; delivery to the rest
// continues. No acknowledgement beyond "accepted".
func (h *Hub) Broadcast(envType string, data any) {
	env := Envelope{
		Type:      envType,
		Data:      data,
		Timestamp: h.now().UnixMilli(),
	}
	h.broadcast(env, true)
}

// handleRemote re-broadcasts envelopes that arrived from other hub
// processes through the backend. Self-originated messages are dropped.
func (h *Hub) handleRemote(msg Message) {
	if msg.Origin == h.origin {
		return
	}
	h.broadcast(msg.Envelope, false)
}

func (h *Hub) broadcast(env Envelope, forward bool) {
	h.orderMu.Lock()
	_ = h.replay.Write(env)

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	var failed []*Subscriber
	for _, sub := range subs {
		if err := sub.sink.WriteEnvelope(env); err != nil {
			h.logger.Debug("subscriber write failed, removing", "client_id", sub.ID, "error", err)
			failed = append(failed, sub)
		}
	}
	h.orderMu.Unlock()

	for _, sub := range failed {
		h.Remove(sub)
	}

	if h.metrics != nil {
		h.metrics.HubBroadcasts.WithLabelValues(env.Type).Inc()
		h.metrics.HubReplaySize.Set(float64(h.replay.Size()))
	}

	if forward && h.backend != nil {
		if err := h.backend.Publish(Message{Origin: h.origin, Envelope: env}); err != nil {
			h.logger.Warn("fan-out publish failed", "type", env.Type, "error", err)
		}
	}
}

// keepAliveLoop writes a no-op frame every keep-alive interval. A failed
// write removes the subscriber, which also terminates the loop.
func (h *Hub) keepAliveLoop(sub *Subscriber) {
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			if err := sub.sink.WriteKeepAlive(); err != nil {
				h.Remove(sub)
				return
			}
		}
	}
}

// Remove unregisters a subscriber and closes its sink. Safe to call more
// than once; a removed subscriber is never re-added without a fresh
// connection.
func (h *Hub) Remove(sub *Subscriber) {
	sub.closeOnce.Do(func() {
		h.mu.Lock()
		// Only delete the map entry if it still points at this subscriber;
		// a reconnect may already have replaced it.
		if cur, ok := h.subscribers[sub.ID]; ok && cur == sub {
			delete(h.subscribers, sub.ID)
		}
		count := len(h.subscribers)
		h.mu.Unlock()

		close(sub.done)
		_ = sub.sink.Close()

		if h.metrics != nil {
			h.metrics.HubSubscribers.Set(float64(count))
		}
	})
}

// dropLocked removes a subscriber while h.mu is already held.
func (h *Hub) dropLocked(sub *Subscriber) {
	sub.closeOnce.Do(func() {
		if cur, ok := h.subscribers[sub.ID]; ok && cur == sub {
			delete(h.subscribers, sub.ID)
		}
		close(sub.done)
		_ = sub.sink.Close()
	})
}

// SubscriberCount returns the number of currently registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// ReplaySize returns the current replay buffer length.
func (h *Hub) ReplaySize() int {
	return h.replay.Size()
}

// History returns a copy of the replay buffer in publish order.
func (h *Hub) History() []Envelope {
	return h.replay.Snapshot()
}

// Close removes every subscriber and detaches the fan-out backend.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.Remove(sub)
	}
	if h.unsub != nil {
		h.unsub()
	}
	return h.replay.Close()
}

// String implements fmt.Stringer for log output.
func (h *Hub) String() string {
	return fmt.Sprintf("hub(origin=%s subscribers=%d replay=%d)", h.origin, h.SubscriberCount(), h.ReplaySize())
}
