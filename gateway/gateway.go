// Package gateway owns the connection to the field-device MQTT broker. It
// tracks the subscription set across reconnects, retries failed publishes,
// keeps a last-value cache per topic, and degrades to an offline mode that
// keeps in-process observers supplied with optimistic updates.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Byounghakim/pc-ui-server-sub000/blobstore"
	"github.com/Byounghakim/pc-ui-server-sub000/errors"
	"github.com/Byounghakim/pc-ui-server-sub000/metric"
	"github.com/Byounghakim/pc-ui-server-sub000/pkg/retry"
)

// State is the gateway connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateOfflineExhausted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateOfflineExhausted:
		return "offline"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

const (
	// ReconnectInterval is the fixed delay between broker reconnect attempts.
	ReconnectInterval = 5 * time.Second

	// MaxReconnectAttempts bounds one reconnect cycle before the gateway
	// parks in offline mode.
	MaxReconnectAttempts = 10

	// RetryEntryTTL is how long an undelivered publish stays eligible for
	// resend. Older entries are discarded unsent.
	RetryEntryTTL = time.Hour

	// legacyStopAllCommand is a broker command retired from the device
	// firmware. Publishing it would reset controllers still running the old
	// image, so it is dropped here as a no-op.
	legacyStopAllCommand = "5"

	// lastConnectKey is where the most recent successful connect timestamp
	// is persisted.
	lastConnectKey = "gateway/last-connect"
)

// Event names emitted by the gateway.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventMessage    = "message"
	EventError      = "error"
	EventOffline    = "offline"
	EventOnline     = "online"
)

// MessageEvent is the payload of a "message" event. Synthetic reports
// publishes echoed locally while offline, before any broker confirmation.
type MessageEvent struct {
	Topic     string
	Payload   string
	Synthetic bool
}

// Handler receives one gateway event. The payload is a MessageEvent for
// message events, an error for error events, and nil otherwise.
type Handler func(payload any)

// transport is the protocol layer under the gateway. The production
// implementation wraps an eclipse/paho client; tests substitute a fake.
type transport interface {
	// Connect dials the broker and blocks until the broker acknowledges or
	// the attempt fails.
	Connect() error
	// Disconnect closes the connection, waiting up to quiesce for in-flight
	// work.
	Disconnect(quiesce time.Duration)
	// Subscribe registers interest in topic at QoS 1.
	Subscribe(topic string) error
	// Unsubscribe removes interest in topic.
	Unsubscribe(topic string) error
	// Publish sends payload on topic at QoS 1 with the retained flag set.
	Publish(topic, payload string) error
	// IsConnected reports the protocol-level connection status.
	IsConnected() bool
}

// transportHooks are the callbacks a transport invokes on connection
// lifecycle changes and inbound messages.
type transportHooks struct {
	onMessage        func(topic, payload string)
	onConnectionLost func(err error)
}

// transportFactory builds a transport for the given broker endpoint.
type transportFactory func(cfg BrokerConfig, hooks transportHooks) transport

// BrokerConfig identifies the broker endpoint.
type BrokerConfig struct {
	URL      string
	Username string
	Password string
	ClientID string
}

// retryEntry is one undelivered publish. Entries are keyed by topic plus
// payload, so distinct pending values for one topic coexist.
type retryEntry struct {
	Topic     string
	Payload   string
	Timestamp time.Time
}

func retryKey(topic, payload string) string {
	return topic + "\x00" + payload
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithStore sets the blob store that receives the connect timestamp.
func WithStore(store blobstore.Store) Option {
	return func(g *Gateway) {
		g.store = store
	}
}

// WithMetrics attaches the platform metric set.
func WithMetrics(m *metric.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

func withTransportFactory(f transportFactory) Option {
	return func(g *Gateway) {
		g.factory = f
	}
}

func withReconnect(interval time.Duration, attempts int) Option {
	return func(g *Gateway) {
		g.reconnectEvery = interval
		g.reconnectMax = attempts
	}
}

// Gateway is the device broker client. Construct with New, wire handlers
// with On, then Connect.
type Gateway struct {
	cfg     BrokerConfig
	factory transportFactory
	store   blobstore.Store
	metrics *metric.Metrics
	logger  *slog.Logger
	now     func() time.Time

	reconnectEvery time.Duration
	reconnectMax   int

	state       atomic.Int32
	offlineMode atomic.Bool

	mu        sync.Mutex
	transport transport
	deferred  []retryEntry // one-shot publishes awaiting the next connect
	reconning bool

	subsMu        sync.Mutex
	subscriptions map[string]struct{}

	retryMu sync.Mutex
	retry   map[string]retryEntry

	lastMu     sync.RWMutex
	lastValues map[string]string

	handlerMu sync.RWMutex
	handlers  map[string]map[int]Handler
	nextID    int
}

// New creates a gateway for the given broker. The connection is not opened
// until Connect.
func New(cfg BrokerConfig, opts ...Option) (*Gateway, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Gateway", "New", "broker url required")
	}

	g := &Gateway{
		cfg:            cfg,
		factory:        newPahoTransport,
		logger:         slog.Default(),
		now:            time.Now,
		reconnectEvery: ReconnectInterval,
		reconnectMax:   MaxReconnectAttempts,
		subscriptions:  make(map[string]struct{}),
		retry:          make(map[string]retryEntry),
		lastValues:     make(map[string]string),
		handlers:       make(map[string]map[int]Handler),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// State returns the current connection state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

func (g *Gateway) setState(s State) {
	g.state.Store(int32(s))
	if g.metrics != nil {
		g.metrics.GatewayConnectionState.Set(float64(s))
	}
}

// IsOfflineMode reports whether the gateway has exhausted its reconnect
// budget and stopped passive retrying.
func (g *Gateway) IsOfflineMode() bool {
	return g.offlineMode.Load()
}

// On registers a handler for the named event and returns an unregister
// function.
func (g *Gateway) On(event string, handler Handler) func() {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()

	if g.handlers[event] == nil {
		g.handlers[event] = make(map[int]Handler)
	}
	id := g.nextID
	g.nextID++
	g.handlers[event][id] = handler

	return func() {
		g.handlerMu.Lock()
		defer g.handlerMu.Unlock()
		delete(g.handlers[event], id)
	}
}

// emit invokes every handler for event. A panicking handler is recovered;
// one bad observer must not break delivery or the protocol loop.
func (g *Gateway) emit(event string, payload any) {
	g.handlerMu.RLock()
	handlers := make([]Handler, 0, len(g.handlers[event]))
	for _, h := range g.handlers[event] {
		handlers = append(handlers, h)
	}
	g.handlerMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					g.logger.Error("event handler panicked", "event", event, "panic", r)
				}
			}()
			h(payload)
		}()
	}
}

// Connect opens the broker connection. It is a no-op when already connected
// or mid-handshake. Calling it while in offline mode acts as the
// network-restored signal and restarts the connection cycle.
func (g *Gateway) Connect() error {
	switch g.State() {
	case StateConnected, StateConnecting:
		return nil
	}

	wasOffline := g.offlineMode.Swap(false)
	g.setState(StateConnecting)

	g.mu.Lock()
	if g.transport == nil {
		g.transport = g.factory(g.cfg, transportHooks{
			onMessage:        g.handleInbound,
			onConnectionLost: g.handleConnectionLost,
		})
	}
	t := g.transport
	g.mu.Unlock()

	if err := g.connectOnce(t); err != nil {
		g.setState(StateDisconnected)
		g.emit(EventError, err)
		return errors.WrapTransient(err, "Gateway", "Connect", "broker handshake")
	}

	if wasOffline {
		g.emit(EventOnline, nil)
	}
	return nil
}

// connectOnce performs one handshake attempt and, on success, the full
// post-connect sequence.
func (g *Gateway) connectOnce(t transport) error {
	if err := t.Connect(); err != nil {
		return err
	}
	g.onConnected(t)
	return nil
}

// onConnected runs after every successful handshake: state transition,
// connect timestamp persistence, resubscription of the whole topic set,
// deferred publish execution, and retry drain.
func (g *Gateway) onConnected(t transport) {
	g.setState(StateConnected)
	if g.metrics != nil {
		g.metrics.GatewayReconnects.Inc()
	}
	g.persistConnectTime()

	g.subsMu.Lock()
	topics := make([]string, 0, len(g.subscriptions))
	for topic := range g.subscriptions {
		topics = append(topics, topic)
	}
	g.subsMu.Unlock()
	for _, topic := range topics {
		if err := t.Subscribe(topic); err != nil {
			g.logger.Error("resubscribe failed", "topic", topic, "error", err)
			g.emit(EventError, errors.WrapTransient(err, "Gateway", "onConnected", "resubscribe "+topic))
		}
	}

	g.mu.Lock()
	deferred := g.deferred
	g.deferred = nil
	g.mu.Unlock()
	for _, entry := range deferred {
		if err := g.Publish(entry.Topic, entry.Payload); err != nil {
			g.logger.Warn("deferred publish failed", "topic", entry.Topic, "error", err)
		}
	}

	g.drainRetryQueue(t)

	g.emit(EventConnect, nil)
	g.logger.Info("broker connected", "url", g.cfg.URL)
}

func (g *Gateway) persistConnectTime() {
	if g.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ts := strconv.FormatInt(g.now().UnixMilli(), 10)
	if err := g.store.Put(ctx, lastConnectKey, []byte(ts)); err != nil {
		g.logger.Warn("failed to persist connect timestamp", "error", err)
	}
}

// handleConnectionLost is invoked by the transport when an established
// connection drops. It starts one reconnect cycle.
func (g *Gateway) handleConnectionLost(err error) {
	g.logger.Warn("broker connection lost", "error", err)
	g.emit(EventDisconnect, err)

	g.mu.Lock()
	if g.reconning {
		g.mu.Unlock()
		return
	}
	g.reconning = true
	g.mu.Unlock()

	g.setState(StateReconnecting)
	go g.reconnectLoop()
}

// reconnectLoop retries the handshake on a fixed schedule. After the
// attempt budget is spent the gateway disconnects explicitly and parks in
// offline mode until Connect is called again.
func (g *Gateway) reconnectLoop() {
	defer func() {
		g.mu.Lock()
		g.reconning = false
		g.mu.Unlock()
	}()

	g.mu.Lock()
	t := g.transport
	g.mu.Unlock()

	attempt := 0
	err := retry.Do(context.Background(), retry.Fixed(g.reconnectEvery, g.reconnectMax), func() error {
		attempt++

		// Connect may have been called explicitly in the meantime.
		if g.State() == StateConnected {
			return nil
		}

		if err := g.connectOnce(t); err != nil {
			g.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			return err
		}
		return nil
	})
	if err == nil {
		return
	}

	t.Disconnect(time.Second)
	g.offlineMode.Store(true)
	g.setState(StateOfflineExhausted)
	g.emit(EventOffline, nil)
	g.logger.Warn("reconnect attempts exhausted, entering offline mode")
}

// Disconnect closes the broker connection explicitly. The subscription set
// is retained for the next Connect.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	t := g.transport
	g.mu.Unlock()

	if t != nil && t.IsConnected() {
		t.Disconnect(time.Second)
	}
	g.setState(StateDisconnected)
}

// Subscribe registers interest in topic. The registration survives
// disconnects; only Unsubscribe removes it.
func (g *Gateway) Subscribe(topic string) error {
	if topic == "" {
		return errors.WrapInvalid(errors.ErrInvalidState, "Gateway", "Subscribe", "empty topic")
	}

	g.subsMu.Lock()
	g.subscriptions[topic] = struct{}{}
	g.subsMu.Unlock()

	g.mu.Lock()
	t := g.transport
	g.mu.Unlock()
	if t == nil || !t.IsConnected() {
		// Deferred until the next successful connect.
		return nil
	}
	if err := t.Subscribe(topic); err != nil {
		return errors.WrapTransient(err, "Gateway", "Subscribe", "subscribe "+topic)
	}
	return nil
}

// Unsubscribe removes topic from the subscription set and from the broker
// when connected.
func (g *Gateway) Unsubscribe(topic string) error {
	g.subsMu.Lock()
	delete(g.subscriptions, topic)
	g.subsMu.Unlock()

	g.mu.Lock()
	t := g.transport
	g.mu.Unlock()
	if t == nil || !t.IsConnected() {
		return nil
	}
	if err := t.Unsubscribe(topic); err != nil {
		return errors.WrapTransient(err, "Gateway", "Unsubscribe", "unsubscribe "+topic)
	}
	return nil
}

// Subscriptions returns the registered topics in sorted order.
func (g *Gateway) Subscriptions() []string {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	topics := make([]string, 0, len(g.subscriptions))
	for topic := range g.subscriptions {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// handleInbound records the payload in the last-value cache and emits a
// message event.
func (g *Gateway) handleInbound(topic, payload string) {
	g.lastMu.Lock()
	g.lastValues[topic] = payload
	g.lastMu.Unlock()

	g.emit(EventMessage, MessageEvent{Topic: topic, Payload: payload})
}

// Publish sends payload on topic, retained at QoS 1. Behavior depends on
// the connection state:
//   - connected: send immediately; a failed send joins the retry queue
//   - mid-handshake: defer as a one-shot for the next successful connect
//   - otherwise: cache the value, queue a retry entry, and emit a synthetic
//     message event so local observers update optimistically
func (g *Gateway) Publish(topic, payload string) error {
	if topic == "" {
		return errors.WrapInvalid(errors.ErrInvalidState, "Gateway", "Publish", "empty topic")
	}
	if payload == legacyStopAllCommand {
		g.logger.Debug("dropping retired command payload", "topic", topic)
		return nil
	}

	switch g.State() {
	case StateConnecting:
		g.mu.Lock()
		g.deferred = append(g.deferred, retryEntry{Topic: topic, Payload: payload, Timestamp: g.now()})
		g.mu.Unlock()
		return nil

	case StateConnected:
		g.mu.Lock()
		t := g.transport
		g.mu.Unlock()
		if err := t.Publish(topic, payload); err != nil {
			g.enqueueRetry(topic, payload)
			if g.metrics != nil {
				g.metrics.GatewayPublishes.WithLabelValues("failed").Inc()
			}
			return errors.WrapTransient(err, "Gateway", "Publish", "queued for retry")
		}
		g.lastMu.Lock()
		g.lastValues[topic] = payload
		g.lastMu.Unlock()
		if g.metrics != nil {
			g.metrics.GatewayPublishes.WithLabelValues("sent").Inc()
		}
		return nil

	default:
		// Offline path: optimistic local echo plus a queued retry.
		g.lastMu.Lock()
		g.lastValues[topic] = payload
		g.lastMu.Unlock()
		g.enqueueRetry(topic, payload)
		g.emit(EventMessage, MessageEvent{Topic: topic, Payload: payload, Synthetic: true})
		if g.metrics != nil {
			g.metrics.GatewayPublishes.WithLabelValues("queued").Inc()
		}
		return nil
	}
}

func (g *Gateway) enqueueRetry(topic, payload string) {
	g.retryMu.Lock()
	g.retry[retryKey(topic, payload)] = retryEntry{Topic: topic, Payload: payload, Timestamp: g.now()}
	size := len(g.retry)
	g.retryMu.Unlock()

	if g.metrics != nil {
		g.metrics.GatewayRetryQueueSize.Set(float64(size))
	}
}

// RetryQueueSize returns the number of pending retry entries.
func (g *Gateway) RetryQueueSize() int {
	g.retryMu.Lock()
	defer g.retryMu.Unlock()
	return len(g.retry)
}

// drainRetryQueue resends every pending entry, oldest first. Entries past
// the TTL are discarded unsent. A failed resend keeps its entry for the
// next drain.
func (g *Gateway) drainRetryQueue(t transport) {
	g.retryMu.Lock()
	entries := make([]retryEntry, 0, len(g.retry))
	for _, entry := range g.retry {
		entries = append(entries, entry)
	}
	g.retryMu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	now := g.now()
	for _, entry := range entries {
		key := retryKey(entry.Topic, entry.Payload)

		if now.Sub(entry.Timestamp) > RetryEntryTTL {
			g.retryMu.Lock()
			delete(g.retry, key)
			g.retryMu.Unlock()
			continue
		}

		if err := t.Publish(entry.Topic, entry.Payload); err != nil {
			g.logger.Warn("retry publish failed", "topic", entry.Topic, "error", err)
			continue
		}

		g.retryMu.Lock()
		delete(g.retry, key)
		g.retryMu.Unlock()

		g.lastMu.Lock()
		g.lastValues[entry.Topic] = entry.Payload
		g.lastMu.Unlock()
	}

	if g.metrics != nil {
		g.metrics.GatewayRetryQueueSize.Set(float64(g.RetryQueueSize()))
	}
}

// GetLastMessage answers "what is the last known payload on topic" from the
// local cache, without a broker round trip.
func (g *Gateway) GetLastMessage(topic string) (string, bool) {
	g.lastMu.RLock()
	defer g.lastMu.RUnlock()
	payload, ok := g.lastValues[topic]
	return payload, ok
}

// Close disconnects and drops the transport.
func (g *Gateway) Close() error {
	g.Disconnect()
	g.mu.Lock()
	g.transport = nil
	g.mu.Unlock()
	return nil
}
