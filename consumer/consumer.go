// Package consumer is the client side of the broadcast hub: it maintains
// one websocket stream against a hub server, dispatches received envelopes
// to registered handlers, and queues outbound publishes while offline.
package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Byounghakim/pc-ui-server-sub000/blobstore"
	"github.com/Byounghakim/pc-ui-server-sub000/errors"
	"github.com/Byounghakim/pc-ui-server-sub000/hub"
	"github.com/Byounghakim/pc-ui-server-sub000/pkg/buffer"
	"github.com/Byounghakim/pc-ui-server-sub000/pkg/retry"
)

const (
	// ReconnectInterval is the fixed delay between reconnect attempts.
	ReconnectInterval = 5 * time.Second

	// MaxReconnectAttempts bounds one reconnect cycle. After exhaustion the
	// consumer stays offline until NotifyOnline is called.
	MaxReconnectAttempts = 10

	// HeartbeatInterval is how often stream liveness is checked.
	HeartbeatInterval = 30 * time.Second

	// StaleThreshold is the silence after which the stream is presumed dead
	// and torn down for one reconnect.
	StaleThreshold = 60 * time.Second

	// OfflineQueueCapacity bounds the outbound queue held while the hub is
	// unreachable. The oldest entry is dropped at capacity.
	OfflineQueueCapacity = 100

	// clientIDKey is where the persisted stream identity lives.
	clientIDKey = "consumer/client-id"
)

// Message is one envelope as received off the wire. Data stays raw so each
// handler decodes only what it understands.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Handler processes one received envelope. Handlers run on the read loop
// goroutine; a panicking handler is recovered and logged, never fatal.
type Handler func(msg Message)

// streamConn is the slice of a websocket connection the read loop needs.
type streamConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// dialer opens one stream connection, returning the connection and the
// client id the server acknowledged.
type dialer interface {
	Dial(rawURL string, clientID string) (streamConn, string, error)
}

// wsDialer implements dialer on gorilla/websocket.
type wsDialer struct{}

func (wsDialer) Dial(rawURL string, clientID string) (streamConn, string, error) {
	header := http.Header{}
	if clientID != "" {
		header.Set(hub.ClientIDHeader, clientID)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(rawURL, header)
	if err != nil {
		return nil, "", err
	}
	acked := resp.Header.Get(hub.ClientIDHeader)
	return conn, acked, nil
}

// poster delivers one publish to the hub ingress endpoint.
type poster interface {
	Post(ctx context.Context, envType string, data any) error
}

// httpPoster implements poster against POST /events.
type httpPoster struct {
	endpoint string
	client   *http.Client
}

func (p *httpPoster) Post(ctx context.Context, envType string, data any) error {
	body, err := json.Marshal(map[string]any{"type": envType, "data": data})
	if err != nil {
		return errors.WrapInvalid(err, "httpPoster", "Post", "marshal envelope")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.WrapInvalid(err, "httpPoster", "Post", "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "httpPoster", "Post", "deliver envelope")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.WrapTransient(fmt.Errorf("unexpected status %d", resp.StatusCode),
			"httpPoster", "Post", "deliver envelope")
	}
	return nil
}

// queuedPublish is one outbound envelope held while offline.
type queuedPublish struct {
	Type      string
	Data      any
	Timestamp int64 // Unix milliseconds, when the publish was queued
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithStore sets the blob store used to persist the stream identity across
// restarts. Without one a fresh id is generated per process.
func WithStore(store blobstore.Store) Option {
	return func(c *Consumer) {
		c.store = store
	}
}

// WithHTTPClient overrides the ingress HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Consumer) {
		if p, ok := c.poster.(*httpPoster); ok {
			p.client = client
		}
	}
}

func withDialer(d dialer) Option {
	return func(c *Consumer) {
		c.dialer = d
	}
}

func withPoster(p poster) Option {
	return func(c *Consumer) {
		c.poster = p
	}
}

func withHeartbeat(interval, stale time.Duration) Option {
	return func(c *Consumer) {
		c.heartbeatEvery = interval
		c.staleAfter = stale
	}
}

func withReconnect(interval time.Duration, attempts int) Option {
	return func(c *Consumer) {
		c.reconnectEvery = interval
		c.reconnectMax = attempts
	}
}

// Consumer is a reconnecting hub stream client. Create with New, register
// handlers with On, then Start.
type Consumer struct {
	streamURL string
	clientID  string
	store     blobstore.Store
	dialer    dialer
	poster    poster
	logger    *slog.Logger

	heartbeatEvery time.Duration
	staleAfter     time.Duration
	reconnectEvery time.Duration
	reconnectMax   int

	handlerMu sync.RWMutex
	handlers  map[string]map[int]Handler
	nextID    int

	queue *buffer.Ring[queuedPublish]

	mu        sync.Mutex
	conn      streamConn
	started   bool
	offline   bool
	wake      chan struct{}
	cancel    context.CancelFunc
	runDone   chan struct{}
	connected atomic.Bool
	lastMsg   atomic.Int64 // Unix milliseconds
}

// New creates a consumer for the hub at baseURL (http or https scheme; the
// stream endpoint is derived from it).
func New(baseURL string, opts ...Option) (*Consumer, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Consumer", "New", "parse base url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Consumer", "New",
			fmt.Sprintf("unsupported scheme %q", parsed.Scheme))
	}

	wsURL := *parsed
	if parsed.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/events/stream"

	ingress := *parsed
	ingress.Path = "/events"

	c := &Consumer{
		streamURL:      wsURL.String(),
		dialer:         wsDialer{},
		poster:         &httpPoster{endpoint: ingress.String(), client: &http.Client{Timeout: 10 * time.Second}},
		logger:         slog.Default(),
		heartbeatEvery: HeartbeatInterval,
		staleAfter:     StaleThreshold,
		reconnectEvery: ReconnectInterval,
		reconnectMax:   MaxReconnectAttempts,
		handlers:       make(map[string]map[int]Handler),
		queue:          buffer.NewRing[queuedPublish](OfflineQueueCapacity),
		wake:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.clientID = c.loadClientID()
	return c, nil
}

// loadClientID restores the persisted stream identity, minting and saving a
// fresh one when none exists.
func (c *Consumer) loadClientID() string {
	if c.store == nil {
		return uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := c.store.Get(ctx, clientIDKey)
	if err == nil && len(data) > 0 {
		return string(data)
	}

	id := uuid.NewString()
	if err := c.store.Put(ctx, clientIDKey, []byte(id)); err != nil {
		c.logger.Warn("failed to persist client id", "error", err)
	}
	return id
}

// ClientID returns the identity presented on stream open.
func (c *Consumer) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// On registers a handler for the given envelope type and returns an
// unregister function. Multiple handlers per type run in registration order.
func (c *Consumer) On(envType string, handler Handler) func() {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	if c.handlers[envType] == nil {
		c.handlers[envType] = make(map[int]Handler)
	}
	id := c.nextID
	c.nextID++
	c.handlers[envType][id] = handler

	return func() {
		c.handlerMu.Lock()
		defer c.handlerMu.Unlock()
		delete(c.handlers[envType], id)
	}
}

// Start begins the connect/read/reconnect loop.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Consumer", "Start", "already running")
	}
	c.started = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.runDone = make(chan struct{})
	go c.run(ctx)
	return nil
}

// Stop tears down the stream and stops reconnecting.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel := c.cancel
	done := c.runDone
	conn := c.conn
	c.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
	return nil
}

// Connected reports whether a live stream is currently open.
func (c *Consumer) Connected() bool {
	return c.connected.Load()
}

// Offline reports whether the consumer has exhausted its reconnect budget
// and is waiting for NotifyOnline.
func (c *Consumer) Offline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offline
}

// NotifyOnline signals that connectivity may be back, waking a consumer
// that exhausted its reconnect attempts.
func (c *Consumer) NotifyOnline() {
	c.mu.Lock()
	c.offline = false
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// run is the connection lifecycle: dial, read until failure, retry on a
// fixed schedule, and park offline once the attempt budget is spent.
func (c *Consumer) run(ctx context.Context) {
	defer close(c.runDone)

	for {
		if ctx.Err() != nil {
			return
		}

		var (
			conn  streamConn
			acked string
		)
		attempt := 0
		err := retry.Do(ctx, retry.Fixed(c.reconnectEvery, c.reconnectMax), func() error {
			attempt++
			var dialErr error
			conn, acked, dialErr = c.dialer.Dial(c.streamURL, c.ClientID())
			if dialErr != nil {
				c.logger.Warn("stream connect failed", "attempt", attempt, "error", dialErr)
			}
			return dialErr
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.parkOffline(ctx)
			continue
		}

		c.adoptClientID(acked)
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.connected.Store(true)
		c.lastMsg.Store(time.Now().UnixMilli())
		c.logger.Info("stream connected", "client_id", c.ClientID())

		c.drainQueue(ctx)

		stopWatch := c.watchLiveness(ctx, conn)
		c.readLoop(conn)
		stopWatch()

		c.connected.Store(false)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		c.logger.Info("stream disconnected")
	}
}

// parkOffline marks the consumer offline and blocks until NotifyOnline or
// shutdown.
func (c *Consumer) parkOffline(ctx context.Context) {
	c.mu.Lock()
	c.offline = true
	c.mu.Unlock()
	c.logger.Warn("reconnect attempts exhausted, waiting for online signal")

	select {
	case <-ctx.Done():
	case <-c.wake:
	}
}

// adoptClientID persists a server-assigned id when it differs from the one
// presented.
func (c *Consumer) adoptClientID(acked string) {
	if acked == "" {
		return
	}
	c.mu.Lock()
	changed := acked != c.clientID
	c.clientID = acked
	c.mu.Unlock()

	if changed && c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.Put(ctx, clientIDKey, []byte(acked)); err != nil {
			c.logger.Warn("failed to persist client id", "error", err)
		}
	}
}

// watchLiveness closes the connection when no traffic has arrived within
// the stale threshold. Closing unblocks the read loop, which triggers the
// normal reconnect path.
func (c *Consumer) watchLiveness(ctx context.Context, conn streamConn) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				last := time.UnixMilli(c.lastMsg.Load())
				if time.Since(last) > c.staleAfter {
					c.logger.Warn("stream stale, forcing reconnect", "last_message", last)
					_ = conn.Close()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// readLoop decodes envelopes off the stream until a read fails.
func (c *Consumer) readLoop(conn streamConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.lastMsg.Store(time.Now().UnixMilli())

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping undecodable envelope", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch routes one envelope. A sync envelope is unpacked and each
// historical entry dispatched in its original order.
func (c *Consumer) dispatch(msg Message) {
	if msg.Type == hub.SyncType {
		var history []Message
		if err := json.Unmarshal(msg.Data, &history); err != nil {
			c.logger.Warn("dropping undecodable sync envelope", "error", err)
			return
		}
		for _, entry := range history {
			c.deliver(entry)
		}
		return
	}
	c.deliver(msg)
}

func (c *Consumer) deliver(msg Message) {
	c.handlerMu.RLock()
	handlers := make([]Handler, 0, len(c.handlers[msg.Type]))
	for _, h := range c.handlers[msg.Type] {
		handlers = append(handlers, h)
	}
	c.handlerMu.RUnlock()

	for _, h := range handlers {
		c.safeCall(h, msg)
	}
}

func (c *Consumer) safeCall(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", "type", msg.Type, "panic", r)
		}
	}()
	h(msg)
}

// Publish delivers one envelope to the hub. While disconnected the
// envelope goes straight to the offline queue without touching the
// network. When a connected delivery fails the envelope is queued too; at
// queue capacity the oldest queued entry is dropped to admit the new one.
func (c *Consumer) Publish(ctx context.Context, envType string, data any) error {
	if !c.connected.Load() {
		c.queuePublish(envType, data)
		return errors.WrapTransient(errors.ErrOfflineMode, "Consumer", "Publish", "queued while disconnected")
	}
	if err := c.poster.Post(ctx, envType, data); err != nil {
		c.queuePublish(envType, data)
		return errors.WrapTransient(err, "Consumer", "Publish", "queued for retry")
	}
	return nil
}

func (c *Consumer) queuePublish(envType string, data any) {
	_ = c.queue.Write(queuedPublish{Type: envType, Data: data, Timestamp: time.Now().UnixMilli()})
	c.logger.Debug("publish queued", "type", envType, "queued", c.queue.Size())
}

// QueuedCount returns the number of publishes waiting for connectivity.
func (c *Consumer) QueuedCount() int {
	return c.queue.Size()
}

// ProcessOfflineMessages attempts delivery of the queued publishes in FIFO
// order, stopping at the first failure. The failed envelope and everything
// behind it stay queued in order.
func (c *Consumer) ProcessOfflineMessages(ctx context.Context) (delivered int, err error) {
	for {
		msg, ok := c.queue.Peek()
		if !ok {
			return delivered, nil
		}
		if err := c.poster.Post(ctx, msg.Type, msg.Data); err != nil {
			return delivered, errors.WrapTransient(err, "Consumer", "ProcessOfflineMessages", "delivery halted")
		}
		_, _ = c.queue.Read()
		delivered++
	}
}

// drainQueue flushes queued publishes after a reconnect, best-effort.
func (c *Consumer) drainQueue(ctx context.Context) {
	if c.queue.IsEmpty() {
		return
	}
	n, err := c.ProcessOfflineMessages(ctx)
	if err != nil {
		c.logger.Warn("offline queue drain halted", "delivered", n, "remaining", c.queue.Size(), "error", err)
		return
	}
	if n > 0 {
		c.logger.Info("offline queue drained", "delivered", n)
	}
}
