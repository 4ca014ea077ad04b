package consumer

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Byounghakim/pc-ui-server-sub000/blobstore/memstore"
	"github.com/Byounghakim/pc-ui-server-sub000/errors"
)

// fakeConn feeds scripted frames to the read loop and blocks afterwards
// until closed.
type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) push(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.frames <- data
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.frames:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, stderrors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer hands out fakeConns, optionally failing the first N dials.
type fakeDialer struct {
	mu        sync.Mutex
	failFirst int
	dials     int
	ackID     string
	conns     []*fakeConn
}

func (d *fakeDialer) Dial(rawURL, clientID string) (streamConn, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failFirst {
		return nil, "", stderrors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	ack := d.ackID
	if ack == "" {
		ack = clientID
	}
	return conn, ack, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakePoster records posts and can be toggled to fail.
type fakePoster struct {
	mu     sync.Mutex
	fail   bool
	failAt int // 1-based post index to start failing at, 0 = use fail flag
	calls  int
	posts  []queuedPublish
}

func (p *fakePoster) Post(_ context.Context, envType string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail || (p.failAt > 0 && len(p.posts)+1 >= p.failAt) {
		return stderrors.New("post failed")
	}
	p.posts = append(p.posts, queuedPublish{Type: envType, Data: data})
	return nil
}

func (p *fakePoster) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakePoster) recorded() []queuedPublish {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]queuedPublish, len(p.posts))
	copy(out, p.posts)
	return out
}

func (p *fakePoster) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func newTestConsumer(t *testing.T, opts ...Option) (*Consumer, *fakeDialer, *fakePoster) {
	t.Helper()
	d := &fakeDialer{}
	p := &fakePoster{}
	base := []Option{
		withDialer(d),
		withPoster(p),
		withReconnect(5*time.Millisecond, 3),
		withHeartbeat(10*time.Millisecond, 50*time.Millisecond),
	}
	c, err := New("http://hub.local", append(base, opts...)...)
	require.NoError(t, err)
	return c, d, p
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDispatchToHandlers(t *testing.T) {
	c, d, _ := newTestConsumer(t)

	var (
		mu  sync.Mutex
		got []string
	)
	c.On("stateChange", func(msg Message) {
		mu.Lock()
		got = append(got, string(msg.Data))
		mu.Unlock()
	})

	require.NoError(t, c.Start())
	defer c.Stop()
	waitFor(t, c.Connected, "never connected")

	d.latest().push(Message{Type: "stateChange", Data: json.RawMessage(`"on"`)})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "handler not invoked")

	mu.Lock()
	assert.Equal(t, `"on"`, got[0])
	mu.Unlock()
}

func TestSyncEnvelopeUnpackedInOrder(t *testing.T) {
	c, d, _ := newTestConsumer(t)

	var (
		mu  sync.Mutex
		got []string
	)
	c.On("task", func(msg Message) {
		mu.Lock()
		got = append(got, string(msg.Data))
		mu.Unlock()
	})

	require.NoError(t, c.Start())
	defer c.Stop()
	waitFor(t, c.Connected, "never connected")

	history := []Message{
		{Type: "task", Data: json.RawMessage(`1`)},
		{Type: "task", Data: json.RawMessage(`2`)},
		{Type: "task", Data: json.RawMessage(`3`)},
	}
	raw, err := json.Marshal(history)
	require.NoError(t, err)
	d.latest().push(Message{Type: "sync", Data: raw})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, "sync entries not dispatched")

	mu.Lock()
	assert.Equal(t, []string{"1", "2", "3"}, got)
	mu.Unlock()
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	c, d, _ := newTestConsumer(t)

	var called bool
	var mu sync.Mutex
	c.On("x", func(Message) { panic("boom") })
	c.On("x", func(Message) {
		mu.Lock()
		called = true
		mu.Unlock()
	})

	require.NoError(t, c.Start())
	defer c.Stop()
	waitFor(t, c.Connected, "never connected")

	d.latest().push(Message{Type: "x", Data: json.RawMessage(`1`)})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return called
	}, "second handler not invoked after panic")
}

func TestUnregisterHandler(t *testing.T) {
	c, d, _ := newTestConsumer(t)

	var count int
	var mu sync.Mutex
	off := c.On("x", func(Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	off()

	require.NoError(t, c.Start())
	defer c.Stop()
	waitFor(t, c.Connected, "never connected")

	d.latest().push(Message{Type: "x", Data: json.RawMessage(`1`)})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, count)
	mu.Unlock()
}

func TestReconnectAfterDrop(t *testing.T) {
	c, d, _ := newTestConsumer(t)
	require.NoError(t, c.Start())
	defer c.Stop()
	waitFor(t, c.Connected, "never connected")

	first := d.latest()
	first.Close()

	waitFor(t, func() bool { return d.dialCount() >= 2 && c.Connected() }, "did not reconnect")
}

func TestOfflineAfterExhaustedAttempts(t *testing.T) {
	c, d, _ := newTestConsumer(t)
	d.failFirst = 1000

	require.NoError(t, c.Start())
	defer c.Stop()

	waitFor(t, c.Offline, "never went offline")
	assert.Equal(t, 3, d.dialCount())

	// NotifyOnline restarts the cycle with a fresh attempt budget
	d.mu.Lock()
	d.failFirst = d.dials // next dial succeeds
	d.mu.Unlock()
	c.NotifyOnline()

	waitFor(t, c.Connected, "did not reconnect after online signal")
	assert.False(t, c.Offline())
}

func TestStaleStreamForcesReconnect(t *testing.T) {
	c, d, _ := newTestConsumer(t, withHeartbeat(5*time.Millisecond, 20*time.Millisecond))
	require.NoError(t, c.Start())
	defer c.Stop()
	waitFor(t, c.Connected, "never connected")

	// No traffic arrives; the liveness watcher must tear the stream down.
	waitFor(t, func() bool { return d.dialCount() >= 2 }, "stale stream not reconnected")
}

func TestPublishQueuesOnFailure(t *testing.T) {
	c, _, p := newTestConsumer(t)
	p.setFail(true)

	err := c.Publish(context.Background(), "task", "a")
	require.Error(t, err)
	assert.Equal(t, 1, c.QueuedCount())

	p.setFail(false)
	n, err := c.ProcessOfflineMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, c.QueuedCount())
	require.Len(t, p.recorded(), 1)
	assert.Equal(t, "task", p.recorded()[0].Type)
}

func TestPublishWhileDisconnectedSkipsNetwork(t *testing.T) {
	c, _, p := newTestConsumer(t)

	start := time.Now()
	err := c.Publish(context.Background(), "task", "a")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrOfflineMode)
	assert.Zero(t, p.callCount(), "no delivery attempt while disconnected")
	assert.Less(t, elapsed, time.Second, "offline publish returns without waiting on the network")
	assert.Equal(t, 1, c.QueuedCount())
}

func TestQueuedPublishCarriesTimestamp(t *testing.T) {
	c, _, _ := newTestConsumer(t)

	before := time.Now().UnixMilli()
	_ = c.Publish(context.Background(), "task", "a")

	entry, ok := c.queue.Peek()
	require.True(t, ok)
	assert.GreaterOrEqual(t, entry.Timestamp, before)
	assert.LessOrEqual(t, entry.Timestamp, time.Now().UnixMilli())
}

func TestOfflineQueueBound(t *testing.T) {
	c, _, p := newTestConsumer(t)
	p.setFail(true)

	for i := 0; i < OfflineQueueCapacity+20; i++ {
		_ = c.Publish(context.Background(), "task", i)
	}
	assert.Equal(t, OfflineQueueCapacity, c.QueuedCount())

	p.setFail(false)
	n, err := c.ProcessOfflineMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OfflineQueueCapacity, n)

	// The 20 oldest were dropped; delivery starts at entry 20.
	assert.Equal(t, 20, p.recorded()[0].Data)
}

func TestProcessOfflineMessagesHaltsAtFirstFailure(t *testing.T) {
	c, _, p := newTestConsumer(t)
	p.setFail(true)
	for i := 0; i < 5; i++ {
		_ = c.Publish(context.Background(), "task", i)
	}

	p.mu.Lock()
	p.fail = false
	p.failAt = 3 // third delivery fails
	p.mu.Unlock()

	n, err := c.ProcessOfflineMessages(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, c.QueuedCount(), "failed entry and everything behind it stay queued")

	p.mu.Lock()
	p.failAt = 0
	p.mu.Unlock()

	n, err = c.ProcessOfflineMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []queuedPublish{
		{Type: "task", Data: 0},
		{Type: "task", Data: 1},
		{Type: "task", Data: 2},
		{Type: "task", Data: 3},
		{Type: "task", Data: 4},
	}, p.recorded(), "overall delivery preserved FIFO order")
}

func TestQueueDrainedOnReconnect(t *testing.T) {
	c, d, p := newTestConsumer(t)
	d.failFirst = 1 // first dial fails, consumer retries

	p.setFail(true)
	_ = c.Publish(context.Background(), "task", "queued")
	p.setFail(false)

	require.NoError(t, c.Start())
	defer c.Stop()
	waitFor(t, c.Connected, "never connected")

	waitFor(t, func() bool { return c.QueuedCount() == 0 }, "queue not drained on connect")
	require.Len(t, p.recorded(), 1)
	assert.Equal(t, "queued", p.recorded()[0].Data)
}

func TestClientIDPersistedAcrossRestarts(t *testing.T) {
	store := memstore.New()

	c1, _, _ := newTestConsumer(t, WithStore(store))
	id := c1.ClientID()
	require.NotEmpty(t, id)

	c2, _, _ := newTestConsumer(t, WithStore(store))
	assert.Equal(t, id, c2.ClientID())
}

func TestServerAssignedIDAdopted(t *testing.T) {
	store := memstore.New()
	c, d, _ := newTestConsumer(t, WithStore(store))
	d.ackID = "server-assigned"

	require.NoError(t, c.Start())
	defer c.Stop()
	waitFor(t, c.Connected, "never connected")

	waitFor(t, func() bool { return c.ClientID() == "server-assigned" }, "assigned id not adopted")

	data, err := store.Get(context.Background(), "consumer/client-id")
	require.NoError(t, err)
	assert.Equal(t, "server-assigned", string(data))
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"ftp://x", "://bad"} {
		_, err := New(raw)
		assert.Error(t, err, fmt.Sprintf("url %q", raw))
	}
}
