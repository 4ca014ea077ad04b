package hub

import (
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records envelopes and can be told to fail writes.
type fakeSink struct {
	mu         sync.Mutex
	envelopes  []Envelope
	keepAlives int
	failWrites bool
	failKeep   bool
	closed     bool
}

func (s *fakeSink) WriteEnvelope(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return stderrors.New("write failed")
	}
	s.envelopes = append(s.envelopes, env)
	return nil
}

func (s *fakeSink) WriteKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failKeep {
		return stderrors.New("keepalive failed")
	}
	s.keepAlives++
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) received() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, len(s.envelopes))
	copy(out, s.envelopes)
	return out
}

func (s *fakeSink) setFailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestHub(opts ...Option) *Hub {
	base := []Option{WithKeepAlive(time.Hour)} // keep-alive out of the way unless a test wants it
	return New(append(base, opts...)...)
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	s1 := &fakeSink{}
	s2 := &fakeSink{}
	_, err := h.OpenStream("c1", s1)
	require.NoError(t, err)
	_, err = h.OpenStream("c2", s2)
	require.NoError(t, err)

	h.Broadcast("stateChange", map[string]string{"valve": "1000"})

	for _, sink := range []*fakeSink{s1, s2} {
		got := sink.received()
		require.Len(t, got, 1)
		assert.Equal(t, "stateChange", got[0].Type)
		assert.NotZero(t, got[0].Timestamp)
	}
}

func TestOpenStreamAssignsID(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	sub, err := h.OpenStream("", &fakeSink{})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
}

func TestReplayOnOpen(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	for i := 0; i < 3; i++ {
		h.Broadcast("task", map[string]string{"id": fmt.Sprintf("t%d", i)})
	}

	sink := &fakeSink{}
	_, err := h.OpenStream("late", sink)
	require.NoError(t, err)

	got := sink.received()
	require.Len(t, got, 1, "history arrives in one sync envelope")
	assert.Equal(t, SyncType, got[0].Type)

	history, ok := got[0].Data.([]Envelope)
	require.True(t, ok)
	require.Len(t, history, 3)
	for i, env := range history {
		assert.Equal(t, "task", env.Type)
		assert.Equal(t, map[string]string{"id": fmt.Sprintf("t%d", i)}, env.Data)
	}
}

func TestNoSyncEnvelopeWhenHistoryEmpty(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	sink := &fakeSink{}
	_, err := h.OpenStream("fresh", sink)
	require.NoError(t, err)
	assert.Empty(t, sink.received())
}

func TestFailedWriteRemovesOnlyThatSubscriber(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	bad := &fakeSink{}
	good := &fakeSink{}
	_, err := h.OpenStream("bad", bad)
	require.NoError(t, err)
	_, err = h.OpenStream("good", good)
	require.NoError(t, err)

	bad.setFailWrites(true)
	h.Broadcast("stateChange", "x")

	assert.Equal(t, 1, h.SubscriberCount())
	assert.True(t, bad.isClosed())
	require.Len(t, good.received(), 1)

	// The removed subscriber stays removed
	h.Broadcast("stateChange", "y")
	assert.Len(t, good.received(), 2)
	assert.Empty(t, bad.received())
}

func TestReplayBufferBound(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	for i := 0; i < 150; i++ {
		h.Broadcast("tick", i)
	}

	assert.Equal(t, ReplayCapacity, h.ReplaySize())
	history := h.History()
	require.Len(t, history, ReplayCapacity)
	assert.Equal(t, 50, history[0].Data)
	assert.Equal(t, 149, history[len(history)-1].Data)
}

// Publish three task envelopes, open a stream (sync carries all three),
// then push the buffer past capacity and verify the oldest original entry
// is gone.
func TestEndToEndReplayThenEviction(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	for i := 1; i <= 3; i++ {
		require.NoError(t, h.Publish("task", map[string]string{"id": fmt.Sprintf("t%d", i)}))
	}

	sink := &fakeSink{}
	_, err := h.OpenStream("viewer", sink)
	require.NoError(t, err)

	got := sink.received()
	require.Len(t, got, 1)
	require.Equal(t, SyncType, got[0].Type)
	require.Len(t, got[0].Data.([]Envelope), 3)

	// 98 more fills the buffer to exactly 101 published envelopes
	for i := 0; i < 98; i++ {
		h.Broadcast("tick", i)
	}

	assert.Equal(t, ReplayCapacity, h.ReplaySize())
	history := h.History()
	assert.Equal(t, map[string]string{"id": "t2"}, history[0].Data,
		"oldest of the original three is evicted")
}

func TestPublishValidation(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	err := h.Publish("", "data")
	require.Error(t, err)

	err = h.Publish("task", nil)
	require.Error(t, err)

	assert.Equal(t, 0, h.ReplaySize(), "rejected publishes are not buffered")
}

func TestKeepAliveFailureRemovesSubscriber(t *testing.T) {
	h := New(WithKeepAlive(10 * time.Millisecond))
	defer h.Close()

	sink := &fakeSink{failKeep: true}
	sub, err := h.OpenStream("stale", sink)
	require.NoError(t, err)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber was not removed after keep-alive failure")
	}
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestReconnectReplacesSubscriber(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	first := &fakeSink{}
	second := &fakeSink{}
	_, err := h.OpenStream("same-id", first)
	require.NoError(t, err)
	_, err = h.OpenStream("same-id", second)
	require.NoError(t, err)

	assert.Equal(t, 1, h.SubscriberCount())
	assert.True(t, first.isClosed())

	h.Broadcast("stateChange", "z")
	assert.Empty(t, first.received())
	require.NotEmpty(t, second.received())
}

func TestCloseRemovesAllSubscribers(t *testing.T) {
	h := newTestHub()

	s1 := &fakeSink{}
	s2 := &fakeSink{}
	_, err := h.OpenStream("a", s1)
	require.NoError(t, err)
	_, err = h.OpenStream("b", s2)
	require.NoError(t, err)

	require.NoError(t, h.Close())
	assert.Equal(t, 0, h.SubscriberCount())
	assert.True(t, s1.isClosed())
	assert.True(t, s2.isClosed())

	_, err = h.OpenStream("c", &fakeSink{})
	assert.Error(t, err)
}

// Broadcasts racing from several goroutines must reach every subscriber
// in replay order, not interleaved per-writer.
func TestConcurrentBroadcastsDeliverInReplayOrder(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	s1 := &fakeSink{}
	s2 := &fakeSink{}
	_, err := h.OpenStream("c1", s1)
	require.NoError(t, err)
	_, err = h.OpenStream("c2", s2)
	require.NoError(t, err)

	const writers, perWriter = 4, 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				h.Broadcast("tick", fmt.Sprintf("w%d-%d", w, i))
			}
		}(w)
	}
	wg.Wait()

	history := h.History()
	require.Len(t, history, writers*perWriter)
	for _, sink := range []*fakeSink{s1, s2} {
		assert.Equal(t, history, sink.received(),
			"delivery order matches replay order")
	}
}

// A stream opened during a broadcast storm gets the sync envelope first,
// and the live envelopes that follow continue exactly where the sync
// history left off.
func TestSyncEnvelopePrecedesLiveUnderConcurrency(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	for i := 0; i < 10; i++ {
		h.Broadcast("tick", i)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				h.Broadcast("tick", fmt.Sprintf("w%d-%d", w, i))
			}
		}(w)
	}

	sink := &fakeSink{}
	_, err := h.OpenStream("late", sink)
	require.NoError(t, err)
	wg.Wait()

	got := sink.received()
	require.NotEmpty(t, got)
	require.Equal(t, SyncType, got[0].Type, "sync envelope arrives first")

	replayed, ok := got[0].Data.([]Envelope)
	require.True(t, ok)
	seen := append(append([]Envelope{}, replayed...), got[1:]...)
	assert.Equal(t, h.History(), seen,
		"sync history plus live delivery covers every broadcast exactly once")
}

// fakeBackend is an in-memory fan-out backend connecting two hubs.
type fakeBackend struct {
	mu       sync.Mutex
	handlers []func(Message)
}

func (b *fakeBackend) Publish(msg Message) error {
	b.mu.Lock()
	handlers := append([]func(Message){}, b.handlers...)
	b.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
	return nil
}

func (b *fakeBackend) Subscribe(handler func(Message)) (func(), error) {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
	return func() {}, nil
}

func TestBackendFanOutBetweenHubs(t *testing.T) {
	backend := &fakeBackend{}

	h1 := newTestHub(WithBackend(backend))
	defer h1.Close()
	h2 := newTestHub(WithBackend(backend))
	defer h2.Close()

	sink := &fakeSink{}
	_, err := h2.OpenStream("remote-viewer", sink)
	require.NoError(t, err)

	h1.Broadcast("stateChange", "pump on")

	got := sink.received()
	require.Len(t, got, 1, "h2 subscriber sees h1 broadcast exactly once")
	assert.Equal(t, "stateChange", got[0].Type)

	// h1 must not re-deliver its own message: its replay holds one entry
	assert.Equal(t, 1, h1.ReplaySize())
	assert.Equal(t, 1, h2.ReplaySize())
}
