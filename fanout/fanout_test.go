package fanout

import (
	stderrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Byounghakim/pc-ui-server-sub000/hub"
)

// memConn is an in-memory conn delivering publishes to local subscribers.
type memConn struct {
	mu       sync.Mutex
	handlers map[string][]func([]byte)
	failPub  bool
	drained  bool
}

func newMemConn() *memConn {
	return &memConn{handlers: map[string][]func([]byte){}}
}

func (c *memConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	if c.failPub {
		c.mu.Unlock()
		return stderrors.New("publish failed")
	}
	handlers := append([]func([]byte){}, c.handlers[subject]...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(data)
	}
	return nil
}

func (c *memConn) Subscribe(subject string, handler func([]byte)) (func() error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[subject] = append(c.handlers[subject], handler)
	return func() error { return nil }, nil
}

func (c *memConn) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drained = true
	return nil
}

func TestPublishRoundTrip(t *testing.T) {
	c := newMemConn()
	b := newBackend(c)

	var (
		mu  sync.Mutex
		got []hub.Message
	)
	unsub, err := b.Subscribe(func(msg hub.Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	sent := hub.Message{
		Origin: "proc-a",
		Envelope: hub.Envelope{
			Type:      "stateChange",
			Data:      map[string]any{"valve": "1000"},
			Timestamp: 1700000000000,
		},
	}
	require.NoError(t, b.Publish(sent))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "proc-a", got[0].Origin)
	assert.Equal(t, "stateChange", got[0].Envelope.Type)
	assert.Equal(t, sent.Envelope.Timestamp, got[0].Envelope.Timestamp)
}

func TestUndecodablePayloadIsDropped(t *testing.T) {
	c := newMemConn()
	b := newBackend(c)

	var count int
	_, err := b.Subscribe(func(hub.Message) { count++ })
	require.NoError(t, err)

	require.NoError(t, c.Publish(DefaultSubject, []byte("not json")))
	assert.Zero(t, count)

	require.NoError(t, b.Publish(hub.Message{Origin: "p", Envelope: hub.Envelope{Type: "x", Data: 1}}))
	assert.Equal(t, 1, count)
}

func TestPublishErrorIsTransient(t *testing.T) {
	c := newMemConn()
	c.failPub = true
	b := newBackend(c)

	err := b.Publish(hub.Message{Origin: "p", Envelope: hub.Envelope{Type: "x", Data: 1}})
	require.Error(t, err)
}

func TestCustomSubject(t *testing.T) {
	c := newMemConn()
	b := newBackend(c, WithSubject("alt.events"))

	var count int
	_, err := b.Subscribe(func(hub.Message) { count++ })
	require.NoError(t, err)

	require.NoError(t, b.Publish(hub.Message{Origin: "p", Envelope: hub.Envelope{Type: "x", Data: 1}}))
	assert.Equal(t, 1, count)

	c.mu.Lock()
	_, onDefault := c.handlers[DefaultSubject]
	c.mu.Unlock()
	assert.False(t, onDefault)
}

func TestCloseDrains(t *testing.T) {
	c := newMemConn()
	b := newBackend(c)
	require.NoError(t, b.Close())
	assert.True(t, c.drained)
}
