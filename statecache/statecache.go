// Package statecache is the single in-process authority for task records
// and keyed device state. It emits change notifications only on actual
// value changes, keeps derived composite views consistent with the
// authoritative per-field records, and persists everything to a blob store
// on a timer and at teardown.
package statecache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Byounghakim/pc-ui-server-sub000/blobstore"
	"github.com/Byounghakim/pc-ui-server-sub000/codec"
	"github.com/Byounghakim/pc-ui-server-sub000/errors"
	"github.com/Byounghakim/pc-ui-server-sub000/metric"
)

const (
	// FlushInterval is the periodic durability flush.
	FlushInterval = 60 * time.Second

	// DefaultMaxTaskAge is the cleanup threshold for stale task records.
	DefaultMaxTaskAge = 7 * 24 * time.Hour

	// SystemStateKey holds the derived composite view. It is always rebuilt
	// from the authoritative per-field records, never written directly.
	SystemStateKey = "system:state"

	// ValveStateKey holds the authoritative valve record.
	ValveStateKey = "valve:state"

	// pumpKeyPrefix prefixes the authoritative per-pump records.
	pumpKeyPrefix = "pump:"

	taskBlobPrefix  = "tasks/"
	stateBlobPrefix = "state/"
)

// Task is one persisted work record.
type Task struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Status    string          `json:"status,omitempty"`
	Sequence  json.RawMessage `json:"sequence,omitempty"`
	CreatedAt int64           `json:"createdAt"` // Unix milliseconds
	UpdatedAt int64           `json:"updatedAt"`
}

// TankState is the per-tank slice of the composite view.
type TankState struct {
	PumpState string `json:"pumpState"`
}

// SystemState is the derived composite view over valve and pump records.
type SystemState struct {
	Valve *codec.ValveState    `json:"valve,omitempty"`
	Pumps map[string]string    `json:"pumps,omitempty"`
	Tanks map[string]TankState `json:"tanks,omitempty"`
}

// ChangeEvent describes one observable cache mutation.
type ChangeEvent struct {
	Kind  string `json:"kind"` // stateChange, taskUpdate, taskDelete
	Key   string `json:"key"`
	Value any    `json:"value,omitempty"`
}

// Change event kinds.
const (
	KindStateChange = "stateChange"
	KindTaskUpdate  = "taskUpdate"
	KindTaskDelete  = "taskDelete"
)

// Listener receives change events. Listeners run synchronously on the
// mutating call; a panicking listener is recovered.
type Listener func(event ChangeEvent)

// Option configures a Cache.
type Option func(*Cache)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithFlushInterval overrides the periodic flush interval.
func WithFlushInterval(interval time.Duration) Option {
	return func(c *Cache) {
		c.flushEvery = interval
	}
}

// WithMetrics attaches the platform metric set.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache is the state authority. Construct with New; prior records load from
// the store before New returns, so reads are immediately consistent with
// the last flush.
type Cache struct {
	store   blobstore.Store
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time

	flushEvery time.Duration
	flushStop  chan struct{}
	flushDone  chan struct{}
	closeOnce  sync.Once

	mu     sync.RWMutex
	tasks  map[string]*Task
	states map[string]json.RawMessage // serialized values, the diff basis
	dirty  map[string]struct{}        // blob keys pending flush

	listenerMu sync.RWMutex
	listeners  map[int]Listener
	nextID     int
}

// New builds a cache backed by store and restores all previously persisted
// records before returning.
func New(ctx context.Context, store blobstore.Store, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Cache", "New", "store required")
	}

	c := &Cache{
		store:      store,
		logger:     slog.Default(),
		now:        time.Now,
		flushEvery: FlushInterval,
		flushStop:  make(chan struct{}),
		flushDone:  make(chan struct{}),
		tasks:      make(map[string]*Task),
		states:     make(map[string]json.RawMessage),
		dirty:      make(map[string]struct{}),
		listeners:  make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.restore(ctx); err != nil {
		return nil, err
	}

	go c.flushLoop()
	return c, nil
}

// restore loads every persisted task and state record.
func (c *Cache) restore(ctx context.Context) error {
	keys, err := c.store.List(ctx, "")
	if err != nil {
		return errors.Wrap(err, "Cache", "restore", "list records")
	}

	for _, key := range keys {
		data, err := c.store.Get(ctx, key)
		if err != nil {
			c.logger.Warn("skipping unreadable record", "key", key, "error", err)
			continue
		}

		switch {
		case strings.HasPrefix(key, taskBlobPrefix):
			var task Task
			if err := json.Unmarshal(data, &task); err != nil || task.ID == "" {
				c.logger.Warn("skipping undecodable task record", "key", key)
				continue
			}
			c.tasks[task.ID] = &task
		case strings.HasPrefix(key, stateBlobPrefix):
			stateKey := strings.TrimPrefix(key, stateBlobPrefix)
			c.states[stateKey] = json.RawMessage(data)
		}
	}

	c.logger.Info("state cache restored", "tasks", len(c.tasks), "states", len(c.states))
	c.updateRecordMetric()
	return nil
}

// OnChange registers a change listener and returns an unregister function.
func (c *Cache) OnChange(listener Listener) func() {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	return func() {
		c.listenerMu.Lock()
		defer c.listenerMu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Cache) notify(event ChangeEvent) {
	c.listenerMu.RLock()
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.listenerMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("change listener panicked", "kind", event.Kind, "panic", r)
				}
			}()
			l(event)
		}()
	}
}

// SaveTask stores a task, assigning an id on first save and refreshing
// updatedAt on every save. Returns the stored task.
func (c *Cache) SaveTask(task Task) (Task, error) {
	nowMs := c.now().UnixMilli()
	if task.ID == "" {
		task.ID = uuid.NewString()
		task.CreatedAt = nowMs
	}
	if task.CreatedAt == 0 {
		task.CreatedAt = nowMs
	}
	task.UpdatedAt = nowMs

	c.mu.Lock()
	stored := task
	c.tasks[task.ID] = &stored
	c.dirty[taskBlobPrefix+task.ID] = struct{}{}
	c.mu.Unlock()

	c.countWrite("task")
	c.updateRecordMetric()
	c.notify(ChangeEvent{Kind: KindTaskUpdate, Key: task.ID, Value: task})
	return task, nil
}

// GetTask returns the task with the given id.
func (c *Cache) GetTask(id string) (Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	task, ok := c.tasks[id]
	if !ok {
		return Task{}, errors.WrapInvalid(errors.ErrKeyNotFound, "Cache", "GetTask", "task "+id)
	}
	return *task, nil
}

// DeleteTask removes the task with the given id. Missing ids are ignored.
func (c *Cache) DeleteTask(ctx context.Context, id string) error {
	c.mu.Lock()
	_, existed := c.tasks[id]
	delete(c.tasks, id)
	delete(c.dirty, taskBlobPrefix+id)
	c.mu.Unlock()

	if !existed {
		return nil
	}
	if err := c.store.Delete(ctx, taskBlobPrefix+id); err != nil {
		c.logger.Warn("failed to delete persisted task", "id", id, "error", err)
	}
	c.updateRecordMetric()
	c.notify(ChangeEvent{Kind: KindTaskDelete, Key: id})
	return nil
}

// ListTasks returns tasks newest-first by updatedAt, optionally filtered by
// status. limit <= 0 means no cap.
func (c *Cache) ListTasks(status string, limit int) []Task {
	c.mu.RLock()
	out := make([]Task, 0, len(c.tasks))
	for _, task := range c.tasks {
		if status != "" && task.Status != status {
			continue
		}
		out = append(out, *task)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SetState stores value under key. A stateChange notification fires only
// when the serialized value differs from the stored one; writing the same
// value is silent.
func (c *Cache) SetState(key string, value any) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidState, "Cache", "SetState", "empty key")
	}
	serialized, err := json.Marshal(value)
	if err != nil {
		return errors.WrapInvalid(err, "Cache", "SetState", "serialize value")
	}

	c.mu.Lock()
	prev, existed := c.states[key]
	if existed && string(prev) == string(serialized) {
		c.mu.Unlock()
		return nil
	}
	c.states[key] = serialized
	c.dirty[stateBlobPrefix+key] = struct{}{}
	c.mu.Unlock()

	c.countWrite("state")
	c.updateRecordMetric()
	c.notify(ChangeEvent{Kind: KindStateChange, Key: key, Value: json.RawMessage(serialized)})
	return nil
}

// GetState decodes the value stored under key into out.
func (c *Cache) GetState(key string, out any) error {
	c.mu.RLock()
	serialized, ok := c.states[key]
	c.mu.RUnlock()
	if !ok {
		return errors.WrapInvalid(errors.ErrKeyNotFound, "Cache", "GetState", "state "+key)
	}
	if err := json.Unmarshal(serialized, out); err != nil {
		return errors.WrapInvalid(err, "Cache", "GetState", "decode state "+key)
	}
	return nil
}

// DeleteState removes key and notifies when it existed.
func (c *Cache) DeleteState(ctx context.Context, key string) error {
	c.mu.Lock()
	_, existed := c.states[key]
	delete(c.states, key)
	delete(c.dirty, stateBlobPrefix+key)
	c.mu.Unlock()

	if !existed {
		return nil
	}
	if err := c.store.Delete(ctx, stateBlobPrefix+key); err != nil {
		c.logger.Warn("failed to delete persisted state", "key", key, "error", err)
	}
	c.updateRecordMetric()
	c.notify(ChangeEvent{Kind: KindStateChange, Key: key})
	return nil
}

// SaveValveState normalizes input to the canonical 4-character code, stores
// the full valve record, and rebuilds the composite view. When input cannot
// be normalized the last known good record is re-applied instead of
// guessing a default.
func (c *Cache) SaveValveState(input codec.ValveInput) (codec.ValveState, error) {
	state, err := codec.Normalize(input)
	if err != nil {
		fallback, ferr := c.lastKnownValve()
		if ferr != nil {
			return codec.ValveState{}, errors.WrapInvalid(err, "Cache", "SaveValveState", "normalize input, no fallback")
		}
		c.logger.Warn("valve input invalid, keeping last known state", "code", fallback.Code, "error", err)
		state = fallback
	}

	if err := c.SetState(ValveStateKey, state); err != nil {
		return codec.ValveState{}, err
	}
	if err := c.rebuildSystemState(); err != nil {
		return codec.ValveState{}, err
	}
	return state, nil
}

// lastKnownValve reads the stored valve record, falling back to the blob
// store when the in-memory record is absent (fresh process, corrupt input
// first).
func (c *Cache) lastKnownValve() (codec.ValveState, error) {
	var state codec.ValveState
	if err := c.GetState(ValveStateKey, &state); err == nil && state.Code != "" {
		return state, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := c.store.Get(ctx, stateBlobPrefix+ValveStateKey)
	if err != nil {
		return codec.ValveState{}, err
	}
	if err := json.Unmarshal(data, &state); err != nil || state.Code == "" {
		return codec.ValveState{}, errors.WrapInvalid(errors.ErrParsingFailed, "Cache", "lastKnownValve", "decode persisted record")
	}
	return state, nil
}

// GetValveState returns the authoritative valve record.
func (c *Cache) GetValveState() (codec.ValveState, error) {
	var state codec.ValveState
	if err := c.GetState(ValveStateKey, &state); err != nil {
		return codec.ValveState{}, err
	}
	return state, nil
}

// GetPumpState returns the stored state for one pump.
func (c *Cache) GetPumpState(pumpID string) (string, error) {
	if pumpID == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidState, "Cache", "GetPumpState", "empty pump id")
	}
	var value string
	if err := c.GetState(pumpKeyPrefix+pumpID, &value); err != nil {
		return "", err
	}
	return value, nil
}

// GetAllPumpStates returns every stored pump state keyed by pump id.
func (c *Cache) GetAllPumpStates() map[string]string {
	c.mu.RLock()
	keys := make([]string, 0)
	for key := range c.states {
		if strings.HasPrefix(key, pumpKeyPrefix) {
			keys = append(keys, key)
		}
	}
	c.mu.RUnlock()

	out := make(map[string]string, len(keys))
	for _, key := range keys {
		var value string
		if err := c.GetState(key, &value); err != nil {
			continue
		}
		out[strings.TrimPrefix(key, pumpKeyPrefix)] = value
	}
	return out
}

// SavePumpState normalizes the pump value, stores the per-pump record, and
// rebuilds the composite view.
func (c *Cache) SavePumpState(pumpID string, value string) (string, error) {
	if pumpID == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidState, "Cache", "SavePumpState", "empty pump id")
	}
	normalized := codec.NormalizePump(value)
	if err := c.SetState(pumpKeyPrefix+pumpID, normalized); err != nil {
		return "", err
	}
	if err := c.rebuildSystemState(); err != nil {
		return "", err
	}
	return normalized, nil
}

// rebuildSystemState recomputes the composite view from the authoritative
// valve and pump records.
func (c *Cache) rebuildSystemState() error {
	composite := SystemState{}

	if valve, err := c.GetValveState(); err == nil {
		composite.Valve = &valve
	}

	for id, value := range c.GetAllPumpStates() {
		if composite.Pumps == nil {
			composite.Pumps = make(map[string]string)
			composite.Tanks = make(map[string]TankState)
		}
		composite.Pumps[id] = value
		composite.Tanks[id] = TankState{PumpState: value}
	}

	return c.SetState(SystemStateKey, composite)
}

// SystemView returns the current composite view.
func (c *Cache) SystemView() (SystemState, error) {
	var view SystemState
	if err := c.GetState(SystemStateKey, &view); err != nil {
		return SystemState{}, err
	}
	return view, nil
}

// Counts returns the number of task and state records held.
func (c *Cache) Counts() (tasks, states int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tasks), len(c.states)
}

// CleanupOldData removes task records whose updatedAt is older than maxAge
// (DefaultMaxTaskAge when maxAge <= 0). Each removal notifies like an
// explicit delete. Returns the number of removed tasks.
func (c *Cache) CleanupOldData(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxTaskAge
	}
	cutoff := c.now().Add(-maxAge).UnixMilli()

	c.mu.Lock()
	expired := make([]string, 0)
	for id, task := range c.tasks {
		if task.UpdatedAt < cutoff {
			expired = append(expired, id)
		}
	}
	c.mu.Unlock()

	for _, id := range expired {
		if err := c.DeleteTask(ctx, id); err != nil {
			return len(expired), err
		}
	}
	if len(expired) > 0 {
		c.logger.Info("stale tasks removed", "count", len(expired))
	}
	return len(expired), nil
}

// Flush writes every dirty record to the blob store.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	pending := make(map[string][]byte, len(c.dirty))
	for blobKey := range c.dirty {
		switch {
		case strings.HasPrefix(blobKey, taskBlobPrefix):
			id := strings.TrimPrefix(blobKey, taskBlobPrefix)
			task, ok := c.tasks[id]
			if !ok {
				continue
			}
			data, err := json.Marshal(task)
			if err != nil {
				continue
			}
			pending[blobKey] = data
		case strings.HasPrefix(blobKey, stateBlobPrefix):
			key := strings.TrimPrefix(blobKey, stateBlobPrefix)
			serialized, ok := c.states[key]
			if !ok {
				continue
			}
			pending[blobKey] = []byte(serialized)
		}
	}
	c.mu.Unlock()

	var firstErr error
	flushed := make([]string, 0, len(pending))
	for blobKey, data := range pending {
		if err := c.store.Put(ctx, blobKey, data); err != nil {
			if firstErr == nil {
				firstErr = errors.WrapTransient(err, "Cache", "Flush", "persist "+blobKey)
			}
			continue
		}
		flushed = append(flushed, blobKey)
	}

	c.mu.Lock()
	for _, blobKey := range flushed {
		delete(c.dirty, blobKey)
	}
	c.mu.Unlock()

	return firstErr
}

// flushLoop runs the periodic durability flush until Close.
func (c *Cache) flushLoop() {
	defer close(c.flushDone)
	ticker := time.NewTicker(c.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.flushStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := c.Flush(ctx); err != nil {
				c.logger.Warn("periodic flush incomplete", "error", err)
			}
			cancel()
		}
	}
}

// Close stops the flush loop and performs a final flush.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.flushStop)
		<-c.flushDone

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = c.Flush(ctx)
	})
	return err
}

func (c *Cache) countWrite(kind string) {
	if c.metrics != nil {
		c.metrics.CacheWrites.WithLabelValues(kind).Inc()
	}
}

func (c *Cache) updateRecordMetric() {
	if c.metrics == nil {
		return
	}
	c.mu.RLock()
	total := len(c.tasks) + len(c.states)
	c.mu.RUnlock()
	c.metrics.CacheRecords.Set(float64(total))
}
