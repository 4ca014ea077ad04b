// Package service binds the gateway, state cache, and broadcast hub into
// the synchronization pipeline: device telemetry flows in through the
// gateway, is normalized and recorded in the cache, and every actual state
// change is broadcast to connected streams.
package service

import (
	"log/slog"
	"strings"

	"github.com/Byounghakim/pc-ui-server-sub000/codec"
	"github.com/Byounghakim/pc-ui-server-sub000/errors"
	"github.com/Byounghakim/pc-ui-server-sub000/gateway"
	"github.com/Byounghakim/pc-ui-server-sub000/hub"
	"github.com/Byounghakim/pc-ui-server-sub000/statecache"
)

// Default topic layout of the device broker.
const (
	DefaultValveTopic      = "valve/state"
	DefaultPumpTopicPrefix = "pump/"
	pumpTopicSuffix        = "/state"
)

// Envelope types broadcast by the sync service.
const (
	StateChangeType = "stateChange"
	ConnectionType  = "connection"
)

// Topics configures which broker topics feed the pipeline.
type Topics struct {
	Valve      string
	PumpPrefix string
}

// DefaultTopics returns the standard topic layout.
func DefaultTopics() Topics {
	return Topics{Valve: DefaultValveTopic, PumpPrefix: DefaultPumpTopicPrefix}
}

// Option configures a SyncService.
type Option func(*SyncService)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SyncService) {
		s.logger = logger
	}
}

// WithTopics overrides the broker topic layout.
func WithTopics(topics Topics) Option {
	return func(s *SyncService) {
		s.topics = topics
	}
}

// SyncService is the telemetry-to-broadcast pipeline.
type SyncService struct {
	gw     *gateway.Gateway
	cache  *statecache.Cache
	hub    *hub.Hub
	topics Topics
	logger *slog.Logger

	offMessage   func()
	offOffline   func()
	offOnline    func()
	offCacheSubs func()
	started      bool
}

// New wires a sync service over the given components. Call Start to begin
// processing.
func New(gw *gateway.Gateway, cache *statecache.Cache, h *hub.Hub, opts ...Option) (*SyncService, error) {
	if gw == nil || cache == nil || h == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "SyncService", "New", "gateway, cache, and hub required")
	}

	s := &SyncService{
		gw:     gw,
		cache:  cache,
		hub:    h,
		topics: DefaultTopics(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start subscribes the gateway to the telemetry topics and begins routing
// events.
func (s *SyncService) Start() error {
	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "SyncService", "Start", "already running")
	}
	s.started = true

	// Change notifications fan out to every connected stream.
	s.offCacheSubs = s.cache.OnChange(func(event statecache.ChangeEvent) {
		s.hub.Broadcast(StateChangeType, event)
	})

	s.offMessage = s.gw.On(gateway.EventMessage, func(payload any) {
		msg, ok := payload.(gateway.MessageEvent)
		if !ok {
			return
		}
		s.handleTelemetry(msg)
	})
	s.offOffline = s.gw.On(gateway.EventOffline, func(any) {
		s.hub.Broadcast(ConnectionType, map[string]any{"gateway": "offline"})
	})
	s.offOnline = s.gw.On(gateway.EventOnline, func(any) {
		s.hub.Broadcast(ConnectionType, map[string]any{"gateway": "online"})
	})

	if err := s.gw.Subscribe(s.topics.Valve); err != nil {
		return err
	}
	if err := s.gw.Subscribe(s.topics.PumpPrefix + "+" + pumpTopicSuffix); err != nil {
		return err
	}
	return nil
}

// handleTelemetry routes one broker message into the cache. Synthetic
// messages (optimistic offline echoes) take the same path as confirmed
// ones, so local observers stay consistent either way.
func (s *SyncService) handleTelemetry(msg gateway.MessageEvent) {
	switch {
	case msg.Topic == s.topics.Valve:
		s.applyValve(msg.Payload)
	case s.isPumpTopic(msg.Topic):
		s.applyPump(s.pumpID(msg.Topic), msg.Payload)
	default:
		// Other topics pass through as generic state slots keyed by topic.
		if err := s.cache.SetState(msg.Topic, msg.Payload); err != nil {
			s.logger.Warn("failed to record telemetry", "topic", msg.Topic, "error", err)
		}
	}
}

func (s *SyncService) applyValve(payload string) {
	code, err := codec.ParsePayload([]byte(payload))
	if err != nil {
		// SaveValveState falls back to the last known good record.
		s.logger.Warn("unparseable valve payload", "payload", payload, "error", err)
		code = payload
	}
	if _, err := s.cache.SaveValveState(codec.RawCode(code)); err != nil {
		s.logger.Error("failed to save valve state", "payload", payload, "error", err)
	}
}

func (s *SyncService) applyPump(pumpID, payload string) {
	if pumpID == "" {
		s.logger.Warn("pump topic without id", "payload", payload)
		return
	}
	if _, err := s.cache.SavePumpState(pumpID, payload); err != nil {
		s.logger.Error("failed to save pump state", "pump", pumpID, "error", err)
	}
}

func (s *SyncService) isPumpTopic(topic string) bool {
	return strings.HasPrefix(topic, s.topics.PumpPrefix) && strings.HasSuffix(topic, pumpTopicSuffix)
}

func (s *SyncService) pumpID(topic string) string {
	id := strings.TrimPrefix(topic, s.topics.PumpPrefix)
	return strings.TrimSuffix(id, pumpTopicSuffix)
}

// Stop detaches the service from its event sources. The components
// themselves are owned by the caller and shut down separately.
func (s *SyncService) Stop() {
	if !s.started {
		return
	}
	s.started = false
	for _, off := range []func(){s.offMessage, s.offOffline, s.offOnline, s.offCacheSubs} {
		if off != nil {
			off()
		}
	}
}
