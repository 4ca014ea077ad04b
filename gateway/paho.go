package gateway

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	// qosAtLeastOnce is the delivery guarantee for every subscribe and
	// publish the gateway issues.
	qosAtLeastOnce byte = 1
)

// pahoTransport adapts an eclipse/paho client to the transport interface.
// Auto-reconnect is disabled: the gateway runs its own reconnect cycle so
// the state machine and offline mode stay authoritative.
type pahoTransport struct {
	client mqtt.Client
	hooks  transportHooks
}

func newPahoTransport(cfg BrokerConfig, hooks transportHooks) transport {
	t := &pahoTransport{hooks: hooks}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(false).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			hooks.onConnectionLost(err)
		}).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			hooks.onMessage(msg.Topic(), string(msg.Payload()))
		})

	t.client = mqtt.NewClient(opts)
	return t
}

func (t *pahoTransport) Connect() error {
	token := t.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return mqtt.ErrNotConnected
	}
	return token.Error()
}

func (t *pahoTransport) Disconnect(quiesce time.Duration) {
	t.client.Disconnect(uint(quiesce.Milliseconds()))
}

func (t *pahoTransport) Subscribe(topic string) error {
	token := t.client.Subscribe(topic, qosAtLeastOnce, func(_ mqtt.Client, msg mqtt.Message) {
		t.hooks.onMessage(msg.Topic(), string(msg.Payload()))
	})
	token.Wait()
	return token.Error()
}

func (t *pahoTransport) Unsubscribe(topic string) error {
	token := t.client.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}

func (t *pahoTransport) Publish(topic, payload string) error {
	token := t.client.Publish(topic, qosAtLeastOnce, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return mqtt.ErrNotConnected
	}
	return token.Error()
}

func (t *pahoTransport) IsConnected() bool {
	return t.client.IsConnected()
}
