package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	Host           string
	Port           int
	ClientID       string
	Keepalive      time.Duration
	ConnectTimeout time.Duration
}

// MQTT is a Transport backed by a paho client.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client
	log    *slog.Logger

	mu      sync.RWMutex
	filters map[string]byte
	handler Handler
}

// NewMQTT builds an MQTT transport. Call Connect before use.
func NewMQTT(cfg MQTTConfig, log *slog.Logger) *MQTT {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	m := &MQTT{
		cfg:     cfg,
		log:     log.With("transport", KindMQTT, "broker", broker(cfg)),
		filters: make(map[string]byte),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker(cfg))
	opts.SetClientID(cfg.ClientID)
	if cfg.Keepalive > 0 {
		opts.SetKeepAlive(cfg.Keepalive)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	// Subscriptions are made with a nil callback so every delivery reaches
	// this handler once, regardless of how many filters overlap.
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		m.mu.RLock()
		h := m.handler
		m.mu.RUnlock()
		if h != nil {
			h(msg.Topic(), msg.Payload())
		}
	})

	opts.OnConnect = func(c mqtt.Client) {
		m.log.Info("mqtt connection established", "client_id", cfg.ClientID)
		m.resubscribe(c)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.log.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	}

	m.client = mqtt.NewClient(opts)
	return m
}

func broker(cfg MQTTConfig) string {
	return fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
}

// Connect dials the broker and waits for the connection.
func (m *MQTT) Connect(ctx context.Context) error {
	m.log.Info("connecting to mqtt broker")
	token := m.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.ConnectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// resubscribe restores filters after a clean-session reconnect.
func (m *MQTT) resubscribe(c mqtt.Client) {
	m.mu.RLock()
	filters := make(map[string]byte, len(m.filters))
	for f, q := range m.filters {
		filters[f] = q
	}
	m.mu.RUnlock()
	if len(filters) == 0 {
		return
	}
	token := c.SubscribeMultiple(filters, nil)
	if token.WaitTimeout(m.cfg.ConnectTimeout) && token.Error() != nil {
		m.log.Error("mqtt resubscribe failed", "error", token.Error(), "filters", len(filters))
	}
}

// Publish implements Transport.
func (m *MQTT) Publish(topic string, payload []byte, qos byte, retain bool) error {
	token := m.client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish failed on %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements Transport.
func (m *MQTT) Subscribe(filter string, qos byte) error {
	m.mu.Lock()
	m.filters[filter] = qos
	m.mu.Unlock()

	token := m.client.Subscribe(filter, qos, nil)
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt subscribe timeout on %s", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe failed on %s: %w", filter, err)
	}
	return nil
}

// Unsubscribe implements Transport.
func (m *MQTT) Unsubscribe(filter string) error {
	m.mu.Lock()
	delete(m.filters, filter)
	m.mu.Unlock()

	token := m.client.Unsubscribe(filter)
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt unsubscribe timeout on %s", filter)
	}
	return token.Error()
}

// OnMessage implements Transport.
func (m *MQTT) OnMessage(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Close disconnects, allowing 250ms for in-flight work.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
