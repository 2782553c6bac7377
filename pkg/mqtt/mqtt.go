package mqtt

import (
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const defaultOpTimeout = 10 * time.Second

// MQTTClient defines the interface for the broker connection the bridge uses.
type MQTTClient interface {
	Connect() error
	Publish(topic string, qos byte, retained bool, payload interface{}) error
	Subscribe(topic string, qos byte, callback MQTT.MessageHandler) error
	Unsubscribe(topics ...string) error
	SetOnConnect(handler func())
	Disconnect(quiesce uint)
}

// MqttService wraps the paho client. Reconnects are delegated to paho's
// auto-reconnect; the OnConnect handler fires on both the initial connection
// and every reconnect, which is where the bridge restores subscriptions and
// retained state.
type MqttService struct {
	client MQTT.Client
	logger zerolog.Logger

	// onConnect is read by paho's reconnect goroutine and written by
	// SetOnConnect, which may run after Connect.
	mu        sync.RWMutex
	onConnect func()
}

// NewMqttService creates a new MqttService instance.
func NewMqttService(logger zerolog.Logger) *MqttService {
	return &MqttService{logger: logger}
}

// Initialize sets up the MQTT client options. Username and password are
// optional; brokers without authentication accept the empty pair.
func (s *MqttService) Initialize(broker, clientID, username, password string) {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetOrderMatters(true)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	opts.SetOnConnectHandler(func(MQTT.Client) {
		s.logger.Info().Str("broker", broker).Msg("Connected to MQTT broker")
		s.connected()
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		s.logger.Warn().Err(err).Msg("MQTT connection lost, reconnecting")
	})

	s.client = MQTT.NewClient(opts)
}

// SetOnConnect registers a handler invoked after every successful (re)connect.
func (s *MqttService) SetOnConnect(handler func()) {
	s.mu.Lock()
	s.onConnect = handler
	s.mu.Unlock()
}

// connected fires the registered handler, if any.
func (s *MqttService) connected() {
	s.mu.RLock()
	handler := s.onConnect
	s.mu.RUnlock()
	if handler != nil {
		handler()
	}
}

// Connect connects to the MQTT broker.
func (s *MqttService) Connect() error {
	return s.wait("connect", s.client.Connect())
}

// Publish sends a message to the specified topic.
func (s *MqttService) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	return s.wait("publish "+topic, s.client.Publish(topic, qos, retained, payload))
}

// Subscribe subscribes to the specified topic with a message handler.
func (s *MqttService) Subscribe(topic string, qos byte, callback MQTT.MessageHandler) error {
	return s.wait("subscribe "+topic, s.client.Subscribe(topic, qos, callback))
}

// Unsubscribe unsubscribes from the specified topics.
func (s *MqttService) Unsubscribe(topics ...string) error {
	return s.wait("unsubscribe", s.client.Unsubscribe(topics...))
}

// Disconnect gracefully disconnects the MQTT client.
func (s *MqttService) Disconnect(quiesce uint) {
	s.client.Disconnect(quiesce)
}

// wait blocks on a paho token with a bounded timeout.
func (s *MqttService) wait(op string, token MQTT.Token) error {
	if !token.WaitTimeout(defaultOpTimeout) {
		return fmt.Errorf("mqtt %s timed out after %v", op, defaultOpTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt %s: %w", op, err)
	}
	return nil
}
