package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"facestream/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// MessageHandler processes messages received on the control topic.
type MessageHandler interface {
	HandleMessage(topic string, payload []byte)
}

// Client is the MQTT connection of the control plane.
type Client struct {
	config   config.MQTTConfig
	client   mqtt.Client
	mu       sync.RWMutex
	handlers []MessageHandler
}

// NewClient creates a client; Start connects it.
func NewClient(cfg config.MQTTConfig) *Client {
	return &Client{
		config:   cfg,
		handlers: make([]MessageHandler, 0),
	}
}

// RegisterHandler adds a handler for control messages.
func (c *Client) RegisterHandler(handler MessageHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
	log.Debug("Registered new MQTT message handler")
}

// Start connects to the broker. Subscriptions are (re)made on every connect.
func (c *Client) Start() error {
	if !c.config.Enabled {
		log.Info("MQTT client is disabled in configuration")
		return nil
	}

	opts := mqtt.NewClientOptions()

	brokerURL := fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.connectionLostHandler)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	c.client = mqtt.NewClient(opts)

	log.Infof("Connecting to MQTT broker at %s", brokerURL)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		log.Errorf("Failed to connect to MQTT broker: %v", token.Error())
		return token.Error()
	}

	log.Info("MQTT client connected successfully")
	return nil
}

// Stop disconnects from the broker.
func (c *Client) Stop() {
	if c.client != nil && c.client.IsConnected() {
		log.Info("Disconnecting MQTT client...")
		c.client.Disconnect(250)
		log.Info("MQTT client disconnected")
	}
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

func (c *Client) onConnectHandler(client mqtt.Client) {
	log.Infof("Connected to MQTT broker at %s:%d", c.config.Broker, c.config.Port)

	topic := c.config.ControlTopic
	log.Infof("Subscribing to MQTT topic: %s", topic)
	if token := client.Subscribe(topic, 1, c.messageHandler); token.Wait() && token.Error() != nil {
		log.Errorf("Failed to subscribe to topic %s: %v", topic, token.Error())
	} else {
		log.Infof("Successfully subscribed to topic: %s", topic)
	}
}

func (c *Client) connectionLostHandler(client mqtt.Client, err error) {
	log.Errorf("MQTT connection lost: %v", err)
}

func (c *Client) messageHandler(client mqtt.Client, msg mqtt.Message) {
	log.Debugf("Received MQTT message on topic: %s", msg.Topic())

	c.mu.RLock()
	handlers := append([]MessageHandler(nil), c.handlers...)
	c.mu.RUnlock()

	for _, handler := range handlers {
		go handler.HandleMessage(msg.Topic(), msg.Payload())
	}
}

// PublishMessage publishes payload to topic. Strings and byte slices are sent
// as is, everything else as JSON.
func (c *Client) PublishMessage(topic string, payload interface{}, retain bool) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	var payloadBytes []byte
	var err error

	switch p := payload.(type) {
	case string:
		payloadBytes = []byte(p)
	case []byte:
		payloadBytes = p
	default:
		payloadBytes, err = json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal payload to JSON: %w", err)
		}
	}

	token := c.client.Publish(topic, 1, retain, payloadBytes)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish message to topic %s: %w", topic, token.Error())
	}

	log.Debugf("Published message to topic: %s", topic)
	return nil
}

// Publish publishes without the retain flag.
func (c *Client) Publish(topic string, payload interface{}) error {
	return c.PublishMessage(topic, payload, false)
}
