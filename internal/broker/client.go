// Package broker manages the MQTT connection shared by the sensor probes
// and the telemetry transport.
package broker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Handler receives one message from a subscribed topic
type Handler func(topic string, payload []byte)

// Config holds MQTT connection settings
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// Client wraps a paho client with logging and topic helpers
type Client struct {
	client mqtt.Client
	config Config
	logger zerolog.Logger
}

// NewClient connects to the broker
func NewClient(config Config, logger zerolog.Logger) (*Client, error) {
	if config.Broker == "" {
		return nil, errors.New("mqtt broker address is empty")
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = 60 * time.Second
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	logger = logger.With().Str("component", "mqtt").Str("broker", config.Broker).Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(config.KeepAlive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(config.ConnectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Msg("MQTT connection established")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(config.ConnectTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", config.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	logger.Info().Str("client_id", config.ClientID).Msg("Connected to MQTT broker")

	return &Client{client: client, config: config, logger: logger}, nil
}

// Subscribe registers handler for topic at QoS 1
func (c *Client) Subscribe(topic string, handler Handler) error {
	token := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
	}
	c.logger.Info().Str("topic", topic).Msg("Subscribed")
	return nil
}

// Publish sends payload to topic at QoS 1 and waits for the broker
func (c *Client) Publish(topic string, retained bool, payload []byte) error {
	token := c.client.Publish(topic, 1, retained, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}
	return nil
}

// IsConnected reports whether the client is currently connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close disconnects, waiting briefly for in-flight work
func (c *Client) Close() error {
	c.client.Disconnect(250)
	c.logger.Info().Msg("MQTT client disconnected")
	return nil
}

// Topic joins non-empty segments with '/'
func Topic(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// LastSegment returns the final path element of a topic
func LastSegment(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
