package loadgen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MqttClient publishes readings to a broker, wrapped the way devices send
// them: {"payload":{...}}.
type MqttClient struct {
	client       mqtt.Client
	brokerURL    string
	topicPattern string
	qos          byte
	logger       zerolog.Logger
}

// NewMqttClient creates a client. The first '+' in topicPattern is replaced
// by the device ID.
func NewMqttClient(brokerURL, topicPattern string, qos byte, logger zerolog.Logger) *MqttClient {
	return &MqttClient{
		brokerURL:    brokerURL,
		topicPattern: topicPattern,
		qos:          qos,
		logger:       logger.With().Str("component", "LoadGenMqttClient").Logger(),
	}
}

func (c *MqttClient) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.brokerURL).
		SetClientID(fmt.Sprintf("loadgen-client-%s", uuid.New().String())).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Error().Err(err).Msg("MQTT connection lost")
		})

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("timed out connecting to %s", c.brokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.brokerURL, err)
	}
	return nil
}

func (c *MqttClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// Topic returns the topic a device publishes to.
func (c *MqttClient) Topic(device *Device) string {
	return strings.Replace(c.topicPattern, "+", device.ID, 1)
}

func (c *MqttClient) Publish(ctx context.Context, device *Device) (bool, error) {
	payload, err := device.PayloadGenerator.GeneratePayload(device)
	if err != nil {
		return false, fmt.Errorf("failed to generate payload for device %s: %w", device.ID, err)
	}
	message, err := json.Marshal(struct {
		Payload json.RawMessage `json:"payload"`
	}{Payload: payload})
	if err != nil {
		return false, fmt.Errorf("failed to marshal message for device %s: %w", device.ID, err)
	}

	topic := c.Topic(device)
	token := c.client.Publish(topic, c.qos, false, message)
	select {
	case <-token.Done():
		if token.Error() != nil {
			return false, fmt.Errorf("mqtt publish error for device %s: %w", device.ID, token.Error())
		}
		return true, nil
	case <-ctx.Done():
		return false, fmt.Errorf("context cancelled while publishing for device %s: %w", device.ID, ctx.Err())
	}
}
