package mqtt

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"amp-controller/internal/config"
	"amp-controller/internal/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// ReadingSink receives every parsed circuit reading.
type ReadingSink interface {
	Record(r models.Reading)
}

type Client struct {
	client mqtt.Client
	config *config.Config
	logger *logrus.Logger

	sink ReadingSink
	now  func() time.Time

	mutex       sync.RWMutex
	received    int64
	rejected    int64
	lastReading models.Reading
}

type ReadingMessage struct {
	Amps      float64   `json:"amps"`
	Volts     float64   `json:"volts"`
	Watts     float64   `json:"watts"`
	Timestamp time.Time `json:"timestamp"`
}

func NewClient(cfg *config.Config, sink ReadingSink, logger *logrus.Logger) (*Client, error) {
	if cfg.MQTT.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is not configured")
	}

	c := &Client{
		config: cfg,
		logger: logger,
		sink:   sink,
		now:    time.Now,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.Broker)
	opts.SetClientID(cfg.MQTT.ClientID)
	opts.SetUsername(cfg.MQTT.Username)
	opts.SetPassword(cfg.MQTT.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)

	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetOnConnectHandler(c.onConnect)

	c.client = mqtt.NewClient(opts)

	return c, nil
}

func (c *Client) Connect() error {
	c.logger.Info("Connecting to MQTT broker...")

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("Connected to MQTT broker")
	return nil
}

func (c *Client) Disconnect() {
	c.logger.Info("Disconnecting from MQTT broker...")
	c.client.Disconnect(250)
}

// Report publishes a tick summary on the report topic. It never waits for
// the broker so the control loop is not held up.
func (c *Client) Report(report models.TickReport) {
	topic := c.config.MQTT.Topics.Report
	if topic == "" || !c.client.IsConnectionOpen() {
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		c.logger.Errorf("Failed to encode tick report: %v", err)
		return
	}
	c.client.Publish(topic, 0, false, payload)
}

func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info("MQTT connected, subscribing to topics...")

	topic := c.config.MQTT.Topics.Readings
	if topic == "" {
		c.logger.Warn("No readings topic configured, MQTT ingestion disabled")
		return
	}
	if token := client.Subscribe(topic, 1, c.handleReadingMessage); token.Wait() && token.Error() != nil {
		c.logger.Errorf("Failed to subscribe to readings topic: %v", token.Error())
	} else {
		c.logger.Infof("Subscribed to readings topic: %s", topic)
	}
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Errorf("MQTT connection lost: %v", err)
}

func (c *Client) handleReadingMessage(client mqtt.Client, msg mqtt.Message) {
	c.logger.Debugf("Received reading on %s: %s", msg.Topic(), string(msg.Payload()))

	reading, err := ParseReading(msg.Payload(), c.now())
	if err != nil {
		c.mutex.Lock()
		c.rejected++
		c.mutex.Unlock()
		c.logger.Errorf("Failed to parse reading: %v", err)
		return
	}

	c.sink.Record(reading)

	c.mutex.Lock()
	c.received++
	c.lastReading = reading
	c.mutex.Unlock()

	c.logger.Debugf("Reading recorded: %.2fA %.1fV %.0fW", reading.Amps, reading.Volts, reading.Watts)
}

// ParseReading accepts a JSON object {amps, volts, watts, timestamp} or a
// plain "amps[,volts[,watts]]" payload. A missing timestamp is receivedAt.
func ParseReading(payload []byte, receivedAt time.Time) (models.Reading, error) {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		var msg ReadingMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return models.Reading{}, fmt.Errorf("decoding reading: %w", err)
		}
		at := msg.Timestamp
		if at.IsZero() {
			at = receivedAt
		}
		return models.Reading{Timestamp: at, Amps: msg.Amps, Volts: msg.Volts, Watts: msg.Watts}, nil
	}

	fields := strings.Split(trimmed, ",")
	if len(fields) > 3 {
		return models.Reading{}, fmt.Errorf("expected at most 3 fields, got %d", len(fields))
	}
	values := make([]float64, 3)
	for i, field := range fields {
		value, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return models.Reading{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return models.Reading{}, fmt.Errorf("field %d: not a finite number", i+1)
		}
		values[i] = value
	}
	return models.Reading{Timestamp: receivedAt, Amps: values[0], Volts: values[1], Watts: values[2]}, nil
}

func (c *Client) GetStatus() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return map[string]interface{}{
		"connected":    c.client.IsConnected(),
		"received":     c.received,
		"rejected":     c.rejected,
		"last_reading": c.lastReading,
	}
}
