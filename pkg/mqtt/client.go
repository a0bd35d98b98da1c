// Package mqtt publishes engine outcomes and status snapshots to an MQTT
// broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/lightprint/sbta/pkg/logx"
	"github.com/lightprint/sbta/pkg/retry"
	"github.com/lightprint/sbta/pkg/sbta"
)

// ErrPublishTimeout is returned when the broker does not acknowledge in time
var ErrPublishTimeout = errors.New("publish timed out")

// Client provides MQTT publishing for sbtad
type Client struct {
	mu          sync.RWMutex
	client      MQTT.Client
	logger      *logx.Logger
	config      *Config
	connected   bool
	lastPublish time.Time
	retrier     *retry.Runner
}

// Config holds MQTT configuration
type Config struct {
	Broker         string        `json:"broker" yaml:"broker"`
	Port           int           `json:"port" yaml:"port"`
	ClientID       string        `json:"client_id" yaml:"client_id"`
	Username       string        `json:"username" yaml:"username"`
	Password       string        `json:"password" yaml:"password"`
	TopicPrefix    string        `json:"topic_prefix" yaml:"topic_prefix"`
	QoS            int           `json:"qos" yaml:"qos"`
	Retain         bool          `json:"retain" yaml:"retain"`
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	PublishTimeout time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
	Retry          retry.Config  `json:"retry" yaml:"retry"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:         "localhost",
		Port:           1883,
		ClientID:       "sbtad",
		TopicPrefix:    "sbta",
		QoS:            1,
		Retain:         false,
		Enabled:        false,
		PublishTimeout: 5 * time.Second,
		Retry:          retry.DefaultConfig(),
	}
}

// NewClient creates a new MQTT client
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	return &Client{
		logger:  logger,
		config:  config,
		retrier: retry.NewRunner(config.Retry),
	}
}

// Connect establishes connection to MQTT broker
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	return c.attach(MQTT.NewClient(opts))
}

// attach connects through an existing paho client
func (c *Client) attach(client MQTT.Client) error {
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(c.config.PublishTimeout) {
		return fmt.Errorf("failed to connect to MQTT broker: %w", ErrPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	c.setConnected(true)
	c.logger.Info("MQTT client connected", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect disconnects from MQTT broker
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.connected {
		c.client.Disconnect(250)
		c.connected = false
		c.logger.Info("MQTT client disconnected")
	}
	return nil
}

func (c *Client) onConnect(client MQTT.Client) {
	c.setConnected(true)
	c.logger.Info("MQTT connection established")
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.setConnected(false)
	c.logger.Error("MQTT connection lost", "error", err)
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Topic returns the full topic for a suffix
func (c *Client) Topic(suffix string) string {
	return c.config.TopicPrefix + "/" + suffix
}

// Observe publishes an engine outcome on <prefix>/<operation>
func (c *Client) Observe(ctx context.Context, o sbta.Outcome) {
	if !c.active() {
		return
	}
	if err := c.PublishWithRetry(ctx, c.Topic(o.Operation), o); err != nil {
		c.logger.Warn("MQTT outcome publish failed", "operation", o.Operation, "error", err)
	}
}

// PublishStatus publishes an engine status snapshot on <prefix>/status
func (c *Client) PublishStatus(ctx context.Context, status *sbta.StatusReport) error {
	if !c.active() {
		return nil
	}
	payload := map[string]interface{}{
		"timestamp": time.Now(),
		"status":    status,
	}
	return c.PublishWithRetry(ctx, c.Topic("status"), payload)
}

// PublishWithRetry publishes payload as JSON with back-off between attempts
func (c *Client) PublishWithRetry(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	err = c.retrier.Do(ctx, func(ctx context.Context) error {
		if err := c.publish(topic, data); err != nil {
			c.logger.Warn("MQTT publish failed, retrying", "topic", topic, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

func (c *Client) publish(topic string, data []byte) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return errors.New("MQTT client not connected")
	}

	token := client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()
	c.logger.Debug("MQTT message published", "topic", topic, "size", len(data))
	return nil
}

func (c *Client) active() bool {
	if !c.config.Enabled {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// GetLastPublish returns the timestamp of the last publish
func (c *Client) GetLastPublish() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPublish
}
