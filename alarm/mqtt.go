package alarm

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/arloliu/go-bhs/logger"
)

// MQTTConfig configures an MQTTPublisher.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
	// RootTopic prefixes alarm topics: <root>/<channel>/alarm.
	RootTopic string `yaml:"root_topic"`
}

// MQTTPublisher publishes alarms as JSON with QoS 1.
type MQTTPublisher struct {
	cfg    MQTTConfig
	logger logger.Logger

	connectTimeout time.Duration
	retryInterval  time.Duration

	mu     sync.RWMutex
	client pahomqtt.Client
}

// ErrMQTTNotConnected is returned by Raise while the broker is unreachable.
var ErrMQTTNotConnected = errors.New("mqtt publisher not connected")

const mqttTimeout = 5 * time.Second

// NewMQTTPublisher creates a publisher for cfg. Call Start to connect.
func NewMQTTPublisher(cfg MQTTConfig, l logger.Logger) *MQTTPublisher {
	if l == nil {
		l = logger.GetLogger()
	}
	if cfg.RootTopic == "" {
		cfg.RootTopic = "bhs"
	}

	return &MQTTPublisher{cfg: cfg, logger: l, connectTimeout: mqttTimeout, retryInterval: 5 * time.Second}
}

// Start connects to the broker.
//
// When the broker does not answer within the connect timeout, Start returns an error but keeps
// the client, which keeps retrying in the background. Alarms raised meanwhile fail with
// ErrMQTTNotConnected.
func (p *MQTTPublisher) Start() error {
	p.mu.RLock()
	running := p.client != nil
	p.mu.RUnlock()
	if running {
		return nil
	}

	opts := pahomqtt.NewClientOptions()
	if p.cfg.UseTLS {
		opts.AddBroker(fmt.Sprintf("ssl://%s:%d", p.cfg.Broker, p.cfg.Port))
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		opts.AddBroker(fmt.Sprintf("tcp://%s:%d", p.cfg.Broker, p.cfg.Port))
	}

	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(p.retryInterval)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.logger.Warn("mqtt connection lost", "broker", p.cfg.Broker, "error", err)
	})
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		p.logger.Info("mqtt alarm publisher connected", "broker", p.cfg.Broker, "port", p.cfg.Port)
	})

	client := pahomqtt.NewClient(opts)

	p.mu.Lock()
	if p.client != nil {
		p.mu.Unlock()
		return nil
	}
	p.client = client
	p.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(p.connectTimeout) {
		return fmt.Errorf("connect to mqtt broker %s:%d: timeout, retrying in background", p.cfg.Broker, p.cfg.Port)
	}
	if err := token.Error(); err != nil {
		p.mu.Lock()
		if p.client == client {
			p.client = nil
		}
		p.mu.Unlock()
		client.Disconnect(100)

		return fmt.Errorf("connect to mqtt broker %s:%d: %w", p.cfg.Broker, p.cfg.Port, err)
	}

	return nil
}

// Connected reports whether the broker connection is up.
func (p *MQTTPublisher) Connected() bool {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	return client != nil && client.IsConnectionOpen()
}

// Stop disconnects from the broker.
func (p *MQTTPublisher) Stop() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
}

// Topic returns the topic alarms of channel are published on.
func (p *MQTTPublisher) Topic(channel string) string {
	parts := []string{strings.Trim(p.cfg.RootTopic, "/")}
	if channel != "" {
		parts = append(parts, channel)
	}

	return strings.Join(append(parts, "alarm"), "/")
}

func (p *MQTTPublisher) Raise(ctx context.Context, al Alarm) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil || !client.IsConnectionOpen() {
		return ErrMQTTNotConnected
	}

	if al.Time.IsZero() {
		al.Time = time.Now().UTC()
	}

	payload, err := json.Marshal(al)
	if err != nil {
		return fmt.Errorf("marshal alarm: %w", err)
	}

	token := client.Publish(p.Topic(al.Channel), 1, false, payload)

	timeout := mqttTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish alarm to %s: timeout", p.Topic(al.Channel))
	}

	return token.Error()
}
