package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-bhs/alarm"
	"github.com/arloliu/go-bhs/events"
	"github.com/arloliu/go-bhs/logger"
	"github.com/arloliu/go-bhs/repository"
	"github.com/arloliu/go-bhs/telegram"
	"github.com/arloliu/go-bhs/trigger"
)

// Repository backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// GatewayConfig is the process level configuration.
type GatewayConfig struct {
	LogLevel string `yaml:"log_level"`
	// LogDir holds one <connection_name>.log per channel. Empty logs to the process logger.
	LogDir string `yaml:"log_dir"`

	// Channels lists channel TOML files, relative to the gateway file.
	Channels []string `yaml:"channels"`

	TriggerAddr string `yaml:"trigger_addr"`
	// APIAddr is the admin HTTP address. Empty disables the API.
	APIAddr string `yaml:"api_addr"`

	Repository    RepositoryConfig    `yaml:"repository"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	TableDownload TableDownloadConfig `yaml:"table_download"`

	// ChannelConfigs are the loaded channel files, in Channels order.
	ChannelConfigs []ChannelConfig `yaml:"-"`
}

// RepositoryConfig selects the routing data backend.
type RepositoryConfig struct {
	Backend string `yaml:"backend"`
	// File is the YAML routing file of the file backend.
	File  string                 `yaml:"file"`
	Redis repository.RedisConfig `yaml:"redis"`
}

// MQTTConfig enables alarm publishing.
type MQTTConfig struct {
	Enabled          bool `yaml:"enabled"`
	alarm.MQTTConfig `yaml:",inline"`
}

// KafkaConfig enables event publishing.
type KafkaConfig struct {
	Enabled            bool `yaml:"enabled"`
	events.KafkaConfig `yaml:",inline"`
}

// TableDownloadConfig tunes table pushes.
type TableDownloadConfig struct {
	EntryDelay             time.Duration `yaml:"entry_delay"`
	MaxRetries             int           `yaml:"max_retries"`
	DefaultAltDestinations []uint16      `yaml:"default_alt_destinations"`
	// PushOnConnect pushes both tables whenever a channel reaches streaming.
	PushOnConnect bool `yaml:"push_on_connect"`
}

// DefaultGatewayConfig returns the gateway defaults.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		LogLevel:    "info",
		TriggerAddr: trigger.DefaultAddr,
		APIAddr:     ":8080",
		Repository:  RepositoryConfig{Backend: BackendFile},
		TableDownload: TableDownloadConfig{
			EntryDelay:             50 * time.Millisecond,
			MaxRetries:             3,
			DefaultAltDestinations: []uint16{101, 102},
		},
	}
}

// LoadGateway reads the gateway YAML file and every channel file it lists.
func LoadGateway(path string) (*GatewayConfig, error) {
	cfg := DefaultGatewayConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load gateway config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse gateway config %s: %w", path, err)
	}

	base := filepath.Dir(path)
	cfg.Repository.File = resolvePath(base, cfg.Repository.File)
	cfg.LogDir = resolvePath(base, cfg.LogDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	seen := make(map[string]string, len(cfg.Channels))
	cfg.ChannelConfigs = make([]ChannelConfig, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		chPath := resolvePath(base, ch)
		chCfg, err := LoadChannel(chPath)
		if err != nil {
			return nil, err
		}

		if prev, ok := seen[chCfg.Name]; ok {
			return nil, fmt.Errorf("%w: connection_name %q used by %s and %s", ErrInvalidConfig, chCfg.Name, prev, chPath)
		}
		seen[chCfg.Name] = chPath

		cfg.ChannelConfigs = append(cfg.ChannelConfigs, chCfg)
	}

	return cfg, nil
}

// Validate checks the gateway file, not the channel files.
func (c *GatewayConfig) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %w", ErrInvalidConfig, err)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("%w: at least one channel is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.TriggerAddr) == "" {
		return fmt.Errorf("%w: trigger_addr is required", ErrInvalidConfig)
	}

	switch c.Repository.Backend {
	case BackendFile:
		if c.Repository.File == "" {
			return fmt.Errorf("%w: repository.file is required for the file backend", ErrInvalidConfig)
		}
	case BackendRedis:
		if c.Repository.Redis.Address == "" {
			return fmt.Errorf("%w: repository.redis.address is required for the redis backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown repository backend %q", ErrInvalidConfig, c.Repository.Backend)
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt.broker is required when mqtt is enabled", ErrInvalidConfig)
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("%w: kafka.brokers and kafka.topic are required when kafka is enabled", ErrInvalidConfig)
	}

	td := c.TableDownload
	if td.EntryDelay < 0 || td.EntryDelay > time.Second {
		return fmt.Errorf("%w: table_download.entry_delay out of range [0, 1s]", ErrInvalidConfig)
	}
	if td.MaxRetries < 1 || td.MaxRetries > 10 {
		return fmt.Errorf("%w: table_download.max_retries out of range [1, 10]", ErrInvalidConfig)
	}
	if len(td.DefaultAltDestinations) > telegram.MaxAltDest {
		return fmt.Errorf("%w: at most %d table_download.default_alt_destinations", ErrInvalidConfig, telegram.MaxAltDest)
	}

	return nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(base, p)
}
