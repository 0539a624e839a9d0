// Package config loads the gateway configuration: one YAML gateway file and one TOML file per PLC
// channel.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/arloliu/go-bhs/logger"
	"github.com/arloliu/go-bhs/plcconn"
	"github.com/arloliu/go-bhs/rfc1006"
	"github.com/arloliu/go-bhs/telegram"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// DefaultPLCPort is the ISO-on-TCP port.
const DefaultPLCPort = 102

// ChannelConfig describes one PLC channel.
type ChannelConfig struct {
	// Name is the connection_name, used for logs, the channel log file and the API.
	Name string

	Host string
	Port int

	LocalTSAP       string
	RemoteTSAP      string
	ChannelID       uint16
	ProtocolVersion uint16
	SubsystemID     uint16
	BypassMode      uint16
	LLCMode         uint16
	TPDUSizeCode    byte

	TransmitTimeout  time.Duration
	ReceiveTimeout   time.Duration
	ReconnectDelay   time.Duration
	ProbeCount       int
	ProbeTimeout     time.Duration
	LivenessInterval time.Duration
	ConnectTimeout   time.Duration

	// Path is the file the channel was loaded from.
	Path string
}

// DefaultChannelConfig returns a channel configuration with every optional field set.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Port:             DefaultPLCPort,
		ChannelID:        telegram.DefaultChannelID,
		ProtocolVersion:  telegram.DefaultVersion,
		SubsystemID:      1,
		TPDUSizeCode:     rfc1006.DefaultTPDUSizeCode,
		TransmitTimeout:  5 * time.Second,
		ReceiveTimeout:   15 * time.Second,
		ReconnectDelay:   20 * time.Second,
		ProbeCount:       3,
		ProbeTimeout:     5 * time.Second,
		LivenessInterval: time.Second,
		ConnectTimeout:   5 * time.Second,
	}
}

type channelFile struct {
	ConnectionName string `toml:"connection_name"`

	ConnectionHandler struct {
		PeerAddress string `toml:"peer_address"`
		PeerPort    int    `toml:"peer_port"`
	} `toml:"connection_handler"`

	ProtocolHandler struct {
		TSAP            string `toml:"tsap"`
		RemoteTSAP      string `toml:"remote_tsap"`
		ChannelID       uint16 `toml:"channel_id"`
		ProtocolVersion uint16 `toml:"protocol_version"`
		SubsystemID     uint16 `toml:"subsystem_id"`
		BypassMode      uint16 `toml:"bypass_mode"`
		LLCMode         uint16 `toml:"llc_mode"`
		TPDUSizeCode    uint8  `toml:"tpdu_size_code"`
	} `toml:"protocol_handler"`

	Timers struct {
		TransmitTimeout  string `toml:"transmit_timeout"`
		ReceiveTimeout   string `toml:"receive_timeout"`
		ReconnectDelay   string `toml:"reconnect_delay"`
		ProbeCount       int    `toml:"probe_count"`
		ProbeTimeout     string `toml:"probe_timeout"`
		LivenessInterval string `toml:"liveness_interval"`
		ConnectTimeout   string `toml:"connect_timeout"`
	} `toml:"timers"`
}

// LoadChannel reads a channel TOML file. Keys that are absent keep their defaults.
func LoadChannel(path string) (ChannelConfig, error) {
	cfg := DefaultChannelConfig()
	cfg.Path = path

	var raw channelFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ChannelConfig{}, fmt.Errorf("load channel config %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		logger.Warn("unknown channel config keys", "path", path, "keys", fmt.Sprint(undecoded))
	}

	cfg.Name = strings.TrimSpace(raw.ConnectionName)
	cfg.Host = strings.TrimSpace(raw.ConnectionHandler.PeerAddress)
	if meta.IsDefined("connection_handler", "peer_port") {
		cfg.Port = raw.ConnectionHandler.PeerPort
	}

	ph := raw.ProtocolHandler
	cfg.LocalTSAP = ph.TSAP
	cfg.RemoteTSAP = ph.RemoteTSAP
	if meta.IsDefined("protocol_handler", "channel_id") {
		cfg.ChannelID = ph.ChannelID
	}
	if meta.IsDefined("protocol_handler", "protocol_version") {
		cfg.ProtocolVersion = ph.ProtocolVersion
	}
	if meta.IsDefined("protocol_handler", "subsystem_id") {
		cfg.SubsystemID = ph.SubsystemID
	}
	cfg.BypassMode = ph.BypassMode
	cfg.LLCMode = ph.LLCMode
	if meta.IsDefined("protocol_handler", "tpdu_size_code") {
		cfg.TPDUSizeCode = ph.TPDUSizeCode
	}

	timers := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"transmit_timeout", raw.Timers.TransmitTimeout, &cfg.TransmitTimeout},
		{"receive_timeout", raw.Timers.ReceiveTimeout, &cfg.ReceiveTimeout},
		{"reconnect_delay", raw.Timers.ReconnectDelay, &cfg.ReconnectDelay},
		{"probe_timeout", raw.Timers.ProbeTimeout, &cfg.ProbeTimeout},
		{"liveness_interval", raw.Timers.LivenessInterval, &cfg.LivenessInterval},
		{"connect_timeout", raw.Timers.ConnectTimeout, &cfg.ConnectTimeout},
	}
	for _, tm := range timers {
		if !meta.IsDefined("timers", tm.key) {
			continue
		}

		d, err := time.ParseDuration(strings.TrimSpace(tm.raw))
		if err != nil {
			return ChannelConfig{}, fmt.Errorf("%s: parse timers.%s: %w", path, tm.key, err)
		}
		*tm.dst = d
	}
	if meta.IsDefined("timers", "probe_count") {
		cfg.ProbeCount = raw.Timers.ProbeCount
	}

	if err := cfg.Validate(); err != nil {
		return ChannelConfig{}, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the fields that have no usable default.
func (c ChannelConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: connection_name is required", ErrInvalidConfig)
	}
	if c.Host == "" {
		return fmt.Errorf("%w: connection_handler.peer_address is required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: connection_handler.peer_port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.TPDUSizeCode < rfc1006.MinTPDUSizeCode || c.TPDUSizeCode > rfc1006.MaxTPDUSizeCode {
		return fmt.Errorf("%w: protocol_handler.tpdu_size_code %#x out of range", ErrInvalidConfig, c.TPDUSizeCode)
	}
	if c.ProbeCount <= 0 {
		return fmt.Errorf("%w: timers.probe_count must be positive", ErrInvalidConfig)
	}

	for key, d := range map[string]time.Duration{
		"transmit_timeout":  c.TransmitTimeout,
		"receive_timeout":   c.ReceiveTimeout,
		"reconnect_delay":   c.ReconnectDelay,
		"probe_timeout":     c.ProbeTimeout,
		"liveness_interval": c.LivenessInterval,
		"connect_timeout":   c.ConnectTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: timers.%s must be positive", ErrInvalidConfig, key)
		}
	}

	if c.ReceiveTimeout <= c.TransmitTimeout {
		return fmt.Errorf("%w: timers.receive_timeout must exceed transmit_timeout", ErrInvalidConfig)
	}

	return nil
}

// ConnectionConfig builds the plcconn configuration of the channel, logging to l.
func (c ChannelConfig) ConnectionConfig(l logger.Logger) (*plcconn.ConnectionConfig, error) {
	opts := []plcconn.ConnOption{
		plcconn.WithName(c.Name),
		plcconn.WithTSAP(c.LocalTSAP, c.RemoteTSAP),
		plcconn.WithTPDUSizeCode(c.TPDUSizeCode),
		plcconn.WithChannelID(c.ChannelID),
		plcconn.WithProtocolVersion(c.ProtocolVersion),
		plcconn.WithSubsystemID(c.SubsystemID),
		plcconn.WithBypassMode(c.BypassMode),
		plcconn.WithLLCMode(c.LLCMode),
		plcconn.WithTransmitTimeout(c.TransmitTimeout),
		plcconn.WithReceiveTimeout(c.ReceiveTimeout),
		plcconn.WithReconnectDelay(c.ReconnectDelay),
		plcconn.WithProbe(c.ProbeCount, c.ProbeTimeout),
		plcconn.WithLivenessInterval(c.LivenessInterval),
		plcconn.WithConnectTimeout(c.ConnectTimeout),
	}
	if l != nil {
		opts = append(opts, plcconn.WithLogger(l))
	}

	cfg, err := plcconn.NewConnectionConfig(c.Host, c.Port, opts...)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", c.Name, err)
	}

	return cfg, nil
}
