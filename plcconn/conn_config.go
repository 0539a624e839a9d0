package plcconn

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-bhs/logger"
	"github.com/arloliu/go-bhs/rfc1006"
	"github.com/arloliu/go-bhs/telegram"
)

// ConnectionConfig holds the parameters of one PLC channel connection.
type ConnectionConfig struct {
	mu sync.RWMutex

	// name identifies the channel in logs, e.g. "ConveyorPlcChannel_03".
	name string

	// host and port address the PLC.
	host string
	port int

	// localTSAP and remoteTSAP are sent in the COTP CR as calling and called TSAP.
	localTSAP  string
	remoteTSAP string

	// tpduSizeCode is the requested TPDU size as a power of two. Defaults to 0x0B (2048 bytes).
	tpduSizeCode byte

	// channelID and version fill the channel header of telegrams sent by the CSC.
	// Defaults to 7 and 1.
	channelID uint16
	version   uint16

	// subsystemID, bypassMode and llcMode are sent in CONNECTED and READY.
	// Defaults to 1, 0 and 0.
	subsystemID uint16
	bypassMode  uint16
	llcMode     uint16

	// transmitTimeout is the idle time after which a keepalive is sent. Defaults to 5 seconds.
	transmitTimeout time.Duration

	// receiveTimeout is the silence after which the PLC is considered dead. It also bounds
	// handshake reads. Defaults to 15 seconds.
	receiveTimeout time.Duration

	// reconnectDelay is the fixed wait before a new connection attempt. Defaults to 20 seconds.
	reconnectDelay time.Duration

	// probeCount keepalives are sent after the handshake, each waiting probeTimeout for an answer.
	// Defaults to 3 and 5 seconds.
	probeCount   int
	probeTimeout time.Duration

	// livenessInterval is the period of the liveness check. Defaults to 1 second.
	livenessInterval time.Duration

	// connectTimeout bounds the TCP dial. Defaults to 5 seconds.
	connectTimeout time.Duration

	// closeConnTimeout bounds the wait for connection goroutines on close. Defaults to 3 seconds.
	closeConnTimeout time.Duration

	logger logger.Logger
}

// NewConnectionConfig creates a connection configuration for the PLC at host:port with
// default values, then applies opts.
func NewConnectionConfig(host string, port int, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		name:             "plc",
		tpduSizeCode:     rfc1006.DefaultTPDUSizeCode,
		channelID:        telegram.DefaultChannelID,
		version:          telegram.DefaultVersion,
		subsystemID:      1,
		transmitTimeout:  5 * time.Second,
		receiveTimeout:   15 * time.Second,
		reconnectDelay:   20 * time.Second,
		probeCount:       3,
		probeTimeout:     5 * time.Second,
		livenessInterval: 1 * time.Second,
		connectTimeout:   5 * time.Second,
		closeConnTimeout: 3 * time.Second,
		logger:           logger.GetLogger(),
	}

	if err := withRemoteHost(host).apply(cfg); err != nil {
		return cfg, err
	}

	if err := withPort(port).apply(cfg); err != nil {
		return cfg, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// Name returns the channel name.
func (cfg *ConnectionConfig) Name() string {
	return cfg.name
}

// Address returns host:port of the PLC.
func (cfg *ConnectionConfig) Address() string {
	return net.JoinHostPort(cfg.host, fmt.Sprint(cfg.port))
}

// SubsystemID returns the subsystem id sent in CONNECTED and READY.
func (cfg *ConnectionConfig) SubsystemID() uint16 {
	return cfg.subsystemID
}

// TransmitTimeout returns the idle send time after which a keepalive is sent.
func (cfg *ConnectionConfig) TransmitTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.transmitTimeout
}

// ReceiveTimeout returns the idle receive time after which the connection is dropped.
func (cfg *ConnectionConfig) ReceiveTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.receiveTimeout
}

// ReconnectDelay returns the wait before a new connection attempt.
func (cfg *ConnectionConfig) ReconnectDelay() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.reconnectDelay
}

// ConnOption represents a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	runtime   bool
	applyFunc func(*ConnectionConfig) error
}

func (c *connOptFunc) apply(cfg *ConnectionConfig) error {
	if cfg == nil {
		return ErrConnConfigNil
	}

	return c.applyFunc(cfg)
}

func newConnOptFunc(name string, runtime bool, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{name: name, runtime: runtime, applyFunc: f}
}

func withRemoteHost(host string) ConnOption {
	return newConnOptFunc("withRemoteHost", false, func(cfg *ConnectionConfig) error {
		if ip := net.ParseIP(host); ip != nil {
			cfg.host = host
			return nil
		}

		host = strings.Trim(host, ".")
		if host == "" {
			return errors.New("invalid host")
		}

		if _, err := net.LookupHost(host); err != nil {
			return errors.New("invalid host")
		}
		cfg.host = host

		return nil
	})
}

func withPort(port int) ConnOption {
	return newConnOptFunc("withPort", false, func(cfg *ConnectionConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port is out of range [1, 65535]")
		}
		cfg.port = port

		return nil
	})
}

// WithName sets the channel name used in logs and status reports.
//
// This option can't be changed at runtime.
func WithName(name string) ConnOption {
	return newConnOptFunc("WithName", false, func(cfg *ConnectionConfig) error {
		if name == "" {
			return errors.New("connection name is empty")
		}
		cfg.name = name

		return nil
	})
}

// WithTSAP sets the calling (local) and called (remote) TSAP sent in the COTP CR.
// Each TSAP must be at most 255 bytes.
//
// This option can't be changed at runtime.
func WithTSAP(local, remote string) ConnOption {
	return newConnOptFunc("WithTSAP", false, func(cfg *ConnectionConfig) error {
		if len(local) > 0xFF || len(remote) > 0xFF {
			return errors.New("TSAP longer than 255 bytes")
		}
		cfg.localTSAP = local
		cfg.remoteTSAP = remote

		return nil
	})
}

// WithTPDUSizeCode sets the requested TPDU size code, in range [7, 13] (128 to 8192 bytes).
//
// The default value is 0x0B. This option can't be changed at runtime.
func WithTPDUSizeCode(code byte) ConnOption {
	return newConnOptFunc("WithTPDUSizeCode", false, func(cfg *ConnectionConfig) error {
		if code < rfc1006.MinTPDUSizeCode || code > rfc1006.MaxTPDUSizeCode {
			return errors.New("TPDU size code out of range [7, 13]")
		}
		cfg.tpduSizeCode = code

		return nil
	})
}

// WithChannelID sets the channel id of telegrams sent by the CSC.
//
// The default value is 7. This option can't be changed at runtime.
func WithChannelID(id uint16) ConnOption {
	return newConnOptFunc("WithChannelID", false, func(cfg *ConnectionConfig) error {
		cfg.channelID = id
		return nil
	})
}

// WithProtocolVersion sets the version of telegrams sent by the CSC.
//
// The default value is 1. This option can't be changed at runtime.
func WithProtocolVersion(version uint16) ConnOption {
	return newConnOptFunc("WithProtocolVersion", false, func(cfg *ConnectionConfig) error {
		cfg.version = version
		return nil
	})
}

// WithSubsystemID sets the subsystem id sent in CONNECTED and READY.
//
// The default value is 1. This option can't be changed at runtime.
func WithSubsystemID(id uint16) ConnOption {
	return newConnOptFunc("WithSubsystemID", false, func(cfg *ConnectionConfig) error {
		cfg.subsystemID = id
		return nil
	})
}

// WithBypassMode sets the bypass mode sent in READY, 0 or 1.
//
// The default value is 0. This option can't be changed at runtime.
func WithBypassMode(mode uint16) ConnOption {
	return newConnOptFunc("WithBypassMode", false, func(cfg *ConnectionConfig) error {
		if mode > 1 {
			return errors.New("bypass mode should be 0 or 1")
		}
		cfg.bypassMode = mode

		return nil
	})
}

// WithLLCMode sets the LLC mode sent in READY, 0 or 1.
//
// The default value is 0. This option can't be changed at runtime.
func WithLLCMode(mode uint16) ConnOption {
	return newConnOptFunc("WithLLCMode", false, func(cfg *ConnectionConfig) error {
		if mode > 1 {
			return errors.New("LLC mode should be 0 or 1")
		}
		cfg.llcMode = mode

		return nil
	})
}

// WithTransmitTimeout sets the idle send time after which a keepalive is sent.
// It should be between 100 milliseconds and 60 seconds.
//
// The default value is 5 seconds. This option can be changed at runtime.
func WithTransmitTimeout(d time.Duration) ConnOption {
	return newConnOptFunc("WithTransmitTimeout", true, func(cfg *ConnectionConfig) error {
		if d < 100*time.Millisecond || d > 60*time.Second {
			return errors.New("transmit timeout out of range [100ms, 60s]")
		}
		cfg.mu.Lock()
		cfg.transmitTimeout = d
		cfg.mu.Unlock()

		return nil
	})
}

// WithReceiveTimeout sets the idle receive time after which the PLC is considered dead.
// It should be between 100 milliseconds and 240 seconds.
//
// The default value is 15 seconds. This option can be changed at runtime.
func WithReceiveTimeout(d time.Duration) ConnOption {
	return newConnOptFunc("WithReceiveTimeout", true, func(cfg *ConnectionConfig) error {
		if d < 100*time.Millisecond || d > 240*time.Second {
			return errors.New("receive timeout out of range [100ms, 240s]")
		}
		cfg.mu.Lock()
		cfg.receiveTimeout = d
		cfg.mu.Unlock()

		return nil
	})
}

// WithReconnectDelay sets the fixed wait before a new connection attempt.
// It should be between 10 milliseconds and 10 minutes.
//
// The default value is 20 seconds. This option can be changed at runtime.
func WithReconnectDelay(d time.Duration) ConnOption {
	return newConnOptFunc("WithReconnectDelay", true, func(cfg *ConnectionConfig) error {
		if d < 10*time.Millisecond || d > 10*time.Minute {
			return errors.New("reconnect delay out of range [10ms, 10m]")
		}
		cfg.mu.Lock()
		cfg.reconnectDelay = d
		cfg.mu.Unlock()

		return nil
	})
}

// WithProbe sets how many keepalives are sent after the handshake and how long each waits
// for an answer. count must be between 1 and 10.
//
// The default value is 3 probes of 5 seconds. This option can't be changed at runtime.
func WithProbe(count int, timeout time.Duration) ConnOption {
	return newConnOptFunc("WithProbe", false, func(cfg *ConnectionConfig) error {
		if count < 1 || count > 10 {
			return errors.New("probe count out of range [1, 10]")
		}
		if timeout <= 0 {
			return errors.New("probe timeout must be positive")
		}
		cfg.probeCount = count
		cfg.probeTimeout = timeout

		return nil
	})
}

// WithLivenessInterval sets the period of the liveness check.
//
// The default value is 1 second. This option can't be changed at runtime.
func WithLivenessInterval(d time.Duration) ConnOption {
	return newConnOptFunc("WithLivenessInterval", false, func(cfg *ConnectionConfig) error {
		if d < 10*time.Millisecond || d > 10*time.Second {
			return errors.New("liveness interval out of range [10ms, 10s]")
		}
		cfg.livenessInterval = d

		return nil
	})
}

// WithConnectTimeout sets the TCP dial timeout, between 1 and 30 seconds.
//
// The default value is 5 seconds. This option can't be changed at runtime.
func WithConnectTimeout(d time.Duration) ConnOption {
	return newConnOptFunc("WithConnectTimeout", false, func(cfg *ConnectionConfig) error {
		if d < time.Second || d > 30*time.Second {
			return errors.New("connect timeout out of range [1, 30]")
		}
		cfg.connectTimeout = d

		return nil
	})
}

// WithCloseConnTimeout sets the wait for connection goroutines on close, between 1 and 30 seconds.
//
// The default value is 3 seconds. This option can't be changed at runtime.
func WithCloseConnTimeout(d time.Duration) ConnOption {
	return newConnOptFunc("WithCloseConnTimeout", false, func(cfg *ConnectionConfig) error {
		if d < time.Second || d > 30*time.Second {
			return errors.New("close connection timeout out of range [1, 30]")
		}
		cfg.closeConnTimeout = d

		return nil
	})
}

// WithLogger sets the logger of the connection.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", false, func(cfg *ConnectionConfig) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
