package plcconn

import (
	"sync/atomic"
)

// ConnectionMetrics contains atomic metrics for a connection.
type ConnectionMetrics struct {
	// FrameSendCount is the number of frames written, keepalives included.
	FrameSendCount atomic.Uint64
	// FrameRecvCount is the number of frames read, keepalives included.
	FrameRecvCount atomic.Uint64

	// TelegramSendCount is the number of telegrams sent, ACKs excluded.
	TelegramSendCount atomic.Uint64
	// TelegramRecvCount is the number of telegrams decoded from the PLC.
	TelegramRecvCount atomic.Uint64
	// AckSendCount is the number of ACKs sent.
	AckSendCount atomic.Uint64

	// KeepaliveSendCount is the number of keepalives sent.
	KeepaliveSendCount atomic.Uint64
	// KeepaliveRecvCount is the number of keepalive or short frames received.
	KeepaliveRecvCount atomic.Uint64

	// ProtocolViolationCount is the number of telegrams with an inconsistent body.
	ProtocolViolationCount atomic.Uint64
	// UnknownTypeCount is the number of telegrams of a type outside the catalog.
	UnknownTypeCount atomic.Uint64
	// HandlerErrCount is the number of handler invocations that returned an error.
	HandlerErrCount atomic.Uint64

	// ConnRetryGauge is the number of consecutive failed connection attempts.
	ConnRetryGauge atomic.Uint32
	// ReconnectCount is the number of times an established connection was dropped.
	ReconnectCount atomic.Uint64
}

func (m *ConnectionMetrics) incFrameSendCount()         { m.FrameSendCount.Add(1) }
func (m *ConnectionMetrics) incFrameRecvCount()         { m.FrameRecvCount.Add(1) }
func (m *ConnectionMetrics) incTelegramSendCount()      { m.TelegramSendCount.Add(1) }
func (m *ConnectionMetrics) incTelegramRecvCount()      { m.TelegramRecvCount.Add(1) }
func (m *ConnectionMetrics) incAckSendCount()           { m.AckSendCount.Add(1) }
func (m *ConnectionMetrics) incKeepaliveSendCount()     { m.KeepaliveSendCount.Add(1) }
func (m *ConnectionMetrics) incKeepaliveRecvCount()     { m.KeepaliveRecvCount.Add(1) }
func (m *ConnectionMetrics) incProtocolViolationCount() { m.ProtocolViolationCount.Add(1) }
func (m *ConnectionMetrics) incUnknownTypeCount()       { m.UnknownTypeCount.Add(1) }
func (m *ConnectionMetrics) incHandlerErrCount()        { m.HandlerErrCount.Add(1) }
func (m *ConnectionMetrics) incReconnectCount()         { m.ReconnectCount.Add(1) }

func (m *ConnectionMetrics) incConnRetryGauge() {
	m.ConnRetryGauge.Add(1)
}

func (m *ConnectionMetrics) resetConnRetryGauge() {
	m.ConnRetryGauge.Store(0)
}

// MetricsSnapshot is a point-in-time copy of ConnectionMetrics.
type MetricsSnapshot struct {
	FrameSend         uint64 `json:"frameSend"`
	FrameRecv         uint64 `json:"frameRecv"`
	TelegramSend      uint64 `json:"telegramSend"`
	TelegramRecv      uint64 `json:"telegramRecv"`
	AckSend           uint64 `json:"ackSend"`
	KeepaliveSend     uint64 `json:"keepaliveSend"`
	KeepaliveRecv     uint64 `json:"keepaliveRecv"`
	ProtocolViolation uint64 `json:"protocolViolation"`
	UnknownType       uint64 `json:"unknownType"`
	HandlerErr        uint64 `json:"handlerErr"`
	ConnRetry         uint32 `json:"connRetry"`
	Reconnect         uint64 `json:"reconnect"`
}

// Snapshot loads every counter.
func (m *ConnectionMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		FrameSend:         m.FrameSendCount.Load(),
		FrameRecv:         m.FrameRecvCount.Load(),
		TelegramSend:      m.TelegramSendCount.Load(),
		TelegramRecv:      m.TelegramRecvCount.Load(),
		AckSend:           m.AckSendCount.Load(),
		KeepaliveSend:     m.KeepaliveSendCount.Load(),
		KeepaliveRecv:     m.KeepaliveRecvCount.Load(),
		ProtocolViolation: m.ProtocolViolationCount.Load(),
		UnknownType:       m.UnknownTypeCount.Load(),
		HandlerErr:        m.HandlerErrCount.Load(),
		ConnRetry:         m.ConnRetryGauge.Load(),
		Reconnect:         m.ReconnectCount.Load(),
	}
}
