package plcconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-bhs/logger"
	"github.com/arloliu/go-bhs/rfc1006"
	"github.com/arloliu/go-bhs/session"
	"github.com/arloliu/go-bhs/telegram"
)

// TelegramHandler handles a telegram received from the PLC.
//
// Handlers run on the dispatcher goroutine, in receipt order, before the telegram is acknowledged.
// A returned error is logged and counted; the telegram is acknowledged regardless.
type TelegramHandler func(hdr telegram.ChannelHeader, tg telegram.Telegram) error

// PeerMode describes how the PLC answered the keepalive probe after the handshake.
type PeerMode uint32

const (
	// PeerModeUnknown means no probe has completed yet.
	PeerModeUnknown PeerMode = iota
	// PeerModeFull means the PLC answered with telegrams or did not answer keepalives at all.
	PeerModeFull
	// PeerModeKeepaliveOnly means the PLC echoes keepalives.
	PeerModeKeepaliveOnly
)

// String returns string representation of the peer mode.
func (m PeerMode) String() string {
	switch m {
	case PeerModeFull:
		return "full"
	case PeerModeKeepaliveOnly:
		return "keepalive-only"
	default:
		return "unknown"
	}
}

// Connection is the transport session to one PLC channel.
//
// It owns the TCP socket, runs the RFC1006/COTP negotiation and the CONNECTED/READY/ACK
// handshake, then dispatches telegrams until the link fails, after which it reconnects
// with a fixed delay until Close is called.
type Connection struct {
	pctx      context.Context
	ctx       context.Context
	ctxCancel context.CancelFunc
	cfg       *ConnectionConfig
	logger    logger.Logger

	conn      net.Conn   // TCP connection
	connMutex sync.Mutex // protects conn
	writeMu   sync.Mutex // serializes frame writes

	stateMgr *session.ConnStateMgr
	taskMgr  *session.TaskManager
	seqGen   *session.SeqGenerator
	reader   rfc1006.FrameReader

	shutdown           atomic.Bool
	reconnectScheduled atomic.Bool
	reconnectGen       atomic.Uint64
	connecting         atomic.Bool

	lastRecv     atomic.Int64 // unix nano
	lastSent     atomic.Int64 // unix nano
	tpduSize     atomic.Int32
	peerMode     atomic.Uint32
	pendingFrame []byte // first steady-state frame caught by the probe

	handlerMu      sync.RWMutex
	handlers       map[telegram.Type]TelegramHandler
	defaultHandler TelegramHandler

	metrics ConnectionMetrics
}

// NewConnection creates a Connection for cfg. The connection does nothing until Open is called.
func NewConnection(ctx context.Context, cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}

	l := cfg.logger.With("channel", cfg.name)
	c := &Connection{
		pctx:     ctx,
		cfg:      cfg,
		logger:   l,
		taskMgr:  session.NewTaskManager(ctx, l),
		seqGen:   session.NewSeqGenerator(),
		handlers: make(map[telegram.Type]TelegramHandler),
	}
	c.reader.ReadTimeout = cfg.ReceiveTimeout()

	c.stateMgr = session.NewConnStateMgr(ctx, l, c.connStateHandler)

	return c, nil
}

// UpdateConfigOptions applies options that can be changed at runtime.
func (c *Connection) UpdateConfigOptions(opts ...ConnOption) error {
	for _, opt := range opts {
		connOpt, ok := opt.(*connOptFunc)
		if !ok {
			return errors.New("invalid ConnOption type")
		}

		if !connOpt.runtime {
			return fmt.Errorf("%s: %w", connOpt.name, ErrRuntimeOption)
		}

		if err := opt.apply(c.cfg); err != nil {
			return err
		}
	}

	return nil
}

// Config returns the connection configuration.
func (c *Connection) Config() *ConnectionConfig {
	return c.cfg
}

// GetLogger returns the logger of the connection.
func (c *Connection) GetLogger() logger.Logger {
	return c.logger
}

// GetMetrics returns the connection metrics.
func (c *Connection) GetMetrics() *ConnectionMetrics {
	return &c.metrics
}

// State returns the current connection state.
func (c *Connection) State() session.ConnState {
	return c.stateMgr.State()
}

// IsStreaming returns if the connection is in the streaming state.
func (c *Connection) IsStreaming() bool {
	return c.stateMgr.IsStreaming()
}

// WaitState blocks until the connection reaches state or ctx is done.
func (c *Connection) WaitState(ctx context.Context, state session.ConnState) error {
	return c.stateMgr.WaitState(ctx, state)
}

// AddStateChangeHandler registers handlers called on every state change.
//
// Handlers run on the state manager while it holds its lock. They must not block or call back
// into state transitions.
func (c *Connection) AddStateChangeHandler(handlers ...session.ConnStateChangeHandler) {
	c.stateMgr.AddHandler(handlers...)
}

// NegotiatedTPDUSize returns the TPDU size from the last connection confirm, or 0.
func (c *Connection) NegotiatedTPDUSize() int {
	return int(c.tpduSize.Load())
}

// PeerMode returns the result of the last keepalive probe.
func (c *Connection) PeerMode() PeerMode {
	return PeerMode(c.peerMode.Load())
}

// LastReceived returns the time the last frame was read from the PLC.
func (c *Connection) LastReceived() time.Time {
	return time.Unix(0, c.lastRecv.Load())
}

// AddTelegramHandler registers handler for telegrams of type t, replacing any previous one.
func (c *Connection) AddTelegramHandler(t telegram.Type, handler TelegramHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	c.handlers[t] = handler
}

// SetDefaultHandler registers the handler for telegram types without a specific handler.
func (c *Connection) SetDefaultHandler(handler TelegramHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	c.defaultHandler = handler
}

func (c *Connection) handlerFor(t telegram.Type) TelegramHandler {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()

	if h, ok := c.handlers[t]; ok {
		return h
	}

	return c.defaultHandler
}

// Open starts connecting to the PLC.
//
// If waitStreaming is true, it blocks until the connection reaches the streaming state or the
// connection context is done. Otherwise it returns immediately and the connection keeps retrying
// in the background.
func (c *Connection) Open(waitStreaming bool) error {
	c.shutdown.Store(false)
	c.reconnectGen.Add(1)

	go c.connect()

	if waitStreaming {
		return c.stateMgr.WaitState(c.pctx, session.StreamingState)
	}

	return nil
}

// Close stops reconnecting and closes the TCP connection.
func (c *Connection) Close() error {
	c.shutdown.Store(true)
	c.reconnectGen.Add(1)
	c.stateMgr.ToDisconnected()

	// a connect attempt may hold a socket while still disconnected
	c.closeConn(c.cfg.closeConnTimeout)

	return nil
}

// SendTelegram sends tg with a new sequence number and returns that number.
// It fails with ErrNotStreaming unless the connection is streaming.
func (c *Connection) SendTelegram(ctx context.Context, tg telegram.Telegram) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if !c.stateMgr.IsStreaming() {
		c.logger.Warn("failed to send telegram, not streaming", "type", tg.Type(), "state", c.stateMgr.State())
		return 0, ErrNotStreaming
	}

	hdr := c.newHeader(c.seqGen.Next())
	if err := c.sendTelegram(hdr, tg); err != nil {
		return 0, err
	}
	c.metrics.incTelegramSendCount()

	return hdr.Seq, nil
}

// Reply sends tg with the channel header of the telegram it answers.
func (c *Connection) Reply(hdr telegram.ChannelHeader, tg telegram.Telegram) error {
	if !c.stateMgr.IsStreaming() {
		return ErrNotStreaming
	}

	if err := c.sendTelegram(hdr, tg); err != nil {
		return err
	}
	c.metrics.incTelegramSendCount()

	return nil
}

// SendKeepalive sends the keepalive frame.
func (c *Connection) SendKeepalive() error {
	if err := c.send(rfc1006.KeepaliveFrame()); err != nil {
		return err
	}
	c.metrics.incKeepaliveSendCount()

	return nil
}

func (c *Connection) newHeader(seq uint32) telegram.ChannelHeader {
	return telegram.ChannelHeader{ChannelID: c.cfg.channelID, Version: c.cfg.version, Seq: seq}
}

func (c *Connection) sendTelegram(hdr telegram.ChannelHeader, tg telegram.Telegram) error {
	frame, err := telegram.MarshalFrame(hdr, tg)
	if err != nil {
		return err
	}

	if c.logger.Level() == logger.DebugLevel {
		c.logger.Debug("send telegram", "type", tg.Type(), "seq", hdr.Seq, "len", len(frame))
	}

	return c.send(frame)
}

func (c *Connection) sendAck(hdr telegram.ChannelHeader) error {
	if err := c.sendTelegram(hdr, &telegram.Ack{Seq: hdr.Seq}); err != nil {
		return err
	}
	c.metrics.incAckSendCount()

	return nil
}

// send writes one complete frame. Writers from the dispatcher, the liveness monitor and
// table pushes are serialized so frames never interleave.
func (c *Connection) send(frame []byte) error {
	c.connMutex.Lock()
	conn := c.conn
	c.connMutex.Unlock()

	if conn == nil {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.TransmitTimeout())); err != nil {
		return fmt.Errorf("%w: set write deadline: %w", ErrTransport, err)
	}

	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("%w: write %d bytes: %w", ErrTransport, len(frame), err)
	}

	c.lastSent.Store(time.Now().UnixNano())
	c.metrics.incFrameSendCount()

	return nil
}

// closeConn cancels the connection tasks, closes the TCP connection and waits for the
// goroutines to terminate, at most timeout.
func (c *Connection) closeConn(timeout time.Duration) {
	c.logger.Debug("start closeConn process")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c.taskMgr.Stop()

	c.connMutex.Lock()
	if c.ctxCancel != nil {
		c.ctxCancel()
	}
	if c.conn != nil {
		c.logger.Debug("close TCP connection", "method", "closeConn")
		if tcpConn, ok := c.conn.(*net.TCPConn); ok {
			_ = tcpConn.SetLinger(0)
		}

		if err := c.conn.Close(); err != nil && !isNetNoise(err) {
			c.logger.Error("failed to close TCP connection", "method", "closeConn", "error", err)
		}
		c.conn = nil
	}
	c.pendingFrame = nil
	c.connMutex.Unlock()

	go func() {
		c.taskMgr.Wait()
		cancel()
	}()

	<-ctx.Done()

	if errors.Is(ctx.Err(), context.Canceled) {
		c.logger.Debug("close success", "method", "closeConn")
	} else {
		c.logger.Error("close timeout", "method", "closeConn", "error", ctx.Err(), "timeout", timeout)
	}
}

// createContext creates the context of one connection attempt. The caller holds connMutex.
func (c *Connection) createContext() {
	c.ctx, c.ctxCancel = context.WithCancel(c.pctx)
}

// isNetNoise reports errors that only mean the peer or we closed the socket.
func isNetNoise(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}

	return isEOF(err) || isConnReset(err)
}
