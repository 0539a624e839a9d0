package plcconn

import (
	"errors"
	"net"

	"github.com/arloliu/go-bhs/logger"
	"github.com/arloliu/go-bhs/rfc1006"
	"github.com/arloliu/go-bhs/session"
	"github.com/arloliu/go-bhs/telegram"
)

// dispatcherTask returns the receive loop for nc. It is the only reader of the socket while
// the connection is streaming.
func (c *Connection) dispatcherTask(nc net.Conn) session.TaskRecvFunc {
	return func(hdrBuf []byte) bool {
		frame := c.takePendingFrame()
		if frame == nil {
			var err error
			frame, err = c.reader.ReadFrame(nc, hdrBuf)
			if err != nil {
				c.dispatchReadFailed(err)
				return false
			}
			c.markRecv()
		}

		return c.dispatchFrame(frame)
	}
}

func (c *Connection) takePendingFrame() []byte {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	frame := c.pendingFrame
	c.pendingFrame = nil

	return frame
}

// dispatchFrame handles one complete frame. It returns false when the connection must be
// torn down.
func (c *Connection) dispatchFrame(frame []byte) bool {
	if len(frame) < shortFrameSize {
		c.metrics.incKeepaliveRecvCount()
		if err := c.SendKeepalive(); err != nil {
			c.dispatchWriteFailed("keepalive", err)
			return false
		}

		return true
	}

	hdr, tg, err := telegram.UnmarshalFrame(frame)
	switch {
	case err == nil:
		c.metrics.incTelegramRecvCount()
		c.invokeHandler(hdr, tg)

	case errors.Is(err, telegram.ErrUnknownType):
		c.metrics.incUnknownTypeCount()
		typ, _ := telegram.PeekType(frame)
		c.logger.Warn("unknown telegram type, skipped", "type", uint16(typ), "seq", hdr.Seq, "len", len(frame))

	case errors.Is(err, telegram.ErrProtocolViolation):
		c.metrics.incProtocolViolationCount()
		c.logger.Warn("protocol violation, telegram skipped", "seq", hdr.Seq, "error", err)

	default:
		// a steady-state framing error leaves the stream desynchronized
		c.logger.Error("framing error, drop connection", "error", err, "len", len(frame))
		c.stateMgr.ToDisconnectedAsync()

		return false
	}

	if err := c.sendAck(hdr); err != nil {
		c.dispatchWriteFailed("ack", err)
		return false
	}

	return true
}

func (c *Connection) invokeHandler(hdr telegram.ChannelHeader, tg telegram.Telegram) {
	if c.logger.Level() == logger.DebugLevel {
		c.logger.Debug("telegram received", "type", tg.Type(), "seq", hdr.Seq, "channel_id", hdr.ChannelID)
	}

	handler := c.handlerFor(tg.Type())
	if handler == nil {
		c.logger.Debug("no handler for telegram", "type", tg.Type())
		return
	}

	if err := c.callHandler(handler, hdr, tg); err != nil {
		c.metrics.incHandlerErrCount()
		c.logger.Error("telegram handler failed", "type", tg.Type(), "seq", hdr.Seq, "error", err)
	}
}

func (c *Connection) callHandler(handler TelegramHandler, hdr telegram.ChannelHeader, tg telegram.Telegram) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in telegram handler", "type", tg.Type(), "panic", r)
			err = errHandlerPanic
		}
	}()

	return handler(hdr, tg)
}

func (c *Connection) dispatchReadFailed(err error) {
	switch {
	case errors.Is(err, rfc1006.ErrFraming):
		c.logger.Error("framing error, drop connection", "error", err)
	case c.shutdown.Load() || c.stateMgr.State().IsDisconnected():
		c.logger.Debug("dispatcher stopped", "error", err)
	case isNetNoise(err):
		c.logger.Warn("connection closed by PLC", "error", err)
	default:
		c.logger.Error("failed to read frame", "error", err)
	}

	c.stateMgr.ToDisconnectedAsync()
}

func (c *Connection) dispatchWriteFailed(what string, err error) {
	if isNetNoise(err) || c.stateMgr.State().IsDisconnected() {
		c.logger.Debug("failed to send "+what, "error", err)
	} else {
		c.logger.Error("failed to send "+what, "error", err)
	}

	c.stateMgr.ToDisconnectedAsync()
}
