package plcconn

import (
	"context"
	"net"
	"time"

	"github.com/arloliu/go-bhs/internal/pool"
	"github.com/arloliu/go-bhs/session"
)

// connect runs one connection attempt: dial, handshake and start of the streaming tasks.
// Any failure ends with a reconnect scheduled after the reconnect delay.
func (c *Connection) connect() {
	if !c.connecting.CompareAndSwap(false, true) {
		return
	}
	defer c.connecting.Store(false)

	if c.shutdown.Load() || !c.stateMgr.State().IsDisconnected() {
		return
	}

	nc, err := c.dial()
	if err != nil {
		c.metrics.incConnRetryGauge()
		c.logger.Warn("failed to connect to PLC", "address", c.cfg.Address(), "error", err,
			"retry", c.metrics.ConnRetryGauge.Load(), "delay", c.cfg.ReconnectDelay())
		c.scheduleReconnect(c.cfg.ReconnectDelay())

		return
	}

	c.connMutex.Lock()
	c.conn = nc
	c.connMutex.Unlock()

	c.reader.ReadTimeout = c.cfg.ReceiveTimeout()
	c.lastSent.Store(time.Now().UnixNano())
	c.lastRecv.Store(time.Now().UnixNano())
	c.peerMode.Store(uint32(PeerModeUnknown))

	if err := c.stateMgr.ToNegotiating(); err != nil {
		c.logger.Error("unexpected state after dial", "state", c.stateMgr.State(), "error", err)
		c.stateMgr.ToDisconnectedAsync()

		return
	}

	if c.shutdown.Load() {
		c.stateMgr.ToDisconnectedAsync()
		return
	}

	if err := c.handshake(nc); err != nil {
		c.metrics.incConnRetryGauge()
		if c.shutdown.Load() {
			c.logger.Debug("handshake aborted by close", "error", err)
		} else {
			c.logger.Error("handshake failed", "state", c.stateMgr.State(), "error", err)
		}
		c.stateMgr.ToDisconnectedAsync()

		return
	}

	if err := c.startStreaming(nc); err != nil {
		c.logger.Error("failed to start streaming", "error", err)
		c.stateMgr.ToDisconnectedAsync()

		return
	}

	c.metrics.resetConnRetryGauge()
}

func (c *Connection) dial() (net.Conn, error) {
	c.connMutex.Lock()
	c.createContext()
	ctx := c.ctx
	c.connMutex.Unlock()

	dialer := net.Dialer{Timeout: c.cfg.connectTimeout}
	c.logger.Debug("dial PLC", "address", c.cfg.Address(), "timeout", c.cfg.connectTimeout)

	return dialer.DialContext(ctx, "tcp", c.cfg.Address())
}

// startStreaming moves to StreamingState and starts the dispatcher and the liveness monitor.
func (c *Connection) startStreaming(nc net.Conn) error {
	if err := c.stateMgr.ToStreaming(); err != nil {
		return err
	}

	if err := c.taskMgr.StartReceiver("dispatcher", c.dispatcherTask(nc), nil); err != nil {
		return err
	}

	_, err := c.taskMgr.StartInterval("liveness", c.checkLiveness, c.cfg.livenessInterval, false)

	return err
}

// scheduleReconnect starts a new connection attempt after delay. At most one attempt is
// scheduled at a time; Open and Close invalidate pending attempts.
func (c *Connection) scheduleReconnect(delay time.Duration) bool {
	if c.shutdown.Load() {
		return false
	}
	if !c.reconnectScheduled.CompareAndSwap(false, true) {
		return false
	}

	gen := c.reconnectGen.Load()

	// c.ctx is canceled by closeConn, so the timer runs on the parent context.
	go func(ctx context.Context, d time.Duration, g uint64) {
		err := pool.Sleep(ctx, d)
		c.reconnectScheduled.Store(false)
		if err != nil || c.reconnectGen.Load() != g || c.shutdown.Load() {
			return
		}

		c.connect()
	}(c.pctx, delay, gen)

	return true
}

func (c *Connection) connStateHandler(prevState session.ConnState, curState session.ConnState) {
	c.logger.Debug("connection state changes", "prev_state", prevState, "cur_state", curState)

	switch curState {
	case session.DisconnectedState:
		if prevState.IsStreaming() {
			c.metrics.incReconnectCount()
		}

		c.closeConn(c.cfg.closeConnTimeout)

		if !c.shutdown.Load() {
			delay := c.cfg.ReconnectDelay()
			c.logger.Info("connection lost, schedule reconnect", "prev_state", prevState, "delay", delay)
			c.scheduleReconnect(delay)
		}

	case session.StreamingState:
		c.logger.Info("connection streaming",
			"address", c.cfg.Address(),
			"tpdu_size", c.NegotiatedTPDUSize(),
			"peer_mode", c.PeerMode(),
		)
	}
}
