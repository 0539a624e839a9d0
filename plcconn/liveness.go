package plcconn

import (
	"time"
)

// checkLiveness runs every liveness interval while the connection is streaming.
// It returns false once the PLC is considered dead.
func (c *Connection) checkLiveness() bool {
	now := time.Now()

	idleRecv := now.Sub(time.Unix(0, c.lastRecv.Load()))
	if idleRecv >= c.cfg.ReceiveTimeout() {
		c.logger.Warn("receive timeout, PLC considered dead", "idle", idleRecv, "timeout", c.cfg.ReceiveTimeout())
		c.stateMgr.ToDisconnectedAsync()

		return false
	}

	if now.Sub(time.Unix(0, c.lastSent.Load())) >= c.cfg.TransmitTimeout() {
		if err := c.SendKeepalive(); err != nil {
			c.dispatchWriteFailed("keepalive", err)
			return false
		}
	}

	return true
}
