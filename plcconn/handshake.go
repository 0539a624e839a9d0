package plcconn

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/arloliu/go-bhs/rfc1006"
	"github.com/arloliu/go-bhs/telegram"
)

// shortFrameSize is the smallest frame that can carry a READY telegram. Shorter data frames,
// including keepalives and the PLC's own ACKs, carry nothing the CSC has to act on.
const shortFrameSize = rfc1006.TPKTHeaderSize + rfc1006.DataHeaderSize + telegram.ChannelHeaderSize + 10

// handshakeSeq is the sequence number of CONNECTED and READY sent during bring-up.
const handshakeSeq = 1

// handshake runs the connection bring-up on a freshly dialed socket:
//
//  1. COTP CR/CC negotiation.
//  2. CONNECTED and READY from the CSC, READY from the PLC, ACK of the PLC's READY.
//  3. Keepalive probe to classify the peer.
//
// The connection must be in NegotiatingState. It returns with the connection in ReadyState.
func (c *Connection) handshake(nc net.Conn) error {
	hdrBuf := make([]byte, rfc1006.TPKTHeaderSize)

	if err := c.negotiate(nc, hdrBuf); err != nil {
		return err
	}

	if err := c.stateMgr.ToConnected(); err != nil {
		return err
	}

	if err := c.exchangeReady(nc, hdrBuf); err != nil {
		return err
	}

	if err := c.stateMgr.ToReady(); err != nil {
		return err
	}

	return c.probe(nc, hdrBuf)
}

// negotiate sends the COTP connection request and validates the confirm.
func (c *Connection) negotiate(nc net.Conn, hdrBuf []byte) error {
	cr := rfc1006.NewConnectRequest(c.cfg.localTSAP, c.cfg.remoteTSAP)
	cr.TPDUSizeCode = c.cfg.tpduSizeCode

	crFrame, err := cr.Marshal()
	if err != nil {
		return err
	}

	if err := c.send(crFrame); err != nil {
		return err
	}
	c.logger.Debug("COTP connection request sent", "local_tsap", cr.LocalTSAP, "remote_tsap", cr.RemoteTSAP, "tpdu_size_code", cr.TPDUSizeCode)

	frame, err := c.reader.ReadFrameBefore(nc, hdrBuf, time.Now().Add(c.cfg.ReceiveTimeout()))
	if err != nil {
		return readErr(err)
	}
	c.markRecv()

	cc, err := rfc1006.ParseConnectConfirm(frame)
	if err != nil {
		return err
	}

	c.tpduSize.Store(int32(cc.TPDUSize)) //nolint:gosec
	c.logger.Info("COTP connection confirmed",
		"tpdu_size", cc.TPDUSize,
		"calling_tsap", string(cc.CallingTSAP),
		"called_tsap", string(cc.CalledTSAP),
		"dst_ref", cc.DstRef,
		"src_ref", cc.SrcRef,
	)
	if len(cc.UnknownParams) > 0 {
		c.logger.Debug("COTP connection confirm carries unknown parameters", "params", fmt.Sprintf("% X", cc.UnknownParams))
	}

	return nil
}

// exchangeReady sends CONNECTED and READY, then waits for the PLC's READY and acknowledges it.
func (c *Connection) exchangeReady(nc net.Conn, hdrBuf []byte) error {
	hdr := c.newHeader(handshakeSeq)

	if err := c.sendTelegram(hdr, &telegram.Connected{SubsystemID: c.cfg.subsystemID}); err != nil {
		return err
	}

	ready := &telegram.Ready{
		SubsystemID: c.cfg.subsystemID,
		BypassMode:  c.cfg.bypassMode,
		LLCMode:     c.cfg.llcMode,
	}
	if err := c.sendTelegram(hdr, ready); err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.ReceiveTimeout())
	for {
		frame, err := c.reader.ReadFrameBefore(nc, hdrBuf, deadline)
		if err != nil {
			return readErr(err)
		}
		c.markRecv()

		// keepalives and the PLC's ACKs of CONNECTED/READY
		if len(frame) < shortFrameSize {
			continue
		}

		peerHdr, tg, err := telegram.UnmarshalFrame(frame)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrHandshake, err)
		}

		peerReady, ok := tg.(*telegram.Ready)
		if !ok {
			return fmt.Errorf("%w: expected READY, got %s: %w", ErrHandshake, tg.Type(), telegram.ErrProtocolViolation)
		}

		c.logger.Info("PLC ready",
			"seq", peerHdr.Seq,
			"subsystem_id", peerReady.SubsystemID,
			"bypass_mode", peerReady.BypassMode,
			"llc_mode", peerReady.LLCMode,
		)

		return c.sendAck(peerHdr)
	}
}

// probe sends up to probeCount keepalives to learn whether the PLC echoes them.
// A full telegram caught by the probe is kept for the dispatcher.
func (c *Connection) probe(nc net.Conn, hdrBuf []byte) error {
	mode := PeerModeFull

	for i := 0; i < c.cfg.probeCount; i++ {
		if err := c.SendKeepalive(); err != nil {
			return err
		}

		frame, err := c.reader.ReadFrameBefore(nc, hdrBuf, time.Now().Add(c.cfg.probeTimeout))
		if err != nil {
			if isTimeout(err) {
				continue
			}

			return readErr(err)
		}
		c.markRecv()

		if len(frame) < shortFrameSize {
			c.metrics.incKeepaliveRecvCount()
			mode = PeerModeKeepaliveOnly
		} else {
			c.connMutex.Lock()
			c.pendingFrame = frame
			c.connMutex.Unlock()
		}

		break
	}

	c.peerMode.Store(uint32(mode))
	if mode == PeerModeKeepaliveOnly {
		c.logger.Info("PLC answers keepalives", "peer_mode", mode)
	} else {
		c.logger.Info("PLC streams telegrams without keepalive echo", "peer_mode", mode)
	}

	return nil
}

func (c *Connection) markRecv() {
	c.lastRecv.Store(time.Now().UnixNano())
	c.metrics.incFrameRecvCount()
}

// readErr classifies a frame read failure. Framing errors keep their kind; everything else is
// a transport failure.
func readErr(err error) error {
	if errors.Is(err, rfc1006.ErrFraming) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrTransport, err)
}
