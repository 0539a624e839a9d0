package rfc1006

import (
	"fmt"
	"io"
	"net"
	"time"
)

// FrameReader reads complete TPKT frames from a net.Conn.
//
// In streaming mode (ReadFrame) framing works in phases:
//  1. Read the 4-byte TPKT header with no deadline, so an idle link is not an error.
//  2. Validate the version and the declared length.
//  3. Read the remainder of the frame within ReadTimeout.
//
// A FrameReader is not goroutine-safe; a connection has exactly one reader.
type FrameReader struct {
	// ReadTimeout bounds the time between the TPKT header and the end of its frame.
	// Zero means no deadline.
	ReadTimeout time.Duration
}

// ReadFrame reads one frame from conn and returns it including the TPKT header.
//
// hdrBuf must be a TPKTHeaderSize scratch buffer that the caller reuses between calls.
// Header validation failures wrap ErrFraming; socket failures are returned wrapped as they are.
func (fr *FrameReader) ReadFrame(conn net.Conn, hdrBuf []byte) ([]byte, error) {
	return fr.readFrame(conn, hdrBuf, time.Time{}, false)
}

// ReadFrameBefore reads one frame that must arrive completely before deadline.
// It is used during connection setup, where the peer is expected to answer promptly.
func (fr *FrameReader) ReadFrameBefore(conn net.Conn, hdrBuf []byte, deadline time.Time) ([]byte, error) {
	return fr.readFrame(conn, hdrBuf, deadline, true)
}

func (fr *FrameReader) readFrame(conn net.Conn, hdrBuf []byte, deadline time.Time, fixed bool) ([]byte, error) {
	if len(hdrBuf) != TPKTHeaderSize {
		return nil, fmt.Errorf("header buffer must be %d bytes, got %d", TPKTHeaderSize, len(hdrBuf))
	}

	// Phase 1: TPKT header, no deadline unless a fixed one was given.
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set header read deadline: %w", err)
	}
	if _, err := io.ReadFull(conn, hdrBuf); err != nil {
		return nil, fmt.Errorf("read TPKT header: %w", err)
	}

	// Phase 2: validate.
	total, err := ParseTPKTHeader(hdrBuf)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, total)
	copy(frame, hdrBuf)
	if total == TPKTHeaderSize {
		return frame, nil
	}

	// Phase 3: remainder within the read timeout.
	if !fixed && fr.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(fr.ReadTimeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
	}
	if _, err := io.ReadFull(conn, frame[TPKTHeaderSize:]); err != nil {
		return nil, fmt.Errorf("read %d frame bytes: %w", total-TPKTHeaderSize, err)
	}

	return frame, nil
}
