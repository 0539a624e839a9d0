// Package rfc1006 implements the ISO transport over TCP framing (RFC 1006) used between the
// CSC and a conveyor PLC: the 4-byte TPKT header and the minimal COTP class 0 profile.
//
// Only three COTP PDU kinds are used on this link:
//
//   - CR (connection request), sent once by the CSC after the TCP connect.
//   - CC (connection confirm), the PLC's answer to CR, carrying the negotiated TPDU size.
//   - DT (data), a fixed 3-byte header 02 F0 80 followed by the application payload.
package rfc1006

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// TPKTVersion is the only TPKT version defined by RFC 1006.
	TPKTVersion byte = 0x03
	// TPKTHeaderSize is the size of the TPKT header.
	TPKTHeaderSize = 4
	// MaxFrameSize is the largest frame representable by the 16-bit TPKT length.
	MaxFrameSize = 0xFFFF

	// DataHeaderSize is the size of the COTP DT header.
	DataHeaderSize = 3
)

// COTP PDU codes and CR/CC parameter codes.
const (
	PDUConnectRequest byte = 0xE0
	PDUConnectConfirm byte = 0xD0
	PDUData           byte = 0xF0
	eot               byte = 0x80

	ParamTPDUSize    byte = 0xC0
	ParamCallingTSAP byte = 0xC1
	ParamCalledTSAP  byte = 0xC2
)

// DataHeader is the COTP DT header carried by every data frame: LI=2, DT, EOT.
var DataHeader = [DataHeaderSize]byte{0x02, PDUData, eot}

// keepalive is a data frame with a single zero payload byte.
var keepalive = [8]byte{TPKTVersion, 0x00, 0x00, 0x08, 0x02, PDUData, eot, 0x00}

var (
	// ErrFraming indicates that bytes on the wire do not form a valid TPKT/COTP unit:
	// a bad TPKT version, a bad COTP header, or a declared length that disagrees with
	// the bytes actually available.
	ErrFraming = errors.New("rfc1006 framing error")

	// ErrFrameTooLarge indicates that a payload does not fit the 16-bit TPKT length.
	ErrFrameTooLarge = errors.New("rfc1006 frame too large")
)

// KeepaliveFrame returns a new copy of the keepalive frame 03 00 00 08 02 F0 80 00.
func KeepaliveFrame() []byte {
	b := make([]byte, len(keepalive))
	copy(b, keepalive[:])

	return b
}

// IsKeepalive reports whether frame is exactly the keepalive frame.
func IsKeepalive(frame []byte) bool {
	return string(frame) == string(keepalive[:])
}

// DataFrame wraps payload into a TPKT + COTP DT frame.
func DataFrame(payload []byte) ([]byte, error) {
	total := TPKTHeaderSize + DataHeaderSize + len(payload)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}

	frame := make([]byte, total)
	putTPKT(frame, total)
	copy(frame[TPKTHeaderSize:], DataHeader[:])
	copy(frame[TPKTHeaderSize+DataHeaderSize:], payload)

	return frame, nil
}

// DataPayload validates a complete data frame and returns the bytes after the DT header.
//
// The frame must carry exactly as many bytes as its TPKT header declares.
func DataPayload(frame []byte) ([]byte, error) {
	total, err := ParseTPKTHeader(frame)
	if err != nil {
		return nil, err
	}

	if len(frame) < total {
		return nil, fmt.Errorf("%w: declared length %d but only %d bytes available", ErrFraming, total, len(frame))
	}
	if len(frame) > total {
		return nil, fmt.Errorf("%w: declared length %d but %d bytes given", ErrFraming, total, len(frame))
	}

	if total < TPKTHeaderSize+DataHeaderSize {
		return nil, fmt.Errorf("%w: frame length %d too short for a data unit", ErrFraming, total)
	}

	if frame[4] != DataHeader[0] || frame[5] != DataHeader[1] || frame[6] != DataHeader[2] {
		return nil, fmt.Errorf("%w: invalid COTP data header % X", ErrFraming, frame[4:7])
	}

	return frame[TPKTHeaderSize+DataHeaderSize:], nil
}

// ParseTPKTHeader validates the first four bytes of buf and returns the declared total length.
func ParseTPKTHeader(buf []byte) (int, error) {
	if len(buf) < TPKTHeaderSize {
		return 0, fmt.Errorf("%w: %d bytes is shorter than the TPKT header", ErrFraming, len(buf))
	}

	if buf[0] != TPKTVersion {
		return 0, fmt.Errorf("%w: invalid TPKT version 0x%02X", ErrFraming, buf[0])
	}

	total := int(binary.BigEndian.Uint16(buf[2:4]))
	if total < TPKTHeaderSize {
		return 0, fmt.Errorf("%w: TPKT length %d is shorter than its own header", ErrFraming, total)
	}

	return total, nil
}

func putTPKT(frame []byte, total int) {
	frame[0] = TPKTVersion
	frame[1] = 0x00
	binary.BigEndian.PutUint16(frame[2:4], uint16(total)) //nolint:gosec // bounded by MaxFrameSize
}
