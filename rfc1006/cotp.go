package rfc1006

import (
	"fmt"
)

// TPDU size codes, as powers of two.
const (
	// DefaultTPDUSizeCode requests a 2048 byte TPDU (2^11).
	DefaultTPDUSizeCode byte = 0x0B
	MinTPDUSizeCode     byte = 0x07
	MaxTPDUSizeCode     byte = 0x0D
)

// crFixedLen is the CR TPDU length excluding the TSAP values:
// PDU type, dst-ref(2), src-ref(2), class, C0 param(3), C1 header(2), C2 header(2).
const crFixedLen = 13

// ConnectRequest describes a COTP CR TPDU.
type ConnectRequest struct {
	// LocalTSAP is sent as the calling TSAP (parameter C1).
	LocalTSAP string
	// RemoteTSAP is sent as the called TSAP (parameter C2).
	RemoteTSAP string
	// TPDUSizeCode is the requested TPDU size as a power of two.
	TPDUSizeCode byte
	// DstRef is the destination reference, zero until the peer assigns one.
	DstRef uint16
	// SrcRef is the local connection reference.
	SrcRef uint16
}

// NewConnectRequest returns a CR with the default TPDU size and source reference 1.
func NewConnectRequest(localTSAP, remoteTSAP string) ConnectRequest {
	return ConnectRequest{
		LocalTSAP:    localTSAP,
		RemoteTSAP:   remoteTSAP,
		TPDUSizeCode: DefaultTPDUSizeCode,
		SrcRef:       1,
	}
}

// TPDULength returns the value of the CR length indicator: 13 + len(local) + len(remote).
func (cr ConnectRequest) TPDULength() int {
	return crFixedLen + len(cr.LocalTSAP) + len(cr.RemoteTSAP)
}

// Marshal encodes the CR as a complete TPKT frame.
//
// The total frame size is 4 (TPKT) + 1 (LI) + TPDULength().
func (cr ConnectRequest) Marshal() ([]byte, error) {
	if len(cr.LocalTSAP) > 0xFF || len(cr.RemoteTSAP) > 0xFF {
		return nil, fmt.Errorf("%w: TSAP longer than 255 bytes", ErrFraming)
	}

	tpduLen := cr.TPDULength()
	if tpduLen > 0xFF {
		return nil, fmt.Errorf("%w: CR length indicator %d exceeds 255", ErrFraming, tpduLen)
	}
	total := TPKTHeaderSize + 1 + tpduLen

	buf := make([]byte, 0, total)
	buf = append(buf, TPKTVersion, 0x00, byte(total>>8), byte(total))
	buf = append(buf, byte(tpduLen), PDUConnectRequest)
	buf = append(buf, byte(cr.DstRef>>8), byte(cr.DstRef))
	buf = append(buf, byte(cr.SrcRef>>8), byte(cr.SrcRef))
	buf = append(buf, 0x00) // class 0, no extended formats
	buf = append(buf, ParamTPDUSize, 0x01, cr.TPDUSizeCode)
	buf = append(buf, ParamCallingTSAP, byte(len(cr.LocalTSAP)))
	buf = append(buf, cr.LocalTSAP...)
	buf = append(buf, ParamCalledTSAP, byte(len(cr.RemoteTSAP)))
	buf = append(buf, cr.RemoteTSAP...)

	return buf, nil
}

// ConnectConfirm holds the parameters parsed from a COTP CC TPDU.
type ConnectConfirm struct {
	DstRef uint16
	SrcRef uint16
	Class  byte

	// TPDUSizeCode is zero when the peer did not send a C0 parameter.
	TPDUSizeCode byte
	// TPDUSize is 1 << TPDUSizeCode, or zero when not negotiated.
	TPDUSize int

	CallingTSAP []byte
	CalledTSAP  []byte

	// UnknownParams lists parameter codes the parser skipped.
	UnknownParams []byte
}

// ccParamOffset is where parameters start inside the COTP unit: LI, CC, dst(2), src(2), class.
const ccParamOffset = 7

// ParseConnectConfirm validates a complete CC frame, including its TPKT header.
func ParseConnectConfirm(frame []byte) (*ConnectConfirm, error) {
	total, err := ParseTPKTHeader(frame)
	if err != nil {
		return nil, err
	}
	if len(frame) != total {
		return nil, fmt.Errorf("%w: CC declares %d bytes but %d available", ErrFraming, total, len(frame))
	}

	cotp := frame[TPKTHeaderSize:]
	cotpLen := len(cotp)
	if cotpLen < ccParamOffset {
		return nil, fmt.Errorf("%w: COTP segment too short, expected at least %d bytes but got %d", ErrFraming, ccParamOffset, cotpLen)
	}

	if int(cotp[0]) != cotpLen-1 {
		return nil, fmt.Errorf("%w: incorrect COTP length indicator, expected %d but got %d", ErrFraming, cotpLen-1, cotp[0])
	}

	if cotp[1] != PDUConnectConfirm {
		return nil, fmt.Errorf("%w: invalid CC PDU type 0x%02X", ErrFraming, cotp[1])
	}

	cc := &ConnectConfirm{
		DstRef: uint16(cotp[2])<<8 | uint16(cotp[3]),
		SrcRef: uint16(cotp[4])<<8 | uint16(cotp[5]),
		Class:  cotp[6],
	}

	idx := ccParamOffset
	for idx+1 < cotpLen {
		paramType := cotp[idx]
		paramLen := int(cotp[idx+1])
		idx += 2

		if idx+paramLen > cotpLen {
			return nil, fmt.Errorf("%w: CC parameter 0x%02X length %d exceeds COTP payload", ErrFraming, paramType, paramLen)
		}
		value := cotp[idx : idx+paramLen]

		switch paramType {
		case ParamTPDUSize:
			if paramLen != 1 {
				return nil, fmt.Errorf("%w: invalid TPDU size parameter length %d", ErrFraming, paramLen)
			}
			cc.TPDUSizeCode = value[0]
			if value[0] < 31 {
				cc.TPDUSize = 1 << value[0]
			}
		case ParamCallingTSAP:
			cc.CallingTSAP = append([]byte(nil), value...)
		case ParamCalledTSAP:
			cc.CalledTSAP = append([]byte(nil), value...)
		default:
			cc.UnknownParams = append(cc.UnknownParams, paramType)
		}

		idx += paramLen
	}

	return cc, nil
}
