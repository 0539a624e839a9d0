// Package telegram implements the binary telegram catalog exchanged between the CSC and a
// conveyor PLC inside RFC 1006 data frames.
//
// Every data frame payload starts with an 8-byte ChannelHeader, followed by a telegram body:
//
//	TT (u16 type) | LL (u16 length in 16-bit words, counting TT and LL) | fields...
//
// All integers are big-endian. ASCII fields have a fixed width and are right-padded.
//
// The catalog is closed: only the types defined in this package implement Telegram, and
// Decode looks a type code up in a fixed table.
package telegram

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type is a telegram type code (TT).
type Type uint16

// Telegram type codes.
const (
	TypeConnected             Type = 2
	TypeReady                 Type = 5
	TypeScannerResult         Type = 26
	TypeItemEnter             Type = 40
	TypeItem                  Type = 42
	TypeItemDestAck           Type = 44
	TypeItemLost              Type = 46
	TypeItemStray             Type = 47
	TypeItemTransfer          Type = 50
	TypeItemExit              Type = 51
	TypeValidBarcode          Type = 56
	TypeScreeningResult       Type = 60
	TypeAck                   Type = 102
	TypeKeySwitch             Type = 112
	TypeFallbackTableStart    Type = 154
	TypeFallbackTagEntry      Type = 155
	TypeFallbackTableEnd      Type = 156
	TypeAirlineTableStart     Type = 157
	TypeAirlineCodeEntry      Type = 158
	TypeAirlineTableEnd       Type = 159
	TypeFallbackTableComplete Type = 160
	TypeAirlineTableComplete  Type = 161
	TypeItemInfoRequest       Type = 164
	TypeItemInfo              Type = 165
)

// String returns the catalog name of t, or "UNKNOWN(<code>)".
func (t Type) String() string {
	if e, ok := catalog[t]; ok {
		return e.name
	}

	return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
}

// Known reports whether t is in the catalog.
func (t Type) Known() bool {
	_, ok := catalog[t]
	return ok
}

var (
	// ErrProtocolViolation indicates a well-framed telegram whose body is inconsistent,
	// for example an LL that disagrees with the codec or with the bytes present.
	ErrProtocolViolation = errors.New("telegram protocol violation")

	// ErrUnknownType indicates a telegram type code that is not in the catalog.
	ErrUnknownType = errors.New("unknown telegram type")
)

// Telegram is one entry of the catalog.
type Telegram interface {
	// Type returns the TT code.
	Type() Type
	// LengthWords returns the LL value for the telegram as it would be encoded.
	LengthWords() uint16

	encode(e *encoder)
	decode(d *decoder)
}

// ChannelHeaderSize is the encoded size of ChannelHeader.
const ChannelHeaderSize = 8

// BodyHeaderSize is the size of the TT and LL words.
const BodyHeaderSize = 4

// Default channel header values used by the CSC.
const (
	DefaultChannelID uint16 = 7
	DefaultVersion   uint16 = 1
)

// ChannelHeader precedes every telegram body.
type ChannelHeader struct {
	ChannelID uint16
	Version   uint16
	Seq       uint32
}

// Marshal returns the 8-byte encoding of h.
func (h ChannelHeader) Marshal() []byte {
	b := make([]byte, ChannelHeaderSize)
	h.put(b)

	return b
}

func (h ChannelHeader) put(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], h.ChannelID)
	binary.BigEndian.PutUint16(b[2:4], h.Version)
	binary.BigEndian.PutUint32(b[4:8], h.Seq)
}

// UnmarshalChannelHeader decodes the first 8 bytes of b.
func UnmarshalChannelHeader(b []byte) (ChannelHeader, error) {
	if len(b) < ChannelHeaderSize {
		return ChannelHeader{}, fmt.Errorf("%w: channel header needs %d bytes, got %d", ErrProtocolViolation, ChannelHeaderSize, len(b))
	}

	return ChannelHeader{
		ChannelID: binary.BigEndian.Uint16(b[0:2]),
		Version:   binary.BigEndian.Uint16(b[2:4]),
		Seq:       binary.BigEndian.Uint32(b[4:8]),
	}, nil
}
