package telegram

import (
	"fmt"

	"github.com/arloliu/go-bhs/rfc1006"
)

type catalogEntry struct {
	name string
	// words is the fixed LL, or the minimum LL of a variable length telegram.
	words    uint16
	variable bool
	new      func() Telegram
}

var catalog = map[Type]catalogEntry{
	TypeConnected:             {name: "CONNECTED", words: 3, new: func() Telegram { return &Connected{} }},
	TypeReady:                 {name: "READY", words: 5, new: func() Telegram { return &Ready{} }},
	TypeScannerResult:         {name: "SCANNER RESULT", words: scannerFixedSize / 2, variable: true, new: func() Telegram { return &ScannerResult{} }},
	TypeItemEnter:             {name: "ITEM ENTER", words: 9, new: func() Telegram { return &ItemEnter{} }},
	TypeItem:                  {name: "ITEM", words: 9, new: func() Telegram { return &Item{} }},
	TypeItemDestAck:           {name: "ITEM DEST ACK", words: 9, new: func() Telegram { return &ItemDestAck{} }},
	TypeItemLost:              {name: "ITEM LOST", words: 9, new: func() Telegram { return &ItemLost{} }},
	TypeItemStray:             {name: "ITEM STRAY", words: 8, new: func() Telegram { return &ItemStray{} }},
	TypeItemTransfer:          {name: "ITEM TRANSFER", words: 10, new: func() Telegram { return &ItemTransfer{} }},
	TypeItemExit:              {name: "ITEM EXIT", words: 8, new: func() Telegram { return &ItemExit{} }},
	TypeValidBarcode:          {name: "VALID BARCODE", words: 24, new: func() Telegram { return &ValidBarcode{} }},
	TypeScreeningResult:       {name: "SCREENING RESULT", words: screeningFixedSize / 2, variable: true, new: func() Telegram { return &ScreeningResult{} }},
	TypeAck:                   {name: "ACK", words: 4, new: func() Telegram { return &Ack{} }},
	TypeKeySwitch:             {name: "KEY SWITCH", words: 6, new: func() Telegram { return &KeySwitch{} }},
	TypeFallbackTableStart:    {name: "FALLBACK TABLE START", words: 3, new: func() Telegram { return &TableStart{Code: TypeFallbackTableStart} }},
	TypeFallbackTagEntry:      {name: "FALLBACK TAG ENTRY", words: 14, new: func() Telegram { return &FallbackTagEntry{} }},
	TypeFallbackTableEnd:      {name: "FALLBACK TABLE END", words: 4, new: func() Telegram { return &TableEnd{Code: TypeFallbackTableEnd} }},
	TypeAirlineTableStart:     {name: "AIRLINE TABLE START", words: 3, new: func() Telegram { return &TableStart{Code: TypeAirlineTableStart} }},
	TypeAirlineCodeEntry:      {name: "AIRLINE CODE ENTRY", words: 10, new: func() Telegram { return &AirlineCodeEntry{} }},
	TypeAirlineTableEnd:       {name: "AIRLINE TABLE END", words: 4, new: func() Telegram { return &TableEnd{Code: TypeAirlineTableEnd} }},
	TypeFallbackTableComplete: {name: "FALLBACK TABLE COMPLETE", words: 5, new: func() Telegram { return &TableComplete{Code: TypeFallbackTableComplete} }},
	TypeAirlineTableComplete:  {name: "AIRLINE TABLE COMPLETE", words: 5, new: func() Telegram { return &TableComplete{Code: TypeAirlineTableComplete} }},
	TypeItemInfoRequest:       {name: "ITEM INFO REQUEST", words: 10, new: func() Telegram { return &ItemInfoRequest{} }},
	TypeItemInfo:              {name: "ITEM INFO", words: 15, new: func() Telegram { return &ItemInfo{} }},
}

// New returns a zero telegram of type t, ready to be filled or decoded into.
func New(t Type) (Telegram, bool) {
	e, ok := catalog[t]
	if !ok {
		return nil, false
	}

	return e.new(), true
}

// Encode returns the TT LL body of tg.
func Encode(tg Telegram) []byte {
	ll := tg.LengthWords()
	e := &encoder{buf: make([]byte, 0, int(ll)*2)}
	e.u16(uint16(tg.Type()))
	e.u16(ll)
	tg.encode(e)

	return e.buf
}

// Decode parses a TT LL body.
//
// A type outside the catalog returns ErrUnknownType. An LL that disagrees with the codec or with
// len(body), or fields that do not fit, return ErrProtocolViolation.
func Decode(body []byte) (Telegram, error) {
	if len(body) < BodyHeaderSize {
		return nil, fmt.Errorf("%w: body of %d bytes has no TT/LL", ErrProtocolViolation, len(body))
	}

	d := &decoder{buf: body}
	tt := Type(d.u16())
	ll := d.u16()

	entry, ok := catalog[tt]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint16(tt))
	}

	if entry.variable {
		if ll < entry.words {
			return nil, fmt.Errorf("%w: %s LL %d below minimum %d", ErrProtocolViolation, entry.name, ll, entry.words)
		}
	} else if ll != entry.words {
		return nil, fmt.Errorf("%w: %s LL %d, expected %d", ErrProtocolViolation, entry.name, ll, entry.words)
	}

	if int(ll)*2 != len(body) {
		return nil, fmt.Errorf("%w: %s LL %d words but %d bytes present", ErrProtocolViolation, entry.name, ll, len(body))
	}

	tg := entry.new()
	tg.decode(d)
	if d.err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProtocolViolation, entry.name, d.err)
	}

	if got := tg.LengthWords(); got != ll {
		return nil, fmt.Errorf("%w: %s LL %d disagrees with decoded length %d", ErrProtocolViolation, entry.name, ll, got)
	}

	return tg, nil
}

// MarshalFrame encodes hdr and tg into a complete TPKT/COTP data frame.
func MarshalFrame(hdr ChannelHeader, tg Telegram) ([]byte, error) {
	body := Encode(tg)
	payload := make([]byte, ChannelHeaderSize+len(body))
	hdr.put(payload)
	copy(payload[ChannelHeaderSize:], body)

	return rfc1006.DataFrame(payload)
}

// UnmarshalFrame decodes a complete data frame.
//
// Framing problems return rfc1006.ErrFraming. When the channel header could be read it is
// returned even if the body fails to decode, so the caller can still acknowledge the frame.
func UnmarshalFrame(frame []byte) (ChannelHeader, Telegram, error) {
	payload, err := rfc1006.DataPayload(frame)
	if err != nil {
		return ChannelHeader{}, nil, err
	}

	if len(payload) < ChannelHeaderSize+BodyHeaderSize {
		return ChannelHeader{}, nil, fmt.Errorf("%w: data payload of %d bytes cannot hold a telegram", rfc1006.ErrFraming, len(payload))
	}

	hdr, err := UnmarshalChannelHeader(payload)
	if err != nil {
		return ChannelHeader{}, nil, err
	}

	tg, err := Decode(payload[ChannelHeaderSize:])
	if err != nil {
		return hdr, nil, err
	}

	return hdr, tg, nil
}

// PeekType returns the TT of an encoded data frame without decoding the body.
func PeekType(frame []byte) (Type, bool) {
	off := rfc1006.TPKTHeaderSize + rfc1006.DataHeaderSize + ChannelHeaderSize
	if len(frame) < off+2 {
		return 0, false
	}

	return Type(uint16(frame[off])<<8 | uint16(frame[off+1])), true
}
