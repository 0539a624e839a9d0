package telegram

import (
	"testing"

	"github.com/arloliu/go-bhs/rfc1006"
	"github.com/stretchr/testify/require"
)

func TestMarshalFrame_Connected(t *testing.T) {
	require := require.New(t)

	hdr := ChannelHeader{ChannelID: DefaultChannelID, Version: DefaultVersion, Seq: 1}
	frame, err := MarshalFrame(hdr, &Connected{SubsystemID: 1})
	require.NoError(err)

	expected := []byte{
		0x03, 0x00, 0x00, 0x15, // TPKT, 21 bytes
		0x02, 0xF0, 0x80, // DT
		0x00, 0x07, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, // channel header
		0x00, 0x02, 0x00, 0x03, 0x00, 0x01, // TT=2 LL=3 SS=1
	}
	require.Equal(expected, frame)

	typ, ok := PeekType(frame)
	require.True(ok)
	require.Equal(TypeConnected, typ)
}

func TestEncode(t *testing.T) {
	t.Run("READY", func(t *testing.T) {
		body := Encode(&Ready{SubsystemID: 1, BypassMode: 0, LLCMode: 1})
		require.Equal(t, []byte{0x00, 0x05, 0x00, 0x05, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01}, body)
	})

	t.Run("ACK", func(t *testing.T) {
		body := Encode(&Ack{Seq: 0x01020304})
		require.Equal(t, []byte{0x00, 0x66, 0x00, 0x04, 0x01, 0x02, 0x03, 0x04}, body)
	})

	t.Run("AIRLINE CODE ENTRY", func(t *testing.T) {
		body := Encode(&AirlineCodeEntry{SubsystemID: 1, AirlineCode: "EK", Destination: 12, AltDestinations: []uint16{3, 4}})
		require.Equal(t, []byte{
			0x00, 0x9E, 0x00, 0x0A, 0x00, 0x01,
			'E', 'K', 0x00, 0x00,
			0x00, 0x0C,
			0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00, 0x00,
		}, body)
	})

	t.Run("VALID BARCODE fills IATA with zeros", func(t *testing.T) {
		require := require.New(t)
		tg := &ValidBarcode{
			ItemRef:           ItemRef{SubsystemID: 1, Component: 2, GlobalID: 3, PLCIndex: 4},
			IATA:              [3]string{"0176123456", "", "12"},
			MinScreeningLevel: 22,
		}
		body := Encode(tg)
		require.Len(body, 48)
		require.Equal("0176123456", string(body[14:24]))
		require.Equal("0000000000", string(body[24:34]))
		require.Equal("1200000000", string(body[34:44]))
		require.Equal([]byte{0x00, 22, 0x00, 0x00}, body[44:48])

		decoded, err := Decode(body)
		require.NoError(err)
		require.Equal([3]string{"0176123456", "0000000000", "1200000000"}, decoded.(*ValidBarcode).IATA)
	})
}

func TestRoundTrip(t *testing.T) {
	ref := ItemRef{SubsystemID: 1, Component: 7, GlobalID: 0xCAFEBABE, PLCIndex: 301}
	telegrams := []Telegram{
		&Connected{SubsystemID: 1},
		&Ready{SubsystemID: 1, BypassMode: 1, LLCMode: 0},
		&Ack{Seq: 99},
		&ScannerResult{ItemRef: ref, ScannerNumber: 5, ProtocolVersion: "01", Response: []byte("SCN#0E0176123456")},
		&ItemEnter{ItemRef: ref, Location: 10, Destination: 3},
		&Item{ItemRef: ref, Destination: 4, AltDestination: 5},
		&ItemDestAck{ItemRef: ref, Destination: 4, Status: DestAckNotReachable},
		&ItemLost{ItemRef: ref, Location: 12, Reason: 1},
		&ItemStray{ItemRef: ref, Location: 13},
		&ItemTransfer{ItemRef: ref, Event: TransferLeave, Location: 14, Handshake: TransferHandshakeStray},
		&ItemExit{ItemRef: ref, Location: 15},
		&ScreeningResult{ItemRef: ref, Location: 2, Level: 21, Result: 11, IATA: "0176123456", Response: []byte("EDS")},
		&KeySwitch{SubsystemID: 1, KeyStatus: KeyOn, Location: KeyLocationLLC},
		&TableStart{Code: TypeFallbackTableStart, SubsystemID: 1},
		&FallbackTagEntry{SubsystemID: 1, Tag: "1000000001", Destination: 9, ScreeningLevel: 31, AltDestinations: []uint16{1}},
		&TableEnd{Code: TypeAirlineTableEnd, SubsystemID: 1, Count: 5},
		&TableComplete{Code: TypeAirlineTableComplete, SubsystemID: 1, EntryCount: 5, Status: CompleteFailed},
		&ItemInfoRequest{SubsystemID: 1, PLCIndex: 301, Location: 7, IATA: "0176123456"},
		&ItemInfo{SubsystemID: 1, PLCIndex: 301, IATA: "0176123456", ScreeningLevel: 11, ScreeningResult: 11, CustomsResult: 31, MinScreeningLevel: 12, CustomsRequired: 1, EBSStatus: 1},
	}

	for _, tg := range telegrams {
		t.Run(tg.Type().String(), func(t *testing.T) {
			require := require.New(t)

			hdr := ChannelHeader{ChannelID: 7, Version: 1, Seq: 42}
			frame, err := MarshalFrame(hdr, tg)
			require.NoError(err)
			require.Len(frame, rfc1006.TPKTHeaderSize+rfc1006.DataHeaderSize+ChannelHeaderSize+int(tg.LengthWords())*2)

			gotHdr, got, err := UnmarshalFrame(frame)
			require.NoError(err)
			require.Equal(hdr, gotHdr)
			require.Equal(tg, got)
		})
	}
}

func TestRoundTrip_EmptyFields(t *testing.T) {
	telegrams := map[string]Telegram{
		"zero scanner result":       &ScannerResult{},
		"short protocol version":    &ScannerResult{ProtocolVersion: "1", Response: []byte("X")},
		"zero screening result":     &ScreeningResult{},
		"airline entry without alt": &AirlineCodeEntry{SubsystemID: 1, AirlineCode: "EK", Destination: 12},
		"zero fallback entry":       &FallbackTagEntry{},
	}

	for name, tg := range telegrams {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)

			got, err := Decode(Encode(tg))
			require.NoError(err)
			require.Equal(tg, got)
		})
	}

	t.Run("empty slices decode as nil", func(t *testing.T) {
		require := require.New(t)

		got, err := Decode(Encode(&ScannerResult{Response: []byte{}}))
		require.NoError(err)
		require.Nil(got.(*ScannerResult).Response)

		got, err = Decode(Encode(&FallbackTagEntry{AltDestinations: []uint16{}}))
		require.NoError(err)
		require.Nil(got.(*FallbackTagEntry).AltDestinations)
	})
}

func TestUnmarshalFrame_Errors(t *testing.T) {
	hdr := ChannelHeader{ChannelID: 7, Version: 1, Seq: 5}
	frame, err := MarshalFrame(hdr, &ItemExit{Location: 1})
	require.NoError(t, err)

	t.Run("truncated frame is a framing error", func(t *testing.T) {
		_, _, err := UnmarshalFrame(frame[:len(frame)-2])
		require.ErrorIs(t, err, rfc1006.ErrFraming)
	})

	t.Run("payload too short for a telegram", func(t *testing.T) {
		_, _, err := UnmarshalFrame(rfc1006.KeepaliveFrame())
		require.ErrorIs(t, err, rfc1006.ErrFraming)
	})

	t.Run("LL mismatch is a protocol violation", func(t *testing.T) {
		require := require.New(t)
		bad := append([]byte(nil), frame...)
		bad[len(bad)-16+3] = 9 // LL of ITEM EXIT is 8
		gotHdr, tg, err := UnmarshalFrame(bad)
		require.ErrorIs(err, ErrProtocolViolation)
		require.Nil(tg)
		require.Equal(hdr, gotHdr)
	})

	t.Run("unknown type keeps the header", func(t *testing.T) {
		require := require.New(t)
		bad := append([]byte(nil), frame...)
		bad[len(bad)-16+1] = 0xFE
		gotHdr, tg, err := UnmarshalFrame(bad)
		require.ErrorIs(err, ErrUnknownType)
		require.NotErrorIs(err, ErrProtocolViolation)
		require.Nil(tg)
		require.Equal(uint32(5), gotHdr.Seq)
	})

	t.Run("variable length response mismatch", func(t *testing.T) {
		require := require.New(t)
		body := Encode(&ScannerResult{Response: []byte("abcd")})
		body[21] = 9 // responseLength beyond the body
		_, err := Decode(body)
		require.ErrorIs(err, ErrProtocolViolation)
	})

	t.Run("body shorter than TT LL", func(t *testing.T) {
		_, err := Decode([]byte{0x00})
		require.ErrorIs(t, err, ErrProtocolViolation)
	})
}

func TestScannerResult(t *testing.T) {
	require := require.New(t)

	tg := &ScannerResult{ScannerNumber: 6, Response: []byte("ABC#0E0176123456R19999999999")}
	require.Equal(uint16((22+28)/2), tg.LengthWords())
	require.Equal("2AR04_BT20", tg.ScannerName())
	require.Equal("UNKNOWN(9)", ScannerName(9))
	require.Equal([]Barcode{{Kind: "0E", Code: "0176123456"}, {Kind: "R1", Code: "9999999999"}}, tg.Barcodes())

	odd := &ScannerResult{Response: []byte("X#0E012345678")}
	body := Encode(odd)
	require.Len(body, 22+14)
	require.Equal(byte(0xFF), body[len(body)-1])
	require.Equal([]byte{0x00, 13}, body[20:22])

	decoded, err := Decode(body)
	require.NoError(err)
	require.Equal(odd.Response, decoded.(*ScannerResult).Response)

	odd.Status = 1
	require.Nil(odd.Barcodes())
}

func TestExtractBarcodes(t *testing.T) {
	require := require.New(t)

	require.Nil(ExtractBarcodes("no separator"))
	require.Nil(ExtractBarcodes("PFX#0E01"))
	require.Equal([]Barcode{{Kind: "0E", Code: "1234567890"}}, ExtractBarcodes("PFX#0E1234567890\xff"))
	require.Equal([]Barcode{{Kind: "0E", Code: "1234567890"}}, ExtractBarcodes("#0E1234567890#0"))
}

func TestScreeningResult_Conditions(t *testing.T) {
	require := require.New(t)

	threat := &ScreeningResult{Level: 11, Result: 9}
	require.Equal([]Condition{ObviousThreat}, threat.Conditions())
	require.Equal("Obvious Threat", ResultName(threat.Result))

	reconcile := &ScreeningResult{Level: 32, Result: 96}
	require.Equal([]Condition{Reconcile}, reconcile.Conditions())

	require.Equal([]Condition{AlarmFromRecheck}, (&ScreeningResult{Result: 91}).Conditions())
	require.Equal([]Condition{CustomsRescreen}, (&ScreeningResult{Result: 99}).Conditions())
	require.Equal([]Condition{Level4OperatorClear}, (&ScreeningResult{Level: 42, Result: 2}).Conditions())
	require.Empty((&ScreeningResult{Level: 21, Result: 2}).Conditions())

	require.Equal("HBS Level 2b", LevelName(23))
	require.Equal("Customs Screening Level 4 (MES L4)", LevelName(102))
	require.Equal("Other/Unknown Level: 77", LevelName(77))
	require.Equal("Unknown code: 4", ResultName(4))

	require.True((&ScreeningResult{IATA: IATANoRead}).NoRead())
	require.True((&ScreeningResult{IATA: IATAMultiLabel}).MultiLabel())
}

func TestType_String(t *testing.T) {
	require := require.New(t)

	require.Equal("ITEM LOST", TypeItemLost.String())
	require.Equal("ITEM ENTER", TypeItemEnter.String())
	require.Equal("UNKNOWN(999)", Type(999).String())
	require.True(TypeItemInfo.Known())
	require.False(Type(1).Known())

	for typ := range catalog {
		tg, ok := New(typ)
		require.True(ok)
		require.Equal(typ, tg.Type())
	}
}
