package rfc1006

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnectRequest_Marshal(t *testing.T) {
	t.Run("default TPDU size", func(t *testing.T) {
		require := require.New(t)

		cr := NewConnectRequest("CSC1", "PLC1")
		require.Equal(21, cr.TPDULength())

		frame, err := cr.Marshal()
		require.NoError(err)
		require.Len(frame, 26)

		expected := []byte{
			0x03, 0x00, 0x00, 0x1A, // TPKT, total 26
			0x15, 0xE0, // LI 21, CR
			0x00, 0x00, 0x00, 0x01, 0x00, // dst-ref, src-ref, class
			0xC0, 0x01, 0x0B,
			0xC1, 0x04, 'C', 'S', 'C', '1',
			0xC2, 0x04, 'P', 'L', 'C', '1',
		}
		require.Equal(expected, frame)
	})

	t.Run("custom TPDU size", func(t *testing.T) {
		require := require.New(t)
		cr := ConnectRequest{LocalTSAP: "A", RemoteTSAP: "BC", TPDUSizeCode: 0x0A, SrcRef: 0x1234}
		frame, err := cr.Marshal()
		require.NoError(err)
		require.Len(frame, 4+1+13+1+2)
		require.Equal([]byte{0x12, 0x34}, frame[8:10])
		require.Equal(byte(0x0A), frame[13])
	})

	t.Run("TSAP too long", func(t *testing.T) {
		cr := NewConnectRequest(string(make([]byte, 256)), "X")
		_, err := cr.Marshal()
		require.ErrorIs(t, err, ErrFraming)
	})
}

func ccFrame(cotp ...byte) []byte {
	total := TPKTHeaderSize + len(cotp)
	return append([]byte{0x03, 0x00, byte(total >> 8), byte(total)}, cotp...)
}

func TestParseConnectConfirm(t *testing.T) {
	t.Run("negotiated size and TSAP echoes", func(t *testing.T) {
		require := require.New(t)
		frame := ccFrame(
			0x11, 0xD0, 0x00, 0x01, 0x00, 0x02, 0x00,
			0xC0, 0x01, 0x0A,
			0xC1, 0x02, 'P', '1',
			0xC2, 0x02, 'C', '1',
		)
		cc, err := ParseConnectConfirm(frame)
		require.NoError(err)
		require.Equal(byte(0x0A), cc.TPDUSizeCode)
		require.Equal(1024, cc.TPDUSize)
		require.Equal([]byte("P1"), cc.CallingTSAP)
		require.Equal([]byte("C1"), cc.CalledTSAP)
		require.Equal(uint16(1), cc.DstRef)
		require.Equal(uint16(2), cc.SrcRef)
		require.Empty(cc.UnknownParams)
	})

	t.Run("unknown parameter is skipped", func(t *testing.T) {
		require := require.New(t)
		frame := ccFrame(0x0C, 0xD0, 0, 0, 0, 0, 0, 0xC5, 0x01, 0xFF, 0xC0, 0x01, 0x0B)
		cc, err := ParseConnectConfirm(frame)
		require.NoError(err)
		require.Equal([]byte{0xC5}, cc.UnknownParams)
		require.Equal(2048, cc.TPDUSize)
	})

	t.Run("minimal CC without parameters", func(t *testing.T) {
		require := require.New(t)
		cc, err := ParseConnectConfirm(ccFrame(0x06, 0xD0, 0, 0, 0, 0, 0))
		require.NoError(err)
		require.Zero(cc.TPDUSize)
	})

	bad := map[string][]byte{
		"wrong version":         {0x02, 0x00, 0x00, 0x0B, 0x06, 0xD0, 0, 0, 0, 0, 0},
		"too short":             ccFrame(0x05, 0xD0, 0, 0, 0, 0),
		"bad length indicator":  ccFrame(0x07, 0xD0, 0, 0, 0, 0, 0),
		"not a CC":              ccFrame(0x06, 0xE0, 0, 0, 0, 0, 0),
		"parameter overrun":     ccFrame(0x08, 0xD0, 0, 0, 0, 0, 0, 0xC1, 0x05),
		"bad C0 length":         ccFrame(0x0A, 0xD0, 0, 0, 0, 0, 0, 0xC0, 0x02, 0x0A, 0x00),
		"declared length wrong": {0x03, 0x00, 0x00, 0x20, 0x06, 0xD0, 0, 0, 0, 0, 0},
	}
	for name, frame := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConnectConfirm(frame)
			require.ErrorIs(t, err, ErrFraming)
		})
	}
}

func TestDataFrame(t *testing.T) {
	require := require.New(t)

	frame, err := DataFrame([]byte{0xAA, 0xBB})
	require.NoError(err)
	require.Equal([]byte{0x03, 0x00, 0x00, 0x09, 0x02, 0xF0, 0x80, 0xAA, 0xBB}, frame)

	payload, err := DataPayload(frame)
	require.NoError(err)
	require.Equal([]byte{0xAA, 0xBB}, payload)

	_, err = DataPayload(frame[:8])
	require.ErrorIs(err, ErrFraming)

	_, err = DataPayload([]byte{0x03, 0x00, 0x00, 0x08, 0x02, 0xF1, 0x80, 0x00})
	require.ErrorIs(err, ErrFraming)

	_, err = DataFrame(make([]byte, MaxFrameSize))
	require.ErrorIs(err, ErrFrameTooLarge)

	require.Equal([]byte{0x03, 0x00, 0x00, 0x08, 0x02, 0xF0, 0x80, 0x00}, KeepaliveFrame())
	require.True(IsKeepalive(KeepaliveFrame()))
	require.False(IsKeepalive(frame))
}

func TestFrameReader_ReadFrame(t *testing.T) {
	require := require.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	data, err := DataFrame([]byte{1, 2, 3})
	require.NoError(err)

	go func() {
		_, _ = server.Write(KeepaliveFrame())
		_, _ = server.Write(data)
		_, _ = server.Write([]byte{0x04, 0x00, 0x00, 0x08})
	}()

	fr := &FrameReader{ReadTimeout: time.Second}
	hdr := make([]byte, TPKTHeaderSize)

	frame, err := fr.ReadFrame(client, hdr)
	require.NoError(err)
	require.True(IsKeepalive(frame))

	frame, err = fr.ReadFrame(client, hdr)
	require.NoError(err)
	require.Equal(data, frame)

	_, err = fr.ReadFrame(client, hdr)
	require.ErrorIs(err, ErrFraming)
}

func TestFrameReader_Timeout(t *testing.T) {
	require := require.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// header promises 16 bytes, only 2 follow
		_, _ = server.Write([]byte{0x03, 0x00, 0x00, 0x10, 0x02, 0xF0})
	}()

	fr := &FrameReader{ReadTimeout: 50 * time.Millisecond}
	_, err := fr.ReadFrame(client, make([]byte, TPKTHeaderSize))
	require.Error(err)

	var netErr net.Error
	require.ErrorAs(err, &netErr)
	require.True(netErr.Timeout())
}

func TestFrameReader_ReadFrameBefore(t *testing.T) {
	require := require.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	fr := &FrameReader{}
	hdr := make([]byte, TPKTHeaderSize)

	// nothing is sent, the header read itself must time out
	_, err := fr.ReadFrameBefore(client, hdr, time.Now().Add(30*time.Millisecond))
	var netErr net.Error
	require.ErrorAs(err, &netErr)
	require.True(netErr.Timeout())

	go func() { _, _ = server.Write(KeepaliveFrame()) }()
	frame, err := fr.ReadFrameBefore(client, hdr, time.Now().Add(time.Second))
	require.NoError(err)
	require.True(IsKeepalive(frame))
}
