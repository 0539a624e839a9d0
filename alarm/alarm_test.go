package alarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-bhs/logger"
)

type mockAlarmer struct {
	mock.Mock
}

func (m *mockAlarmer) Raise(ctx context.Context, a Alarm) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func TestLogAlarmer(t *testing.T) {
	require := require.New(t)

	l := logger.NewRecorder()
	a := NewLogAlarmer(l)
	err := a.Raise(context.Background(), Alarm{
		Channel:  "ch1",
		Source:   "airline",
		Severity: SeverityCritical,
		Message:  "table rejected",
		Fields:   map[string]string{"retries": "3"},
	})
	require.NoError(err)

	e, ok := l.Find(logger.ErrorLevel, "ALARM: table rejected")
	require.True(ok)
	require.Equal("ch1", e.Fields["channel"])
	require.Equal("airline", e.Fields["source"])
	require.Equal(SeverityCritical, e.Fields["severity"])
	require.Equal("3", e.Fields["retries"])
}

func TestMulti(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	al := Alarm{Channel: "ch1", Message: "m"}

	ok := &mockAlarmer{}
	ok.On("Raise", ctx, al).Return(nil).Once()
	failing := &mockAlarmer{}
	failing.On("Raise", ctx, al).Return(errors.New("broker down")).Once()

	err := Multi{ok, nil, failing}.Raise(ctx, al)
	require.ErrorContains(err, "broker down")
	ok.AssertExpectations(t)
	failing.AssertExpectations(t)
}

// serveConnack accepts MQTT clients and accepts every CONNECT.
func serveConnack(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		go func() {
			defer conn.Close()

			buf := make([]byte, 1024)
			if _, err := conn.Read(buf); err != nil {
				return
			}
			if _, err := conn.Write([]byte{0x20, 0x02, 0x00, 0x00}); err != nil {
				return
			}
			for {
				if _, err := conn.Read(buf); err != nil {
					return
				}
			}
		}()
	}
}

func TestMQTTPublisher(t *testing.T) {
	t.Run("topic", func(t *testing.T) {
		p := NewMQTTPublisher(MQTTConfig{RootTopic: "/airport/bhs/"}, nil)
		require.Equal(t, "airport/bhs/ch1/alarm", p.Topic("ch1"))
		require.Equal(t, "airport/bhs/alarm", p.Topic(""))

		p = NewMQTTPublisher(MQTTConfig{}, nil)
		require.Equal(t, "bhs/ch1/alarm", p.Topic("ch1"))
	})

	t.Run("broker comes up after a connect timeout", func(t *testing.T) {
		require := require.New(t)

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(err)
		port := ln.Addr().(*net.TCPAddr).Port
		require.NoError(ln.Close())

		p := NewMQTTPublisher(MQTTConfig{Broker: "127.0.0.1", Port: port, ClientID: "bhsgw-test"}, nil)
		p.connectTimeout = 100 * time.Millisecond
		p.retryInterval = 50 * time.Millisecond
		defer p.Stop()

		require.Error(p.Start())
		require.False(p.Connected())
		require.ErrorIs(p.Raise(context.Background(), Alarm{Channel: "ch1"}), ErrMQTTNotConnected)

		ln, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		require.NoError(err)
		defer ln.Close()
		go serveConnack(ln)

		require.Eventually(p.Connected, 3*time.Second, 20*time.Millisecond)
		require.NoError(p.Start())
	})

	t.Run("raise before start", func(t *testing.T) {
		p := NewMQTTPublisher(MQTTConfig{Broker: "127.0.0.1", Port: 1883}, nil)
		require.ErrorIs(t, p.Raise(context.Background(), Alarm{}), ErrMQTTNotConnected)
		p.Stop()
	})
}
