package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-bhs/config"
	"github.com/arloliu/go-bhs/logger"
	"github.com/arloliu/go-bhs/tabledownload"
	"github.com/arloliu/go-bhs/trigger"
)

func TestMain(m *testing.M) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	os.Exit(m.Run())
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

// freePort returns a port nothing listens on.
func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	return port
}

func writeGatewayFiles(t *testing.T, plcPort int) string {
	t.Helper()

	dir := t.TempDir()
	files := map[string]string{
		"channels/ch1.toml": fmt.Sprintf(`
connection_name = "ch1"

[connection_handler]
peer_address = "127.0.0.1"
peer_port = %d

[timers]
reconnect_delay = "100ms"
`, plcPort),
		"routing.yaml": `
routing:
  "0160123456": 42
airlines:
  - code: CX
    sort_position: 11
    enabled: true
`,
		"bhsgw.yaml": `
log_level: info
log_dir: logs
channels:
  - channels/ch1.toml
trigger_addr: "127.0.0.1:0"
api_addr: "127.0.0.1:0"
repository:
  backend: file
  file: routing.yaml
`,
	}

	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}

	return filepath.Join(dir, "bhsgw.yaml")
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "bhsgw version dev")
	require.Contains(t, out, "commit: unknown")
}

func TestCheckConfigCmd(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path := writeGatewayFiles(t, 2102)

		out, err := execute(t, "check-config", "--config", path)
		require.NoError(t, err)
		require.Contains(t, out, "Config OK")
		require.Contains(t, out, "127.0.0.1:2102")
	})

	t.Run("missing", func(t *testing.T) {
		_, err := execute(t, "check-config", "-c", filepath.Join(t.TempDir(), "none.yaml"))
		require.Error(t, err)
	})

	t.Run("invalid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bhsgw.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log_level: loud\nchannels: [a.toml]\n"), 0o600))

		_, err := execute(t, "check-config", "-c", path)
		require.ErrorIs(t, err, config.ErrInvalidConfig)
	})
}

type recordingPusher struct {
	mu    sync.Mutex
	calls []trigger.Command
}

func (p *recordingPusher) PushTable(_ context.Context, channel string, kind tabledownload.Kind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, trigger.Command{Kind: kind, Channel: channel})

	return nil
}

func (p *recordingPusher) PushAll(_ context.Context, kind tabledownload.Kind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, trigger.Command{Kind: kind})

	return nil
}

func TestTriggerCmd(t *testing.T) {
	require := require.New(t)

	pusher := &recordingPusher{}
	srv := trigger.NewServer("127.0.0.1:0", pusher)
	require.NoError(srv.Start(context.Background()))
	defer srv.Stop()

	addr := srv.Addr().String()

	out, err := execute(t, "trigger", "--addr", addr)
	require.NoError(err)
	require.Contains(out, "START_SENDING: OK")

	out, err = execute(t, "trigger", "--addr", addr, "--fallback", "--channel", "ch2")
	require.NoError(err)
	require.Contains(out, "START_FALLBACK ch2: OK")

	require.Equal([]trigger.Command{
		{Kind: tabledownload.AirlineTable},
		{Kind: tabledownload.FallbackTable, Channel: "ch2"},
	}, pusher.calls)

	_, err = execute(t, "trigger", "--addr", fmt.Sprintf("127.0.0.1:%d", freePort(t)), "--timeout", "1s")
	require.Error(err)
}

func TestApp(t *testing.T) {
	require := require.New(t)

	path := writeGatewayFiles(t, freePort(t))
	cfg, err := config.LoadGateway(path)
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	require.NoError(err)
	require.NoError(a.start(ctx))

	resp, err := http.Get(fmt.Sprintf("http://%s/api/channels/ch1", a.api.Addr().String()))
	require.NoError(err)
	resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)

	// the PLC is down, so the trigger is answered with an error
	sendCtx, sendCancel := context.WithTimeout(ctx, 5*time.Second)
	defer sendCancel()
	err = trigger.Send(sendCtx, a.trigger.Addr().String(), trigger.Command{Kind: tabledownload.AirlineTable, Channel: "ch1"})
	require.ErrorContains(err, "not streaming")

	require.NoError(a.stop())

	_, err = os.Stat(filepath.Join(filepath.Dir(path), "logs", "ch1.log"))
	require.NoError(err)
}

func TestRunGateway(t *testing.T) {
	path := writeGatewayFiles(t, freePort(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runGateway(ctx, &runFlags{configPath: path, logLevel: "warn"})
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("gateway did not stop")
	}

	logger.SetLevel(logger.InfoLevel)

	err := runGateway(context.Background(), &runFlags{configPath: path, logLevel: "loud"})
	require.Error(t, err)
}
