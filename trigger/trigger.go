// Package trigger implements the plain text trigger port that starts table downloads.
//
// A client connects, writes one command line and reads one reply line:
//
//	START_SENDING [channel]   push the airline table
//	START_FALLBACK [channel]  push the fallback table
//
// Without a channel the table is pushed to every channel. The reply is "OK" or "ERR <reason>".
package trigger

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-bhs/logger"
	"github.com/arloliu/go-bhs/tabledownload"
)

// DefaultAddr is the trigger listen address.
const DefaultAddr = ":6000"

const (
	CmdStartSending  = "START_SENDING"
	CmdStartFallback = "START_FALLBACK"
)

const maxLineSize = 256

// lineIdle is how long a client may pause inside a command before the bytes received so far
// are taken as the whole command.
const lineIdle = 200 * time.Millisecond

var (
	// ErrUnknownCommand indicates a trigger line with an unknown verb.
	ErrUnknownCommand = errors.New("unknown trigger command")

	// ErrServerStarted indicates Start on a running server.
	ErrServerStarted = errors.New("trigger server already started")
)

// Pusher starts table downloads, typically a *gateway.Manager.
type Pusher interface {
	PushTable(ctx context.Context, channel string, kind tabledownload.Kind) error
	PushAll(ctx context.Context, kind tabledownload.Kind) error
}

// Command is a parsed trigger line.
type Command struct {
	Kind tabledownload.Kind
	// Channel is empty for every channel.
	Channel string
}

func (c Command) String() string {
	verb := CmdStartSending
	if c.Kind == tabledownload.FallbackTable {
		verb = CmdStartFallback
	}
	if c.Channel == "" {
		return verb
	}

	return verb + " " + c.Channel
}

// ParseCommand parses one trigger line.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || len(fields) > 2 {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
	}

	var cmd Command
	switch strings.ToUpper(fields[0]) {
	case CmdStartSending:
		cmd.Kind = tabledownload.AirlineTable
	case CmdStartFallback:
		cmd.Kind = tabledownload.FallbackTable
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
	}

	if len(fields) == 2 {
		cmd.Channel = fields[1]
	}

	return cmd, nil
}

// Server accepts trigger connections.
type Server struct {
	addr        string
	pusher      Pusher
	logger      logger.Logger
	readTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithReadTimeout bounds how long a client may take to send its command. Defaults to 5 seconds.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// NewServer creates a server on addr, DefaultAddr when empty. It does not listen until Start.
func NewServer(addr string, pusher Pusher, opts ...ServerOption) *Server {
	if addr == "" {
		addr = DefaultAddr
	}

	s := &Server{
		addr:        addr,
		pusher:      pusher,
		logger:      logger.GetLogger(),
		readTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "trigger")

	return s
}

// Start listens and serves in the background. Pushes run with a context derived from ctx.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return ErrServerStarted
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("trigger listen on %s: %w", s.addr, err)
	}

	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("trigger server listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(ln)

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight commands.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if ln == nil {
		return
	}

	_ = ln.Close()
	s.wg.Wait()
	s.logger.Info("trigger server stopped")
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("trigger accept failed", "error", err)
			}
			return
		}

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	remote := conn.RemoteAddr().String()

	line, err := readCommand(conn, s.readTimeout)
	if err != nil {
		s.logger.Warn("trigger read failed", "remote", remote, "error", err)
		return
	}

	reply := "OK"
	if err := s.execute(strings.TrimSpace(line)); err != nil {
		s.logger.Warn("trigger command failed", "remote", remote, "command", strings.TrimSpace(line), "error", err)
		reply = "ERR " + err.Error()
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.readTimeout))
	if _, err := io.WriteString(conn, reply+"\n"); err != nil {
		s.logger.Warn("trigger reply failed", "remote", remote, "error", err)
	}
}

// readCommand reads one command from conn.
//
// The command ends at a newline, at EOF, or when the client stops sending for lineIdle after its
// first bytes. Clients that write a bare "START_SENDING" and keep the socket open are served too.
func readCommand(conn net.Conn, timeout time.Duration) (string, error) {
	buf := make([]byte, 0, maxLineSize)
	chunk := make([]byte, maxLineSize)
	deadline := time.Now().Add(timeout)

	for {
		_ = conn.SetReadDeadline(deadline)
		n, err := conn.Read(chunk[:maxLineSize-len(buf)])
		buf = append(buf, chunk[:n]...)

		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			return string(buf[:i]), nil
		}
		if len(buf) >= maxLineSize {
			return string(buf), nil
		}

		if err != nil {
			var netErr net.Error
			partial := len(buf) > 0 && (errors.Is(err, io.EOF) || (errors.As(err, &netErr) && netErr.Timeout()))
			if partial {
				return string(buf), nil
			}

			return "", err
		}

		if len(buf) > 0 {
			deadline = time.Now().Add(lineIdle)
		}
	}
}

func (s *Server) execute(line string) error {
	cmd, err := ParseCommand(line)
	if err != nil {
		return err
	}

	s.logger.Info("trigger received", "command", cmd.String())

	if cmd.Channel == "" {
		return s.pusher.PushAll(s.ctx, cmd.Kind)
	}

	return s.pusher.PushTable(s.ctx, cmd.Channel, cmd.Kind)
}

// Send writes cmd to the trigger server at addr and returns its reply.
// An "ERR" reply is returned as an error.
func Send(ctx context.Context, addr string, cmd Command) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial trigger server %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := io.WriteString(conn, cmd.String()+"\n"); err != nil {
		return fmt.Errorf("send trigger command: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && reply != "") {
		return fmt.Errorf("read trigger reply: %w", err)
	}

	reply = strings.TrimSpace(reply)
	if reply == "OK" {
		return nil
	}

	return fmt.Errorf("trigger rejected: %s", strings.TrimSpace(strings.TrimPrefix(reply, "ERR")))
}
