package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/arloliu/go-bhs/logger"
)

// DefaultAddr is the HTTP listen address.
const DefaultAddr = ":8080"

// ErrServerStarted indicates Start on a running server.
var ErrServerStarted = errors.New("api server already started")

// Server serves the API router.
type Server struct {
	addr   string
	gw     Gateway
	logger logger.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a server on addr, DefaultAddr when empty. It does not listen until Start.
func NewServer(addr string, gw Gateway, l logger.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if l == nil {
		l = logger.GetLogger()
	}

	return &Server{
		addr:   addr,
		gw:     gw,
		logger: l.With("component", "api"),
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return ErrServerStarted
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           NewRouter(s.gw, s.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})

	s.server = srv
	s.listener = ln
	s.done = done
	s.logger.Info("api server listening", "addr", ln.Addr().String())

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", "error", err)
		}
	}()

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

// Stop shuts the server down, waiting at most 5 seconds for in-flight requests.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.server, s.listener, s.done = nil, nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := srv.Shutdown(ctx)
	<-done
	s.logger.Info("api server stopped")

	return err
}
