// Package lmtp accepts local mail delivery (RFC 2033) from an MTA.
package lmtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"rook/internal/delivery/config"
	"rook/internal/delivery/storage"
	"rook/internal/metrics"
)

// Server represents an LMTP server
type Server struct {
	config  *config.Config
	storage *storage.Storage
	logger  log.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

type Option func(*Server)

func WithLogger(logger log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new LMTP server
func NewServer(cfg *config.Config, stor *storage.Storage, opts ...Option) *Server {
	s := &Server{
		config:  cfg,
		storage: stor,
		logger:  log.NewNopLogger(),
		metrics: metrics.Discard(),
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen opens the configured UNIX and TCP listeners and starts accepting.
func (s *Server) Listen(ctx context.Context) error {
	if s.config.LMTP.UnixSocket == "" && s.config.LMTP.TCPAddress == "" {
		return fmt.Errorf("no LMTP listener configured")
	}

	if s.config.LMTP.UnixSocket != "" {
		if err := s.startUnixListener(ctx); err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("failed to start UNIX listener: %w", err)
		}
	}

	if s.config.LMTP.TCPAddress != "" {
		if err := s.startTCPListener(ctx); err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("failed to start TCP listener: %w", err)
		}
	}

	return nil
}

// Serve listens and blocks until ctx is done, then shuts down and waits for
// open sessions.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	err := s.Shutdown()
	s.Wait()
	return err
}

// Addrs returns the addresses of the open listeners.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (s *Server) startUnixListener(ctx context.Context) error {
	_ = os.Remove(s.config.LMTP.UnixSocket)

	listener, err := net.Listen("unix", s.config.LMTP.UnixSocket)
	if err != nil {
		return err
	}

	// The MTA usually runs as another user.
	if err := os.Chmod(s.config.LMTP.UnixSocket, 0666); err != nil {
		level.Warn(s.logger).Log("msg", "failed to set socket permissions", "err", err)
	}

	s.addListener(ctx, listener, "unix")
	return nil
}

func (s *Server) startTCPListener(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.LMTP.TCPAddress)
	if err != nil {
		return err
	}
	s.addListener(ctx, listener, "tcp")
	return nil
}

func (s *Server) addListener(ctx context.Context, l net.Listener, kind string) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	level.Info(s.logger).Log("msg", "LMTP server listening", "network", kind, "addr", l.Addr())

	s.wg.Add(1)
	go s.acceptConnections(ctx, l, kind)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) acceptConnections(ctx context.Context, listener net.Listener, kind string) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			level.Error(s.logger).Log("msg", "accept error", "network", kind, "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	session := NewSession(conn, s.storage, s.config, s.logger, s.metrics)
	if err := session.Handle(ctx); err != nil && !s.isClosed() {
		level.Debug(s.logger).Log("msg", "session ended", "remote", conn.RemoteAddr(), "err", err)
	}
}

// Shutdown closes the listeners and interrupts idle sessions. It does not
// wait for them; see Wait.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, l := range s.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if s.config.LMTP.UnixSocket != "" {
		_ = os.Remove(s.config.LMTP.UnixSocket)
	}
	for c := range s.conns {
		_ = c.SetReadDeadline(time.Now())
	}

	level.Info(s.logger).Log("msg", "LMTP server shut down")
	return errors.Join(errs...)
}

// Wait blocks until every accept loop and session has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}
