// Package server is the IMAP transport: it accepts connections and runs
// each one through the decoder, the processor chain and the encoder.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"rook/internal/imap"
	"rook/internal/imap/encoder"
	"rook/internal/imap/processor"
	"rook/internal/metrics"
)

// Config describes the listeners and per-connection limits.
type Config struct {
	// Addr serves plain IMAP; empty disables it.
	Addr string
	// TLSAddr serves IMAPS with TLSConfig; empty disables it.
	TLSAddr   string
	TLSConfig *tls.Config
	Greeting  string
	// IdleTimeout bounds the wait for the next command. Zero disables it.
	IdleTimeout time.Duration
	// MaxLiteral caps literal sizes; zero selects the decoder default.
	MaxLiteral   int64
	Capabilities []string
}

type IMAPServer struct {
	cfg      Config
	chain    *processor.Chain
	encoders *encoder.Chain
	logger   log.Logger
	metrics  *metrics.Metrics

	connSeq atomic.Int64

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

type Option func(*IMAPServer)

func WithLogger(logger log.Logger) Option {
	return func(s *IMAPServer) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *IMAPServer) { s.metrics = m }
}

func NewIMAPServer(cfg Config, chain *processor.Chain, opts ...Option) *IMAPServer {
	if cfg.Greeting == "" {
		cfg.Greeting = imap.TextGreeting.Default
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = imap.Capabilities
	}
	s := &IMAPServer{
		cfg:      cfg,
		chain:    chain,
		encoders: encoder.Default(),
		logger:   log.NewNopLogger(),
		metrics:  metrics.Discard(),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen opens the configured listeners and starts accepting.
func (s *IMAPServer) Listen(ctx context.Context) error {
	if s.cfg.Addr == "" && s.cfg.TLSAddr == "" {
		return fmt.Errorf("no IMAP listener configured")
	}
	if s.cfg.Addr != "" {
		l, err := net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("failed to start IMAP listener: %w", err)
		}
		s.addListener(ctx, l, "imap")
	}
	if s.cfg.TLSAddr != "" {
		if s.cfg.TLSConfig == nil {
			_ = s.Shutdown()
			return fmt.Errorf("IMAPS listener needs a TLS configuration")
		}
		l, err := tls.Listen("tcp", s.cfg.TLSAddr, s.cfg.TLSConfig)
		if err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("failed to start IMAPS listener: %w", err)
		}
		s.addListener(ctx, l, "imaps")
	}
	return nil
}

// Serve listens and blocks until ctx is done, then shuts down and waits
// for open connections.
func (s *IMAPServer) Serve(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	err := s.Shutdown()
	s.Wait()
	return err
}

// Addrs returns the addresses of the open listeners.
func (s *IMAPServer) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (s *IMAPServer) addListener(ctx context.Context, l net.Listener, kind string) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	level.Info(s.logger).Log("msg", "IMAP server listening", "kind", kind, "addr", l.Addr())

	s.wg.Add(1)
	go s.acceptConnections(ctx, l, kind)
}

func (s *IMAPServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *IMAPServer) acceptConnections(ctx context.Context, l net.Listener, kind string) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			level.Error(s.logger).Log("msg", "accept error", "kind", kind, "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		go s.handleConnection(ctx, conn)
	}
}

// track registers conn so Shutdown can interrupt it. It fails once the
// server is closed.
func (s *IMAPServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

// ServeConn runs the IMAP session on an already accepted connection and
// returns when it ends.
func (s *IMAPServer) ServeConn(ctx context.Context, conn net.Conn) {
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	s.handleConnection(ctx, conn)
}

func (s *IMAPServer) handleConnection(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, nc)
		s.mu.Unlock()
		_ = nc.Close()
	}()

	s.metrics.ActiveSessions.Add(1)
	defer s.metrics.ActiveSessions.Add(-1)

	c := newConn(s, nc)
	defer c.release()
	if err := c.serve(ctx); err != nil {
		level.Debug(c.logger).Log("msg", "connection ended", "err", err)
	}
}

// Shutdown closes the listeners and interrupts idle connections, which
// answer with BYE. It does not wait for them; see Wait.
func (s *IMAPServer) Shutdown() error {
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
	for c := range s.conns {
		_ = c.SetReadDeadline(time.Now())
	}
	level.Info(s.logger).Log("msg", "IMAP server shut down")
	return errors.Join(errs...)
}

// Wait blocks until every accept loop and connection has finished.
func (s *IMAPServer) Wait() {
	s.wg.Wait()
}
