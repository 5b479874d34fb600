// Package sasl answers the Dovecot authentication protocol on a UNIX
// socket so an MTA such as Postfix can authenticate SMTP submission
// against the same accounts as IMAP.
package sasl

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"rook/internal/auth"
)

const (
	readTimeout       = 30 * time.Second
	maxPendingPerConn = 32
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errAuthzDenied        = errors.New("authorization identity differs from login")
	errTemporary          = errors.New("authentication backend unavailable")
)

// Server represents a SASL authentication server
type Server struct {
	socketPath string
	auth       auth.Authenticator
	domain     string
	logger     log.Logger

	listener     net.Listener
	wg           sync.WaitGroup
	shutdown     chan struct{}
	shutdownOnce sync.Once
	connSeq      atomic.Uint64
}

type Option func(*Server)

func WithLogger(logger log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithDomain qualifies bare login names the same way IMAP LOGIN does.
func WithDomain(domain string) Option {
	return func(s *Server) { s.domain = domain }
}

// NewServer creates a new SASL authentication server
func NewServer(socketPath string, authenticator auth.Authenticator, opts ...Option) *Server {
	s := &Server{
		socketPath: socketPath,
		auth:       authenticator,
		logger:     log.NewNopLogger(),
		shutdown:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen creates the socket. It is separate from Serve so callers know
// the socket exists before clients connect.
func (s *Server) Listen() error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix socket: %w", err)
	}

	// 0666 so Postfix can access it
	if err := os.Chmod(s.socketPath, 0666); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener
	level.Info(s.logger).Log("msg", "SASL server listening", "socket", s.socketPath)
	return nil
}

// Serve accepts connections until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Shutdown() })
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			level.Error(s.logger).Log("msg", "accept error", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			err = s.listener.Close()
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
		}
		s.wg.Wait()
		_ = os.Remove(s.socketPath)
	})
	return err
}

// request is one AUTH exchange that is waiting for a CONT line.
type request struct {
	mech sasl.Server
	user string
}

type connection struct {
	id      uint64
	server  *Server
	conn    net.Conn
	w       *bufio.Writer
	logger  log.Logger
	pending map[string]*request
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	id := s.connSeq.Add(1)
	c := &connection{
		id:      id,
		server:  s,
		conn:    conn,
		w:       bufio.NewWriter(conn),
		logger:  log.With(s.logger, "conn", id),
		pending: make(map[string]*request),
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			_ = conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	if err := c.handshake(); err != nil {
		level.Debug(c.logger).Log("msg", "handshake failed", "err", err)
		return
	}

	scanner := bufio.NewScanner(conn)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	for scanner.Scan() {
		select {
		case <-s.shutdown:
			return
		default:
		}

		if err := c.handleLine(ctx, scanner.Text()); err != nil {
			level.Debug(c.logger).Log("msg", "closing connection", "err", err)
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	}

	if err := scanner.Err(); err != nil {
		level.Debug(c.logger).Log("msg", "read error", "err", err)
	}
}

// handshake announces the protocol version and mechanisms.
func (c *connection) handshake() error {
	cookie := make([]byte, 16)
	if _, err := rand.Read(cookie); err != nil {
		return err
	}
	c.send("VERSION", "1", "2")
	c.send("MECH", "PLAIN", "plaintext")
	c.send("MECH", "LOGIN", "plaintext")
	c.send("SPID", fmt.Sprint(os.Getpid()))
	c.send("CUID", fmt.Sprint(c.id))
	c.send("COOKIE", hex.EncodeToString(cookie))
	c.send("DONE")
	return c.w.Flush()
}

func (c *connection) send(fields ...string) {
	_, _ = c.w.WriteString(strings.Join(fields, "\t"))
	_ = c.w.WriteByte('\n')
}

func (c *connection) handleLine(ctx context.Context, line string) error {
	parts := strings.Split(line, "\t")

	switch parts[0] {
	case "VERSION":
		if len(parts) < 2 || parts[1] != "1" {
			return fmt.Errorf("unsupported protocol version %q", line)
		}
		return nil
	case "CPID":
		return nil
	case "AUTH":
		if len(parts) < 3 {
			return fmt.Errorf("invalid AUTH line")
		}
		c.handleAuth(ctx, parts[1], parts[2], parts[3:])
	case "CONT":
		if len(parts) < 2 {
			return fmt.Errorf("invalid CONT line")
		}
		resp := ""
		if len(parts) > 2 {
			resp = parts[2]
		}
		c.handleCont(parts[1], resp)
	default:
		level.Debug(c.logger).Log("msg", "unknown SASL command", "command", parts[0])
		return nil
	}
	return c.w.Flush()
}

// handleAuth starts an exchange: AUTH <id> <mech> [service=..] [resp=..].
func (c *connection) handleAuth(ctx context.Context, id, mechanism string, params []string) {
	if _, busy := c.pending[id]; busy {
		c.send("FAIL", id, "reason=Duplicate request id")
		return
	}
	if len(c.pending) >= maxPendingPerConn {
		c.send("FAIL", id, "temp", "reason=Too many pending requests")
		return
	}

	var (
		service string
		initial []byte
	)
	for _, p := range params {
		switch {
		case strings.HasPrefix(p, "service="):
			service = strings.TrimPrefix(p, "service=")
		case strings.HasPrefix(p, "resp="):
			decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(p, "resp="))
			if err != nil {
				c.send("FAIL", id, "reason=Invalid encoding")
				return
			}
			initial = decoded
		}
	}

	req := &request{}
	mech, ok := c.newMechanism(ctx, strings.ToUpper(mechanism), req)
	if !ok {
		c.send("FAIL", id, "reason=Unsupported mechanism")
		return
	}
	req.mech = mech

	level.Debug(c.logger).Log("msg", "AUTH request", "id", id, "mechanism", mechanism, "service", service)
	c.step(id, req, initial)
}

func (c *connection) handleCont(id, resp string) {
	req, ok := c.pending[id]
	if !ok {
		c.send("FAIL", id, "reason=Unknown request id")
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(resp)
	if err != nil {
		delete(c.pending, id)
		c.send("FAIL", id, "reason=Invalid encoding")
		return
	}
	c.step(id, req, decoded)
}

// step feeds one client response to the mechanism and reports its outcome.
func (c *connection) step(id string, req *request, response []byte) {
	challenge, done, err := req.mech.Next(response)
	switch {
	case err != nil:
		delete(c.pending, id)
		fields := []string{"FAIL", id}
		if req.user != "" {
			fields = append(fields, "user="+req.user)
		}
		if errors.Is(err, errTemporary) {
			fields = append(fields, "temp", "reason=Temporary authentication failure")
		} else {
			fields = append(fields, "reason=Invalid credentials")
		}
		level.Info(c.logger).Log("msg", "authentication failed", "user", req.user, "err", err)
		c.send(fields...)
	case done:
		delete(c.pending, id)
		level.Info(c.logger).Log("msg", "authentication successful", "user", req.user)
		c.send("OK", id, "user="+req.user)
	default:
		c.pending[id] = req
		c.send("CONT", id, base64.StdEncoding.EncodeToString(challenge))
	}
}

func (c *connection) newMechanism(ctx context.Context, name string, req *request) (sasl.Server, bool) {
	check := func(username, password string) error {
		username = auth.QualifyUsername(username, c.server.domain)
		req.user = username
		ok, err := c.server.auth.Authenticate(ctx, username, password)
		if err != nil {
			return fmt.Errorf("%w: %v", errTemporary, err)
		}
		if !ok {
			return errInvalidCredentials
		}
		return nil
	}

	switch name {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				req.user = username
				return errAuthzDenied
			}
			return check(username, password)
		}), true
	case sasl.Login:
		return &loginServer{authenticate: check}, true
	}
	return nil, false
}

// loginServer is the server side of the LOGIN mechanism: it prompts for
// the username and then the password.
type loginServer struct {
	state        int
	username     string
	authenticate func(username, password string) error
}

const (
	loginStart = iota
	loginWaitUsername
	loginWaitPassword
	loginDone
)

func (a *loginServer) Next(response []byte) ([]byte, bool, error) {
	switch a.state {
	case loginStart:
		if response == nil {
			a.state = loginWaitUsername
			return []byte("Username:"), false, nil
		}
		a.username = string(response)
		a.state = loginWaitPassword
		return []byte("Password:"), false, nil
	case loginWaitUsername:
		a.username = string(response)
		a.state = loginWaitPassword
		return []byte("Password:"), false, nil
	case loginWaitPassword:
		a.state = loginDone
		return nil, true, a.authenticate(a.username, string(response))
	}
	return nil, false, sasl.ErrUnexpectedClientResponse
}
