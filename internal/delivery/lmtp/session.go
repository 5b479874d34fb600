package lmtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"rook/internal/delivery/config"
	"rook/internal/delivery/parser"
	"rook/internal/delivery/storage"
	"rook/internal/logging"
	"rook/internal/metrics"
)

var errQuit = errors.New("client sent QUIT")

// Session represents an LMTP session
type Session struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	storage *storage.Storage
	config  *config.Config
	logger  log.Logger
	metrics *metrics.Metrics

	helo       string
	hasSender  bool
	mailFrom   string
	recipients []string
}

// NewSession creates a new LMTP session
func NewSession(conn net.Conn, stor *storage.Storage, cfg *config.Config, logger log.Logger, m *metrics.Metrics) *Session {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		storage: stor,
		config:  cfg,
		logger:  log.With(logger, "remote", conn.RemoteAddr()),
		metrics: m,
	}
}

func (s *Session) resetDeadline() {
	if s.config.LMTP.Timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.config.LMTP.TimeoutDuration()))
	}
}

// Handle runs the session until QUIT, a read error or ctx is done.
func (s *Session) Handle(ctx context.Context) error {
	s.resetDeadline()

	if err := s.sendResponse(220, "%s LMTP Service ready", s.config.LMTP.Hostname); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			_ = s.sendResponse(421, "4.3.2 Service shutting down")
			return ctx.Err()
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		level.Debug(s.logger).Log("msg", "command", "line", logging.Sanitize(line))

		parts := strings.SplitN(line, " ", 2)
		cmd := strings.ToUpper(parts[0])
		args := ""
		if len(parts) > 1 {
			args = parts[1]
		}

		if err := s.handleCommand(ctx, cmd, args); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			return err
		}

		s.resetDeadline()
	}
}

func (s *Session) handleCommand(ctx context.Context, cmd, args string) error {
	switch cmd {
	case "LHLO":
		return s.handleLHLO(args)
	case "MAIL":
		return s.handleMAIL(args)
	case "RCPT":
		return s.handleRCPT(ctx, args)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		return s.handleRSET()
	case "NOOP":
		return s.sendResponse(250, "2.0.0 OK")
	case "QUIT":
		_ = s.sendResponse(221, "2.0.0 Bye")
		return errQuit
	case "VRFY":
		return s.sendResponse(252, "2.5.2 Cannot VRFY user, but will accept message")
	case "HELP":
		return s.sendResponse(214, "Commands: LHLO MAIL RCPT DATA RSET NOOP QUIT")
	default:
		return s.sendResponse(500, "5.5.2 Command not recognized")
	}
}

func (s *Session) handleLHLO(args string) error {
	if args == "" {
		return s.sendResponse(501, "5.5.4 LHLO requires domain address")
	}

	s.helo = args
	s.reset()

	return s.sendLines(250,
		s.config.LMTP.Hostname,
		"PIPELINING",
		"ENHANCEDSTATUSCODES",
		fmt.Sprintf("SIZE %d", s.config.LMTP.MaxSize),
		"8BITMIME",
	)
}

func (s *Session) handleMAIL(args string) error {
	if s.helo == "" {
		return s.sendResponse(503, "5.5.1 Please send LHLO first")
	}

	if s.hasSender {
		return s.sendResponse(503, "5.5.1 Sender already specified")
	}

	from, params, err := parseMailFrom(args)
	if err != nil {
		return s.sendResponse(501, "5.5.4 Invalid MAIL FROM syntax: %v", err)
	}

	if v, ok := params["SIZE"]; ok {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return s.sendResponse(501, "5.5.4 Invalid SIZE parameter")
		}
		if size > s.config.LMTP.MaxSize {
			return s.sendResponse(552, "5.3.4 Message size exceeds fixed maximum message size")
		}
	}

	s.mailFrom = from
	s.hasSender = true
	return s.sendResponse(250, "2.1.0 Sender OK")
}

func (s *Session) handleRCPT(ctx context.Context, args string) error {
	if !s.hasSender {
		return s.sendResponse(503, "5.5.1 Please send MAIL FROM first")
	}

	if len(s.recipients) >= s.config.LMTP.MaxRecipients {
		return s.sendResponse(452, "4.5.3 Too many recipients")
	}

	raw, err := parseRcptTo(args)
	if err != nil {
		return s.sendResponse(501, "5.5.4 Invalid RCPT TO syntax: %v", err)
	}
	to, err := parser.ExtractEnvelopeRecipient(raw)
	if err != nil {
		return s.sendResponse(550, "5.1.3 Invalid recipient address")
	}

	if len(s.config.Delivery.AllowedDomains) > 0 {
		domain, err := parser.ExtractDomain(to)
		if err != nil {
			return s.sendResponse(550, "5.1.1 Invalid recipient address")
		}

		allowed := false
		for _, d := range s.config.Delivery.AllowedDomains {
			if strings.EqualFold(domain, d) {
				allowed = true
				break
			}
		}

		if !allowed {
			return s.sendResponse(550, "5.7.1 Relay not permitted")
		}
	}

	if s.config.Delivery.RejectUnknownUser {
		exists, err := s.storage.CheckRecipientExists(ctx, to)
		if err != nil {
			level.Error(s.logger).Log("msg", "error checking recipient", "recipient", to, "err", err)
			return s.sendResponse(450, "4.3.0 Temporary failure")
		}
		if !exists {
			return s.sendResponse(550, "5.1.1 User does not exist")
		}
	}

	s.recipients = append(s.recipients, to)
	return s.sendResponse(250, "2.1.5 Recipient OK")
}

// handleDATA reads the message and answers once per accepted recipient.
func (s *Session) handleDATA(ctx context.Context) error {
	if !s.hasSender {
		return s.sendResponse(503, "5.5.1 Please send MAIL FROM first")
	}

	if len(s.recipients) == 0 {
		return s.sendResponse(503, "5.5.1 Please send RCPT TO first")
	}

	if err := s.sendResponse(354, "Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return err
	}

	defer s.reset()

	data, err := parser.ReadDataCommand(s.reader, s.config.LMTP.MaxSize)
	if errors.Is(err, parser.ErrTooLarge) {
		level.Warn(s.logger).Log("msg", "message rejected", "err", err)
		return s.replyAll(552, "5.3.4 Message too big for system")
	}
	if err != nil {
		return err
	}

	msg, err := parser.ParseMessageFromBytes(data)
	if err != nil {
		level.Warn(s.logger).Log("msg", "error parsing message", "err", err)
		return s.replyAll(554, "5.6.0 Error parsing message")
	}

	if err := parser.ValidateMessage(msg, s.config.LMTP.MaxSize); err != nil {
		level.Warn(s.logger).Log("msg", "message validation failed", "err", err)
		return s.replyAll(554, "5.6.0 Message validation failed: %v", err)
	}

	folder := s.config.Delivery.DefaultFolder
	results := s.storage.DeliverToMultipleRecipients(ctx, s.recipients, s.mailFrom, msg, folder)

	for _, recipient := range s.recipients {
		if err := results[recipient]; err != nil {
			level.Error(s.logger).Log("msg", "delivery failed", "recipient", recipient, "err", err)
			s.metrics.Deliveries.With("status", "failed").Add(1)
			if err := s.sendResponse(451, "4.3.0 Delivery failed for <%s>", recipient); err != nil {
				return err
			}
			continue
		}
		level.Info(s.logger).Log("msg", "message delivered", "recipient", recipient, "size", msg.Size)
		s.metrics.Deliveries.With("status", "delivered").Add(1)
		if err := s.sendResponse(250, "2.0.0 Message accepted for delivery to <%s>", recipient); err != nil {
			return err
		}
	}

	return nil
}

func (s *Session) replyAll(code int, format string, args ...interface{}) error {
	for range s.recipients {
		s.metrics.Deliveries.With("status", "rejected").Add(1)
		if err := s.sendResponse(code, format, args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handleRSET() error {
	s.reset()
	return s.sendResponse(250, "2.0.0 Reset state")
}

func (s *Session) reset() {
	s.hasSender = false
	s.mailFrom = ""
	s.recipients = nil
}

// parseMailFrom parses "FROM:<address> [KEY=VALUE ...]". The null sender
// "<>" is allowed.
func parseMailFrom(args string) (string, map[string]string, error) {
	rest, ok := cutPrefixFold(strings.TrimSpace(args), "FROM:")
	if !ok {
		return "", nil, fmt.Errorf("expected FROM:")
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("missing address")
	}

	addr := strings.TrimSuffix(strings.TrimPrefix(fields[0], "<"), ">")
	params := make(map[string]string)
	for _, p := range fields[1:] {
		k, v, _ := strings.Cut(p, "=")
		params[strings.ToUpper(k)] = v
	}
	return addr, params, nil
}

// parseRcptTo parses "TO:<address>".
func parseRcptTo(args string) (string, error) {
	rest, ok := cutPrefixFold(strings.TrimSpace(args), "TO:")
	if !ok {
		return "", fmt.Errorf("expected TO:")
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", fmt.Errorf("missing address")
	}

	return strings.TrimSuffix(strings.TrimPrefix(fields[0], "<"), ">"), nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

func (s *Session) sendResponse(code int, format string, args ...interface{}) error {
	return s.sendRawResponse(fmt.Sprintf("%d %s", code, fmt.Sprintf(format, args...)))
}

// sendLines writes a multiline reply.
func (s *Session) sendLines(code int, lines ...string) error {
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if _, err := fmt.Fprintf(s.writer, "%d%s%s\r\n", code, sep, l); err != nil {
			return err
		}
	}
	return s.writer.Flush()
}

func (s *Session) sendRawResponse(response string) error {
	if !strings.HasSuffix(response, "\r\n") {
		response += "\r\n"
	}

	level.Debug(s.logger).Log("msg", "reply", "line", strings.TrimSpace(response))

	if _, err := s.writer.WriteString(response); err != nil {
		return err
	}

	return s.writer.Flush()
}
