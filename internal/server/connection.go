package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"rook/internal/imap"
	"rook/internal/imap/decoder"
	"rook/internal/imap/encoder"
	"rook/internal/logging"
)

// conn is one client connection. It implements imap.Responder and
// imap.Challenger for the processor chain.
type conn struct {
	srv     *IMAPServer
	nc      net.Conn
	bw      *bufio.Writer
	dec     *decoder.Decoder
	session *imap.Session
	logger  log.Logger

	// err is the first write or encode failure; once set nothing more is
	// written and the connection ends.
	err error
}

func newConn(srv *IMAPServer, nc net.Conn) *conn {
	c := &conn{
		srv:     srv,
		nc:      nc,
		bw:      bufio.NewWriter(nc),
		session: imap.NewSession(),
	}
	c.session.RemoteAddr = nc.RemoteAddr().String()
	id := srv.connSeq.Add(1)
	c.logger = log.With(srv.logger, "conn", strconv.FormatInt(id, 10), "remote", c.session.RemoteAddr)
	c.dec = decoder.New(bufio.NewReader(nc), c.continueLiteral, srv.cfg.MaxLiteral)
	return c
}

// release drops the selected mailbox listener when the client goes away
// without logging out.
func (c *conn) release() {
	c.srv.chain.Deselect(c.session)
}

func (c *conn) continueLiteral() error {
	c.Respond(&imap.ContinuationResponse{Text: "Ready for literal data"})
	return c.flush()
}

func (c *conn) serve(ctx context.Context) error {
	level.Debug(c.logger).Log("msg", "connection opened")
	c.Respond(imap.UntaggedStatus(imap.StatusOK, imap.CodeCapability(c.srv.cfg.Capabilities), imap.HumanReadableText{Key: imap.TextGreeting.Key, Default: c.srv.cfg.Greeting}))
	if err := c.flush(); err != nil {
		return err
	}

	for c.session.State() != imap.StateLogout {
		if err := ctx.Err(); err != nil {
			c.Respond(imap.Bye(imap.TextShutdown))
			_ = c.flush()
			return err
		}
		if c.srv.cfg.IdleTimeout > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
		}

		m, err := c.dec.Decode(c.session)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				text := imap.TextConnectionTimedOut
				if c.srv.isClosed() {
					text = imap.TextShutdown
				}
				c.Respond(imap.Bye(text))
				_ = c.flush()
			}
			return err
		}
		if m == nil {
			continue
		}

		if st, ok := m.(*imap.StatusResponse); ok {
			c.Respond(st)
		} else {
			if req, ok := m.(imap.Request); ok {
				level.Debug(c.logger).Log("msg", "command", "tag", req.Tag(), "command", req.Command(), "user", c.session.User())
			}
			c.srv.chain.Process(ctx, m, c.session, c)
		}
		if err := c.flush(); err != nil {
			return err
		}
	}
	level.Debug(c.logger).Log("msg", "connection closed", "user", c.session.User())
	return nil
}

// Respond encodes m onto the connection's write buffer.
func (c *conn) Respond(m imap.Message) {
	if c.err != nil {
		return
	}
	var buf bytes.Buffer
	comp := encoder.NewComposer(&buf)
	if err := c.srv.encoders.Encode(m, comp); err != nil {
		level.Error(c.logger).Log("msg", "failed to encode response", "err", err)
		c.err = err
		return
	}
	if err := comp.Flush(); err != nil {
		c.err = err
		return
	}
	level.Debug(c.logger).Log("msg", "response", "line", logging.Sanitize(buf.String()))
	if _, err := c.bw.Write(buf.Bytes()); err != nil {
		c.err = err
	}
}

// Challenge sends a SASL challenge and reads the client's answer.
func (c *conn) Challenge(challenge []byte) (string, error) {
	if challenge == nil {
		challenge = []byte{}
	}
	c.Respond(&imap.ContinuationResponse{Data: challenge})
	if err := c.flush(); err != nil {
		return "", err
	}
	return c.dec.ReadLine()
}

func (c *conn) flush() error {
	if c.err != nil {
		return c.err
	}
	if err := c.bw.Flush(); err != nil {
		c.err = err
	}
	return c.err
}
