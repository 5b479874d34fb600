package processor

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/go-kit/kit/log/level"

	"rook/internal/auth"
	"rook/internal/imap"
)

var errIdentityMismatch = errors.New("authorization identity differs from authentication identity")

func (e *env) capability(_ context.Context, req *imap.CapabilityRequest, _ *imap.Session, r imap.Responder) (*imap.StatusResponse, error) {
	r.Respond(&imap.CapabilityResponse{Capabilities: e.caps})
	return completed(req, nil), nil
}

func (e *env) noop(_ context.Context, req *imap.NoopRequest, _ *imap.Session, _ imap.Responder) (*imap.StatusResponse, error) {
	return completed(req, nil), nil
}

func (e *env) logout(_ context.Context, req *imap.LogoutRequest, s *imap.Session, r imap.Responder) (*imap.StatusResponse, error) {
	r.Respond(imap.Bye(imap.TextBye))
	e.deselect(s)
	s.Logout()
	return completed(req, nil), nil
}

func (e *env) login(ctx context.Context, req *imap.LoginRequest, s *imap.Session, _ imap.Responder) (*imap.StatusResponse, error) {
	return e.signIn(ctx, req, s, req.User, req.Password), nil
}

// signIn verifies credentials and moves s to AUTHENTICATED.
func (e *env) signIn(ctx context.Context, req imap.Request, s *imap.Session, user, password string) *imap.StatusResponse {
	user = auth.QualifyUsername(user, e.domain)
	ok, err := e.auth.Authenticate(ctx, user, password)
	if err != nil {
		level.Error(e.logger).Log("msg", "authentication backend failed", "user", user, "remote", s.RemoteAddr, "err", err)
		return failed(req, nil, imap.TextAuthUnavailable)
	}
	if !ok {
		level.Info(e.logger).Log("msg", "authentication failed", "user", user, "remote", s.RemoteAddr)
		return failed(req, nil, imap.TextInvalidLogin)
	}

	ms := e.manager.CreateSession(user)
	if err := e.manager.ProvisionDefaults(ctx, ms); err != nil {
		level.Error(e.logger).Log("msg", "cannot provision default mailboxes", "user", user, "err", err)
		return failed(req, nil, imap.TextGenericFailure)
	}
	s.Authenticated(user, ms)
	e.metrics.Logins.Add(1)
	level.Info(e.logger).Log("msg", "user logged in", "user", user, "remote", s.RemoteAddr, "session", ms.ID())
	return completed(req, imap.CodeCapability(e.caps))
}

// authenticate runs a SASL PLAIN exchange. Credentials are checked after
// the exchange so the backend error can be told apart from a mismatch.
func (e *env) authenticate(ctx context.Context, req *imap.AuthenticateRequest, s *imap.Session, r imap.Responder) (*imap.StatusResponse, error) {
	if req.Mechanism != sasl.Plain {
		return failed(req, nil, imap.TextUnsupportedMech), nil
	}
	ch, ok := r.(imap.Challenger)
	if !ok && req.InitialResponse == nil {
		return failed(req, nil, imap.TextUnsupportedMech), nil
	}

	var user, password string
	server := sasl.NewPlainServer(func(identity, username, pass string) error {
		if identity != "" && identity != username {
			return errIdentityMismatch
		}
		user, password = username, pass
		return nil
	})

	response := req.InitialResponse
	for {
		challenge, done, err := server.Next(response)
		if err != nil {
			level.Info(e.logger).Log("msg", "sasl exchange failed", "remote", s.RemoteAddr, "err", err)
			return failed(req, nil, imap.TextInvalidLogin), nil
		}
		if done {
			break
		}
		if ch == nil {
			return failed(req, nil, imap.TextInvalidLogin), nil
		}
		line, err := ch.Challenge(challenge)
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "*" {
			return rejected(req, imap.TextAuthCancelled), nil
		}
		if response, err = base64.StdEncoding.DecodeString(line); err != nil {
			return rejected(req, imap.TextIllegalArguments.With("invalid base64")), nil
		}
	}
	return e.signIn(ctx, req, s, user, password), nil
}
