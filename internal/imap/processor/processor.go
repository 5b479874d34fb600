// Package processor executes decoded requests against the mailbox
// manager. Processors form a chain: the first one accepting a request
// handles it, and a terminal processor answers everything else with BAD.
package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"rook/internal/auth"
	"rook/internal/imap"
	"rook/internal/mailbox"
	"rook/internal/metrics"
)

// Processor handles the requests it accepts. Process sends any untagged
// responses followed by exactly one tagged status response.
type Processor interface {
	Accepts(m imap.Message) bool
	Process(ctx context.Context, m imap.Message, s *imap.Session, r imap.Responder)
}

// Config carries the collaborators every processor shares.
type Config struct {
	Manager       *mailbox.Manager
	Authenticator auth.Authenticator
	// Domain qualifies bare login names.
	Domain string
	// Capabilities is advertised by CAPABILITY and after login.
	Capabilities []string
	Logger       log.Logger
	Metrics      *metrics.Metrics
}

type env struct {
	manager *mailbox.Manager
	auth    auth.Authenticator
	domain  string
	caps    []string
	logger  log.Logger
	metrics *metrics.Metrics
}

// Chain is the ordered list of processors.
type Chain struct {
	processors []Processor
	env        *env
}

// NewChain builds the chain covering every supported command.
func NewChain(cfg Config) *Chain {
	e := &env{
		manager: cfg.Manager,
		auth:    cfg.Authenticator,
		domain:  cfg.Domain,
		caps:    cfg.Capabilities,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if e.caps == nil {
		e.caps = imap.Capabilities
	}
	if e.logger == nil {
		e.logger = log.NewNopLogger()
	}
	if e.metrics == nil {
		e.metrics = metrics.Discard()
	}

	all := []imap.State{imap.StateNotAuthenticated, imap.StateAuthenticated, imap.StateSelected}
	notAuth := []imap.State{imap.StateNotAuthenticated}
	authed := []imap.State{imap.StateAuthenticated, imap.StateSelected}
	selected := []imap.State{imap.StateSelected}

	return &Chain{env: e, processors: []Processor{
		command(e, all, e.capability),
		command(e, all, e.noop),
		command(e, all, e.logout),
		command(e, notAuth, e.login),
		command(e, notAuth, e.authenticate),
		command(e, authed, e.selectMailbox),
		command(e, authed, e.create),
		command(e, authed, e.delete),
		command(e, authed, e.rename),
		command(e, authed, e.subscribe),
		command(e, authed, e.unsubscribe),
		command(e, authed, e.list),
		command(e, authed, e.status),
		command(e, authed, e.append),
		command(e, authed, e.namespace),
		command(e, selected, e.check),
		command(e, selected, e.close),
		command(e, selected, e.unselect),
		command(e, selected, e.expunge),
		command(e, selected, e.search),
		command(e, selected, e.fetch),
		command(e, selected, e.store),
		command(e, selected, e.copy),
	}}
}

// Process hands m to the first processor accepting it.
func (c *Chain) Process(ctx context.Context, m imap.Message, s *imap.Session, r imap.Responder) {
	for _, p := range c.processors {
		if p.Accepts(m) {
			p.Process(ctx, m, s, r)
			return
		}
	}
	c.unknown(m, r)
}

// unknown is the terminal processor.
func (c *Chain) unknown(m imap.Message, r imap.Responder) {
	level.Debug(c.env.logger).Log("msg", "no processor for message", "type", fmt.Sprintf("%T", m))
	if req, ok := m.(imap.Request); ok {
		r.Respond(imap.Tagged(req.Tag(), imap.StatusBAD, nil, "", imap.TextUnknownCommand))
		return
	}
	r.Respond(imap.UntaggedStatus(imap.StatusBAD, nil, imap.TextUnknownCommand))
}

type handlerFunc[T imap.Request] func(ctx context.Context, req T, s *imap.Session, r imap.Responder) (*imap.StatusResponse, error)

// commandProcessor runs one request type: it gates on session state,
// maps errors to status responses, reports unsolicited mailbox changes
// and records metrics.
type commandProcessor[T imap.Request] struct {
	env    *env
	states []imap.State
	handle handlerFunc[T]
}

func command[T imap.Request](e *env, states []imap.State, handle handlerFunc[T]) Processor {
	return &commandProcessor[T]{env: e, states: states, handle: handle}
}

func (p *commandProcessor[T]) Accepts(m imap.Message) bool {
	_, ok := m.(T)
	return ok
}

func (p *commandProcessor[T]) Process(ctx context.Context, m imap.Message, s *imap.Session, r imap.Responder) {
	req := m.(T)
	began := time.Now()
	var final *imap.StatusResponse

	defer func() {
		if v := recover(); v != nil {
			level.Error(p.env.logger).Log("msg", "panic while processing command", "command", req.Command(), "user", s.User(), "panic", fmt.Sprint(v), "stack", string(debug.Stack()))
			final = imap.Tagged(req.Tag(), imap.StatusBAD, nil, req.Command(), imap.TextInternalError)
		}
		r.Respond(final)
		p.env.metrics.ObserveCommand(req.Command(), string(final.Type), began)
	}()

	if !p.allowed(s.State()) {
		final = imap.Tagged(req.Tag(), imap.StatusBAD, nil, req.Command(), imap.TextInvalidState)
		return
	}

	var err error
	final, err = p.handle(ctx, req, s, r)
	if err != nil {
		final = p.env.failure(req, s, err)
	}
	if final.Type != imap.StatusBAD && s.State() == imap.StateSelected {
		p.env.unsolicited(ctx, s, r, omitsExpunge(req), isUIDCommand(req))
	}
}

func (p *commandProcessor[T]) allowed(st imap.State) bool {
	for _, s := range p.states {
		if s == st {
			return true
		}
	}
	return false
}

// omitsExpunge is true for the commands during which EXPUNGE responses
// must not be sent because the client relies on stable sequence numbers.
func omitsExpunge(req imap.Request) bool {
	switch r := req.(type) {
	case *imap.FetchRequest:
		return !r.UID
	case *imap.StoreRequest:
		return !r.UID
	case *imap.SearchRequest:
		return !r.UID
	}
	return false
}

func isUIDCommand(req imap.Request) bool {
	switch r := req.(type) {
	case *imap.FetchRequest:
		return r.UID
	case *imap.StoreRequest:
		return r.UID
	case *imap.SearchRequest:
		return r.UID
	case *imap.CopyRequest:
		return r.UID
	case *imap.ExpungeRequest:
		return r.UIDs != nil
	}
	return false
}

func completed(req imap.Request, code *imap.ResponseCode) *imap.StatusResponse {
	return imap.Tagged(req.Tag(), imap.StatusOK, code, req.Command(), imap.TextCompleted)
}

func failed(req imap.Request, code *imap.ResponseCode, text imap.HumanReadableText) *imap.StatusResponse {
	return imap.Tagged(req.Tag(), imap.StatusNO, code, req.Command(), text)
}

func rejected(req imap.Request, text imap.HumanReadableText) *imap.StatusResponse {
	return imap.Tagged(req.Tag(), imap.StatusBAD, nil, req.Command(), text)
}

// failure maps a mailbox error to a tagged NO. Unexpected errors are
// logged and reported generically.
func (e *env) failure(req imap.Request, s *imap.Session, err error) *imap.StatusResponse {
	switch {
	case errors.Is(err, mailbox.ErrMailboxExists):
		return failed(req, nil, imap.TextMailboxExists)
	case errors.Is(err, mailbox.ErrMailboxNotFound):
		return failed(req, nil, imap.TextMailboxNotFound)
	case errors.Is(err, mailbox.ErrInvalidName):
		return failed(req, nil, imap.TextInvalidName)
	case errors.Is(err, mailbox.ErrHasChildren):
		return failed(req, nil, imap.TextHasChildren)
	case errors.Is(err, mailbox.ErrInboxOperation):
		return failed(req, nil, imap.TextInboxOperation)
	case errors.Is(err, mailbox.ErrSubscriptionNotFound):
		return failed(req, nil, imap.TextNotSubscribed)
	case errors.Is(err, mailbox.ErrReadOnly):
		return failed(req, nil, imap.TextReadOnly)
	case errors.Is(err, mailbox.ErrMessageNotFound):
		return failed(req, nil, imap.TextInvalidMessageSet)
	}

	var se *mailbox.StorageError
	if errors.As(err, &se) {
		level.Error(e.logger).Log("msg", "storage failure", "command", req.Command(), "user", s.User(), "op", se.Op, "err", se.Err)
	} else {
		level.Error(e.logger).Log("msg", "command failed", "command", req.Command(), "user", s.User(), "err", err)
	}
	return failed(req, nil, imap.TextGenericFailure)
}
