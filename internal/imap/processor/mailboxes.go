package processor

import (
	"context"
	"errors"

	"github.com/go-kit/kit/log/level"

	"rook/internal/imap"
	"rook/internal/mailbox"
)

// selectMailbox serves SELECT and EXAMINE. Any previously selected
// mailbox is dropped first, so a failed SELECT leaves the session
// AUTHENTICATED.
func (e *env) selectMailbox(ctx context.Context, req *imap.SelectRequest, s *imap.Session, r imap.Responder) (*imap.StatusResponse, error) {
	e.deselect(s)
	ms := s.MailboxSession()
	p := mailbox.NewPath(s.User(), req.Mailbox)

	mm, err := e.manager.GetMailbox(ctx, ms, p)
	if err != nil {
		return nil, err
	}
	// Listen before reading state so no change falls between the two.
	analyser := mailbox.NewEventAnalyser(ms.ID(), p)
	e.manager.AddListener(p, analyser)

	md, err := mm.MetaData(ctx, ms, !req.ReadOnly)
	if err != nil {
		e.manager.RemoveListener(p, analyser)
		return nil, err
	}
	uids, err := mm.UIDs(ctx, ms)
	if err != nil {
		e.manager.RemoveListener(p, analyser)
		return nil, err
	}
	sm := imap.NewSelectedMailbox(mm, analyser, req.ReadOnly, uids, md.Recent)

	r.Respond(&imap.FlagsResponse{Flags: mailbox.ApplicableFlags()})
	r.Respond(&imap.ExistsResponse{Count: sm.Exists()})
	r.Respond(&imap.RecentResponse{Count: sm.RecentCount()})
	if md.FirstUnseen != 0 {
		if msn, ok := sm.MSN(md.FirstUnseen); ok {
			r.Respond(imap.UntaggedStatus(imap.StatusOK, imap.CodeUnseen(msn), imap.HumanReadableText{Key: "select.unseen", Default: "first unseen message"}))
		}
	}
	permanent := mailbox.PermanentFlags()
	if req.ReadOnly {
		permanent = nil
	}
	r.Respond(imap.UntaggedStatus(imap.StatusOK, imap.CodePermanentFlags(permanent), imap.HumanReadableText{Key: "select.permanentflags", Default: "flags permitted"}))
	r.Respond(imap.UntaggedStatus(imap.StatusOK, imap.CodeUIDValidity(md.UIDValidity), imap.HumanReadableText{Key: "select.uidvalidity", Default: "UIDs valid"}))
	r.Respond(imap.UntaggedStatus(imap.StatusOK, imap.CodeUIDNext(md.UIDNext), imap.HumanReadableText{Key: "select.uidnext", Default: "predicted next UID"}))

	s.Select(sm)
	level.Debug(e.logger).Log("msg", "mailbox selected", "user", s.User(), "mailbox", p.Name, "readonly", req.ReadOnly, "exists", len(uids))

	if req.ReadOnly {
		return completed(req, imap.CodeReadOnly()), nil
	}
	return completed(req, imap.CodeReadWrite()), nil
}

func (e *env) create(ctx context.Context, req *imap.CreateRequest, s *imap.Session, _ imap.Responder) (*imap.StatusResponse, error) {
	if err := e.manager.CreateMailbox(ctx, s.MailboxSession(), mailbox.NewPath(s.User(), req.Mailbox)); err != nil {
		return nil, err
	}
	return completed(req, nil), nil
}

func (e *env) delete(ctx context.Context, req *imap.DeleteRequest, s *imap.Session, _ imap.Responder) (*imap.StatusResponse, error) {
	p := mailbox.NewPath(s.User(), req.Mailbox)
	if err := e.manager.DeleteMailbox(ctx, s.MailboxSession(), p); err != nil {
		return nil, err
	}
	if sm := s.Selected(); sm != nil && sm.Path() == p {
		e.deselect(s)
	}
	return completed(req, nil), nil
}

func (e *env) rename(ctx context.Context, req *imap.RenameRequest, s *imap.Session, _ imap.Responder) (*imap.StatusResponse, error) {
	from := mailbox.NewPath(s.User(), req.From)
	to := mailbox.NewPath(s.User(), req.To)
	if err := e.manager.RenameMailbox(ctx, s.MailboxSession(), from, to); err != nil {
		return nil, err
	}
	return completed(req, nil), nil
}

func (e *env) subscribe(ctx context.Context, req *imap.SubscribeRequest, s *imap.Session, _ imap.Responder) (*imap.StatusResponse, error) {
	if err := e.manager.Subscribe(ctx, s.MailboxSession(), req.Mailbox); err != nil {
		return nil, err
	}
	return completed(req, nil), nil
}

func (e *env) unsubscribe(ctx context.Context, req *imap.UnsubscribeRequest, s *imap.Session, _ imap.Responder) (*imap.StatusResponse, error) {
	if err := e.manager.Unsubscribe(ctx, s.MailboxSession(), req.Mailbox); err != nil {
		return nil, err
	}
	return completed(req, nil), nil
}

// list serves LIST and LSUB. An empty LIST pattern asks for the
// hierarchy delimiter only.
func (e *env) list(ctx context.Context, req *imap.ListRequest, s *imap.Session, r imap.Responder) (*imap.StatusResponse, error) {
	ms := s.MailboxSession()
	if req.Pattern == "" && !req.Subscribed {
		r.Respond(&imap.ListResponse{Attributes: []string{`\Noselect`}, Delimiter: mailbox.Delimiter})
		return completed(req, nil), nil
	}

	if !req.Subscribed {
		entries, err := e.manager.List(ctx, ms, req.Reference, req.Pattern)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			attr := `\HasNoChildren`
			if entry.HasChildren {
				attr = `\HasChildren`
			}
			r.Respond(&imap.ListResponse{Attributes: []string{attr}, Delimiter: mailbox.Delimiter, Name: entry.Path.Name})
		}
		return completed(req, nil), nil
	}

	subs, err := e.manager.Subscriptions(ctx, ms)
	if err != nil {
		return nil, err
	}
	existing, err := e.manager.List(ctx, ms, "", "*")
	if err != nil {
		return nil, err
	}
	exists := make(map[string]bool, len(existing))
	for _, entry := range existing {
		exists[entry.Path.Name] = true
	}
	pattern := mailbox.CanonicalPattern(req.Reference, req.Pattern)
	for _, name := range subs {
		if !mailbox.MatchPattern(name, pattern) {
			continue
		}
		var attrs []string
		if !exists[name] {
			attrs = []string{`\Noselect`}
		}
		r.Respond(&imap.ListResponse{Subscribed: true, Attributes: attrs, Delimiter: mailbox.Delimiter, Name: name})
	}
	return completed(req, nil), nil
}

func (e *env) status(ctx context.Context, req *imap.StatusRequest, s *imap.Session, r imap.Responder) (*imap.StatusResponse, error) {
	ms := s.MailboxSession()
	mm, err := e.manager.GetMailbox(ctx, ms, mailbox.NewPath(s.User(), req.Mailbox))
	if err != nil {
		return nil, err
	}
	md, err := mm.MetaData(ctx, ms, false)
	if err != nil {
		return nil, err
	}

	resp := &imap.MailboxStatusResponse{Mailbox: req.Mailbox}
	for _, item := range req.Items {
		var v uint32
		switch item {
		case imap.StatusMessages:
			v = uint32(md.Messages)
		case imap.StatusRecent:
			v = uint32(len(md.Recent))
		case imap.StatusUIDNext:
			v = md.UIDNext
		case imap.StatusUIDValidity:
			v = md.UIDValidity
		case imap.StatusUnseen:
			v = uint32(md.Unseen)
		}
		resp.Items = append(resp.Items, imap.StatusItem{Name: item, Value: v})
	}
	r.Respond(resp)
	return completed(req, nil), nil
}

func (e *env) append(ctx context.Context, req *imap.AppendRequest, s *imap.Session, _ imap.Responder) (*imap.StatusResponse, error) {
	flags, err := mailbox.ParseFlags(req.Flags)
	if err != nil {
		return rejected(req, imap.TextInvalidFlag.With(err.Error())), nil
	}
	ms := s.MailboxSession()
	mm, err := e.manager.GetMailbox(ctx, ms, mailbox.NewPath(s.User(), req.Mailbox))
	if errors.Is(err, mailbox.ErrMailboxNotFound) {
		return failed(req, imap.CodeTryCreate(), imap.TextMailboxNotFound), nil
	}
	if err != nil {
		return nil, err
	}
	uid, validity, err := mm.AppendMessage(ctx, ms, req.Message, req.Date, flags)
	if err != nil {
		return nil, err
	}
	return completed(req, imap.CodeAppendUID(validity, uid)), nil
}

func (e *env) namespace(_ context.Context, req *imap.NamespaceRequest, _ *imap.Session, r imap.Responder) (*imap.StatusResponse, error) {
	r.Respond(&imap.NamespaceResponse{Prefix: "", Delimiter: mailbox.Delimiter})
	return completed(req, nil), nil
}
