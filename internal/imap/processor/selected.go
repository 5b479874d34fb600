package processor

import (
	"context"
	"errors"
	"sort"

	"github.com/go-kit/kit/log/level"

	"rook/internal/imap"
	"rook/internal/mailbox"
)

var errInvalidSet = errors.New("message sequence number out of range")

// resolve maps the set of a FETCH, STORE or COPY to known UIDs. Sequence
// numbers past the last message make the whole set invalid unless the
// range is bounded by '*'.
func resolve(sm *imap.SelectedMailbox, uid bool, set imap.SequenceSet) ([]uint32, error) {
	if uid {
		return sm.ResolveUIDSet(set), nil
	}
	exists := sm.Exists()
	for _, r := range set {
		if r.Start != 0 && r.Stop != 0 && (r.Start > exists || r.Stop > exists) {
			return nil, errInvalidSet
		}
	}
	return sm.ResolveSeqSet(set), nil
}

func (e *env) check(_ context.Context, req *imap.CheckRequest, _ *imap.Session, _ imap.Responder) (*imap.StatusResponse, error) {
	return completed(req, nil), nil
}

// close expunges silently unless the mailbox is read-only. CLOSE never
// fails once the session is SELECTED.
func (e *env) close(ctx context.Context, req *imap.CloseRequest, s *imap.Session, _ imap.Responder) (*imap.StatusResponse, error) {
	sm := s.Selected()
	if !sm.ReadOnly {
		if _, err := sm.Messages.Expunge(ctx, s.MailboxSession(), mailbox.All()); err != nil {
			level.Warn(e.logger).Log("msg", "expunge on close failed", "user", s.User(), "mailbox", sm.Path().Name, "err", err)
		}
	}
	e.deselect(s)
	return completed(req, nil), nil
}

func (e *env) unselect(_ context.Context, req *imap.UnselectRequest, s *imap.Session, _ imap.Responder) (*imap.StatusResponse, error) {
	e.deselect(s)
	return completed(req, nil), nil
}

// expunge removes \Deleted messages. The EXPUNGE responses come from the
// session's own events, reported before the tagged completion.
func (e *env) expunge(ctx context.Context, req *imap.ExpungeRequest, s *imap.Session, _ imap.Responder) (*imap.StatusResponse, error) {
	sm := s.Selected()
	if sm.ReadOnly {
		return failed(req, nil, imap.TextReadOnly), nil
	}
	ms := s.MailboxSession()
	if req.UIDs == nil {
		if _, err := sm.Messages.Expunge(ctx, ms, mailbox.All()); err != nil {
			return nil, err
		}
		return completed(req, nil), nil
	}
	for _, rg := range mailbox.RangesFor(sm.ResolveUIDSet(req.UIDs)) {
		if _, err := sm.Messages.Expunge(ctx, ms, rg); err != nil {
			return nil, err
		}
	}
	return completed(req, nil), nil
}

func (e *env) search(ctx context.Context, req *imap.SearchRequest, s *imap.Session, r imap.Responder) (*imap.StatusResponse, error) {
	sm := s.Selected()
	q := &mailbox.SearchQuery{Criteria: resolveUIDStars(sm, req.Query.Criteria)}
	q = q.Resolve(sm.SequenceRanges, sm.RecentUIDs())

	uids, err := sm.Messages.Search(ctx, s.MailboxSession(), q)
	if err != nil {
		return nil, err
	}
	resp := &imap.SearchResponse{}
	for _, uid := range uids {
		msn, ok := sm.MSN(uid)
		if !ok {
			continue
		}
		if req.UID {
			resp.IDs = append(resp.IDs, uid)
		} else {
			resp.IDs = append(resp.IDs, msn)
		}
	}
	r.Respond(resp)
	return completed(req, nil), nil
}

// resolveUIDStars replaces UID ranges bounded by '*' with the UIDs they
// cover in the selected mailbox.
func resolveUIDStars(sm *imap.SelectedMailbox, cs []mailbox.Criterion) []mailbox.Criterion {
	out := make([]mailbox.Criterion, len(cs))
	for i, c := range cs {
		switch c.Key {
		case mailbox.SearchUID:
			var set imap.SequenceSet
			for _, rg := range c.Ranges {
				if rg.Type == mailbox.RangeInterval && (rg.From == 0 || rg.To == 0) {
					set = append(set, imap.SeqRange{Start: rg.From, Stop: rg.To})
				}
			}
			if len(set) > 0 {
				var ranges []mailbox.MessageRange
				for _, rg := range c.Ranges {
					if rg.From != 0 && rg.To != 0 {
						ranges = append(ranges, rg)
					}
				}
				c.Ranges = append(ranges, mailbox.RangesFor(sm.ResolveUIDSet(set))...)
			}
		case mailbox.SearchNot, mailbox.SearchOr, mailbox.SearchAnd:
			c.Sub = resolveUIDStars(sm, c.Sub)
		}
		out[i] = c
	}
	return out
}

// store changes flags. The session's own flag events are silenced for the
// duration; unless .SILENT was given the new flags are answered directly.
func (e *env) store(ctx context.Context, req *imap.StoreRequest, s *imap.Session, r imap.Responder) (*imap.StatusResponse, error) {
	sm := s.Selected()
	flags, err := mailbox.ParseFlags(req.Flags)
	if err != nil {
		return rejected(req, imap.TextInvalidFlag.With(err.Error())), nil
	}
	if sm.ReadOnly {
		return failed(req, nil, imap.TextReadOnly), nil
	}
	uids, err := resolve(sm, req.UID, req.Set)
	if err != nil {
		return failed(req, nil, imap.TextInvalidMessageSet), nil
	}

	sm.Analyser.SetSilentFlagChanges(true)
	defer sm.Analyser.SetSilentFlagChanges(false)

	updated := make(map[uint32]mailbox.Flags, len(uids))
	for _, rg := range mailbox.RangesFor(uids) {
		res, err := sm.Messages.SetFlags(ctx, s.MailboxSession(), flags, req.Mode, rg)
		if err != nil {
			return nil, err
		}
		for uid, f := range res {
			updated[uid] = f
		}
	}
	if req.Silent {
		return completed(req, nil), nil
	}

	changed := make([]uint32, 0, len(updated))
	for uid := range updated {
		changed = append(changed, uid)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	for _, uid := range changed {
		msn, ok := sm.MSN(uid)
		if !ok {
			continue
		}
		fr := &imap.FetchResponse{SeqNum: msn, Flags: sessionFlags(sm, uid, updated[uid]), FlagsSet: true}
		if req.UID {
			fr.UID = uid
		}
		r.Respond(fr)
	}
	return completed(req, nil), nil
}

// copy is all or nothing: every message lands in the destination in one
// transaction or none does.
func (e *env) copy(ctx context.Context, req *imap.CopyRequest, s *imap.Session, _ imap.Responder) (*imap.StatusResponse, error) {
	sm := s.Selected()
	uids, err := resolve(sm, req.UID, req.Set)
	if err != nil {
		return failed(req, nil, imap.TextInvalidMessageSet), nil
	}
	dest := mailbox.NewPath(s.User(), req.Mailbox)
	if len(uids) == 0 {
		exists, err := e.manager.MailboxExists(ctx, s.MailboxSession(), dest)
		if err != nil {
			return nil, err
		}
		if !exists {
			return failed(req, imap.CodeTryCreate(), imap.TextMailboxNotFound), nil
		}
		return completed(req, nil), nil
	}

	res, err := sm.Messages.CopyTo(ctx, s.MailboxSession(), mailbox.RangesFor(uids), dest)
	if errors.Is(err, mailbox.ErrMailboxNotFound) {
		return failed(req, imap.CodeTryCreate(), imap.TextMailboxNotFound), nil
	}
	if err != nil {
		return nil, err
	}
	if len(res.Dest) == 0 {
		return completed(req, nil), nil
	}
	return completed(req, imap.CodeCopyUID(res.UIDValidity, res.Source, res.Dest)), nil
}
