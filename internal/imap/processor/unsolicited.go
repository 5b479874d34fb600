package processor

import (
	"context"

	"github.com/go-kit/kit/log/level"

	"rook/internal/imap"
	"rook/internal/mailbox"
)

// unsolicited reports what other sessions changed in the selected mailbox
// since the last command: a BYE if the mailbox is gone, then EXPUNGE
// unless omitExpunge, EXISTS and RECENT for new messages and FETCH FLAGS
// for flag changes.
func (e *env) unsolicited(ctx context.Context, s *imap.Session, r imap.Responder, omitExpunge, useUID bool) {
	sm := s.Selected()
	if sm == nil {
		return
	}
	ch := sm.Analyser.Take(omitExpunge)

	if ch.Deleted {
		level.Info(e.logger).Log("msg", "selected mailbox deleted by another session", "user", s.User(), "mailbox", sm.Path().Name)
		r.Respond(imap.Bye(imap.TextMailboxDeleted))
		e.deselect(s)
		s.Logout()
		return
	}

	gone := make(map[uint32]bool, len(ch.Expunged))
	for _, uid := range ch.Expunged {
		gone[uid] = true
		if msn, ok := sm.Remove(uid); ok {
			r.Respond(&imap.ExpungeResponse{SeqNum: msn})
		}
	}

	var added []uint32
	for _, uid := range ch.Added {
		if _, known := sm.MSN(uid); !known && !gone[uid] {
			added = append(added, uid)
		}
	}
	if len(added) > 0 {
		sm.Add(added...)
		if !sm.ReadOnly {
			md, err := sm.Messages.MetaData(ctx, s.MailboxSession(), true)
			if err != nil {
				level.Warn(e.logger).Log("msg", "cannot claim recent messages", "user", s.User(), "err", err)
			} else {
				sm.AddRecent(md.Recent...)
			}
		}
		r.Respond(&imap.ExistsResponse{Count: sm.Exists()})
		r.Respond(&imap.RecentResponse{Count: sm.RecentCount()})
	}

	var changed []uint32
	for _, uid := range ch.FlagUIDs {
		if _, known := sm.MSN(uid); known && !gone[uid] {
			changed = append(changed, uid)
		}
	}
	for _, rg := range mailbox.RangesFor(changed) {
		msgs, err := sm.Messages.GetMessages(ctx, s.MailboxSession(), rg, mailbox.FetchMetadata)
		if err != nil {
			level.Warn(e.logger).Log("msg", "cannot load flag updates", "user", s.User(), "err", err)
			return
		}
		for _, msg := range msgs {
			msn, ok := sm.MSN(msg.UID)
			if !ok {
				continue
			}
			fr := &imap.FetchResponse{SeqNum: msn, Flags: sessionFlags(sm, msg.UID, msg.Flags), FlagsSet: true}
			if useUID {
				fr.UID = msg.UID
			}
			r.Respond(fr)
		}
	}
}

// deselect drops the selected mailbox and stops its event delivery.
func (e *env) deselect(s *imap.Session) {
	if sm := s.Deselect(); sm != nil {
		e.manager.RemoveListener(sm.Analyser.Path(), sm.Analyser)
	}
}

// Deselect is called by the transport when a connection ends.
func (c *Chain) Deselect(s *imap.Session) {
	c.env.deselect(s)
}

// sessionFlags renders flags with \Recent as seen by this session.
func sessionFlags(sm *imap.SelectedMailbox, uid uint32, flags mailbox.Flags) []string {
	f := flags.Clone()
	f.System &^= mailbox.FlagRecent
	if sm.IsRecent(uid) {
		f.System |= mailbox.FlagRecent
	}
	return f.Names()
}
