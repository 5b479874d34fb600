package processor

import (
	"context"
	"errors"
	"strconv"

	"rook/internal/imap"
	"rook/internal/imap/mime"
	"rook/internal/mailbox"
)

// fetch answers one FETCH line per message. A non-peek body section on a
// read-write mailbox sets \Seen first and reports the new flags.
func (e *env) fetch(ctx context.Context, req *imap.FetchRequest, s *imap.Session, r imap.Responder) (*imap.StatusResponse, error) {
	sm := s.Selected()
	ms := s.MailboxSession()
	uids, err := resolve(sm, req.UID, req.Set)
	if err != nil {
		return failed(req, nil, imap.TextInvalidMessageSet), nil
	}
	items := req.Items

	ft := mailbox.FetchMetadata
	if items.NeedsContent() {
		ft = mailbox.FetchFull
	}
	var msgs []*mailbox.Message
	for _, rg := range mailbox.RangesFor(uids) {
		found, err := sm.Messages.GetMessages(ctx, ms, rg, ft)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, found...)
	}

	seen := map[uint32]bool{}
	if items.SetsSeen() && !sm.ReadOnly {
		var unseen []uint32
		for _, msg := range msgs {
			if !msg.Flags.Has(mailbox.FlagSeen) {
				unseen = append(unseen, msg.UID)
			}
		}
		if err := e.markSeen(ctx, s, unseen, msgs, seen); err != nil {
			return nil, err
		}
	}

	for _, msg := range msgs {
		msn, ok := sm.MSN(msg.UID)
		if !ok {
			continue
		}
		fr, err := fetchResponse(sm, msn, msg, &items, seen[msg.UID])
		if err != nil {
			return nil, err
		}
		r.Respond(fr)
	}
	return completed(req, nil), nil
}

// markSeen adds \Seen to uids without reporting the change back to this
// session as unsolicited FETCH, and updates msgs in place.
func (e *env) markSeen(ctx context.Context, s *imap.Session, uids []uint32, msgs []*mailbox.Message, seen map[uint32]bool) error {
	if len(uids) == 0 {
		return nil
	}
	sm := s.Selected()
	sm.Analyser.SetSilentFlagChanges(true)
	defer sm.Analyser.SetSilentFlagChanges(false)

	updated := make(map[uint32]mailbox.Flags, len(uids))
	for _, rg := range mailbox.RangesFor(uids) {
		res, err := sm.Messages.SetFlags(ctx, s.MailboxSession(), mailbox.Flags{System: mailbox.FlagSeen}, mailbox.FlagsAdd, rg)
		if err != nil {
			return err
		}
		for uid, f := range res {
			updated[uid] = f
		}
	}
	for _, msg := range msgs {
		if f, ok := updated[msg.UID]; ok {
			msg.Flags = f
			seen[msg.UID] = true
		}
	}
	return nil
}

func fetchResponse(sm *imap.SelectedMailbox, msn uint32, msg *mailbox.Message, items *imap.FetchItems, flagsChanged bool) (*imap.FetchResponse, error) {
	fr := &imap.FetchResponse{SeqNum: msn}
	if items.UID {
		fr.UID = msg.UID
	}
	if items.Flags || flagsChanged {
		fr.Flags = sessionFlags(sm, msg.UID, msg.Flags)
		fr.FlagsSet = true
	}
	if items.InternalDate {
		d := msg.InternalDate
		fr.InternalDate = &d
	}
	if items.Size {
		size := msg.Size
		fr.Size = &size
	}
	if !items.NeedsContent() {
		return fr, nil
	}

	root := mime.Parse(msg.Content)
	if items.Envelope {
		fr.Envelope = mime.BuildEnvelope(root.Header)
	}
	if items.Body || items.BodyStructure {
		bs := mime.BuildBodyStructure(root)
		if items.Body {
			fr.Body = bs
		}
		if items.BodyStructure {
			fr.BodyStructure = bs
		}
	}
	for _, sec := range items.Sections {
		el, err := bodyElement(root, sec)
		if err != nil {
			return nil, err
		}
		fr.Elements = append(fr.Elements, el)
	}
	return fr, nil
}

// bodyElement extracts one section. A part the message lacks is NIL.
func bodyElement(root *mime.Part, sec imap.BodySection) (imap.BodyElement, error) {
	label := sec.Label
	data, err := mime.Extract(root, sec.Section)
	if errors.Is(err, mime.ErrNoSuchPart) {
		return imap.BodyElement{Label: label}, nil
	}
	if err != nil {
		return imap.BodyElement{}, err
	}
	if data == nil {
		data = []byte{}
	}
	if sec.Partial != nil {
		data = mime.Slice(data, sec.Partial.Offset, sec.Partial.Count)
		label += "<" + strconv.FormatUint(uint64(sec.Partial.Offset), 10) + ">"
	}
	return imap.BodyElement{Label: label, Data: data}, nil
}
