package mailbox

import (
	"context"
	"errors"
	"time"
)

// MessageManager performs message operations on one mailbox. It refers to the
// mailbox by ID, so it keeps working across a rename and fails with
// ErrMailboxNotFound once the mailbox is deleted.
type MessageManager struct {
	manager *Manager
	id      int64
	user    string
}

// CopyResult pairs source and destination UIDs of a COPY, in order.
type CopyResult struct {
	UIDValidity uint32
	Source      []uint32
	Dest        []uint32
}

func (mm *MessageManager) ID() int64 { return mm.id }

// read runs fn against a fresh view of the mailbox without locking.
func (mm *MessageManager) read(ctx context.Context, fn func(mp Mappers, mb *Mailbox) error) error {
	mp, err := mm.manager.open(ctx, mm.user)
	if err != nil {
		return err
	}
	defer mp.Close()
	mb, err := mp.Mailboxes().FindMailboxByID(ctx, mm.id)
	if err != nil {
		return WrapStorage("find mailbox", err)
	}
	return WrapStorage("read", fn(mp, mb))
}

// write runs fn under the mailbox's path lock and inside a transaction.
// Events returned by fn are dispatched after commit, before the lock is
// released, so listeners observe changes in commit order.
func (mm *MessageManager) write(ctx context.Context, fn func(mp Mappers, mb *Mailbox) ([]Event, error)) error {
	mp, err := mm.manager.open(ctx, mm.user)
	if err != nil {
		return err
	}
	defer mp.Close()

	mb, err := mp.Mailboxes().FindMailboxByID(ctx, mm.id)
	if err != nil {
		return WrapStorage("find mailbox", err)
	}
	unlock := mm.manager.locks.Lock(mb.Path)
	defer unlock()

	var events []Event
	err = Execute(ctx, mp, func() error {
		cur, err := mp.Mailboxes().FindMailboxByID(ctx, mm.id)
		if err != nil {
			return err
		}
		events, err = fn(mp, cur)
		return err
	})
	if err != nil {
		return WrapStorage("write", err)
	}
	for _, ev := range events {
		mm.manager.dispatcher.Dispatch(ev)
	}
	return nil
}

// Mailbox returns the current state of the mailbox.
func (mm *MessageManager) Mailbox(ctx context.Context) (*Mailbox, error) {
	var out *Mailbox
	err := mm.read(ctx, func(_ Mappers, mb *Mailbox) error {
		out = mb
		return nil
	})
	return out, err
}

// AppendMessage stores content as a new message flagged \Recent and returns
// its UID and the mailbox's UIDVALIDITY.
func (mm *MessageManager) AppendMessage(ctx context.Context, s *Session, content []byte, internalDate time.Time, flags Flags) (uint32, uint32, error) {
	if internalDate.IsZero() {
		internalDate = mm.manager.now()
	}
	var uid, validity uint32
	err := mm.write(ctx, func(mp Mappers, mb *Mailbox) ([]Event, error) {
		var err error
		uid, err = mp.Mailboxes().ConsumeNextUID(ctx, mb.ID)
		if err != nil {
			return nil, err
		}
		validity = mb.UIDValidity
		f := flags.Clone()
		f.System |= FlagRecent
		msg := &Message{
			MailboxID:    mb.ID,
			UID:          uid,
			InternalDate: internalDate,
			Size:         int64(len(content)),
			Flags:        f,
			Content:      content,
		}
		if err := mp.Messages().Save(ctx, mb, msg); err != nil {
			return nil, err
		}
		return []Event{NewAdded(s.ID(), mb.Path, []uint32{uid})}, nil
	})
	if err != nil {
		return 0, 0, err
	}
	return uid, validity, nil
}

// GetMessages returns the messages in r, ascending by UID.
func (mm *MessageManager) GetMessages(ctx context.Context, s *Session, r MessageRange, ft FetchType) ([]*Message, error) {
	var out []*Message
	err := mm.read(ctx, func(mp Mappers, mb *Mailbox) error {
		var err error
		out, err = mp.Messages().FindInMailbox(ctx, mb, r, ft)
		return err
	})
	return out, err
}

// UIDs lists every UID in the mailbox, ascending.
func (mm *MessageManager) UIDs(ctx context.Context, s *Session) ([]uint32, error) {
	msgs, err := mm.GetMessages(ctx, s, All(), FetchMetadata)
	if err != nil {
		return nil, err
	}
	uids := make([]uint32, len(msgs))
	for i, msg := range msgs {
		uids[i] = msg.UID
	}
	return uids, nil
}

// SetFlags changes the flags of every message in r and returns the
// resulting flags by UID.
func (mm *MessageManager) SetFlags(ctx context.Context, s *Session, flags Flags, mode FlagMode, r MessageRange) (map[uint32]Flags, error) {
	result := make(map[uint32]Flags)
	err := mm.write(ctx, func(mp Mappers, mb *Mailbox) ([]Event, error) {
		clear(result)
		msgs, err := mp.Messages().FindInMailbox(ctx, mb, r, FetchMetadata)
		if err != nil {
			return nil, err
		}
		var updates []FlagUpdate
		for _, msg := range msgs {
			old := msg.Flags
			updated := old.Apply(mode, flags)
			result[msg.UID] = updated
			if updated.Equal(old) {
				continue
			}
			msg.Flags = updated
			if err := mp.Messages().Save(ctx, mb, msg); err != nil {
				return nil, err
			}
			updates = append(updates, FlagUpdate{UID: msg.UID, Old: old, New: updated})
		}
		if len(updates) == 0 {
			return nil, nil
		}
		return []Event{NewFlagsUpdated(s.ID(), mb.Path, updates)}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Expunge permanently removes the \Deleted messages in r.
func (mm *MessageManager) Expunge(ctx context.Context, s *Session, r MessageRange) ([]uint32, error) {
	var expunged []uint32
	err := mm.write(ctx, func(mp Mappers, mb *Mailbox) ([]Event, error) {
		uids, err := mp.Messages().FindMarkedForDeletionInMailbox(ctx, mb, r)
		if err != nil {
			return nil, err
		}
		for _, uid := range uids {
			if err := mp.Messages().Delete(ctx, mb, uid); err != nil {
				return nil, err
			}
		}
		expunged = uids
		if len(uids) == 0 {
			return nil, nil
		}
		return []Event{NewExpunged(s.ID(), mb.Path, uids)}, nil
	})
	if err != nil {
		return nil, err
	}
	return expunged, nil
}

// Search returns the UIDs of messages matching q. Session-relative criteria
// must already be resolved.
func (mm *MessageManager) Search(ctx context.Context, s *Session, q *SearchQuery) ([]uint32, error) {
	var out []uint32
	err := mm.read(ctx, func(mp Mappers, mb *Mailbox) error {
		var err error
		out, err = mp.Messages().SearchMailbox(ctx, mb, q)
		return err
	})
	return out, err
}

// MetaData gathers what SELECT and STATUS report. With resetRecent the
// persisted \Recent flags are cleared, so the messages are recent to this
// caller only.
func (mm *MessageManager) MetaData(ctx context.Context, s *Session, resetRecent bool) (*MetaData, error) {
	md := &MetaData{}
	collect := func(mp Mappers, mb *Mailbox) error {
		messages := mp.Messages()
		var err error
		md.UIDValidity = mb.UIDValidity
		md.UIDNext = mb.UIDNext()
		if md.Recent, err = messages.FindRecentMessagesInMailbox(ctx, mb, 0); err != nil {
			return err
		}
		if md.Messages, err = messages.CountMessagesInMailbox(ctx, mb); err != nil {
			return err
		}
		if md.Unseen, err = messages.CountUnseenMessagesInMailbox(ctx, mb); err != nil {
			return err
		}
		md.FirstUnseen, err = messages.FindFirstUnseenMessageUID(ctx, mb)
		return err
	}

	if !resetRecent {
		if err := mm.read(ctx, collect); err != nil {
			return nil, err
		}
		return md, nil
	}

	err := mm.write(ctx, func(mp Mappers, mb *Mailbox) ([]Event, error) {
		if err := collect(mp, mb); err != nil {
			return nil, err
		}
		var updates []FlagUpdate
		for _, uid := range md.Recent {
			msgs, err := mp.Messages().FindInMailbox(ctx, mb, One(uid), FetchMetadata)
			if err != nil {
				return nil, err
			}
			if len(msgs) == 0 {
				continue
			}
			msg := msgs[0]
			old := msg.Flags
			msg.Flags = old.Clone()
			msg.Flags.System &^= FlagRecent
			if err := mp.Messages().Save(ctx, mb, msg); err != nil {
				return nil, err
			}
			updates = append(updates, FlagUpdate{UID: uid, Old: old, New: msg.Flags})
		}
		if len(updates) == 0 {
			return nil, nil
		}
		return []Event{NewFlagsUpdated(s.ID(), mb.Path, updates)}, nil
	})
	if err != nil {
		return nil, err
	}
	return md, nil
}

// CopyTo copies the messages in ranges to dest, which must exist, in one
// transaction. Copies are \Recent in the destination and receive fresh UIDs
// there.
func (mm *MessageManager) CopyTo(ctx context.Context, s *Session, ranges []MessageRange, dest Path) (*CopyResult, error) {
	mp, err := mm.manager.open(ctx, mm.user)
	if err != nil {
		return nil, err
	}
	defer mp.Close()

	src, err := mp.Mailboxes().FindMailboxByID(ctx, mm.id)
	if err != nil {
		return nil, WrapStorage("find mailbox", err)
	}
	unlock := mm.manager.locks.Lock(dest)
	defer unlock()

	res := &CopyResult{}
	var ev Event
	err = Execute(ctx, mp, func() error {
		res.Source, res.Dest = res.Source[:0], res.Dest[:0]
		dst, err := mp.Mailboxes().FindMailboxByPath(ctx, dest)
		if err != nil {
			return err
		}
		res.UIDValidity = dst.UIDValidity
		var msgs []*Message
		for _, r := range ranges {
			found, err := mp.Messages().FindInMailbox(ctx, src, r, FetchFull)
			if err != nil {
				return err
			}
			msgs = append(msgs, found...)
		}
		for _, msg := range msgs {
			uid, err := mp.Mailboxes().ConsumeNextUID(ctx, dst.ID)
			if err != nil {
				return err
			}
			cp := msg.Clone()
			cp.MailboxID = dst.ID
			cp.UID = uid
			cp.Flags.System |= FlagRecent
			if err := mp.Messages().Save(ctx, dst, cp); err != nil {
				return err
			}
			res.Source = append(res.Source, msg.UID)
			res.Dest = append(res.Dest, uid)
		}
		if len(res.Dest) > 0 {
			ev = NewAdded(s.ID(), dst.Path, append([]uint32(nil), res.Dest...))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrMailboxNotFound) {
			return nil, ErrMailboxNotFound
		}
		return nil, WrapStorage("copy", err)
	}
	if ev != nil {
		mm.manager.dispatcher.Dispatch(ev)
	}
	return res, nil
}
