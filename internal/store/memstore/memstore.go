// Package memstore keeps mailboxes in process memory. It declares itself
// non-transactional: every mapper call takes effect immediately.
package memstore

import (
	"context"
	"sort"
	"sync"

	"rook/internal/mailbox"
)

// Store holds the data of every user. It is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	nextID    int64
	mailboxes map[int64]*mailbox.Mailbox
	messages  map[int64]map[uint32]*mailbox.Message
	subs      map[string]map[string]struct{}
}

func New() *Store {
	return &Store{
		mailboxes: make(map[int64]*mailbox.Mailbox),
		messages:  make(map[int64]map[uint32]*mailbox.Message),
		subs:      make(map[string]map[string]struct{}),
	}
}

// Open implements mailbox.MapperFactory.
func (s *Store) Open(ctx context.Context, user string) (mailbox.Mappers, error) {
	return &mappers{store: s}, nil
}

type mappers struct {
	store *Store
}

func (m *mappers) Mailboxes() mailbox.MailboxMapper { return mailboxMapper{m.store} }
func (m *mappers) Messages() mailbox.MessageMapper { return messageMapper{m.store} }
func (m *mappers) Subscriptions() mailbox.SubscriptionMapper { return subscriptionMapper{m.store} }
func (m *mappers) Transactional() bool { return false }
func (m *mappers) Begin(ctx context.Context) error { return nil }
func (m *mappers) Commit() error { return nil }
func (m *mappers) Rollback() error { return nil }
func (m *mappers) Close() error { return nil }

type mailboxMapper struct{ s *Store }

func (mm mailboxMapper) FindMailboxByPath(ctx context.Context, p mailbox.Path) (*mailbox.Mailbox, error) {
	mm.s.mu.Lock()
	defer mm.s.mu.Unlock()
	if mb := mm.s.byPath(p); mb != nil {
		return mb.Clone(), nil
	}
	return nil, mailbox.ErrMailboxNotFound
}

func (s *Store) byPath(p mailbox.Path) *mailbox.Mailbox {
	for _, mb := range s.mailboxes {
		if mb.Path == p {
			return mb
		}
	}
	return nil
}

func (mm mailboxMapper) FindMailboxByID(ctx context.Context, id int64) (*mailbox.Mailbox, error) {
	mm.s.mu.Lock()
	defer mm.s.mu.Unlock()
	if mb, ok := mm.s.mailboxes[id]; ok {
		return mb.Clone(), nil
	}
	return nil, mailbox.ErrMailboxNotFound
}

func (mm mailboxMapper) List(ctx context.Context, user string) ([]*mailbox.Mailbox, error) {
	mm.s.mu.Lock()
	defer mm.s.mu.Unlock()
	var out []*mailbox.Mailbox
	for _, mb := range mm.s.mailboxes {
		if mb.Path.User == user {
			out = append(out, mb.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path.Name < out[j].Path.Name })
	return out, nil
}

func (mm mailboxMapper) HasChildren(ctx context.Context, p mailbox.Path) (bool, error) {
	mm.s.mu.Lock()
	defer mm.s.mu.Unlock()
	for _, mb := range mm.s.mailboxes {
		if mb.Path.IsInferiorOf(p) {
			return true, nil
		}
	}
	return false, nil
}

func (mm mailboxMapper) Save(ctx context.Context, mb *mailbox.Mailbox) error {
	mm.s.mu.Lock()
	defer mm.s.mu.Unlock()
	if existing := mm.s.byPath(mb.Path); existing != nil && existing.ID != mb.ID {
		return mailbox.ErrMailboxExists
	}
	if mb.ID == 0 {
		mm.s.nextID++
		mb.ID = mm.s.nextID
		mm.s.messages[mb.ID] = make(map[uint32]*mailbox.Message)
	} else if _, ok := mm.s.mailboxes[mb.ID]; !ok {
		return mailbox.ErrMailboxNotFound
	} else {
		// LastUID only moves through ConsumeNextUID.
		mb.LastUID = max(mb.LastUID, mm.s.mailboxes[mb.ID].LastUID)
	}
	mm.s.mailboxes[mb.ID] = mb.Clone()
	return nil
}

func (mm mailboxMapper) Delete(ctx context.Context, mb *mailbox.Mailbox) error {
	mm.s.mu.Lock()
	defer mm.s.mu.Unlock()
	if _, ok := mm.s.mailboxes[mb.ID]; !ok {
		return mailbox.ErrMailboxNotFound
	}
	delete(mm.s.mailboxes, mb.ID)
	delete(mm.s.messages, mb.ID)
	return nil
}

func (mm mailboxMapper) ConsumeNextUID(ctx context.Context, mailboxID int64) (uint32, error) {
	mm.s.mu.Lock()
	defer mm.s.mu.Unlock()
	mb, ok := mm.s.mailboxes[mailboxID]
	if !ok {
		return 0, mailbox.ErrMailboxNotFound
	}
	mb.LastUID++
	return mb.LastUID, nil
}

type messageMapper struct{ s *Store }

// inMailbox returns the matching messages sorted by UID. Callers hold the lock.
func (mm messageMapper) inMailbox(mb *mailbox.Mailbox, r mailbox.MessageRange) ([]*mailbox.Message, error) {
	msgs, ok := mm.s.messages[mb.ID]
	if !ok {
		return nil, mailbox.ErrMailboxNotFound
	}
	var out []*mailbox.Message
	for uid, msg := range msgs {
		if r.Includes(uid) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (mm messageMapper) FindInMailbox(ctx context.Context, mb *mailbox.Mailbox, r mailbox.MessageRange, ft mailbox.FetchType) ([]*mailbox.Message, error) {
	mm.s.mu.Lock()
	defer mm.s.mu.Unlock()
	msgs, err := mm.inMailbox(mb, r)
	if err != nil {
		return nil, err
	}
	out := make([]*mailbox.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Clone()
	}
	return out, nil
}

func (mm messageMapper) uidsWhere(mb *mailbox.Mailbox, r mailbox.MessageRange, limit int, pred func(*mailbox.Message) bool) ([]uint32, error) {
	mm.s.mu.Lock()
	defer mm.s.mu.Unlock()
	msgs, err := mm.inMailbox(mb, r)
	if err != nil {
		return nil, err
	}
	var out []uint32
	for _, msg := range msgs {
		if pred(msg) {
			out = append(out, msg.UID)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (mm messageMapper) FindMarkedForDeletionInMailbox(ctx context.Context, mb *mailbox.Mailbox, r mailbox.MessageRange) ([]uint32, error) {
	return mm.uidsWhere(mb, r, 0, func(m *mailbox.Message) bool { return m.Flags.Has(mailbox.FlagDeleted) })
}

func (mm messageMapper) FindRecentMessagesInMailbox(ctx context.Context, mb *mailbox.Mailbox, limit int) ([]uint32, error) {
	return mm.uidsWhere(mb, mailbox.All(), limit, func(m *mailbox.Message) bool { return m.Flags.Has(mailbox.FlagRecent) })
}

func (mm messageMapper) FindFirstUnseenMessageUID(ctx context.Context, mb *mailbox.Mailbox) (uint32, error) {
	uids, err := mm.uidsWhere(mb, mailbox.All(), 1, func(m *mailbox.Message) bool { return !m.Flags.Has(mailbox.FlagSeen) })
	if err != nil || len(uids) == 0 {
		return 0, err
	}
	return uids[0], nil
}

func (mm messageMapper) CountMessagesInMailbox(ctx context.Context, mb *mailbox.Mailbox) (int, error) {
	uids, err := mm.uidsWhere(mb, mailbox.All(), 0, func(*mailbox.Message) bool { return true })
	return len(uids), err
}

func (mm messageMapper) CountUnseenMessagesInMailbox(ctx context.Context, mb *mailbox.Mailbox) (int, error) {
	uids, err := mm.uidsWhere(mb, mailbox.All(), 0, func(m *mailbox.Message) bool { return !m.Flags.Has(mailbox.FlagSeen) })
	return len(uids), err
}

func (mm messageMapper) SearchMailbox(ctx context.Context, mb *mailbox.Mailbox, q *mailbox.SearchQuery) ([]uint32, error) {
	return mm.uidsWhere(mb, mailbox.All(), 0, q.Matches)
}

func (mm messageMapper) Save(ctx context.Context, mb *mailbox.Mailbox, msg *mailbox.Message) error {
	mm.s.mu.Lock()
	defer mm.s.mu.Unlock()
	msgs, ok := mm.s.messages[mb.ID]
	if !ok {
		return mailbox.ErrMailboxNotFound
	}
	stored := msg.Clone()
	stored.MailboxID = mb.ID
	if existing, ok := msgs[msg.UID]; ok && stored.Content == nil {
		stored.Content = existing.Content
	}
	msgs[msg.UID] = stored
	return nil
}

func (mm messageMapper) Delete(ctx context.Context, mb *mailbox.Mailbox, uid uint32) error {
	mm.s.mu.Lock()
	defer mm.s.mu.Unlock()
	msgs, ok := mm.s.messages[mb.ID]
	if !ok {
		return mailbox.ErrMailboxNotFound
	}
	if _, ok := msgs[uid]; !ok {
		return mailbox.ErrMessageNotFound
	}
	delete(msgs, uid)
	return nil
}

type subscriptionMapper struct{ s *Store }

func (sm subscriptionMapper) FindSubscriptionsForUser(ctx context.Context, user string) ([]mailbox.Subscription, error) {
	sm.s.mu.Lock()
	defer sm.s.mu.Unlock()
	var out []mailbox.Subscription
	for name := range sm.s.subs[user] {
		out = append(out, mailbox.Subscription{User: user, Mailbox: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mailbox < out[j].Mailbox })
	return out, nil
}

func (sm subscriptionMapper) FindMailboxSubscriptionForUser(ctx context.Context, user, name string) (*mailbox.Subscription, error) {
	sm.s.mu.Lock()
	defer sm.s.mu.Unlock()
	if _, ok := sm.s.subs[user][name]; !ok {
		return nil, mailbox.ErrSubscriptionNotFound
	}
	return &mailbox.Subscription{User: user, Mailbox: name}, nil
}

func (sm subscriptionMapper) Save(ctx context.Context, sub mailbox.Subscription) error {
	sm.s.mu.Lock()
	defer sm.s.mu.Unlock()
	if sm.s.subs[sub.User] == nil {
		sm.s.subs[sub.User] = make(map[string]struct{})
	}
	sm.s.subs[sub.User][sub.Mailbox] = struct{}{}
	return nil
}

func (sm subscriptionMapper) Delete(ctx context.Context, sub mailbox.Subscription) error {
	sm.s.mu.Lock()
	defer sm.s.mu.Unlock()
	if _, ok := sm.s.subs[sub.User][sub.Mailbox]; !ok {
		return mailbox.ErrSubscriptionNotFound
	}
	delete(sm.s.subs[sub.User], sub.Mailbox)
	return nil
}
