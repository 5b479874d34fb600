package mailbox

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// DefaultMailboxes are created for a user who has no mailboxes yet.
var DefaultMailboxes = []string{Inbox, "Sent", "Drafts", "Trash"}

// Session identifies who performs a mailbox operation. Events carry the
// session ID so every session can tell its own changes from others'.
type Session struct {
	id   int64
	user string
}

func (s *Session) ID() int64 { return s.id }
func (s *Session) User() string { return s.user }
func (s *Session) String() string { return s.user }

// ListEntry is one LIST result.
type ListEntry struct {
	Path        Path
	HasChildren bool
}

// Manager is the single writer of the mailbox namespace. It serializes
// mutations per mailbox path and publishes events once changes commit.
type Manager struct {
	factory    MapperFactory
	dispatcher *Dispatcher
	locks      *PathLocker
	logger     log.Logger
	now        func() time.Time

	renewUIDValidityOnRename bool

	sessionSeq   atomic.Int64
	validityMu   sync.Mutex
	lastValidity uint32
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger log.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithUIDValidityOnRename makes RENAME hand out a new UIDVALIDITY, for
// backends that cannot carry UIDs across a rename.
func WithUIDValidityOnRename(renew bool) Option {
	return func(m *Manager) { m.renewUIDValidityOnRename = renew }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(factory MapperFactory, opts ...Option) *Manager {
	m := &Manager{
		factory:    factory,
		dispatcher: NewDispatcher(),
		locks:      NewPathLocker(),
		logger:     log.NewNopLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession starts a new session for an authenticated user.
func (m *Manager) CreateSession(user string) *Session {
	return &Session{id: m.sessionSeq.Add(1), user: user}
}

// SystemSession is used for changes that no IMAP session caused, such as
// LMTP deliveries. Its ID is never handed to a client session.
func (m *Manager) SystemSession(user string) *Session {
	return &Session{id: 0, user: user}
}

func (m *Manager) AddListener(p Path, l Listener) { m.dispatcher.AddListener(p, l) }
func (m *Manager) RemoveListener(p Path, l Listener) { m.dispatcher.RemoveListener(p, l) }

func (m *Manager) nextUIDValidity() uint32 {
	m.validityMu.Lock()
	defer m.validityMu.Unlock()
	v := uint32(m.now().Unix())
	if v <= m.lastValidity {
		v = m.lastValidity + 1
	}
	m.lastValidity = v
	return v
}

func (m *Manager) open(ctx context.Context, user string) (Mappers, error) {
	mp, err := m.factory.Open(ctx, user)
	if err != nil {
		return nil, WrapStorage("open", err)
	}
	return mp, nil
}

// CreateMailbox creates p and any missing superiors. It fails with
// ErrMailboxExists if p is already there, even under concurrent creators.
func (m *Manager) CreateMailbox(ctx context.Context, s *Session, p Path) error {
	if !ValidName(p.Name) {
		return ErrInvalidName
	}
	superiors := p.Superiors()
	unlock := m.locks.Lock(append(superiors, p)...)
	defer unlock()

	mp, err := m.open(ctx, p.User)
	if err != nil {
		return err
	}
	defer mp.Close()

	err = Execute(ctx, mp, func() error {
		mailboxes := mp.Mailboxes()
		if _, err := mailboxes.FindMailboxByPath(ctx, p); err == nil {
			return ErrMailboxExists
		} else if !errors.Is(err, ErrMailboxNotFound) {
			return err
		}
		for _, sup := range superiors {
			if _, err := mailboxes.FindMailboxByPath(ctx, sup); err == nil {
				continue
			} else if !errors.Is(err, ErrMailboxNotFound) {
				return err
			}
			if err := mailboxes.Save(ctx, &Mailbox{Path: sup, UIDValidity: m.nextUIDValidity()}); err != nil {
				return err
			}
		}
		return mailboxes.Save(ctx, &Mailbox{Path: p, UIDValidity: m.nextUIDValidity()})
	})
	if err != nil {
		return err
	}
	level.Debug(m.logger).Log("msg", "mailbox created", "path", p, "session", s.ID())
	return nil
}

// EnsureMailbox creates p unless it exists already.
func (m *Manager) EnsureMailbox(ctx context.Context, s *Session, p Path) error {
	if err := m.CreateMailbox(ctx, s, p); err != nil && !errors.Is(err, ErrMailboxExists) {
		return err
	}
	return nil
}

// ProvisionDefaults creates DefaultMailboxes for a user who has none.
func (m *Manager) ProvisionDefaults(ctx context.Context, s *Session) error {
	mp, err := m.open(ctx, s.User())
	if err != nil {
		return err
	}
	existing, err := mp.Mailboxes().List(ctx, s.User())
	mp.Close()
	if err != nil {
		return WrapStorage("list mailboxes", err)
	}
	if len(existing) > 0 {
		return nil
	}
	for _, name := range DefaultMailboxes {
		if err := m.EnsureMailbox(ctx, s, NewPath(s.User(), name)); err != nil {
			return err
		}
	}
	level.Info(m.logger).Log("msg", "provisioned default mailboxes", "user", s.User())
	return nil
}

// DeleteMailbox removes p and its messages. INBOX and mailboxes with
// inferiors cannot be deleted. Subscriptions are left alone.
func (m *Manager) DeleteMailbox(ctx context.Context, s *Session, p Path) error {
	if p.IsInbox() {
		return ErrInboxOperation
	}
	unlock := m.locks.Lock(p)
	defer unlock()

	mp, err := m.open(ctx, p.User)
	if err != nil {
		return err
	}
	defer mp.Close()

	err = Execute(ctx, mp, func() error {
		mailboxes := mp.Mailboxes()
		mb, err := mailboxes.FindMailboxByPath(ctx, p)
		if err != nil {
			return err
		}
		children, err := mailboxes.HasChildren(ctx, p)
		if err != nil {
			return err
		}
		if children {
			return ErrHasChildren
		}
		return mailboxes.Delete(ctx, mb)
	})
	if err != nil {
		return err
	}
	m.dispatcher.Dispatch(NewMailboxDeleted(s.ID(), p))
	level.Debug(m.logger).Log("msg", "mailbox deleted", "path", p, "session", s.ID())
	return nil
}

// RenameMailbox moves from to to, taking inferiors along. Message UIDs and
// flags are preserved. Renaming INBOX moves its messages into a new mailbox
// and leaves INBOX empty.
func (m *Manager) RenameMailbox(ctx context.Context, s *Session, from, to Path) error {
	if !ValidName(to.Name) {
		return ErrInvalidName
	}
	if from == to {
		return ErrMailboxExists
	}
	if to.IsInbox() {
		return ErrInboxOperation
	}
	if to.IsInferiorOf(from) {
		return ErrInvalidName
	}

	mp, err := m.open(ctx, from.User)
	if err != nil {
		return err
	}
	defer mp.Close()

	all, err := mp.Mailboxes().List(ctx, from.User)
	if err != nil {
		return WrapStorage("list mailboxes", err)
	}
	lockPaths := append([]Path{from, to}, to.Superiors()...)
	if !from.IsInbox() {
		for _, mb := range all {
			if mb.Path.IsInferiorOf(from) {
				lockPaths = append(lockPaths, mb.Path, renamed(mb.Path, from, to))
			}
		}
	}
	unlock := m.locks.Lock(lockPaths...)
	defer unlock()

	var events []Event
	err = Execute(ctx, mp, func() error {
		events = events[:0]
		mailboxes := mp.Mailboxes()
		src, err := mailboxes.FindMailboxByPath(ctx, from)
		if err != nil {
			return err
		}
		if _, err := mailboxes.FindMailboxByPath(ctx, to); err == nil {
			return ErrMailboxExists
		} else if !errors.Is(err, ErrMailboxNotFound) {
			return err
		}
		for _, sup := range to.Superiors() {
			if _, err := mailboxes.FindMailboxByPath(ctx, sup); err == nil {
				continue
			} else if !errors.Is(err, ErrMailboxNotFound) {
				return err
			}
			if err := mailboxes.Save(ctx, &Mailbox{Path: sup, UIDValidity: m.nextUIDValidity()}); err != nil {
				return err
			}
		}

		if from.IsInbox() {
			ev, err := m.moveInbox(ctx, mp, s, src, to)
			if err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		}

		children, err := mailboxes.List(ctx, from.User)
		if err != nil {
			return err
		}
		src.Path = to
		if m.renewUIDValidityOnRename {
			src.UIDValidity = m.nextUIDValidity()
		}
		if err := mailboxes.Save(ctx, src); err != nil {
			return err
		}
		events = append(events, NewMailboxRenamed(s.ID(), from, to))
		for _, child := range children {
			if !child.Path.IsInferiorOf(from) {
				continue
			}
			old := child.Path
			child.Path = renamed(old, from, to)
			if m.renewUIDValidityOnRename {
				child.UIDValidity = m.nextUIDValidity()
			}
			if err := mailboxes.Save(ctx, child); err != nil {
				return err
			}
			events = append(events, NewMailboxRenamed(s.ID(), old, child.Path))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, ev := range events {
		m.dispatcher.Dispatch(ev)
	}
	level.Debug(m.logger).Log("msg", "mailbox renamed", "from", from, "to", to, "session", s.ID())
	return nil
}

func (m *Manager) moveInbox(ctx context.Context, mp Mappers, s *Session, inbox *Mailbox, to Path) (Event, error) {
	dst := &Mailbox{Path: to, UIDValidity: m.nextUIDValidity(), LastUID: inbox.LastUID}
	if err := mp.Mailboxes().Save(ctx, dst); err != nil {
		return nil, err
	}
	msgs, err := mp.Messages().FindInMailbox(ctx, inbox, All(), FetchFull)
	if err != nil {
		return nil, err
	}
	uids := make([]uint32, 0, len(msgs))
	for _, msg := range msgs {
		moved := msg.Clone()
		moved.MailboxID = dst.ID
		if err := mp.Messages().Save(ctx, dst, moved); err != nil {
			return nil, err
		}
		if err := mp.Messages().Delete(ctx, inbox, msg.UID); err != nil {
			return nil, err
		}
		uids = append(uids, msg.UID)
	}
	return NewExpunged(s.ID(), inbox.Path, uids), nil
}

func renamed(p, from, to Path) Path {
	return Path{Namespace: to.Namespace, User: to.User, Name: to.Name + strings.TrimPrefix(p.Name, from.Name)}
}

// MailboxExists reports whether p exists.
func (m *Manager) MailboxExists(ctx context.Context, s *Session, p Path) (bool, error) {
	mp, err := m.open(ctx, p.User)
	if err != nil {
		return false, err
	}
	defer mp.Close()
	_, err = mp.Mailboxes().FindMailboxByPath(ctx, p)
	if errors.Is(err, ErrMailboxNotFound) {
		return false, nil
	}
	if err != nil {
		return false, WrapStorage("find mailbox", err)
	}
	return true, nil
}

// List returns the session user's mailboxes matching reference and pattern,
// INBOX first and the rest by name.
func (m *Manager) List(ctx context.Context, s *Session, reference, pattern string) ([]ListEntry, error) {
	mp, err := m.open(ctx, s.User())
	if err != nil {
		return nil, err
	}
	defer mp.Close()
	all, err := mp.Mailboxes().List(ctx, s.User())
	if err != nil {
		return nil, WrapStorage("list mailboxes", err)
	}

	canonical := CanonicalPattern(reference, pattern)
	var out []ListEntry
	for _, mb := range all {
		if !MatchPattern(mb.Path.Name, canonical) {
			continue
		}
		entry := ListEntry{Path: mb.Path}
		for _, other := range all {
			if other.Path.IsInferiorOf(mb.Path) {
				entry.HasChildren = true
				break
			}
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Path, out[j].Path
		if a.IsInbox() != b.IsInbox() {
			return a.IsInbox()
		}
		return a.Name < b.Name
	})
	return out, nil
}

// Subscribe records a subscription. Subscribing twice is not an error.
func (m *Manager) Subscribe(ctx context.Context, s *Session, name string) error {
	mp, err := m.open(ctx, s.User())
	if err != nil {
		return err
	}
	defer mp.Close()
	return Execute(ctx, mp, func() error {
		return mp.Subscriptions().Save(ctx, Subscription{User: s.User(), Mailbox: NormalizeName(name)})
	})
}

// Unsubscribe fails with ErrSubscriptionNotFound when there is nothing to remove.
func (m *Manager) Unsubscribe(ctx context.Context, s *Session, name string) error {
	mp, err := m.open(ctx, s.User())
	if err != nil {
		return err
	}
	defer mp.Close()
	return Execute(ctx, mp, func() error {
		sub, err := mp.Subscriptions().FindMailboxSubscriptionForUser(ctx, s.User(), NormalizeName(name))
		if err != nil {
			return err
		}
		return mp.Subscriptions().Delete(ctx, *sub)
	})
}

// Subscriptions lists the session user's subscribed mailbox names.
func (m *Manager) Subscriptions(ctx context.Context, s *Session) ([]string, error) {
	mp, err := m.open(ctx, s.User())
	if err != nil {
		return nil, err
	}
	defer mp.Close()
	subs, err := mp.Subscriptions().FindSubscriptionsForUser(ctx, s.User())
	if err != nil {
		return nil, WrapStorage("find subscriptions", err)
	}
	names := make([]string, 0, len(subs))
	for _, sub := range subs {
		names = append(names, sub.Mailbox)
	}
	sort.Strings(names)
	return names, nil
}

// GetMailbox opens p for message operations.
func (m *Manager) GetMailbox(ctx context.Context, s *Session, p Path) (*MessageManager, error) {
	mp, err := m.open(ctx, p.User)
	if err != nil {
		return nil, err
	}
	defer mp.Close()
	mb, err := mp.Mailboxes().FindMailboxByPath(ctx, p)
	if err != nil {
		return nil, WrapStorage("find mailbox", err)
	}
	return &MessageManager{manager: m, id: mb.ID, user: p.User}, nil
}
