package mailbox

import (
	"sync"
)

// Event describes a committed change to one mailbox. SessionID is the
// session that caused it; 0 means a delivery or other non-session origin.
type Event interface {
	SessionID() int64
	Path() Path
}

type origin struct {
	sessionID int64
	path      Path
}

func (o origin) SessionID() int64 { return o.sessionID }
func (o origin) Path() Path       { return o.path }

// Added is raised after messages were appended or copied in.
type Added struct {
	origin
	UIDs []uint32
}

// FlagUpdate is the before/after flag state of one message.
type FlagUpdate struct {
	UID uint32
	Old Flags
	New Flags
}

// FlagsUpdated is raised after a STORE or an implicit \Seen or \Recent change.
type FlagsUpdated struct {
	origin
	Updates []FlagUpdate
}

// Expunged is raised after messages were permanently removed.
type Expunged struct {
	origin
	UIDs []uint32
}

// MailboxDeleted is raised after the mailbox itself was removed.
type MailboxDeleted struct {
	origin
}

// MailboxRenamed is raised after Path was renamed to NewPath.
type MailboxRenamed struct {
	origin
	NewPath Path
}

func NewAdded(sessionID int64, p Path, uids []uint32) *Added {
	return &Added{origin: origin{sessionID, p}, UIDs: uids}
}

func NewFlagsUpdated(sessionID int64, p Path, updates []FlagUpdate) *FlagsUpdated {
	return &FlagsUpdated{origin: origin{sessionID, p}, Updates: updates}
}

func NewExpunged(sessionID int64, p Path, uids []uint32) *Expunged {
	return &Expunged{origin: origin{sessionID, p}, UIDs: uids}
}

func NewMailboxDeleted(sessionID int64, p Path) *MailboxDeleted {
	return &MailboxDeleted{origin: origin{sessionID, p}}
}

func NewMailboxRenamed(sessionID int64, from, to Path) *MailboxRenamed {
	return &MailboxRenamed{origin: origin{sessionID, from}, NewPath: to}
}

// Listener receives events for the path it was registered on. Listeners are
// compared by identity on removal, so implementations should be pointers.
type Listener interface {
	Event(ev Event)
}

// Dispatcher delivers events synchronously to the listeners registered for
// the event's path. Dispatch returns only after every listener has seen the
// event, which is what lets a command's own tagged response trail the
// notification of every other session.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{listeners: make(map[string][]Listener)}
}

func (d *Dispatcher) AddListener(p Path, l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[p.Key()] = append(d.listeners[p.Key()], l)
}

func (d *Dispatcher) RemoveListener(p Path, l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := p.Key()
	ls := d.listeners[key]
	for i, cur := range ls {
		if cur == l {
			ls = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(ls) == 0 {
		delete(d.listeners, key)
		return
	}
	d.listeners[key] = ls
}

// Dispatch notifies listeners outside the registry lock so a listener may
// add or remove registrations while handling an event. A rename moves the
// registrations to the new path after the listeners were told.
func (d *Dispatcher) Dispatch(ev Event) {
	key := ev.Path().Key()

	d.mu.RLock()
	ls := append([]Listener(nil), d.listeners[key]...)
	d.mu.RUnlock()

	for _, l := range ls {
		l.Event(ev)
	}

	switch e := ev.(type) {
	case *MailboxRenamed:
		d.mu.Lock()
		moved := d.listeners[key]
		delete(d.listeners, key)
		newKey := e.NewPath.Key()
		d.listeners[newKey] = append(d.listeners[newKey], moved...)
		d.mu.Unlock()
	case *MailboxDeleted:
		d.mu.Lock()
		delete(d.listeners, key)
		d.mu.Unlock()
	}
}

// listenerCount is used by tests.
func (d *Dispatcher) listenerCount(p Path) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[p.Key()])
}
