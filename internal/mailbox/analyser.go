package mailbox

import (
	"sort"
	"sync"
)

// EventAnalyser folds the event stream of one mailbox into what a session
// still has to tell its client: whether the message count changed, which
// messages changed flags and which were expunged since the last Reset.
//
// Events arrive on other sessions' goroutines, so every method locks.
type EventAnalyser struct {
	mu sync.Mutex

	sessionID int64
	path      Path
	silent    bool

	sizeChanged bool
	deleted     bool
	added       map[uint32]struct{}
	flagUIDs    map[uint32]struct{}
	expunged    map[uint32]struct{}
}

// NewEventAnalyser binds an analyser to a session and a mailbox path.
func NewEventAnalyser(sessionID int64, p Path) *EventAnalyser {
	return &EventAnalyser{
		sessionID: sessionID,
		path:      p,
		added:     make(map[uint32]struct{}),
		flagUIDs:  make(map[uint32]struct{}),
		expunged:  make(map[uint32]struct{}),
	}
}

// Event implements Listener. Events for other paths are ignored.
func (a *EventAnalyser) Event(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.Path() != a.path {
		return
	}

	switch e := ev.(type) {
	case *Added:
		a.sizeChanged = true
		for _, uid := range e.UIDs {
			a.added[uid] = struct{}{}
		}
	case *Expunged:
		a.sizeChanged = true
		for _, uid := range e.UIDs {
			a.expunged[uid] = struct{}{}
			delete(a.flagUIDs, uid)
		}
	case *FlagsUpdated:
		if a.silent && e.SessionID() == a.sessionID {
			return
		}
		for _, u := range e.Updates {
			if interestingFlagChange(u) {
				a.flagUIDs[u.UID] = struct{}{}
			}
		}
	case *MailboxDeleted:
		if e.SessionID() != a.sessionID {
			a.deleted = true
		}
	case *MailboxRenamed:
		a.path = e.NewPath
	}
}

// interestingFlagChange is true when some system flag other than \Recent
// flipped. Keyword-only and \Recent-only changes are not reported.
func interestingFlagChange(u FlagUpdate) bool {
	changed := (u.Old.System ^ u.New.System) &^ FlagRecent
	return changed != 0
}

// Path is the mailbox path currently tracked, following renames.
func (a *EventAnalyser) Path() Path {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.path
}

// SetSilentFlagChanges suppresses flag updates this session causes itself.
func (a *EventAnalyser) SetSilentFlagChanges(silent bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.silent = silent
}

// IsSizeChanged reports whether messages were added or expunged.
func (a *EventAnalyser) IsSizeChanged() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sizeChanged
}

// IsDeletedByOtherSession reports whether another session removed the mailbox.
func (a *EventAnalyser) IsDeletedByOtherSession() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deleted
}

// FlagUpdateUIDs returns the UIDs whose flags changed, ascending.
func (a *EventAnalyser) FlagUpdateUIDs() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedKeys(a.flagUIDs)
}

// ExpungedUIDs returns the expunged UIDs, ascending.
func (a *EventAnalyser) ExpungedUIDs() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedKeys(a.expunged)
}

// Reset forgets everything reported so far. Future events are still tracked.
func (a *EventAnalyser) Reset() {
	a.Take(false)
}

// Changes is a snapshot of what an analyser collected.
type Changes struct {
	Deleted     bool
	SizeChanged bool
	Added       []uint32
	FlagUIDs    []uint32
	Expunged    []uint32
}

// Take returns the collected changes and resets in one step, so events
// arriving concurrently are either in the snapshot or kept for the next
// one. With keepExpunged, used while EXPUNGE responses must not be sent
// (FETCH, STORE and SEARCH without UID), the snapshot carries no expunged
// UIDs and those UIDs and the size change they imply survive until a later
// Take reports them.
func (a *EventAnalyser) Take(keepExpunged bool) Changes {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := Changes{
		Deleted:     a.deleted,
		SizeChanged: a.sizeChanged,
		Added:       sortedKeys(a.added),
		FlagUIDs:    sortedKeys(a.flagUIDs),
	}
	clear(a.added)
	clear(a.flagUIDs)
	if keepExpunged {
		a.sizeChanged = len(a.expunged) > 0
		return c
	}
	c.Expunged = sortedKeys(a.expunged)
	clear(a.expunged)
	a.sizeChanged = false
	a.deleted = false
	return c
}

func sortedKeys(m map[uint32]struct{}) []uint32 {
	out := make([]uint32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
