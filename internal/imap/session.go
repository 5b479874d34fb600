package imap

import (
	"sort"
	"sync"

	"rook/internal/mailbox"
)

// Session is the per-connection state shared by the decoder and the
// processors. It is only touched by the connection's own goroutine.
type Session struct {
	state    State
	user     string
	mailbox  *mailbox.Session
	selected *SelectedMailbox
	// RemoteAddr is kept for logging.
	RemoteAddr string
}

func NewSession() *Session {
	return &Session{state: StateNotAuthenticated}
}

func (s *Session) State() State { return s.state }

// User is the authenticated user, empty before login.
func (s *Session) User() string { return s.user }

// MailboxSession identifies this connection to the mailbox manager.
func (s *Session) MailboxSession() *mailbox.Session { return s.mailbox }

func (s *Session) Selected() *SelectedMailbox { return s.selected }

// Authenticated moves the session to AUTHENTICATED for user.
func (s *Session) Authenticated(user string, ms *mailbox.Session) {
	s.user = user
	s.mailbox = ms
	s.state = StateAuthenticated
}

// Select makes sm the selected mailbox. The caller deselects any previous
// mailbox first.
func (s *Session) Select(sm *SelectedMailbox) {
	s.selected = sm
	s.state = StateSelected
}

// Deselect drops the selected mailbox and returns it so the caller can
// unregister its listener.
func (s *Session) Deselect() *SelectedMailbox {
	sm := s.selected
	s.selected = nil
	if s.state == StateSelected {
		s.state = StateAuthenticated
	}
	return sm
}

// Logout marks the session finished; the transport closes the connection
// after writing the pending responses.
func (s *Session) Logout() {
	s.state = StateLogout
}

// SelectedMailbox is the session's view of its selected mailbox: the
// message sequence number mapping as last reported to the client, the
// messages recent to this session and the analyser collecting changes
// that still have to be reported.
type SelectedMailbox struct {
	Messages *mailbox.MessageManager
	Analyser *mailbox.EventAnalyser
	ReadOnly bool

	mu     sync.Mutex
	uids   []uint32
	recent map[uint32]struct{}
}

// NewSelectedMailbox starts with the given UIDs, ascending, and recent set.
func NewSelectedMailbox(mm *mailbox.MessageManager, analyser *mailbox.EventAnalyser, readOnly bool, uids, recent []uint32) *SelectedMailbox {
	sm := &SelectedMailbox{
		Messages: mm,
		Analyser: analyser,
		ReadOnly: readOnly,
		uids:     append([]uint32(nil), uids...),
		recent:   make(map[uint32]struct{}, len(recent)),
	}
	for _, uid := range recent {
		sm.recent[uid] = struct{}{}
	}
	return sm
}

// Path follows renames of the selected mailbox.
func (sm *SelectedMailbox) Path() mailbox.Path {
	return sm.Analyser.Path()
}

// Exists is the number of messages the client knows about.
func (sm *SelectedMailbox) Exists() uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return uint32(len(sm.uids))
}

// UIDs returns the known UIDs in sequence order.
func (sm *SelectedMailbox) UIDs() []uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]uint32(nil), sm.uids...)
}

// MSN maps a UID to its message sequence number.
func (sm *SelectedMailbox) MSN(uid uint32) (uint32, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.msnLocked(uid)
}

func (sm *SelectedMailbox) msnLocked(uid uint32) (uint32, bool) {
	i := sort.Search(len(sm.uids), func(i int) bool { return sm.uids[i] >= uid })
	if i < len(sm.uids) && sm.uids[i] == uid {
		return uint32(i + 1), true
	}
	return 0, false
}

// UID maps a message sequence number to its UID.
func (sm *SelectedMailbox) UID(msn uint32) (uint32, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if msn == 0 || int(msn) > len(sm.uids) {
		return 0, false
	}
	return sm.uids[msn-1], true
}

// Add appends newly reported UIDs, keeping the list ascending.
func (sm *SelectedMailbox) Add(uids ...uint32) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, uid := range uids {
		if _, ok := sm.msnLocked(uid); ok {
			continue
		}
		sm.uids = append(sm.uids, uid)
	}
	sort.Slice(sm.uids, func(i, j int) bool { return sm.uids[i] < sm.uids[j] })
}

// Remove drops uid and returns the sequence number it had.
func (sm *SelectedMailbox) Remove(uid uint32) (uint32, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	msn, ok := sm.msnLocked(uid)
	if !ok {
		return 0, false
	}
	sm.uids = append(sm.uids[:msn-1], sm.uids[msn:]...)
	delete(sm.recent, uid)
	return msn, true
}

// AddRecent marks uids recent to this session.
func (sm *SelectedMailbox) AddRecent(uids ...uint32) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, uid := range uids {
		sm.recent[uid] = struct{}{}
	}
}

func (sm *SelectedMailbox) IsRecent(uid uint32) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, ok := sm.recent[uid]
	return ok
}

// RecentUIDs lists the session's recent messages, ascending.
func (sm *SelectedMailbox) RecentUIDs() []uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]uint32, 0, len(sm.recent))
	for uid := range sm.recent {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RecentCount counts recent messages the client knows about.
func (sm *SelectedMailbox) RecentCount() uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var n uint32
	for uid := range sm.recent {
		if _, ok := sm.msnLocked(uid); ok {
			n++
		}
	}
	return n
}

// ResolveSeqSet maps a sequence set to UIDs the client knows about.
// Numbers beyond the mailbox are ignored.
func (sm *SelectedMailbox) ResolveSeqSet(set SequenceSet) []uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	n := uint32(len(sm.uids))
	if n == 0 {
		return nil
	}
	seen := make(map[uint32]bool)
	var out []uint32
	for _, r := range set {
		start, stop := r.Bounds(n)
		if stop > n {
			stop = n
		}
		for msn := start; msn <= stop && msn >= 1; msn++ {
			uid := sm.uids[msn-1]
			if !seen[uid] {
				seen[uid] = true
				out = append(out, uid)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ResolveUIDSet returns the known UIDs inside set. '*' is the highest
// known UID, so "n:*" always includes it.
func (sm *SelectedMailbox) ResolveUIDSet(set SequenceSet) []uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if len(sm.uids) == 0 {
		return nil
	}
	max := sm.uids[len(sm.uids)-1]
	var out []uint32
	for _, uid := range sm.uids {
		for _, r := range set {
			start, stop := r.Bounds(max)
			if uid >= start && uid <= stop {
				out = append(out, uid)
				break
			}
		}
	}
	return out
}

// SequenceRanges resolves a sequence set carried in search criteria as
// message ranges. Zero bounds stand for '*'.
func (sm *SelectedMailbox) SequenceRanges(ranges []mailbox.MessageRange) []uint32 {
	set := make(SequenceSet, 0, len(ranges))
	for _, r := range ranges {
		switch r.Type {
		case mailbox.RangeAll:
			set = append(set, SeqRange{Start: 1, Stop: 0})
		case mailbox.RangeFrom:
			set = append(set, SeqRange{Start: r.From, Stop: 0})
		default:
			set = append(set, SeqRange{Start: r.From, Stop: r.To})
		}
	}
	return sm.ResolveSeqSet(set)
}
