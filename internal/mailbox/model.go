package mailbox

import (
	"bytes"
	"io"
	"sort"
	"strings"
	"time"
)

const (
	// Delimiter separates hierarchy levels in mailbox names.
	Delimiter = "/"

	// PrivateNamespace is the only namespace served: every user owns their own tree.
	PrivateNamespace = "#private"

	// Inbox is the canonical spelling of the user's INBOX.
	Inbox = "INBOX"
)

// Path identifies a mailbox across users.
type Path struct {
	Namespace string
	User      string
	Name      string
}

// NewPath builds a private path for user, normalizing any spelling of INBOX.
func NewPath(user, name string) Path {
	return Path{Namespace: PrivateNamespace, User: user, Name: NormalizeName(name)}
}

// NormalizeName uppercases INBOX (and the INBOX prefix of its inferiors) and
// strips a single trailing delimiter.
func NormalizeName(name string) string {
	name = strings.TrimSuffix(name, Delimiter)
	if strings.EqualFold(name, Inbox) {
		return Inbox
	}
	if len(name) > len(Inbox) && strings.EqualFold(name[:len(Inbox)], Inbox) && strings.HasPrefix(name[len(Inbox):], Delimiter) {
		return Inbox + name[len(Inbox):]
	}
	return name
}

// Key returns the string used for locking and listener registration.
func (p Path) Key() string {
	return p.Namespace + "\x00" + p.User + "\x00" + p.Name
}

func (p Path) String() string {
	return p.Namespace + ":" + p.User + ":" + p.Name
}

// IsInbox reports whether p is the user's INBOX.
func (p Path) IsInbox() bool {
	return p.Name == Inbox
}

// Parent returns the immediate superior of p, if any.
func (p Path) Parent() (Path, bool) {
	i := strings.LastIndex(p.Name, Delimiter)
	if i <= 0 {
		return Path{}, false
	}
	return Path{Namespace: p.Namespace, User: p.User, Name: p.Name[:i]}, true
}

// Superiors lists every ancestor of p, outermost first.
func (p Path) Superiors() []Path {
	var out []Path
	for cur, ok := p.Parent(); ok; cur, ok = cur.Parent() {
		out = append(out, cur)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// IsInferiorOf reports whether p lies somewhere below other in the hierarchy.
func (p Path) IsInferiorOf(other Path) bool {
	return p.Namespace == other.Namespace && p.User == other.User &&
		strings.HasPrefix(p.Name, other.Name+Delimiter)
}

// Mailbox is a persisted mailbox. LastUID is the highest UID handed out so far.
type Mailbox struct {
	ID          int64
	Path        Path
	UIDValidity uint32
	LastUID     uint32
}

// UIDNext is the UID the next appended message will receive.
func (m *Mailbox) UIDNext() uint32 {
	return m.LastUID + 1
}

// Clone returns a copy safe to hand to another goroutine.
func (m *Mailbox) Clone() *Mailbox {
	c := *m
	return &c
}

// Message is a message stored in one mailbox.
type Message struct {
	MailboxID    int64
	UID          uint32
	InternalDate time.Time
	Size         int64
	Flags        Flags

	// Content holds the full RFC 5322 octets. It may be nil when the message
	// was loaded with FetchMetadata.
	Content []byte
}

// Reader returns a fresh reader over the message content. It can be called
// any number of times.
func (m *Message) Reader() io.Reader {
	return bytes.NewReader(m.Content)
}

// Header returns the header block including the blank separator line.
func (m *Message) Header() []byte {
	return m.Content[:headerEnd(m.Content)]
}

// Body returns the octets after the header block.
func (m *Message) Body() []byte {
	return m.Content[headerEnd(m.Content):]
}

func headerEnd(b []byte) int {
	if bytes.HasPrefix(b, []byte("\r\n")) {
		return 2
	}
	if bytes.HasPrefix(b, []byte("\n")) {
		return 1
	}
	if i := bytes.Index(b, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	if i := bytes.Index(b, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	return len(b)
}

// Clone copies the message, including its flags. Content bytes are shared
// since they are never mutated after creation.
func (m *Message) Clone() *Message {
	c := *m
	c.Flags = m.Flags.Clone()
	return &c
}

// FetchType tells a MessageMapper how much of a message must be loaded.
type FetchType int

const (
	FetchMetadata FetchType = iota
	FetchHeaders
	FetchFull
)

// RangeType distinguishes the shapes of a MessageRange.
type RangeType int

const (
	RangeAll RangeType = iota
	RangeOne
	RangeFrom
	RangeInterval
)

// MessageRange selects messages by UID.
type MessageRange struct {
	Type RangeType
	From uint32
	To   uint32
}

func All() MessageRange { return MessageRange{Type: RangeAll} }
func One(uid uint32) MessageRange { return MessageRange{Type: RangeOne, From: uid, To: uid} }
func From(uid uint32) MessageRange { return MessageRange{Type: RangeFrom, From: uid} }
func Interval(from, to uint32) MessageRange {
	if from > to {
		from, to = to, from
	}
	return MessageRange{Type: RangeInterval, From: from, To: to}
}

// Includes reports whether uid falls inside r.
func (r MessageRange) Includes(uid uint32) bool {
	switch r.Type {
	case RangeAll:
		return true
	case RangeOne:
		return uid == r.From
	case RangeFrom:
		return uid >= r.From
	default:
		return uid >= r.From && uid <= r.To
	}
}

// RangesFor compresses a set of UIDs into the smallest list of ranges
// covering exactly those UIDs.
func RangesFor(uids []uint32) []MessageRange {
	if len(uids) == 0 {
		return nil
	}
	sorted := append([]uint32(nil), uids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var out []MessageRange
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if start == prev {
			out = append(out, One(start))
		} else {
			out = append(out, Interval(start, prev))
		}
	}
	for _, uid := range sorted[1:] {
		if uid == prev {
			continue
		}
		if uid == prev+1 {
			prev = uid
			continue
		}
		flush()
		start, prev = uid, uid
	}
	flush()
	return out
}

// Subscription records that User subscribed to Mailbox for LSUB.
type Subscription struct {
	User    string
	Mailbox string
}

// MetaData summarizes a mailbox for SELECT, EXAMINE and STATUS.
type MetaData struct {
	UIDValidity uint32
	UIDNext     uint32
	Messages    int
	Unseen      int
	FirstUnseen uint32
	Recent      []uint32
}
