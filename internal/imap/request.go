package imap

import (
	"time"

	"rook/internal/imap/mime"
	"rook/internal/mailbox"
)

// Request is a decoded client command.
type Request interface {
	Tag() Tag
	Command() string
}

// RequestBase carries what every request has.
type RequestBase struct {
	tag     Tag
	command string
}

func NewRequestBase(tag Tag, command string) RequestBase {
	return RequestBase{tag: tag, command: command}
}

func (r RequestBase) Tag() Tag        { return r.tag }
func (r RequestBase) Command() string { return r.command }

type CapabilityRequest struct{ RequestBase }
type NoopRequest struct{ RequestBase }
type LogoutRequest struct{ RequestBase }
type CheckRequest struct{ RequestBase }
type CloseRequest struct{ RequestBase }
type UnselectRequest struct{ RequestBase }
type NamespaceRequest struct{ RequestBase }

type LoginRequest struct {
	RequestBase
	User     string
	Password string
}

// AuthenticateRequest starts a SASL exchange. InitialResponse is nil when
// the client sent none and empty for the SASL-IR "=" form.
type AuthenticateRequest struct {
	RequestBase
	Mechanism       string
	InitialResponse []byte
}

// SelectRequest covers SELECT and, with ReadOnly, EXAMINE.
type SelectRequest struct {
	RequestBase
	Mailbox  string
	ReadOnly bool
}

type CreateRequest struct {
	RequestBase
	Mailbox string
}

type DeleteRequest struct {
	RequestBase
	Mailbox string
}

type RenameRequest struct {
	RequestBase
	From string
	To   string
}

type SubscribeRequest struct {
	RequestBase
	Mailbox string
}

type UnsubscribeRequest struct {
	RequestBase
	Mailbox string
}

// ListRequest covers LIST and, with Subscribed, LSUB.
type ListRequest struct {
	RequestBase
	Reference  string
	Pattern    string
	Subscribed bool
}

// Status data items.
const (
	StatusMessages    = "MESSAGES"
	StatusRecent      = "RECENT"
	StatusUIDNext     = "UIDNEXT"
	StatusUIDValidity = "UIDVALIDITY"
	StatusUnseen      = "UNSEEN"
)

type StatusRequest struct {
	RequestBase
	Mailbox string
	Items   []string
}

type AppendRequest struct {
	RequestBase
	Mailbox string
	Flags   []string
	// Date is zero when the client gave none.
	Date    time.Time
	Message []byte
}

type ExpungeRequest struct {
	RequestBase
	// UIDs restricts UID EXPUNGE; nil for plain EXPUNGE.
	UIDs SequenceSet
}

type SearchRequest struct {
	RequestBase
	UID   bool
	Query *mailbox.SearchQuery
}

// FetchItems lists what a FETCH asked for.
type FetchItems struct {
	Flags         bool
	UID           bool
	InternalDate  bool
	Size          bool
	Envelope      bool
	Body          bool
	BodyStructure bool
	Sections      []BodySection
}

// NeedsContent reports whether the message octets must be loaded.
func (f *FetchItems) NeedsContent() bool {
	return f.Envelope || f.Body || f.BodyStructure || len(f.Sections) > 0
}

// SetsSeen reports whether the fetch implicitly sets \Seen.
func (f *FetchItems) SetsSeen() bool {
	for _, s := range f.Sections {
		if !s.Peek {
			return true
		}
	}
	return false
}

// BodySection is one BODY[...] style item.
type BodySection struct {
	// Label is the item name echoed in the response, without the
	// partial suffix, such as "BODY[HEADER]" or "RFC822.TEXT".
	Label   string
	Peek    bool
	Section mime.Section
	// Partial is nil unless <offset.count> was given.
	Partial *Partial
}

type Partial struct {
	Offset uint32
	Count  uint32
}

type FetchRequest struct {
	RequestBase
	UID   bool
	Set   SequenceSet
	Items FetchItems
}

type StoreRequest struct {
	RequestBase
	UID    bool
	Set    SequenceSet
	Mode   mailbox.FlagMode
	Silent bool
	Flags  []string
}

type CopyRequest struct {
	RequestBase
	UID     bool
	Set     SequenceSet
	Mailbox string
}
