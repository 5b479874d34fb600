// Package imap holds the protocol-level types shared by the decoder, the
// processor chain and the encoder chain: session state, requests,
// responses and the human readable texts carried by status responses.
package imap

import (
	"fmt"
	"strconv"
	"strings"
)

// State is the connection state of RFC 3501 section 3.
type State int

const (
	StateNotAuthenticated State = iota
	StateAuthenticated
	StateSelected
	StateLogout
)

func (s State) String() string {
	switch s {
	case StateNotAuthenticated:
		return "NOT_AUTHENTICATED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateSelected:
		return "SELECTED"
	case StateLogout:
		return "LOGOUT"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Tag is the client-chosen prefix correlating a command with its completion.
type Tag string

// Untagged marks responses that carry no tag.
const Untagged Tag = ""

// ValidTag reports whether t satisfies the tag grammar: one or more
// ASTRING-CHARs other than '+'.
func ValidTag(t string) bool {
	if t == "" {
		return false
	}
	for i := 0; i < len(t); i++ {
		c := t[i]
		if c == '+' || (!IsAtomChar(c) && c != ']') {
			return false
		}
	}
	return true
}

// IsAtomChar reports whether c may appear in an atom.
func IsAtomChar(c byte) bool {
	if c <= 0x1f || c >= 0x7f {
		return false
	}
	switch c {
	case '(', ')', '{', ' ', '%', '*', '"', '\\', ']':
		return false
	}
	return true
}

// Message is anything flowing through the pipeline: decoded requests and
// the responses processors produce.
type Message interface{}

// Responder receives the responses of one command: any number of untagged
// responses followed by exactly one tagged status response.
type Responder interface {
	Respond(m Message)
}

// Challenger is implemented by responders that can run a SASL exchange
// with the client: send a continuation request carrying challenge and
// return the client's next line.
type Challenger interface {
	Challenge(challenge []byte) (string, error)
}

// HumanReadableText is the text part of a status response. Key identifies
// the message for translation; Default is what is sent when no
// translation applies.
type HumanReadableText struct {
	Key     string
	Default string
}

func (t HumanReadableText) String() string { return t.Default }

// With returns a copy whose default text has detail appended.
func (t HumanReadableText) With(detail string) HumanReadableText {
	if detail == "" {
		return t
	}
	return HumanReadableText{Key: t.Key, Default: t.Default + ": " + detail}
}

var (
	TextCompleted          = HumanReadableText{"completed", "completed"}
	TextGreeting           = HumanReadableText{"greeting", "IMAP4rev1 Service Ready"}
	TextBye                = HumanReadableText{"logout", "IMAP4rev1 Server logging out"}
	TextIllegalTag         = HumanReadableText{"illegal.tag", "illegal tag"}
	TextUnknownCommand     = HumanReadableText{"unknown.command", "unknown command"}
	TextInvalidState       = HumanReadableText{"invalid.state", "command not valid in this state"}
	TextIllegalArguments   = HumanReadableText{"illegal.arguments", "illegal arguments"}
	TextInvalidLogin       = HumanReadableText{"invalid.login", "authentication failed"}
	TextAuthUnavailable    = HumanReadableText{"auth.unavailable", "authentication service unavailable"}
	TextAuthCancelled      = HumanReadableText{"auth.cancelled", "authentication cancelled"}
	TextUnsupportedMech    = HumanReadableText{"auth.mechanism", "unsupported authentication mechanism"}
	TextMailboxExists      = HumanReadableText{"mailbox.exists", "mailbox already exists"}
	TextMailboxNotFound    = HumanReadableText{"mailbox.notfound", "mailbox does not exist"}
	TextInvalidName        = HumanReadableText{"mailbox.name", "invalid mailbox name"}
	TextHasChildren        = HumanReadableText{"mailbox.children", "mailbox has inferior hierarchical names"}
	TextInboxOperation     = HumanReadableText{"mailbox.inbox", "operation not permitted on INBOX"}
	TextNotSubscribed      = HumanReadableText{"subscription.notfound", "not subscribed to mailbox"}
	TextMailboxDeleted     = HumanReadableText{"mailbox.deleted", "selected mailbox was deleted, closing connection"}
	TextReadOnly           = HumanReadableText{"mailbox.readonly", "mailbox is read-only"}
	TextSelectFailed       = HumanReadableText{"select.failed", "cannot select mailbox"}
	TextInvalidMessageSet  = HumanReadableText{"messageset.invalid", "invalid message set"}
	TextInvalidFlag        = HumanReadableText{"flag.invalid", "invalid flag"}
	TextBadCharset         = HumanReadableText{"search.charset", "unsupported charset"}
	TextLiteralTooLarge    = HumanReadableText{"literal.toolarge", "literal too large"}
	TextGenericFailure     = HumanReadableText{"failure.generic", "server error, please try again later"}
	TextNothingToUnselect  = HumanReadableText{"unselect.none", "no mailbox selected"}
	TextInternalError      = HumanReadableText{"failure.internal", "internal server error"}
	TextInvalidSection     = HumanReadableText{"fetch.section", "invalid body section"}
	TextConnectionTimedOut = HumanReadableText{"timeout", "idle timeout, closing connection"}
	TextShutdown           = HumanReadableText{"shutdown", "server shutting down"}
)

// Capabilities are advertised by CAPABILITY and in the greeting.
var Capabilities = []string{"IMAP4rev1", "LITERAL+", "SASL-IR", "UIDPLUS", "UNSELECT", "NAMESPACE", "AUTH=PLAIN"}

// SequenceSet is a parsed sequence-set. A zero bound stands for '*'.
type SequenceSet []SeqRange

// SeqRange is one element of a sequence set; Stop equals Start for a
// single number. Either side may be 0, meaning '*'.
type SeqRange struct {
	Start uint32
	Stop  uint32
}

// ParseSequenceSet parses "1,3:5,7:*".
func ParseSequenceSet(s string) (SequenceSet, error) {
	if s == "" {
		return nil, fmt.Errorf("empty sequence set")
	}
	var set SequenceSet
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(part, ":")
		start, err := parseSeqNumber(lo)
		if err != nil {
			return nil, err
		}
		stop := start
		if isRange {
			if stop, err = parseSeqNumber(hi); err != nil {
				return nil, err
			}
		}
		set = append(set, SeqRange{Start: start, Stop: stop})
	}
	return set, nil
}

func parseSeqNumber(s string) (uint32, error) {
	if s == "*" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid sequence number %q", s)
	}
	return uint32(n), nil
}

// Bounds resolves '*' against max and orders the range.
func (r SeqRange) Bounds(max uint32) (uint32, uint32) {
	start, stop := r.Start, r.Stop
	if start == 0 {
		start = max
	}
	if stop == 0 {
		stop = max
	}
	if start > stop {
		start, stop = stop, start
	}
	return start, stop
}

func (s SequenceSet) String() string {
	parts := make([]string, len(s))
	for i, r := range s {
		parts[i] = formatSeqNumber(r.Start)
		if r.Stop != r.Start {
			parts[i] += ":" + formatSeqNumber(r.Stop)
		}
	}
	return strings.Join(parts, ",")
}

func formatSeqNumber(n uint32) string {
	if n == 0 {
		return "*"
	}
	return strconv.FormatUint(uint64(n), 10)
}

// FormatUIDSet renders ascending uids compactly, as in "1:3,7".
func FormatUIDSet(uids []uint32) string {
	var set SequenceSet
	for _, uid := range uids {
		if n := len(set); n > 0 && set[n-1].Stop+1 == uid {
			set[n-1].Stop = uid
			continue
		}
		set = append(set, SeqRange{Start: uid, Stop: uid})
	}
	return set.String()
}
