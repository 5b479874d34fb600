package mailbox

import (
	"bufio"
	"bytes"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// SearchKey is the kind of a search Criterion.
type SearchKey int

const (
	SearchAll SearchKey = iota
	SearchFlag
	SearchNoFlag
	SearchKeyword
	SearchNoKeyword
	SearchBefore
	SearchOn
	SearchSince
	SearchSentBefore
	SearchSentOn
	SearchSentSince
	SearchLarger
	SearchSmaller
	SearchUID
	// SearchSequence and SearchRecent depend on session state and must be
	// resolved with SearchQuery.Resolve before the query reaches a mapper.
	SearchSequence
	SearchRecent
	SearchHeader
	SearchBody
	SearchText
	SearchNot
	SearchOr
	SearchAnd
)

// Criterion is one node of a search tree.
type Criterion struct {
	Key     SearchKey
	Flag    SystemFlags
	Keyword string
	Date    time.Time
	Size    int64
	Ranges  []MessageRange
	Field   string
	Value   string
	Sub     []Criterion
}

// SearchQuery matches messages satisfying every criterion.
type SearchQuery struct {
	Criteria []Criterion
}

// NeedsContent reports whether matching requires message octets.
func (q *SearchQuery) NeedsContent() bool {
	return anyNeedsContent(q.Criteria)
}

func anyNeedsContent(cs []Criterion) bool {
	for _, c := range cs {
		switch c.Key {
		case SearchSentBefore, SearchSentOn, SearchSentSince, SearchHeader, SearchBody, SearchText:
			return true
		case SearchNot, SearchOr, SearchAnd:
			if anyNeedsContent(c.Sub) {
				return true
			}
		}
	}
	return false
}

// Resolve replaces session-relative criteria with UID sets. seqToUIDs maps
// message sequence ranges to the UIDs they currently denote.
func (q *SearchQuery) Resolve(seqToUIDs func([]MessageRange) []uint32, recent []uint32) *SearchQuery {
	return &SearchQuery{Criteria: resolveAll(q.Criteria, seqToUIDs, recent)}
}

func resolveAll(cs []Criterion, seqToUIDs func([]MessageRange) []uint32, recent []uint32) []Criterion {
	out := make([]Criterion, len(cs))
	for i, c := range cs {
		switch c.Key {
		case SearchSequence:
			c = Criterion{Key: SearchUID, Ranges: RangesFor(seqToUIDs(c.Ranges))}
		case SearchRecent:
			c = Criterion{Key: SearchUID, Ranges: RangesFor(recent)}
		case SearchNot, SearchOr, SearchAnd:
			c.Sub = resolveAll(c.Sub, seqToUIDs, recent)
		}
		out[i] = c
	}
	return out
}

// Matches evaluates the query against a message loaded with enough detail
// (see NeedsContent).
func (q *SearchQuery) Matches(m *Message) bool {
	pm := &parsedMessage{msg: m}
	for _, c := range q.Criteria {
		if !c.matches(pm) {
			return false
		}
	}
	return true
}

type parsedMessage struct {
	msg    *Message
	parsed bool
	header message.Header
}

func (p *parsedMessage) headers() message.Header {
	if !p.parsed {
		p.parsed = true
		h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(p.msg.Header())))
		if err == nil {
			p.header = message.Header{Header: h}
		}
	}
	return p.header
}

func (c Criterion) matches(p *parsedMessage) bool {
	m := p.msg
	switch c.Key {
	case SearchAll:
		return true
	case SearchFlag:
		return m.Flags.Has(c.Flag)
	case SearchNoFlag:
		return !m.Flags.Has(c.Flag)
	case SearchKeyword:
		return m.Flags.HasUser(c.Keyword)
	case SearchNoKeyword:
		return !m.Flags.HasUser(c.Keyword)
	case SearchBefore:
		return dateOnly(m.InternalDate).Before(dateOnly(c.Date))
	case SearchOn:
		return dateOnly(m.InternalDate).Equal(dateOnly(c.Date))
	case SearchSince:
		return !dateOnly(m.InternalDate).Before(dateOnly(c.Date))
	case SearchSentBefore, SearchSentOn, SearchSentSince:
		sent, err := (&mail.Header{Header: p.headers()}).Date()
		if err != nil || sent.IsZero() {
			return false
		}
		d, want := dateOnly(sent), dateOnly(c.Date)
		switch c.Key {
		case SearchSentBefore:
			return d.Before(want)
		case SearchSentOn:
			return d.Equal(want)
		default:
			return !d.Before(want)
		}
	case SearchLarger:
		return m.Size > c.Size
	case SearchSmaller:
		return m.Size < c.Size
	case SearchUID:
		for _, r := range c.Ranges {
			if r.Includes(m.UID) {
				return true
			}
		}
		return false
	case SearchHeader:
		h := p.headers()
		if !h.Has(c.Field) {
			return false
		}
		if c.Value == "" {
			return true
		}
		for _, raw := range h.Values(c.Field) {
			if containsFold(decodeHeader(raw), c.Value) {
				return true
			}
		}
		return false
	case SearchBody:
		return containsFold(string(m.Body()), c.Value)
	case SearchText:
		return containsFold(string(m.Content), c.Value)
	case SearchNot:
		return len(c.Sub) == 1 && !c.Sub[0].matches(p)
	case SearchOr:
		return len(c.Sub) == 2 && (c.Sub[0].matches(p) || c.Sub[1].matches(p))
	case SearchAnd:
		for _, sub := range c.Sub {
			if !sub.matches(p) {
				return false
			}
		}
		return true
	}
	return false
}

func decodeHeader(raw string) string {
	var h message.Header
	h.Set("X-Decode", raw)
	if text, err := h.Text("X-Decode"); err == nil {
		return text
	}
	return raw
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
