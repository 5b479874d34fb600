package decoder

import (
	"io"
	"strings"

	"github.com/emersion/go-message/charset"

	"rook/internal/imap"
	"rook/internal/mailbox"
)

type searchParser struct {
	*parser
	charset string
}

func parseSearch(uid bool) commandParser {
	return func(p *parser, base imap.RequestBase) (imap.Request, error) {
		sp := &searchParser{parser: p}
		if err := p.sp(); err != nil {
			return nil, err
		}
		if strings.EqualFold(peekWord(p), "CHARSET") {
			p.token()
			if err := p.sp(); err != nil {
				return nil, err
			}
			cs, err := p.astring()
			if err != nil {
				return nil, err
			}
			if err := checkCharset(cs); err != nil {
				return nil, err
			}
			sp.charset = cs
			if err := p.sp(); err != nil {
				return nil, err
			}
		}

		q := &mailbox.SearchQuery{}
		for {
			c, err := sp.key()
			if err != nil {
				return nil, err
			}
			q.Criteria = append(q.Criteria, c)
			if !p.maybe(' ') {
				break
			}
		}
		return &imap.SearchRequest{RequestBase: base, UID: uid, Query: q}, nil
	}
}

// peekWord returns the next space-delimited word without consuming it.
func peekWord(p *parser) string {
	pos := p.pos
	w := p.token()
	p.pos = pos
	return w
}

func isUTF8(cs string) bool {
	return strings.EqualFold(cs, "UTF-8") || strings.EqualFold(cs, "US-ASCII")
}

func checkCharset(cs string) error {
	if isUTF8(cs) {
		return nil
	}
	if _, err := charset.Reader(cs, strings.NewReader("")); err != nil {
		return errBadCharset
	}
	return nil
}

// string reads a search argument and converts it from the CHARSET.
func (sp *searchParser) string() (string, error) {
	s, err := sp.astring()
	if err != nil || sp.charset == "" || isUTF8(sp.charset) {
		return s, err
	}
	r, err := charset.Reader(sp.charset, strings.NewReader(s))
	if err != nil {
		return "", errBadCharset
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", errSyntax("cannot decode %s argument", sp.charset)
	}
	return string(b), nil
}

var flagKeys = map[string]struct {
	key  mailbox.SearchKey
	flag mailbox.SystemFlags
}{
	"ANSWERED":   {mailbox.SearchFlag, mailbox.FlagAnswered},
	"DELETED":    {mailbox.SearchFlag, mailbox.FlagDeleted},
	"DRAFT":      {mailbox.SearchFlag, mailbox.FlagDraft},
	"FLAGGED":    {mailbox.SearchFlag, mailbox.FlagFlagged},
	"SEEN":       {mailbox.SearchFlag, mailbox.FlagSeen},
	"UNANSWERED": {mailbox.SearchNoFlag, mailbox.FlagAnswered},
	"UNDELETED":  {mailbox.SearchNoFlag, mailbox.FlagDeleted},
	"UNDRAFT":    {mailbox.SearchNoFlag, mailbox.FlagDraft},
	"UNFLAGGED":  {mailbox.SearchNoFlag, mailbox.FlagFlagged},
	"UNSEEN":     {mailbox.SearchNoFlag, mailbox.FlagSeen},
}

var dateKeys = map[string]mailbox.SearchKey{
	"BEFORE":     mailbox.SearchBefore,
	"ON":         mailbox.SearchOn,
	"SINCE":      mailbox.SearchSince,
	"SENTBEFORE": mailbox.SearchSentBefore,
	"SENTON":     mailbox.SearchSentOn,
	"SENTSINCE":  mailbox.SearchSentSince,
}

var addressKeys = map[string]string{
	"FROM":    "From",
	"TO":      "To",
	"CC":      "Cc",
	"BCC":     "Bcc",
	"SUBJECT": "Subject",
}

// key reads one search-key.
func (sp *searchParser) key() (mailbox.Criterion, error) {
	p := sp.parser
	switch c := p.peek(); {
	case c == '(':
		p.pos++
		and := mailbox.Criterion{Key: mailbox.SearchAnd}
		for {
			sub, err := sp.key()
			if err != nil {
				return mailbox.Criterion{}, err
			}
			and.Sub = append(and.Sub, sub)
			if p.maybe(')') {
				return and, nil
			}
			if err := p.sp(); err != nil {
				return mailbox.Criterion{}, err
			}
		}
	case isDigit(c) || c == '*':
		set, err := p.sequenceSet()
		if err != nil {
			return mailbox.Criterion{}, err
		}
		return mailbox.Criterion{Key: mailbox.SearchSequence, Ranges: seqRanges(set)}, nil
	}

	name := strings.ToUpper(p.takeWhile(func(c byte) bool { return imap.IsAtomChar(c) }))
	if name == "" {
		return mailbox.Criterion{}, errSyntax("expected search key at offset %d", p.pos)
	}
	if f, ok := flagKeys[name]; ok {
		return mailbox.Criterion{Key: f.key, Flag: f.flag}, nil
	}
	if k, ok := dateKeys[name]; ok {
		if err := p.sp(); err != nil {
			return mailbox.Criterion{}, err
		}
		d, err := p.date()
		if err != nil {
			return mailbox.Criterion{}, err
		}
		return mailbox.Criterion{Key: k, Date: d}, nil
	}
	if field, ok := addressKeys[name]; ok {
		if err := p.sp(); err != nil {
			return mailbox.Criterion{}, err
		}
		v, err := sp.string()
		if err != nil {
			return mailbox.Criterion{}, err
		}
		return mailbox.Criterion{Key: mailbox.SearchHeader, Field: field, Value: v}, nil
	}

	switch name {
	case "ALL":
		return mailbox.Criterion{Key: mailbox.SearchAll}, nil
	case "RECENT":
		return mailbox.Criterion{Key: mailbox.SearchRecent}, nil
	case "NEW":
		return mailbox.Criterion{Key: mailbox.SearchAnd, Sub: []mailbox.Criterion{
			{Key: mailbox.SearchRecent},
			{Key: mailbox.SearchNoFlag, Flag: mailbox.FlagSeen},
		}}, nil
	case "OLD":
		return mailbox.Criterion{Key: mailbox.SearchNot, Sub: []mailbox.Criterion{{Key: mailbox.SearchRecent}}}, nil
	case "KEYWORD", "UNKEYWORD":
		if err := p.sp(); err != nil {
			return mailbox.Criterion{}, err
		}
		kw, err := p.atom()
		if err != nil {
			return mailbox.Criterion{}, err
		}
		if name == "KEYWORD" {
			return mailbox.Criterion{Key: mailbox.SearchKeyword, Keyword: kw}, nil
		}
		return mailbox.Criterion{Key: mailbox.SearchNoKeyword, Keyword: kw}, nil
	case "LARGER", "SMALLER":
		if err := p.sp(); err != nil {
			return mailbox.Criterion{}, err
		}
		n, err := p.number()
		if err != nil {
			return mailbox.Criterion{}, err
		}
		if name == "LARGER" {
			return mailbox.Criterion{Key: mailbox.SearchLarger, Size: int64(n)}, nil
		}
		return mailbox.Criterion{Key: mailbox.SearchSmaller, Size: int64(n)}, nil
	case "UID":
		if err := p.sp(); err != nil {
			return mailbox.Criterion{}, err
		}
		set, err := p.sequenceSet()
		if err != nil {
			return mailbox.Criterion{}, err
		}
		return mailbox.Criterion{Key: mailbox.SearchUID, Ranges: seqRanges(set)}, nil
	case "HEADER":
		if err := p.sp(); err != nil {
			return mailbox.Criterion{}, err
		}
		field, err := p.astring()
		if err != nil {
			return mailbox.Criterion{}, err
		}
		if err := p.sp(); err != nil {
			return mailbox.Criterion{}, err
		}
		v, err := sp.string()
		if err != nil {
			return mailbox.Criterion{}, err
		}
		return mailbox.Criterion{Key: mailbox.SearchHeader, Field: field, Value: v}, nil
	case "BODY", "TEXT":
		if err := p.sp(); err != nil {
			return mailbox.Criterion{}, err
		}
		v, err := sp.string()
		if err != nil {
			return mailbox.Criterion{}, err
		}
		if name == "BODY" {
			return mailbox.Criterion{Key: mailbox.SearchBody, Value: v}, nil
		}
		return mailbox.Criterion{Key: mailbox.SearchText, Value: v}, nil
	case "NOT":
		if err := p.sp(); err != nil {
			return mailbox.Criterion{}, err
		}
		sub, err := sp.key()
		if err != nil {
			return mailbox.Criterion{}, err
		}
		return mailbox.Criterion{Key: mailbox.SearchNot, Sub: []mailbox.Criterion{sub}}, nil
	case "OR":
		if err := p.sp(); err != nil {
			return mailbox.Criterion{}, err
		}
		a, err := sp.key()
		if err != nil {
			return mailbox.Criterion{}, err
		}
		if err := p.sp(); err != nil {
			return mailbox.Criterion{}, err
		}
		b, err := sp.key()
		if err != nil {
			return mailbox.Criterion{}, err
		}
		return mailbox.Criterion{Key: mailbox.SearchOr, Sub: []mailbox.Criterion{a, b}}, nil
	}
	return mailbox.Criterion{}, errSyntax("unknown search key %s", name)
}

// seqRanges carries a sequence set as message ranges. Ranges touching '*'
// keep their zero bound and are resolved against the selected mailbox by
// the processor; the others are normalized.
func seqRanges(set imap.SequenceSet) []mailbox.MessageRange {
	out := make([]mailbox.MessageRange, 0, len(set))
	for _, r := range set {
		if r.Start == 0 || r.Stop == 0 {
			out = append(out, mailbox.MessageRange{Type: mailbox.RangeInterval, From: r.Start, To: r.Stop})
			continue
		}
		if r.Start == r.Stop {
			out = append(out, mailbox.One(r.Start))
		} else {
			out = append(out, mailbox.Interval(r.Start, r.Stop))
		}
	}
	return out
}
