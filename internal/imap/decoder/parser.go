package decoder

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-imap/utf7"

	"rook/internal/imap"
)

// syntaxError is a malformed argument; the command is answered with BAD.
type syntaxError struct {
	msg string
}

func (e *syntaxError) Error() string { return e.msg }

func errSyntax(format string, args ...interface{}) error {
	return &syntaxError{msg: fmt.Sprintf(format, args...)}
}

// parser is a cursor over one assembled command.
type parser struct {
	buf []byte
	pos int
}

func newParser(buf []byte) *parser {
	return &parser{buf: buf}
}

func (p *parser) atEnd() bool { return p.pos >= len(p.buf) }

func (p *parser) peek() byte {
	if p.atEnd() {
		return 0
	}
	return p.buf[p.pos]
}

func (p *parser) expect(c byte) error {
	if p.peek() != c || p.atEnd() {
		return errSyntax("expected %q at offset %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *parser) sp() error { return p.expect(' ') }

// maybe consumes c if it is next.
func (p *parser) maybe(c byte) bool {
	if !p.atEnd() && p.buf[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

// end requires the command to be fully consumed.
func (p *parser) end() error {
	if !p.atEnd() {
		return errSyntax("unexpected trailing characters %q", p.buf[p.pos:])
	}
	return nil
}

// token reads up to the next space.
func (p *parser) token() string {
	start := p.pos
	for !p.atEnd() && p.buf[p.pos] != ' ' {
		p.pos++
	}
	return string(p.buf[start:p.pos])
}

// takeWhile reads the longest run of bytes satisfying ok.
func (p *parser) takeWhile(ok func(byte) bool) string {
	start := p.pos
	for !p.atEnd() && ok(p.buf[p.pos]) {
		p.pos++
	}
	return string(p.buf[start:p.pos])
}

func (p *parser) atom() (string, error) {
	s := p.takeWhile(imap.IsAtomChar)
	if s == "" {
		return "", errSyntax("expected atom at offset %d", p.pos)
	}
	return s, nil
}

func (p *parser) number() (uint32, error) {
	s := p.takeWhile(isDigit)
	if s == "" {
		return 0, errSyntax("expected number at offset %d", p.pos)
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errSyntax("number %s out of range", s)
	}
	return uint32(n), nil
}

func (p *parser) quoted() (string, error) {
	if err := p.expect('"'); err != nil {
		return "", err
	}
	var b strings.Builder
	for {
		if p.atEnd() {
			return "", errSyntax("unterminated quoted string")
		}
		c := p.buf[p.pos]
		p.pos++
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			if p.atEnd() {
				return "", errSyntax("unterminated quoted string")
			}
			next := p.buf[p.pos]
			if next != '"' && next != '\\' {
				return "", errSyntax("invalid escape in quoted string")
			}
			b.WriteByte(next)
			p.pos++
		case '\r', '\n':
			return "", errSyntax("line break in quoted string")
		default:
			b.WriteByte(c)
		}
	}
}

// literal reads "{n}" or "{n+}", the CRLF and the n octets the reader
// inlined after it.
func (p *parser) literal() ([]byte, error) {
	if err := p.expect('{'); err != nil {
		return nil, err
	}
	n, err := p.number()
	if err != nil {
		return nil, err
	}
	p.maybe('+')
	if err := p.expect('}'); err != nil {
		return nil, err
	}
	if err := p.expect('\r'); err != nil {
		return nil, err
	}
	if err := p.expect('\n'); err != nil {
		return nil, err
	}
	if uint64(len(p.buf)-p.pos) < uint64(n) {
		return nil, errSyntax("literal shorter than announced")
	}
	data := p.buf[p.pos : p.pos+int(n)]
	p.pos += int(n)
	return data, nil
}

// str reads a quoted string or a literal.
func (p *parser) str() (string, error) {
	switch p.peek() {
	case '"':
		return p.quoted()
	case '{':
		b, err := p.literal()
		return string(b), err
	}
	return "", errSyntax("expected string at offset %d", p.pos)
}

// astring reads an atom (']' allowed), a quoted string or a literal.
func (p *parser) astring() (string, error) {
	switch p.peek() {
	case '"', '{':
		return p.str()
	}
	s := p.takeWhile(isAStringChar)
	if s == "" {
		return "", errSyntax("expected astring at offset %d", p.pos)
	}
	return s, nil
}

// mailbox reads a mailbox name and decodes modified UTF-7.
func (p *parser) mailbox() (string, error) {
	s, err := p.astring()
	if err != nil {
		return "", err
	}
	return decodeMailbox(s)
}

// listMailbox reads a LIST pattern, which may carry the '%' and '*'
// wildcards unquoted.
func (p *parser) listMailbox() (string, error) {
	var s string
	switch p.peek() {
	case '"', '{':
		var err error
		if s, err = p.str(); err != nil {
			return "", err
		}
	default:
		s = p.takeWhile(func(c byte) bool { return isAStringChar(c) || c == '%' || c == '*' })
		if s == "" {
			return "", errSyntax("expected mailbox pattern at offset %d", p.pos)
		}
	}
	return decodeMailbox(s)
}

func decodeMailbox(s string) (string, error) {
	if strings.EqualFold(s, "INBOX") {
		return "INBOX", nil
	}
	name, err := utf7.Encoding.NewDecoder().String(s)
	if err != nil {
		if utf8.ValidString(s) {
			return s, nil
		}
		return "", errSyntax("invalid mailbox name encoding")
	}
	return name, nil
}

// flag reads a system flag or keyword.
func (p *parser) flag() (string, error) {
	prefix := ""
	if p.maybe('\\') {
		prefix = `\`
	}
	s, err := p.atom()
	if err != nil {
		return "", errSyntax("expected flag at offset %d", p.pos)
	}
	return prefix + s, nil
}

// flagList reads "(flag *(SP flag))", possibly empty.
func (p *parser) flagList() ([]string, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	flags := []string{}
	if p.maybe(')') {
		return flags, nil
	}
	for {
		f, err := p.flag()
		if err != nil {
			return nil, err
		}
		flags = append(flags, f)
		if p.maybe(')') {
			return flags, nil
		}
		if err := p.sp(); err != nil {
			return nil, err
		}
	}
}

func (p *parser) sequenceSet() (imap.SequenceSet, error) {
	s := p.takeWhile(func(c byte) bool { return isDigit(c) || c == ':' || c == ',' || c == '*' })
	set, err := imap.ParseSequenceSet(s)
	if err != nil {
		return nil, errSyntax("%v", err)
	}
	return set, nil
}

// date reads a search date, "1-Feb-1994", optionally quoted.
func (p *parser) date() (time.Time, error) {
	var s string
	if p.peek() == '"' {
		var err error
		if s, err = p.quoted(); err != nil {
			return time.Time{}, err
		}
	} else {
		s = p.takeWhile(func(c byte) bool { return c != ' ' && c != ')' })
	}
	t, err := time.Parse("2-Jan-2006", s)
	if err != nil {
		return time.Time{}, errSyntax("invalid date %q", s)
	}
	return t, nil
}

// dateTime reads an APPEND date-time, "17-Jul-1996 02:44:25 -0700".
func (p *parser) dateTime() (time.Time, error) {
	s, err := p.quoted()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse("_2-Jan-2006 15:04:05 -0700", s)
	if err != nil {
		return time.Time{}, errSyntax("invalid date-time %q", s)
	}
	return t, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isAStringChar(c byte) bool { return imap.IsAtomChar(c) || c == ']' }
