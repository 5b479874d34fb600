package mime

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

// Section specifiers.
const (
	SpecHeader          = "HEADER"
	SpecHeaderFields    = "HEADER.FIELDS"
	SpecHeaderFieldsNot = "HEADER.FIELDS.NOT"
	SpecText            = "TEXT"
	SpecMIME            = "MIME"
)

// ErrNoSuchPart is returned for part numbers the message does not have.
var ErrNoSuchPart = errors.New("no such body part")

// Section addresses part of a message, as in BODY[1.2.HEADER].
type Section struct {
	Path      []int
	Specifier string
	Fields    []string
}

func (s Section) String() string {
	var b strings.Builder
	for i, n := range s.Path {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.Itoa(n))
	}
	if s.Specifier != "" {
		if len(s.Path) > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.Specifier)
	}
	if s.Specifier == SpecHeaderFields || s.Specifier == SpecHeaderFieldsNot {
		b.WriteString(" (")
		b.WriteString(strings.Join(s.Fields, " "))
		b.WriteByte(')')
	}
	return b.String()
}

// Extract returns the octets of section s of the message rooted at root.
func Extract(root *Part, s Section) ([]byte, error) {
	cur := root
	for _, n := range s.Path {
		ent := cur
		if ent.Message != nil {
			ent = ent.Message
		}
		switch {
		case len(ent.Children) > 0:
			if n < 1 || n > len(ent.Children) {
				return nil, ErrNoSuchPart
			}
			cur = ent.Children[n-1]
		case n == 1 && ent.Type != "multipart":
			cur = ent
		default:
			return nil, ErrNoSuchPart
		}
	}

	if s.Specifier == "" {
		if len(s.Path) == 0 {
			return append(append([]byte(nil), cur.RawHeader...), cur.Body...), nil
		}
		return cur.Body, nil
	}
	if s.Specifier == SpecMIME {
		if len(s.Path) == 0 {
			return nil, ErrNoSuchPart
		}
		return cur.RawHeader, nil
	}

	msg := cur
	if len(s.Path) > 0 {
		if cur.Message == nil {
			return nil, ErrNoSuchPart
		}
		msg = cur.Message
	}
	switch s.Specifier {
	case SpecHeader:
		return msg.RawHeader, nil
	case SpecText:
		return msg.Body, nil
	case SpecHeaderFields:
		return filterHeader(msg.RawHeader, s.Fields, false), nil
	case SpecHeaderFieldsNot:
		return filterHeader(msg.RawHeader, s.Fields, true), nil
	}
	return nil, ErrNoSuchPart
}

// filterHeader keeps the fields named in names (or, with not, all others)
// with their continuation lines, and terminates the result with a blank
// line.
func filterHeader(raw []byte, names []string, not bool) []byte {
	var out bytes.Buffer
	keep := false
	for len(raw) > 0 {
		line := raw
		if i := bytes.IndexByte(raw, '\n'); i >= 0 {
			line = raw[:i+1]
		}
		raw = raw[len(line):]

		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			break
		}
		if line[0] != ' ' && line[0] != '\t' {
			name, _, _ := bytes.Cut(line, []byte(":"))
			keep = containsFold(names, string(bytes.TrimSpace(name))) != not
		}
		if keep {
			out.Write(line)
		}
	}
	out.WriteString("\r\n")
	return out.Bytes()
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

// Slice applies a <offset.count> partial to data.
func Slice(data []byte, offset, count uint32) []byte {
	if uint64(offset) >= uint64(len(data)) {
		return data[len(data):]
	}
	end := uint64(offset) + uint64(count)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return data[offset:end]
}
