package decoder

import (
	"strings"

	"rook/internal/imap"
	"rook/internal/imap/mime"
)

func parseFetch(uid bool) commandParser {
	return func(p *parser, base imap.RequestBase) (imap.Request, error) {
		if err := p.sp(); err != nil {
			return nil, err
		}
		set, err := p.sequenceSet()
		if err != nil {
			return nil, err
		}
		if err := p.sp(); err != nil {
			return nil, err
		}
		req := &imap.FetchRequest{RequestBase: base, UID: uid, Set: set}

		if p.maybe('(') {
			for {
				if err := fetchItem(p, &req.Items); err != nil {
					return nil, err
				}
				if p.maybe(')') {
					break
				}
				if err := p.sp(); err != nil {
					return nil, err
				}
			}
		} else if err := fetchItem(p, &req.Items); err != nil {
			return nil, err
		}
		if uid {
			req.Items.UID = true
		}
		return req, nil
	}
}

func fetchItem(p *parser, items *imap.FetchItems) error {
	name := strings.ToUpper(p.takeWhile(func(c byte) bool {
		return c != ' ' && c != '(' && c != ')' && c != '[' && c != '<'
	}))
	switch name {
	case "ALL":
		items.Flags, items.InternalDate, items.Size, items.Envelope = true, true, true, true
	case "FAST":
		items.Flags, items.InternalDate, items.Size = true, true, true
	case "FULL":
		items.Flags, items.InternalDate, items.Size, items.Envelope, items.Body = true, true, true, true, true
	case "FLAGS":
		items.Flags = true
	case "UID":
		items.UID = true
	case "INTERNALDATE":
		items.InternalDate = true
	case "RFC822.SIZE":
		items.Size = true
	case "ENVELOPE":
		items.Envelope = true
	case "BODYSTRUCTURE":
		items.BodyStructure = true
	case "RFC822":
		items.Sections = append(items.Sections, imap.BodySection{Label: "RFC822"})
	case "RFC822.HEADER":
		items.Sections = append(items.Sections, imap.BodySection{
			Label: "RFC822.HEADER", Peek: true, Section: mime.Section{Specifier: mime.SpecHeader},
		})
	case "RFC822.TEXT":
		items.Sections = append(items.Sections, imap.BodySection{
			Label: "RFC822.TEXT", Section: mime.Section{Specifier: mime.SpecText},
		})
	case "BODY", "BODY.PEEK":
		if p.peek() != '[' {
			if name == "BODY.PEEK" {
				return errSyntax("BODY.PEEK requires a section")
			}
			items.Body = true
			return nil
		}
		sec, err := section(p)
		if err != nil {
			return err
		}
		bs := imap.BodySection{Label: "BODY[" + sec.String() + "]", Peek: name == "BODY.PEEK", Section: sec}
		if p.maybe('<') {
			offset, err := p.number()
			if err != nil {
				return err
			}
			if err := p.expect('.'); err != nil {
				return err
			}
			count, err := p.number()
			if err != nil {
				return err
			}
			if count == 0 {
				return errSyntax("partial count must be positive")
			}
			if err := p.expect('>'); err != nil {
				return err
			}
			bs.Partial = &imap.Partial{Offset: offset, Count: count}
		}
		items.Sections = append(items.Sections, bs)
	default:
		return errSyntax("unknown fetch item %q", name)
	}
	return nil
}

// section reads "[" section-spec "]".
func section(p *parser) (mime.Section, error) {
	var s mime.Section
	if err := p.expect('['); err != nil {
		return s, err
	}
	if p.maybe(']') {
		return s, nil
	}

	for isDigit(p.peek()) {
		n, err := p.number()
		if err != nil {
			return s, err
		}
		if n == 0 {
			return s, errSyntax("section part numbers start at 1")
		}
		s.Path = append(s.Path, int(n))
		if !p.maybe('.') {
			break
		}
		if !isDigit(p.peek()) && p.peek() == ']' {
			return s, errSyntax("dangling '.' in section")
		}
	}

	if p.peek() != ']' {
		spec := strings.ToUpper(p.takeWhile(func(c byte) bool {
			return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c == '.'
		}))
		switch spec {
		case mime.SpecHeader, mime.SpecText:
		case mime.SpecMIME:
			if len(s.Path) == 0 {
				return s, errSyntax("MIME requires a part number")
			}
		case mime.SpecHeaderFields, mime.SpecHeaderFieldsNot:
			if err := p.sp(); err != nil {
				return s, err
			}
			fields, err := headerList(p)
			if err != nil {
				return s, err
			}
			s.Fields = fields
		default:
			return s, errSyntax("unknown section %q", spec)
		}
		s.Specifier = spec
	}
	if err := p.expect(']'); err != nil {
		return s, err
	}
	return s, nil
}

func headerList(p *parser) ([]string, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	var fields []string
	for {
		f, err := p.astring()
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
		if p.maybe(')') {
			return fields, nil
		}
		if err := p.sp(); err != nil {
			return nil, err
		}
	}
}
