package decoder

import (
	"encoding/base64"
	"strings"

	"rook/internal/imap"
	"rook/internal/mailbox"
)

func noArgs(build func(imap.RequestBase) imap.Request) commandParser {
	return func(p *parser, base imap.RequestBase) (imap.Request, error) {
		return build(base), nil
	}
}

func oneMailbox(build func(imap.RequestBase, string) imap.Request) commandParser {
	return func(p *parser, base imap.RequestBase) (imap.Request, error) {
		if err := p.sp(); err != nil {
			return nil, err
		}
		name, err := p.mailbox()
		if err != nil {
			return nil, err
		}
		return build(base, name), nil
	}
}

func parseLogin(p *parser, base imap.RequestBase) (imap.Request, error) {
	if err := p.sp(); err != nil {
		return nil, err
	}
	user, err := p.astring()
	if err != nil {
		return nil, err
	}
	if err := p.sp(); err != nil {
		return nil, err
	}
	pass, err := p.astring()
	if err != nil {
		return nil, err
	}
	return &imap.LoginRequest{RequestBase: base, User: user, Password: pass}, nil
}

func parseAuthenticate(p *parser, base imap.RequestBase) (imap.Request, error) {
	if err := p.sp(); err != nil {
		return nil, err
	}
	mech, err := p.atom()
	if err != nil {
		return nil, err
	}
	req := &imap.AuthenticateRequest{RequestBase: base, Mechanism: strings.ToUpper(mech)}
	if p.maybe(' ') {
		ir := p.token()
		if ir == "=" {
			req.InitialResponse = []byte{}
		} else if req.InitialResponse, err = base64.StdEncoding.DecodeString(ir); err != nil {
			return nil, errSyntax("invalid base64 initial response")
		}
	}
	return req, nil
}

func parseSelect(readOnly bool) commandParser {
	return func(p *parser, base imap.RequestBase) (imap.Request, error) {
		if err := p.sp(); err != nil {
			return nil, err
		}
		name, err := p.mailbox()
		if err != nil {
			return nil, err
		}
		return &imap.SelectRequest{RequestBase: base, Mailbox: name, ReadOnly: readOnly}, nil
	}
}

func parseRename(p *parser, base imap.RequestBase) (imap.Request, error) {
	if err := p.sp(); err != nil {
		return nil, err
	}
	from, err := p.mailbox()
	if err != nil {
		return nil, err
	}
	if err := p.sp(); err != nil {
		return nil, err
	}
	to, err := p.mailbox()
	if err != nil {
		return nil, err
	}
	return &imap.RenameRequest{RequestBase: base, From: from, To: to}, nil
}

func parseList(subscribed bool) commandParser {
	return func(p *parser, base imap.RequestBase) (imap.Request, error) {
		if err := p.sp(); err != nil {
			return nil, err
		}
		ref, err := p.mailbox()
		if err != nil {
			return nil, err
		}
		if err := p.sp(); err != nil {
			return nil, err
		}
		pattern, err := p.listMailbox()
		if err != nil {
			return nil, err
		}
		return &imap.ListRequest{RequestBase: base, Reference: ref, Pattern: pattern, Subscribed: subscribed}, nil
	}
}

var statusItems = map[string]bool{
	imap.StatusMessages:    true,
	imap.StatusRecent:      true,
	imap.StatusUIDNext:     true,
	imap.StatusUIDValidity: true,
	imap.StatusUnseen:      true,
}

func parseStatus(p *parser, base imap.RequestBase) (imap.Request, error) {
	if err := p.sp(); err != nil {
		return nil, err
	}
	name, err := p.mailbox()
	if err != nil {
		return nil, err
	}
	if err := p.sp(); err != nil {
		return nil, err
	}
	if err := p.expect('('); err != nil {
		return nil, err
	}
	var items []string
	for {
		item, err := p.atom()
		if err != nil {
			return nil, err
		}
		item = strings.ToUpper(item)
		if !statusItems[item] {
			return nil, errSyntax("unknown status item %s", item)
		}
		items = append(items, item)
		if p.maybe(')') {
			break
		}
		if err := p.sp(); err != nil {
			return nil, err
		}
	}
	return &imap.StatusRequest{RequestBase: base, Mailbox: name, Items: items}, nil
}

func parseAppend(p *parser, base imap.RequestBase) (imap.Request, error) {
	if err := p.sp(); err != nil {
		return nil, err
	}
	name, err := p.mailbox()
	if err != nil {
		return nil, err
	}
	if err := p.sp(); err != nil {
		return nil, err
	}
	req := &imap.AppendRequest{RequestBase: base, Mailbox: name}
	if p.peek() == '(' {
		if req.Flags, err = p.flagList(); err != nil {
			return nil, err
		}
		if err := p.sp(); err != nil {
			return nil, err
		}
	}
	if p.peek() == '"' {
		if req.Date, err = p.dateTime(); err != nil {
			return nil, err
		}
		if err := p.sp(); err != nil {
			return nil, err
		}
	}
	if req.Message, err = p.literal(); err != nil {
		return nil, err
	}
	return req, nil
}

func parseUIDExpunge(p *parser, base imap.RequestBase) (imap.Request, error) {
	if err := p.sp(); err != nil {
		return nil, err
	}
	set, err := p.sequenceSet()
	if err != nil {
		return nil, err
	}
	return &imap.ExpungeRequest{RequestBase: base, UIDs: set}, nil
}

func parseStore(uid bool) commandParser {
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
		req := &imap.StoreRequest{RequestBase: base, UID: uid, Set: set, Mode: mailbox.FlagsReplace}

		item := strings.ToUpper(p.token())
		switch {
		case strings.HasPrefix(item, "+"):
			req.Mode, item = mailbox.FlagsAdd, item[1:]
		case strings.HasPrefix(item, "-"):
			req.Mode, item = mailbox.FlagsRemove, item[1:]
		}
		switch item {
		case "FLAGS":
		case "FLAGS.SILENT":
			req.Silent = true
		default:
			return nil, errSyntax("unknown store item %s", item)
		}
		if err := p.sp(); err != nil {
			return nil, err
		}

		if p.peek() == '(' {
			if req.Flags, err = p.flagList(); err != nil {
				return nil, err
			}
			return req, nil
		}
		for {
			f, err := p.flag()
			if err != nil {
				return nil, err
			}
			req.Flags = append(req.Flags, f)
			if !p.maybe(' ') {
				return req, nil
			}
		}
	}
}

func parseCopy(uid bool) commandParser {
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
		name, err := p.mailbox()
		if err != nil {
			return nil, err
		}
		return &imap.CopyRequest{RequestBase: base, UID: uid, Set: set, Mailbox: name}, nil
	}
}
