// Package decoder turns client command lines into imap requests. Every
// command produces exactly one message: a request for the processor
// chain, or a status response to send in its place when the command
// cannot be parsed.
package decoder

import (
	"bufio"
	"errors"
	"strings"

	"rook/internal/imap"
)

// errBadCharset rejects a SEARCH whose CHARSET is unknown.
var errBadCharset = errors.New("unsupported charset")

type commandParser func(p *parser, base imap.RequestBase) (imap.Request, error)

// Decoder reads commands from one connection.
type Decoder struct {
	lr *lineReader
}

// New returns a decoder reading from r. cont is called before the octets
// of a synchronizing literal are read and must send the continuation
// request to the client. maxLiteral <= 0 selects DefaultMaxLiteral.
func New(r *bufio.Reader, cont func() error, maxLiteral int64) *Decoder {
	if maxLiteral <= 0 {
		maxLiteral = DefaultMaxLiteral
	}
	return &Decoder{lr: &lineReader{r: r, cont: cont, maxLiteral: maxLiteral}}
}

// ReadLine reads one raw line, as sent by the client during an
// AUTHENTICATE exchange.
func (d *Decoder) ReadLine() (string, error) {
	line, err := d.lr.readLine()
	return string(line), err
}

// Decode reads the next command. A nil message with a nil error means an
// empty line. Errors are I/O failures and end the connection; protocol
// violations come back as responses, BYE ones after logging s out.
func (d *Decoder) Decode(s *imap.Session) (imap.Message, error) {
	buf, err := d.lr.readCommand()
	switch {
	case errors.Is(err, errLineTooLong):
		s.Logout()
		return imap.Bye(imap.TextIllegalArguments.With(err.Error())), nil
	case errors.Is(err, errLiteralTooLarge):
		tag := newParser(buf).token()
		if !imap.ValidTag(tag) {
			s.Logout()
			return imap.Bye(imap.TextIllegalTag), nil
		}
		return imap.Tagged(imap.Tag(tag), imap.StatusBAD, nil, "", imap.TextLiteralTooLarge), nil
	case err != nil:
		return nil, err
	}
	if strings.TrimSpace(string(buf)) == "" {
		return nil, nil
	}
	return decode(buf, s), nil
}

func decode(buf []byte, s *imap.Session) imap.Message {
	p := newParser(buf)
	tagStr := p.token()
	if !imap.ValidTag(tagStr) {
		s.Logout()
		return imap.Bye(imap.TextIllegalTag)
	}
	tag := imap.Tag(tagStr)

	var name string
	if p.maybe(' ') {
		name = strings.ToUpper(p.takeWhile(imap.IsAtomChar))
	}
	parse, ok := commands[name]
	if !ok {
		if s.State() == imap.StateNotAuthenticated {
			s.Logout()
			return imap.Bye(imap.TextUnknownCommand)
		}
		return imap.Tagged(tag, imap.StatusBAD, nil, "", imap.TextUnknownCommand)
	}

	req, err := parse(p, imap.NewRequestBase(tag, name))
	if err == nil {
		err = p.end()
	}
	if err != nil {
		var se *syntaxError
		// Bad arguments to a known command get a tagged BAD and the session
		// continues; only tag and pre-auth command errors end it.
		switch {
		case errors.Is(err, errBadCharset):
			return imap.Tagged(tag, imap.StatusNO, imap.CodeBadCharset(), name, imap.TextBadCharset)
		case errors.As(err, &se):
			return imap.Tagged(tag, imap.StatusBAD, nil, name, imap.TextIllegalArguments.With(se.msg))
		default:
			return imap.Tagged(tag, imap.StatusBAD, nil, name, imap.TextIllegalArguments.With(err.Error()))
		}
	}
	return req
}

var commands map[string]commandParser

func init() {
	commands = map[string]commandParser{
		"CAPABILITY":   noArgs(func(b imap.RequestBase) imap.Request { return &imap.CapabilityRequest{RequestBase: b} }),
		"NOOP":         noArgs(func(b imap.RequestBase) imap.Request { return &imap.NoopRequest{RequestBase: b} }),
		"LOGOUT":       noArgs(func(b imap.RequestBase) imap.Request { return &imap.LogoutRequest{RequestBase: b} }),
		"CHECK":        noArgs(func(b imap.RequestBase) imap.Request { return &imap.CheckRequest{RequestBase: b} }),
		"CLOSE":        noArgs(func(b imap.RequestBase) imap.Request { return &imap.CloseRequest{RequestBase: b} }),
		"UNSELECT":     noArgs(func(b imap.RequestBase) imap.Request { return &imap.UnselectRequest{RequestBase: b} }),
		"NAMESPACE":    noArgs(func(b imap.RequestBase) imap.Request { return &imap.NamespaceRequest{RequestBase: b} }),
		"EXPUNGE":      noArgs(func(b imap.RequestBase) imap.Request { return &imap.ExpungeRequest{RequestBase: b} }),
		"LOGIN":        parseLogin,
		"AUTHENTICATE": parseAuthenticate,
		"SELECT":       parseSelect(false),
		"EXAMINE":      parseSelect(true),
		"CREATE":       oneMailbox(func(b imap.RequestBase, m string) imap.Request { return &imap.CreateRequest{RequestBase: b, Mailbox: m} }),
		"DELETE":       oneMailbox(func(b imap.RequestBase, m string) imap.Request { return &imap.DeleteRequest{RequestBase: b, Mailbox: m} }),
		"SUBSCRIBE":    oneMailbox(func(b imap.RequestBase, m string) imap.Request { return &imap.SubscribeRequest{RequestBase: b, Mailbox: m} }),
		"UNSUBSCRIBE":  oneMailbox(func(b imap.RequestBase, m string) imap.Request { return &imap.UnsubscribeRequest{RequestBase: b, Mailbox: m} }),
		"RENAME":       parseRename,
		"LIST":         parseList(false),
		"LSUB":         parseList(true),
		"STATUS":       parseStatus,
		"APPEND":       parseAppend,
		"SEARCH":       parseSearch(false),
		"FETCH":        parseFetch(false),
		"STORE":        parseStore(false),
		"COPY":         parseCopy(false),
		"UID":          parseUID,
	}
}

// uidCommands are the commands UID may prefix.
var uidCommands = map[string]commandParser{
	"FETCH":   parseFetch(true),
	"STORE":   parseStore(true),
	"SEARCH":  parseSearch(true),
	"COPY":    parseCopy(true),
	"EXPUNGE": parseUIDExpunge,
}

func parseUID(p *parser, base imap.RequestBase) (imap.Request, error) {
	if err := p.sp(); err != nil {
		return nil, err
	}
	name := strings.ToUpper(p.takeWhile(imap.IsAtomChar))
	parse, ok := uidCommands[name]
	if !ok {
		return nil, errSyntax("UID %s is not supported", name)
	}
	return parse(p, imap.NewRequestBase(base.Tag(), "UID "+name))
}
