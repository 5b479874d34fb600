// Package encoder serializes processor responses. Each response type has
// its own Encoder; a Chain tries them in order and the first one that
// accepts a response writes it.
package encoder

import (
	"errors"
	"fmt"
	"sort"

	"rook/internal/imap"
	"rook/internal/imap/mime"
)

// ErrNoEncoder is returned for a response no encoder in the chain accepts.
var ErrNoEncoder = errors.New("no encoder for response")

// Encoder writes one kind of response.
type Encoder interface {
	Accepts(m imap.Message) bool
	Encode(m imap.Message, c *Composer) error
}

// Chain is an ordered list of encoders.
type Chain struct {
	encoders []Encoder
}

func NewChain(encoders ...Encoder) *Chain {
	return &Chain{encoders: encoders}
}

// Encode writes m with the first encoder that accepts it.
func (ch *Chain) Encode(m imap.Message, c *Composer) error {
	for _, e := range ch.encoders {
		if e.Accepts(m) {
			if err := e.Encode(m, c); err != nil {
				return err
			}
			return c.Err()
		}
	}
	return fmt.Errorf("%w: %T", ErrNoEncoder, m)
}

// Default returns a chain covering every response the processors emit.
func Default() *Chain {
	return NewChain(
		typed(encodeStatus),
		typed(encodeContinuation),
		typed(encodeCapability),
		typed(encodeExists),
		typed(encodeRecent),
		typed(encodeExpunge),
		typed(encodeFlags),
		typed(encodeList),
		typed(encodeMailboxStatus),
		typed(encodeSearch),
		typed(encodeNamespace),
		typed(encodeFetch),
	)
}

// typedEncoder accepts exactly the responses of type T.
type typedEncoder[T any] struct {
	fn func(T, *Composer)
}

func typed[T any](fn func(T, *Composer)) Encoder {
	return typedEncoder[T]{fn: fn}
}

func (e typedEncoder[T]) Accepts(m imap.Message) bool {
	_, ok := m.(T)
	return ok
}

func (e typedEncoder[T]) Encode(m imap.Message, c *Composer) error {
	r, ok := m.(T)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNoEncoder, m)
	}
	e.fn(r, c)
	return nil
}

func encodeStatus(r *imap.StatusResponse, c *Composer) {
	if r.Tag == imap.Untagged {
		c.Untagged()
	} else {
		c.Tag(r.Tag)
	}
	c.Atom(string(r.Type)).SP()
	if r.Code != nil {
		c.Atom("[" + r.Code.String() + "]").SP()
	}
	if r.Command != "" {
		c.Atom(r.Command).SP()
	}
	c.Atom(r.Text.String()).CRLF()
}

func encodeContinuation(r *imap.ContinuationResponse, c *Composer) {
	c.Continuation()
	if r.Data != nil {
		c.Base64(r.Data)
	} else {
		c.Atom(r.Text)
	}
	c.CRLF()
}

func encodeCapability(r *imap.CapabilityResponse, c *Composer) {
	c.Untagged().Atom("CAPABILITY")
	for _, capability := range r.Capabilities {
		c.SP().Atom(capability)
	}
	c.CRLF()
}

func encodeExists(r *imap.ExistsResponse, c *Composer) {
	c.Untagged().Number(r.Count).SP().Atom("EXISTS").CRLF()
}

func encodeRecent(r *imap.RecentResponse, c *Composer) {
	c.Untagged().Number(r.Count).SP().Atom("RECENT").CRLF()
}

func encodeExpunge(r *imap.ExpungeResponse, c *Composer) {
	c.Untagged().Number(r.SeqNum).SP().Atom("EXPUNGE").CRLF()
}

func encodeFlags(r *imap.FlagsResponse, c *Composer) {
	c.Untagged().Atom("FLAGS").SP().List(r.Flags).CRLF()
}

func encodeList(r *imap.ListResponse, c *Composer) {
	c.Untagged()
	if r.Subscribed {
		c.Atom("LSUB")
	} else {
		c.Atom("LIST")
	}
	c.SP().List(r.Attributes).SP()
	if r.Delimiter == "" {
		c.Nil()
	} else {
		c.Quoted(r.Delimiter)
	}
	c.SP().Mailbox(r.Name).CRLF()
}

func encodeMailboxStatus(r *imap.MailboxStatusResponse, c *Composer) {
	c.Untagged().Atom("STATUS").SP().Mailbox(r.Mailbox).SP().OpenParen()
	for i, item := range r.Items {
		if i > 0 {
			c.SP()
		}
		c.Atom(item.Name).SP().Number(item.Value)
	}
	c.CloseParen().CRLF()
}

func encodeSearch(r *imap.SearchResponse, c *Composer) {
	ids := append([]uint32(nil), r.IDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	c.Untagged().Atom("SEARCH")
	for _, id := range ids {
		c.SP().Number(id)
	}
	c.CRLF()
}

func encodeNamespace(r *imap.NamespaceResponse, c *Composer) {
	c.Untagged().Atom("NAMESPACE").SP().OpenParen().OpenParen().
		Quoted(r.Prefix).SP().Quoted(r.Delimiter).
		CloseParen().CloseParen().SP().Nil().SP().Nil().CRLF()
}

func encodeFetch(r *imap.FetchResponse, c *Composer) {
	c.Untagged().Number(r.SeqNum).SP().Atom("FETCH").SP().OpenParen()
	first := true
	item := func(name string) *Composer {
		if !first {
			c.SP()
		}
		first = false
		return c.Atom(name).SP()
	}

	if r.UID != 0 {
		item("UID").Number(r.UID)
	}
	if r.FlagsSet {
		item("FLAGS").List(r.Flags)
	}
	if r.InternalDate != nil {
		item("INTERNALDATE").DateTime(*r.InternalDate)
	}
	if r.Size != nil {
		item("RFC822.SIZE").Number64(*r.Size)
	}
	if r.Envelope != nil {
		item("ENVELOPE")
		writeEnvelope(c, r.Envelope)
	}
	if r.Body != nil {
		item("BODY")
		writeBodyStructure(c, r.Body, false)
	}
	if r.BodyStructure != nil {
		item("BODYSTRUCTURE")
		writeBodyStructure(c, r.BodyStructure, true)
	}
	for _, el := range r.Elements {
		item(el.Label)
		if el.Data == nil {
			c.Nil()
		} else {
			c.Literal(el.Data)
		}
	}
	c.CloseParen().CRLF()
}

func writeEnvelope(c *Composer, env *mime.Envelope) {
	c.OpenParen().
		NString(env.Date).SP().
		NString(env.Subject).SP()
	writeAddressList(c, env.From)
	c.SP()
	writeAddressList(c, env.Sender)
	c.SP()
	writeAddressList(c, env.ReplyTo)
	c.SP()
	writeAddressList(c, env.To)
	c.SP()
	writeAddressList(c, env.Cc)
	c.SP()
	writeAddressList(c, env.Bcc)
	c.SP().
		NString(env.InReplyTo).SP().
		NString(env.MessageID).
		CloseParen()
}

func writeAddressList(c *Composer, list []mime.Address) {
	if len(list) == 0 {
		c.Nil()
		return
	}
	c.OpenParen()
	for _, a := range list {
		c.OpenParen().
			NString(a.Name).SP().
			Nil().SP().
			NString(a.Mailbox).SP().
			NString(a.Host).
			CloseParen()
	}
	c.CloseParen()
}

// writeBodyStructure writes BODY, or with extended the BODYSTRUCTURE form
// carrying extension data.
func writeBodyStructure(c *Composer, bs *mime.BodyStructure, extended bool) {
	c.OpenParen()
	if bs.IsMultipart() {
		for _, part := range bs.Parts {
			writeBodyStructure(c, part, extended)
		}
		c.SP().String(bs.Subtype)
		if extended {
			c.SP()
			writeParams(c, bs.Params)
			c.SP()
			writeDisposition(c, bs)
			c.SP()
			writeLanguage(c, bs.Language)
			c.SP().NString(bs.Location)
		}
		c.CloseParen()
		return
	}

	c.String(bs.Type).SP().String(bs.Subtype).SP()
	writeParams(c, bs.Params)
	c.SP().NString(bs.ID).
		SP().NString(bs.Description).
		SP().String(bs.Encoding).
		SP().Number(bs.Size)
	if bs.Type == "MESSAGE" && bs.Subtype == "RFC822" && bs.Message != nil {
		c.SP()
		writeEnvelope(c, bs.Envelope)
		c.SP()
		writeBodyStructure(c, bs.Message, extended)
	}
	if bs.HasLines() {
		c.SP().Number(bs.Lines)
	}
	if extended {
		c.SP().NString(bs.MD5).SP()
		writeDisposition(c, bs)
		c.SP()
		writeLanguage(c, bs.Language)
		c.SP().NString(bs.Location)
	}
	c.CloseParen()
}

func writeParams(c *Composer, params []mime.Param) {
	if len(params) == 0 {
		c.Nil()
		return
	}
	c.OpenParen()
	for i, p := range params {
		if i > 0 {
			c.SP()
		}
		c.String(p.Name).SP().String(p.Value)
	}
	c.CloseParen()
}

func writeDisposition(c *Composer, bs *mime.BodyStructure) {
	if bs.Disposition == "" {
		c.Nil()
		return
	}
	c.OpenParen().String(bs.Disposition).SP()
	writeParams(c, bs.DispositionParams)
	c.CloseParen()
}

func writeLanguage(c *Composer, langs []string) {
	switch len(langs) {
	case 0:
		c.Nil()
	case 1:
		c.String(langs[0])
	default:
		c.OpenParen()
		for i, l := range langs {
			if i > 0 {
				c.SP()
			}
			c.String(l)
		}
		c.CloseParen()
	}
}
