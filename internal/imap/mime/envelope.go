package mime

import (
	stdmime "mime"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Envelope is the ENVELOPE structure of RFC 3501 section 7.4.2. Date,
// Subject, InReplyTo and MessageID are the raw header values.
type Envelope struct {
	Date      string
	Subject   string
	From      []Address
	Sender    []Address
	ReplyTo   []Address
	To        []Address
	Cc        []Address
	Bcc       []Address
	InReplyTo string
	MessageID string
}

// Address is one element of an envelope address list. Route is always
// empty; source routes are obsolete.
type Address struct {
	Name    string
	Mailbox string
	Host    string
}

// BuildEnvelope reads the envelope fields from h. Sender and Reply-To
// default to From.
func BuildEnvelope(h message.Header) *Envelope {
	mh := mail.Header{Header: h}
	env := &Envelope{
		Date:      strings.TrimSpace(h.Get("Date")),
		Subject:   strings.TrimSpace(h.Get("Subject")),
		From:      addressList(&mh, "From"),
		Sender:    addressList(&mh, "Sender"),
		ReplyTo:   addressList(&mh, "Reply-To"),
		To:        addressList(&mh, "To"),
		Cc:        addressList(&mh, "Cc"),
		Bcc:       addressList(&mh, "Bcc"),
		InReplyTo: strings.TrimSpace(h.Get("In-Reply-To")),
		MessageID: strings.TrimSpace(h.Get("Message-Id")),
	}
	if len(env.Sender) == 0 {
		env.Sender = env.From
	}
	if len(env.ReplyTo) == 0 {
		env.ReplyTo = env.From
	}
	return env
}

func addressList(h *mail.Header, key string) []Address {
	raw := h.Get(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	list, err := h.AddressList(key)
	if err != nil {
		return splitAddressList(raw)
	}
	out := make([]Address, 0, len(list))
	for _, a := range list {
		mailbox, host := splitAddr(a.Address)
		out = append(out, Address{Name: encodeName(a.Name), Mailbox: mailbox, Host: host})
	}
	return out
}

// splitAddressList is the lenient fallback for headers the RFC 5322
// parser rejects: split on commas and pick out "Name <addr>".
func splitAddressList(raw string) []Address {
	var out []Address
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, addr := "", item
		if lt, gt := strings.Index(item, "<"), strings.LastIndex(item, ">"); lt >= 0 && gt > lt {
			name = strings.Trim(strings.TrimSpace(item[:lt]), `"`)
			addr = item[lt+1 : gt]
		}
		mailbox, host := splitAddr(addr)
		out = append(out, Address{Name: name, Mailbox: mailbox, Host: host})
	}
	return out
}

func splitAddr(addr string) (mailbox, host string) {
	i := strings.LastIndex(addr, "@")
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}

// encodeName turns a decoded display name back into an encoded word
// when it is not plain ASCII.
func encodeName(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] >= utf8.RuneSelf {
			return stdmime.QEncoding.Encode("utf-8", name)
		}
	}
	return name
}
