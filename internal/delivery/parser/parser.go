// Package parser reads LMTP message data and the few headers delivery
// decisions depend on.
package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/mail"
	stdtextproto "net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Message is a received message with its parsed top-level header.
type Message struct {
	From      string
	To        []string
	Subject   string
	Date      time.Time
	MessageID string
	// Headers holds the first value of every header field, keyed by
	// canonical name.
	Headers map[string]string
	Raw     []byte
	Size    int64
}

// Header returns the first value of the named header field.
func (m *Message) Header(name string) string {
	return m.Headers[stdtextproto.CanonicalMIMEHeaderKey(name)]
}

// ParseMessage reads a whole message from r.
func ParseMessage(r io.Reader) (*Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return ParseMessageFromBytes(data)
}

// ParseMessageFromBytes parses the header of data. The body is kept verbatim.
func ParseMessageFromBytes(data []byte) (*Message, error) {
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(data)))
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	h := gomail.Header{Header: message.Header{Header: th}}

	headers := make(map[string]string)
	fields := h.Fields()
	for fields.Next() {
		if _, ok := headers[fields.Key()]; !ok {
			headers[fields.Key()] = fields.Value()
		}
	}

	from := h.Get("From")
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		from = addrs[0].Address
	}

	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}

	date, err := h.Date()
	if err != nil {
		date = time.Time{}
	}

	return &Message{
		From:      from,
		To:        extractRecipients(h),
		Subject:   subject,
		Date:      date,
		MessageID: h.Get("Message-Id"),
		Headers:   headers,
		Raw:       data,
		Size:      int64(len(data)),
	}, nil
}

// extractRecipients collects To, Cc and Bcc addresses in that order.
func extractRecipients(h gomail.Header) []string {
	var recipients []string
	for _, key := range []string{"To", "Cc", "Bcc"} {
		if v := h.Get(key); v != "" {
			recipients = append(recipients, parseAddressList(h, key, v)...)
		}
	}
	return recipients
}

func parseAddressList(h gomail.Header, key, raw string) []string {
	var result []string

	addrs, err := h.AddressList(key)
	if err != nil {
		// Malformed lists are split on commas.
		for _, part := range strings.Split(raw, ",") {
			if addr := strings.TrimSpace(part); addr != "" {
				result = append(result, addr)
			}
		}
		return result
	}

	for _, a := range addrs {
		result = append(result, a.Address)
	}
	return result
}

// ValidateMessage rejects messages without a sender or above maxSize.
func ValidateMessage(msg *Message, maxSize int64) error {
	if msg.From == "" {
		return fmt.Errorf("message missing From header")
	}

	if msg.Size > maxSize {
		return fmt.Errorf("message size (%d bytes) exceeds maximum allowed size (%d bytes)", msg.Size, maxSize)
	}

	return nil
}

// AddTraceHeaders prepends Return-Path and Delivered-To to a copy of raw.
func AddTraceHeaders(raw []byte, sender, recipient string) []byte {
	var buf bytes.Buffer
	buf.Grow(len(raw) + len(sender) + len(recipient) + 32)
	fmt.Fprintf(&buf, "Return-Path: <%s>\r\n", sender)
	fmt.Fprintf(&buf, "Delivered-To: %s\r\n", recipient)
	buf.Write(raw)
	return buf.Bytes()
}

// ExtractEnvelopeRecipient extracts the address from an envelope recipient
// such as user@domain, <user@domain> or "Name" <user@domain>.
func ExtractEnvelopeRecipient(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)

	if !strings.Contains(recipient, "<") && !strings.Contains(recipient, ">") {
		if isValidEmail(recipient) {
			return recipient, nil
		}
		return "", fmt.Errorf("invalid email format: %s", recipient)
	}

	addr, err := mail.ParseAddress(recipient)
	if err != nil {
		return "", fmt.Errorf("failed to parse recipient: %w", err)
	}

	return addr.Address, nil
}

func isValidEmail(email string) bool {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return false
	}

	if parts[0] == "" || parts[1] == "" {
		return false
	}

	return strings.Contains(parts[1], ".")
}

// ExtractLocalPart extracts the local part (username) from an email address
func ExtractLocalPart(email string) (string, error) {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid email format: %s", email)
	}
	return parts[0], nil
}

// ExtractDomain extracts the domain from an email address
func ExtractDomain(email string) (string, error) {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid email format: %s", email)
	}
	return parts[1], nil
}

// ErrTooLarge is returned by ReadDataCommand once the limit is passed. The
// rest of the data is still consumed so the session stays in sync.
var ErrTooLarge = errors.New("message size exceeds maximum allowed size")

// ReadDataCommand reads dot-terminated DATA content, undoing dot-stuffing.
func ReadDataCommand(r *bufio.Reader, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	var size int64
	tooLarge := false

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("error reading data: %w", err)
		}

		if line == ".\r\n" || line == ".\n" {
			break
		}

		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		size += int64(len(line))
		if size > maxSize {
			tooLarge = true
		}
		if !tooLarge {
			buf.WriteString(line)
		}
	}

	if tooLarge {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxSize)
	}
	return buf.Bytes(), nil
}
