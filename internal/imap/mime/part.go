// Package mime computes the message views IMAP exposes: ENVELOPE,
// BODYSTRUCTURE and body sections addressed by part numbers.
package mime

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
)

// maxDepth bounds multipart and message/rfc822 nesting.
const maxDepth = 32

// Part is one entity of a parsed message. Byte slices point into the
// original content.
type Part struct {
	Header message.Header
	// RawHeader includes the blank line ending the header.
	RawHeader []byte
	Body      []byte

	// Type and Subtype are lowercase.
	Type    string
	Subtype string
	Params  map[string]string

	// Children is set for multipart entities.
	Children []*Part
	// Message is the encapsulated message of a message/rfc822 entity.
	Message *Part
}

// Parse splits content into its MIME tree. Malformed structure degrades
// to a single text part rather than failing.
func Parse(content []byte) *Part {
	return parsePart(content, "text/plain", 0)
}

func parsePart(raw []byte, defaultType string, depth int) *Part {
	hdr, body := splitHeader(raw)
	// A partially read header is still useful.
	th, _ := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(hdr)))
	p := &Part{Header: message.Header{Header: th}, RawHeader: hdr, Body: body}

	mediaType, params := defaultType, map[string]string{}
	if p.Header.Has("Content-Type") {
		if t, ps, err := p.Header.ContentType(); err == nil && strings.Contains(t, "/") {
			mediaType, params = t, ps
		}
	}
	p.Type, p.Subtype, _ = strings.Cut(strings.ToLower(mediaType), "/")
	p.Params = params
	if p.Type == "text" && p.Params["charset"] == "" && !p.Header.Has("Content-Type") {
		p.Params = map[string]string{"charset": "us-ascii"}
	}

	if depth >= maxDepth {
		return p
	}
	switch {
	case p.Type == "multipart":
		boundary := p.Params["boundary"]
		if boundary == "" {
			return p
		}
		childType := "text/plain"
		if p.Subtype == "digest" {
			childType = "message/rfc822"
		}
		for _, chunk := range splitMultipart(body, boundary) {
			p.Children = append(p.Children, parsePart(chunk, childType, depth+1))
		}
	case p.Type == "message" && p.Subtype == "rfc822":
		p.Message = parsePart(body, "text/plain", depth+1)
	}
	return p
}

// splitHeader cuts raw after the blank line ending the header. Content
// without a blank line is all header.
func splitHeader(raw []byte) (header, body []byte) {
	if bytes.HasPrefix(raw, []byte("\r\n")) {
		return raw[:2], raw[2:]
	}
	if bytes.HasPrefix(raw, []byte("\n")) {
		return raw[:1], raw[1:]
	}
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2], raw[i+2:]
	}
	return raw, raw[len(raw):]
}

// splitMultipart returns the body parts between boundary delimiter lines.
// The line break before a delimiter belongs to the delimiter. A missing
// close delimiter ends the last part at the end of body.
func splitMultipart(body []byte, boundary string) [][]byte {
	delim := []byte("--" + boundary)
	var parts [][]byte
	start := -1
	pos := 0
	for pos <= len(body) {
		lineEnd := bytes.IndexByte(body[pos:], '\n')
		next := len(body)
		line := body[pos:]
		if lineEnd >= 0 {
			line = body[pos : pos+lineEnd]
			next = pos + lineEnd + 1
		}
		trimmed := bytes.TrimRight(line, " \t\r")
		if bytes.HasPrefix(trimmed, delim) {
			rest := trimmed[len(delim):]
			closing := bytes.Equal(rest, []byte("--"))
			if len(rest) == 0 || closing {
				if start >= 0 {
					end := pos
					if end > start && body[end-1] == '\n' {
						end--
						if end > start && body[end-1] == '\r' {
							end--
						}
					}
					parts = append(parts, body[start:end])
				}
				if closing {
					return parts
				}
				start = next
			}
		}
		if lineEnd < 0 {
			break
		}
		pos = next
	}
	if start >= 0 && start < len(body) {
		parts = append(parts, body[start:])
	}
	return parts
}
