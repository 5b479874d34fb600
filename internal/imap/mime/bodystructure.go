package mime

import (
	"bytes"
	"sort"
	"strings"
)

// Param is a MIME parameter; lists of them are sorted by name.
type Param struct {
	Name  string
	Value string
}

// BodyStructure describes one entity for BODY and BODYSTRUCTURE. Type and
// Subtype are uppercase as sent on the wire.
type BodyStructure struct {
	Type        string
	Subtype     string
	Params      []Param
	ID          string
	Description string
	Encoding    string
	Size        uint32

	// Lines is sent for TEXT and MESSAGE/RFC822 entities.
	Lines uint32
	// Envelope and Message describe an encapsulated MESSAGE/RFC822.
	Envelope *Envelope
	Message  *BodyStructure
	// Parts is set for MULTIPART entities.
	Parts []*BodyStructure

	// Extension data, only sent in BODYSTRUCTURE.
	MD5               string
	Disposition       string
	DispositionParams []Param
	Language          []string
	Location          string
}

// IsMultipart is false for a multipart entity without parts, which is
// described like a basic body instead.
func (b *BodyStructure) IsMultipart() bool {
	return len(b.Parts) > 0
}

// HasLines reports whether the line count is part of the structure.
func (b *BodyStructure) HasLines() bool {
	return b.Type == "TEXT" || b.isMessage()
}

func (b *BodyStructure) isMessage() bool {
	return b.Type == "MESSAGE" && b.Subtype == "RFC822" && b.Message != nil
}

// BuildBodyStructure describes p and its descendants.
func BuildBodyStructure(p *Part) *BodyStructure {
	bs := &BodyStructure{
		Type:     strings.ToUpper(p.Type),
		Subtype:  strings.ToUpper(p.Subtype),
		Params:   sortedParams(p.Params),
		Language: splitList(p.Header.Get("Content-Language")),
		Location: strings.TrimSpace(p.Header.Get("Content-Location")),
	}
	if disp, params, err := p.Header.ContentDisposition(); err == nil && disp != "" {
		bs.Disposition = strings.ToUpper(disp)
		bs.DispositionParams = sortedParams(params)
	}

	if p.Type == "multipart" {
		for _, child := range p.Children {
			bs.Parts = append(bs.Parts, BuildBodyStructure(child))
		}
		if len(bs.Parts) > 0 {
			return bs
		}
	}

	bs.ID = strings.TrimSpace(p.Header.Get("Content-Id"))
	bs.Description = strings.TrimSpace(p.Header.Get("Content-Description"))
	bs.MD5 = strings.TrimSpace(p.Header.Get("Content-Md5"))
	bs.Encoding = strings.ToUpper(strings.TrimSpace(p.Header.Get("Content-Transfer-Encoding")))
	if bs.Encoding == "" {
		bs.Encoding = "7BIT"
	}
	bs.Size = uint32(len(p.Body))
	bs.Lines = uint32(bytes.Count(p.Body, []byte("\n")))
	if p.Message != nil {
		bs.Envelope = BuildEnvelope(p.Message.Header)
		bs.Message = BuildBodyStructure(p.Message)
	}
	return bs
}

func sortedParams(m map[string]string) []Param {
	if len(m) == 0 {
		return nil
	}
	out := make([]Param, 0, len(m))
	for k, v := range m {
		out = append(out, Param{Name: strings.ToUpper(k), Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
