package imap

import (
	"strconv"
	"strings"
	"time"

	"rook/internal/imap/mime"
)

// StatusType is the condition of a status response.
type StatusType string

const (
	StatusOK      StatusType = "OK"
	StatusNO      StatusType = "NO"
	StatusBAD     StatusType = "BAD"
	StatusBYE     StatusType = "BYE"
	StatusPREAUTH StatusType = "PREAUTH"
)

// ResponseCode is the bracketed code of a status response. Args is
// written verbatim after the name.
type ResponseCode struct {
	Name string
	Args string
}

func (c ResponseCode) String() string {
	if c.Args == "" {
		return c.Name
	}
	return c.Name + " " + c.Args
}

func CodeAlert() *ResponseCode      { return &ResponseCode{Name: "ALERT"} }
func CodeReadOnly() *ResponseCode   { return &ResponseCode{Name: "READ-ONLY"} }
func CodeReadWrite() *ResponseCode  { return &ResponseCode{Name: "READ-WRITE"} }
func CodeTryCreate() *ResponseCode  { return &ResponseCode{Name: "TRYCREATE"} }
func CodeBadCharset() *ResponseCode { return &ResponseCode{Name: "BADCHARSET", Args: "(US-ASCII UTF-8)"} }

func CodeUIDValidity(v uint32) *ResponseCode {
	return &ResponseCode{Name: "UIDVALIDITY", Args: strconv.FormatUint(uint64(v), 10)}
}

func CodeUIDNext(uid uint32) *ResponseCode {
	return &ResponseCode{Name: "UIDNEXT", Args: strconv.FormatUint(uint64(uid), 10)}
}

func CodeUnseen(seq uint32) *ResponseCode {
	return &ResponseCode{Name: "UNSEEN", Args: strconv.FormatUint(uint64(seq), 10)}
}

func CodePermanentFlags(flags []string) *ResponseCode {
	return &ResponseCode{Name: "PERMANENTFLAGS", Args: "(" + strings.Join(flags, " ") + ")"}
}

func CodeCapability(caps []string) *ResponseCode {
	return &ResponseCode{Name: "CAPABILITY", Args: strings.Join(caps, " ")}
}

func CodeAppendUID(validity, uid uint32) *ResponseCode {
	return &ResponseCode{Name: "APPENDUID", Args: strconv.FormatUint(uint64(validity), 10) + " " + strconv.FormatUint(uint64(uid), 10)}
}

func CodeCopyUID(validity uint32, src, dst []uint32) *ResponseCode {
	return &ResponseCode{Name: "COPYUID", Args: strconv.FormatUint(uint64(validity), 10) + " " + FormatUIDSet(src) + " " + FormatUIDSet(dst)}
}

// StatusResponse is a tagged or untagged OK, NO, BAD, BYE or PREAUTH.
type StatusResponse struct {
	Tag  Tag
	Type StatusType
	Code *ResponseCode
	// Command prefixes the text of tagged completions, as in
	// "a1 OK SELECT completed".
	Command string
	Text    HumanReadableText
}

// Tagged builds the completion of a command.
func Tagged(tag Tag, typ StatusType, code *ResponseCode, command string, text HumanReadableText) *StatusResponse {
	return &StatusResponse{Tag: tag, Type: typ, Code: code, Command: command, Text: text}
}

// UntaggedStatus builds "* OK [code] text" and friends.
func UntaggedStatus(typ StatusType, code *ResponseCode, text HumanReadableText) *StatusResponse {
	return &StatusResponse{Tag: Untagged, Type: typ, Code: code, Text: text}
}

// Bye builds the untagged BYE sent before the server closes the connection.
func Bye(text HumanReadableText) *StatusResponse {
	return UntaggedStatus(StatusBYE, nil, text)
}

// ContinuationResponse is a "+ text" line. Data, when set, is sent base64
// encoded instead of Text.
type ContinuationResponse struct {
	Text string
	Data []byte
}

type CapabilityResponse struct {
	Capabilities []string
}

type ExistsResponse struct {
	Count uint32
}

type RecentResponse struct {
	Count uint32
}

type ExpungeResponse struct {
	SeqNum uint32
}

type FlagsResponse struct {
	Flags []string
}

// ListResponse is one LIST or, with Subscribed, LSUB line. Name is the
// decoded mailbox name; encoders apply modified UTF-7.
type ListResponse struct {
	Subscribed bool
	Attributes []string
	Delimiter  string
	Name       string
}

// StatusItem is one "NAME value" pair of a STATUS response.
type StatusItem struct {
	Name  string
	Value uint32
}

type MailboxStatusResponse struct {
	Mailbox string
	Items   []StatusItem
}

type SearchResponse struct {
	IDs []uint32
}

type NamespaceResponse struct {
	Prefix    string
	Delimiter string
}

// BodyElement is the content returned for one BodySection.
type BodyElement struct {
	// Label is the response item name, including "<origin>" for partial
	// fetches.
	Label string
	Data  []byte
}

// FetchResponse is "* n FETCH (...)". Nil pointers and empty fields are
// omitted from the encoded item list.
type FetchResponse struct {
	SeqNum        uint32
	UID           uint32
	Flags         []string
	FlagsSet      bool
	InternalDate  *time.Time
	Size          *int64
	Envelope      *mime.Envelope
	Body          *mime.BodyStructure
	BodyStructure *mime.BodyStructure
	Elements      []BodyElement
}
