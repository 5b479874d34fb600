package encoder

import (
	"bufio"
	"encoding/base64"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/utf7"

	"rook/internal/imap"
)

// Composer writes IMAP response syntax. Write errors are sticky: after
// the first failure every call is a no-op and Flush reports the error.
type Composer struct {
	w   *bufio.Writer
	err error
}

func NewComposer(w io.Writer) *Composer {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriterSize(w, 4096)
	}
	return &Composer{w: bw}
}

func (c *Composer) write(s string) *Composer {
	if c.err == nil {
		_, c.err = c.w.WriteString(s)
	}
	return c
}

func (c *Composer) writeBytes(b []byte) *Composer {
	if c.err == nil {
		_, c.err = c.w.Write(b)
	}
	return c
}

// Err returns the first write error.
func (c *Composer) Err() error { return c.err }

// Flush pushes buffered output to the connection.
func (c *Composer) Flush() error {
	if c.err == nil {
		c.err = c.w.Flush()
	}
	return c.err
}

// Untagged starts a "* " line.
func (c *Composer) Untagged() *Composer { return c.write("* ") }

// Tag starts a tagged line.
func (c *Composer) Tag(tag imap.Tag) *Composer { return c.write(string(tag)).SP() }

// Continuation starts a "+ " line.
func (c *Composer) Continuation() *Composer { return c.write("+ ") }

func (c *Composer) SP() *Composer   { return c.write(" ") }
func (c *Composer) CRLF() *Composer { return c.write("\r\n") }

// Atom writes s as is.
func (c *Composer) Atom(s string) *Composer { return c.write(s) }

func (c *Composer) Number(n uint32) *Composer {
	return c.write(strconv.FormatUint(uint64(n), 10))
}

func (c *Composer) Number64(n int64) *Composer {
	return c.write(strconv.FormatInt(n, 10))
}

func (c *Composer) Nil() *Composer { return c.write("NIL") }

// Quoted writes a quoted string, escaping '"' and '\'.
func (c *Composer) Quoted(s string) *Composer {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return c.write(b.String())
}

// Literal writes {n}CRLF followed by data.
func (c *Composer) Literal(data []byte) *Composer {
	return c.write("{" + strconv.Itoa(len(data)) + "}\r\n").writeBytes(data)
}

// String writes s quoted, or as a literal when it cannot be quoted.
func (c *Composer) String(s string) *Composer {
	if needsLiteral(s) {
		return c.Literal([]byte(s))
	}
	return c.Quoted(s)
}

// NString writes NIL for the empty string.
func (c *Composer) NString(s string) *Composer {
	if s == "" {
		return c.Nil()
	}
	return c.String(s)
}

// AString writes s as an atom when possible.
func (c *Composer) AString(s string) *Composer {
	if s != "" && isAtom(s) {
		return c.Atom(s)
	}
	return c.String(s)
}

// Mailbox writes a mailbox name in modified UTF-7.
func (c *Composer) Mailbox(name string) *Composer {
	if strings.EqualFold(name, "INBOX") {
		return c.Atom("INBOX")
	}
	encoded, err := utf7.Encoding.NewEncoder().String(name)
	if err != nil {
		encoded = name
	}
	return c.AString(encoded)
}

func (c *Composer) OpenParen() *Composer  { return c.write("(") }
func (c *Composer) CloseParen() *Composer { return c.write(")") }

// List writes atoms as a parenthesized list.
func (c *Composer) List(atoms []string) *Composer {
	return c.write("(" + strings.Join(atoms, " ") + ")")
}

// DateTime writes an INTERNALDATE value.
func (c *Composer) DateTime(t time.Time) *Composer {
	return c.Quoted(t.Format("02-Jan-2006 15:04:05 -0700"))
}

// Base64 writes data base64 encoded, for SASL challenges.
func (c *Composer) Base64(data []byte) *Composer {
	return c.write(base64.StdEncoding.EncodeToString(data))
}

func needsLiteral(s string) bool {
	for i := 0; i < len(s); i++ {
		if b := s[i]; b == '\r' || b == '\n' || b == 0 || b > 0x7e {
			return true
		}
	}
	return false
}

func isAtom(s string) bool {
	for i := 0; i < len(s); i++ {
		if !imap.IsAtomChar(s[i]) {
			return false
		}
	}
	return true
}
