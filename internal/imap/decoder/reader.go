package decoder

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

const (
	// DefaultMaxLiteral bounds a single literal, which in practice is the
	// size of an APPENDed message.
	DefaultMaxLiteral = 50 << 20
	maxLine           = 64 << 10
)

var (
	errLineTooLong     = errors.New("command line too long")
	errLiteralTooLarge = errors.New("literal too large")
)

// lineReader assembles complete commands from the connection: a command
// line and any literals it announces, with continuation requests sent
// for synchronizing literals.
type lineReader struct {
	r          *bufio.Reader
	cont       func() error
	maxLiteral int64
}

// readLine returns the next line without its CRLF.
func (lr *lineReader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := lr.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLine {
			return nil, errLineTooLong
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r")), nil
}

// readCommand returns the command with its literals inlined as
// "{n}\r\n<n octets>". On errLiteralTooLarge the prefix read so far is
// returned so the caller can still answer with the command's tag.
func (lr *lineReader) readCommand() ([]byte, error) {
	var buf []byte
	for {
		line, err := lr.readLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, line...)

		n, sync, ok := trailingLiteral(line)
		if !ok {
			return buf, nil
		}
		if n > lr.maxLiteral {
			if !sync {
				if err := lr.skip(n); err != nil {
					return nil, err
				}
			}
			return buf, errLiteralTooLarge
		}
		if sync {
			if err := lr.cont(); err != nil {
				return nil, err
			}
		}
		buf = append(buf, '\r', '\n')
		start := len(buf)
		buf = append(buf, make([]byte, n)...)
		if _, err := io.ReadFull(lr.r, buf[start:]); err != nil {
			return nil, err
		}
	}
}

// skip discards a non-synchronizing literal of n octets and the rest of
// the command it belongs to.
func (lr *lineReader) skip(n int64) error {
	for {
		if _, err := io.CopyN(io.Discard, lr.r, n); err != nil {
			return err
		}
		line, err := lr.readLine()
		if err != nil {
			return err
		}
		var sync, ok bool
		if n, sync, ok = trailingLiteral(line); !ok || sync {
			return nil
		}
	}
}

// trailingLiteral recognizes a line ending in "{n}" or "{n+}".
func trailingLiteral(line []byte) (n int64, sync, ok bool) {
	if !bytes.HasSuffix(line, []byte("}")) {
		return 0, false, false
	}
	open := bytes.LastIndexByte(line, '{')
	if open < 0 {
		return 0, false, false
	}
	digits := line[open+1 : len(line)-1]
	sync = true
	if bytes.HasSuffix(digits, []byte("+")) {
		digits = digits[:len(digits)-1]
		sync = false
	}
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil || n < 0 {
		return 0, false, false
	}
	return n, sync, true
}
