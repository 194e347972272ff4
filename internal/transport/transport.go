// Package transport turns a raw duplex byte stream into discrete message
// payloads. Two framings are spoken: newline-delimited single-line JSON, and
// LSP-style Content-Length headers. The mode is detected once from the first
// bytes off the stream and fixed for the connection lifetime.
package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

// Mode selects the framing convention.
type Mode int

const (
	// ModeAuto inspects the first bytes of the stream before fixing a mode.
	ModeAuto Mode = iota
	// ModeLine frames each message as one newline-terminated line.
	ModeLine
	// ModeLSP frames each message with MIME headers and a Content-Length body.
	ModeLSP
)

func (m Mode) String() string {
	switch m {
	case ModeLine:
		return "line"
	case ModeLSP:
		return "lsp"
	default:
		return "auto"
	}
}

// ParseMode maps a CLI value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "line":
		return ModeLine, nil
	case "lsp":
		return ModeLSP, nil
	}
	return ModeAuto, fmt.Errorf("unknown transport mode %q", s)
}

// Transport-level errors are fatal to the connection.
var (
	ErrMalformedHeader = errors.New("transport: malformed framing header")
	ErrInvalidUTF8     = errors.New("transport: message body is not valid UTF-8")
	ErrTruncated       = errors.New("transport: truncated message")
	ErrEmbeddedNewline = errors.New("transport: line-framed message contains a newline")
)

const detectPrefix = "content-length:"

// Conn frames messages over a duplex byte stream. Reads happen from a single
// goroutine; writes are serialized internally so concurrent handlers may
// reply out of order without interleaving bytes.
type Conn struct {
	br *bufio.Reader

	wmu sync.Mutex
	bw  *bufio.Writer

	mode Mode
}

// NewConn wraps a reader/writer pair. With ModeAuto the framing is decided on
// the first read; an explicit mode skips detection.
func NewConn(r io.Reader, w io.Writer, mode Mode) *Conn {
	return &Conn{
		br:   bufio.NewReaderSize(r, 64*1024),
		bw:   bufio.NewWriter(w),
		mode: mode,
	}
}

// Mode reports the current framing mode. Before the first read in auto mode
// this is still ModeAuto.
func (c *Conn) Mode() Mode { return c.mode }

// detect fixes the mode from buffered bytes without consuming payload.
func (c *Conn) detect() error {
	peek, err := c.br.Peek(len(detectPrefix))
	if err != nil {
		if len(peek) == 0 {
			return err
		}
		// Short stream: whatever it is, it cannot be a header line.
		c.mode = ModeLine
		return nil
	}
	if strings.EqualFold(string(peek), detectPrefix) {
		c.mode = ModeLSP
	} else {
		c.mode = ModeLine
	}
	return nil
}

// ReadMessage returns the next message payload. Any framing error is fatal to
// the connection; io.EOF signals a clean end of stream.
func (c *Conn) ReadMessage() ([]byte, error) {
	if c.mode == ModeAuto {
		if err := c.detect(); err != nil {
			return nil, err
		}
	}
	switch c.mode {
	case ModeLSP:
		return c.readLSP()
	default:
		return c.readLine()
	}
}

func (c *Conn) readLine() ([]byte, error) {
	for {
		line, err := c.br.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(bytes.TrimSpace(line)) > 0 {
				return nil, ErrTruncated
			}
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !utf8.Valid(line) {
			return nil, ErrInvalidUTF8
		}
		return line, nil
	}
}

func (c *Conn) readLSP() ([]byte, error) {
	tp := textproto.NewReader(c.br)
	header, err := tp.ReadMIMEHeader()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	v := header.Get("Content-Length")
	if v == "" {
		return nil, fmt.Errorf("%w: missing Content-Length", ErrMalformedHeader)
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: bad Content-Length %q", ErrMalformedHeader, v)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.br, body); err != nil {
		return nil, ErrTruncated
	}
	if !utf8.Valid(body) {
		return nil, ErrInvalidUTF8
	}
	return body, nil
}

// WriteMessage frames and writes one payload using the connection's mode.
// Safe for concurrent use. In auto mode before detection it falls back to
// line framing (the server always reads before it writes, so this only
// happens in degenerate cases).
func (c *Conn) WriteMessage(payload []byte) error {
	mode := c.mode
	if mode == ModeAuto {
		mode = ModeLine
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	switch mode {
	case ModeLSP:
		if _, err := fmt.Fprintf(c.bw, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
			return err
		}
		if _, err := c.bw.Write(payload); err != nil {
			return err
		}
	default:
		if bytes.IndexByte(payload, '\n') >= 0 {
			return ErrEmbeddedNewline
		}
		if _, err := c.bw.Write(payload); err != nil {
			return err
		}
		if err := c.bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return c.bw.Flush()
}
