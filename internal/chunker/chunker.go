// Package chunker turns raw file bytes into uploadable text blobs: decode
// with encoding fallback, drop binaries, strip control characters, and split
// long files into fixed-size line chunks.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// Blob is one uploadable unit of file content. StartLine is the 1-based line
// the chunk starts at in the original file; it never crosses the wire.
type Blob struct {
	Path    string `json:"path"`
	Content string `json:"content"`

	StartLine int `json:"-"`
}

// Hash returns the blob identity: sha256 over path then content, hex-encoded.
func (b Blob) Hash() string {
	h := sha256.New()
	h.Write([]byte(b.Path))
	h.Write([]byte(b.Content))
	return hex.EncodeToString(h.Sum(nil))
}

// ErrBinary marks content rejected by the binary heuristic.
var ErrBinary = errors.New("chunker: binary content")

// Chunker holds the splitting limits.
type Chunker struct {
	maxLines     int
	maxBlobBytes int
}

// New returns a Chunker. maxBlobBytes <= 0 disables the byte cap so chunks
// are bounded by line count alone.
func New(maxLines, maxBlobBytes int) *Chunker {
	if maxLines <= 0 {
		maxLines = 800
	}
	return &Chunker{maxLines: maxLines, maxBlobBytes: maxBlobBytes}
}

// fallback encodings tried in order when the bytes are not valid UTF-8.
// Decoders are built per call: x/text Decoders carry transform state and are
// not safe for concurrent use.
var fallbacks = []struct {
	name string
	enc  encoding.Encoding
}{
	{"gbk", simplifiedchinese.GBK},
	{"gb18030", simplifiedchinese.GB18030},
	{"windows-1252", charmap.Windows1252},
}

// Decode converts raw file bytes to a UTF-8 string. Valid UTF-8 passes
// through; otherwise GBK, GB18030 and Windows-1252 are tried in order and the
// first decode with an acceptable replacement-character count wins. As a last
// resort the bytes are decoded as UTF-8 with replacements.
func Decode(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	for _, fb := range fallbacks {
		decoded, err := fb.enc.NewDecoder().Bytes(raw)
		if err != nil {
			continue
		}
		s := string(decoded)
		if replacementsAcceptable(s) {
			return s
		}
	}
	return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
}

// replacementsAcceptable bounds the U+FFFD count: at most 5 for short
// content, at most 5% of runes otherwise.
func replacementsAcceptable(s string) bool {
	total := 0
	bad := 0
	for _, r := range s {
		total++
		if r == utf8.RuneError {
			bad++
		}
	}
	if total < 100 {
		return bad <= 5
	}
	return bad*20 <= total
}

// IsBinary reports whether decoded content looks like binary data: any NUL
// byte, or more than 10% non-printable characters.
func IsBinary(s string) bool {
	if s == "" {
		return false
	}
	total := 0
	nonPrintable := 0
	for _, r := range s {
		total++
		if r == 0 {
			return true
		}
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			nonPrintable++
		}
	}
	return nonPrintable*10 > total
}

// Sanitize removes control characters that upset downstream JSON consumers,
// keeping tab, newline and carriage return.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// Split decodes, sanitizes and chunks one file into blobs. Paths of split
// chunks carry a "#chunkIofN" suffix; a file that fits in one chunk keeps its
// path untouched. Returns ErrBinary for binary content.
func (c *Chunker) Split(relPath string, raw []byte) ([]Blob, error) {
	content := Decode(raw)
	if IsBinary(content) {
		return nil, ErrBinary
	}
	content = Sanitize(content)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	lines := strings.Split(content, "\n")
	pieces := c.chunkLines(lines)
	if len(pieces) == 1 {
		return []Blob{{Path: relPath, Content: pieces[0].text, StartLine: 1}}, nil
	}

	blobs := make([]Blob, 0, len(pieces))
	for i, p := range pieces {
		blobs = append(blobs, Blob{
			Path:      fmt.Sprintf("%s#chunk%dof%d", relPath, i+1, len(pieces)),
			Content:   p.text,
			StartLine: p.startLine,
		})
	}
	return blobs, nil
}

type piece struct {
	text      string
	startLine int
}

// chunkLines groups lines into pieces bounded by maxLines and, when set,
// maxBlobBytes. A single oversized line still forms its own piece.
func (c *Chunker) chunkLines(lines []string) []piece {
	var pieces []piece
	var cur []string
	curBytes := 0
	start := 1

	flush := func(next int) {
		if len(cur) == 0 {
			return
		}
		pieces = append(pieces, piece{text: strings.Join(cur, "\n"), startLine: start})
		cur = nil
		curBytes = 0
		start = next
	}

	for i, line := range lines {
		lineBytes := len(line) + 1
		if len(cur) >= c.maxLines {
			flush(i + 1)
		}
		if c.maxBlobBytes > 0 && len(cur) > 0 && curBytes+lineBytes > c.maxBlobBytes {
			flush(i + 1)
		}
		cur = append(cur, line)
		curBytes += lineBytes
	}
	flush(len(lines) + 1)
	return pieces
}
