package nntp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// Response codes the client honors.
const (
	CodeCapabilities      = 101
	CodePostingAllowed    = 200
	CodePostingProhibited = 201
	CodeClosing           = 205
	CodeGroupSelected     = 211
	CodeListFollows       = 215
	CodeBodyFollows       = 222
	CodeOverviewFollows   = 224
	CodeAuthAccepted      = 281
	CodePasswordRequired  = 381
	CodeServiceDown       = 400
	CodeNoSuchGroup       = 411
	CodeNoGroupSelected   = 412
	CodeNoCurrentArticle  = 420
	CodeNoSuchNumber      = 423
	CodeNoSuchArticle     = 430
	CodeArticleBlocked    = 451
	CodeAuthRequired      = 480
	CodeAuthRejected      = 481
	CodeAuthOutOfSequence = 482
	CodeUnknownCommand    = 500
	CodeNoPermission      = 502
)

var (
	crlf       = []byte("\r\n")
	terminator = []byte("\r\n.\r\n")
	emptyBody  = []byte(".\r\n")
)

// FindResponse returns the length of the response line at the start of p,
// including its CRLF, or 0 when no complete line has arrived yet.
func FindResponse(p []byte) int {
	i := bytes.Index(p, crlf)
	if i < 0 {
		return 0
	}
	return i + 2
}

// FindBody returns the length of the multi-line data block at the start of
// p including the terminating ".\r\n" line, or 0 when the block is incomplete.
// A non-empty block must end with CRLF.CRLF since ordinary text lines can end
// with ".\r\n" themselves.
func FindBody(p []byte) int {
	if bytes.HasPrefix(p, emptyBody) {
		return len(emptyBody)
	}
	i := bytes.Index(p, terminator)
	if i < 0 {
		return 0
	}
	return i + len(terminator)
}

// BodyContentLength is the payload length of a complete data block of n bytes
// as returned by FindBody.
func BodyContentLength(n int) int {
	if n <= len(emptyBody) {
		return 0
	}
	return n - len(terminator)
}

// ScanResponse parses the status code of a response line and checks it
// against the allowed set.
func ScanResponse(line []byte, allowed ...int) (int, error) {
	text := strings.TrimRight(string(line), "\r\n")
	if len(text) < 3 {
		return 0, &ProtocolError{Line: text}
	}
	code, err := strconv.Atoi(text[:3])
	if err != nil || (len(text) > 3 && text[3] != ' ') {
		return 0, &ProtocolError{Line: text}
	}
	for _, c := range allowed {
		if c == code {
			return code, nil
		}
	}
	return code, &ProtocolError{Code: code, Line: text}
}

// responseComment returns the text after the status code.
func responseComment(line []byte) string {
	text := strings.TrimRight(string(line), "\r\n")
	if len(text) <= 4 {
		return ""
	}
	return text[4:]
}

// GroupInfo is the result of a GROUP command.
type GroupInfo struct {
	Name  string
	Count uint64
	Low   uint64
	High  uint64
}

// ParseGroup parses "211 count low high name".
func ParseGroup(line []byte) (GroupInfo, error) {
	fields := strings.Fields(responseComment(line))
	if len(fields) < 3 {
		return GroupInfo{}, fmt.Errorf("malformed group response %q", strings.TrimSpace(string(line)))
	}
	var g GroupInfo
	var err error
	if g.Count, err = strconv.ParseUint(fields[0], 10, 64); err != nil {
		return GroupInfo{}, fmt.Errorf("group count: %w", err)
	}
	if g.Low, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
		return GroupInfo{}, fmt.Errorf("group low: %w", err)
	}
	if g.High, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
		return GroupInfo{}, fmt.Errorf("group high: %w", err)
	}
	if len(fields) > 3 {
		g.Name = fields[3]
	}
	return g, nil
}

// Capabilities advertised by a server.
type Capabilities struct {
	ModeReader bool
	Xzver      bool
	Gzip       bool
}

// ParseCapabilities reads a CAPABILITIES data block.
func ParseCapabilities(body []byte) Capabilities {
	var caps Capabilities
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.ToUpper(strings.TrimSpace(line))
		if strings.Contains(line, "MODE-READER") {
			caps.ModeReader = true
		}
		if strings.Contains(line, "XZVER") {
			caps.Xzver = true
		}
		if strings.Contains(line, "COMPRESS") && strings.Contains(line, "GZIP") {
			caps.Gzip = true
		}
	}
	return caps
}

// Unstuff collapses doubled leading dots of the lines in p in place and
// returns the new length.
func Unstuff(p []byte) int {
	w := 0
	lineStart := true
	for r := 0; r < len(p); r++ {
		c := p[r]
		if lineStart && c == '.' && r+1 < len(p) && p[r+1] == '.' {
			r++
		}
		p[w] = p[r]
		w++
		lineStart = p[r] == '\n'
	}
	return w
}

// Stuff doubles every dot that starts a line.
func Stuff(p []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(p) + len(p)/64)
	lineStart := true
	for _, c := range p {
		if lineStart && c == '.' {
			out.WriteByte('.')
		}
		out.WriteByte(c)
		lineStart = c == '\n'
	}
	return out.Bytes()
}

var errIncomplete = errors.New("incomplete compressed block")

// inflateBlock inflates the zlib stream at the start of p that must be
// followed by the ".\r\n" terminator line. It returns errIncomplete while the
// stream or the terminator has not fully arrived.
func inflateBlock(p []byte) (data []byte, consumed int, err error) {
	src := bytes.NewReader(p)
	zr, err := zlib.NewReader(src)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, 0, errIncomplete
		}
		return nil, 0, fmt.Errorf("inflate header: %w", err)
	}
	defer zr.Close()

	data, err = io.ReadAll(zr)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, errIncomplete
		}
		return nil, 0, fmt.Errorf("inflate: %w", err)
	}
	consumed = len(p) - src.Len()
	rest := p[consumed:]
	if len(rest) < len(emptyBody) {
		return nil, 0, errIncomplete
	}
	if !bytes.HasPrefix(rest, emptyBody) {
		return nil, 0, fmt.Errorf("compressed block not followed by terminator")
	}
	return data, consumed + len(emptyBody), nil
}
