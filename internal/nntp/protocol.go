package nntp

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/datallboy/newsflow/internal/buffer"
)

const readChunk = 16 * 1024

// Logger is the subset of the application logger the NNTP layer uses.
type Logger interface {
	Debug(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}

// command describes one request and the responses it accepts.
type command struct {
	line       string
	allowed    []int
	body       []int // codes followed by a data block
	compressed bool  // data block is zlib deflated
	anyCode    bool
}

// Protocol is a synchronous NNTP client. One request is in flight at a time.
// If the server answers 480 the client authenticates and resubmits the same
// command exactly once.
type Protocol struct {
	rw       io.ReadWriter
	username string
	password string
	log      Logger

	caps       Capabilities
	compressed bool
	group      string

	pending []byte
	scratch *buffer.Buffer
}

// NewProtocol returns a client speaking over rw.
func NewProtocol(rw io.ReadWriter, username, password string) *Protocol {
	return &Protocol{
		rw:       rw,
		username: username,
		password: password,
		log:      nopLogger{},
		scratch:  buffer.New(4096),
	}
}

// SetLogger sets the logger used for command tracing.
func (p *Protocol) SetLogger(l Logger) {
	if l != nil {
		p.log = l
	}
}

func (p *Protocol) Capabilities() Capabilities { return p.caps }
func (p *Protocol) Compressed() bool { return p.compressed }
func (p *Protocol) Group() string { return p.group }

// Connect reads the welcome banner and negotiates capabilities and reader mode.
func (p *Protocol) Connect() error {
	p.caps = Capabilities{}
	p.compressed = false
	p.group = ""

	p.scratch.Clear()
	n, err := p.recvUntil(p.scratch, 0, FindResponse)
	if err != nil {
		return fmt.Errorf("welcome: %w", err)
	}
	code, err := ScanResponse(p.scratch.Head()[:n], CodePostingAllowed, CodePostingProhibited, CodeServiceDown, CodeNoPermission)
	if err != nil {
		return fmt.Errorf("welcome: %w", err)
	}
	p.keep(p.scratch, n)
	switch code {
	case CodeServiceDown:
		return ErrServiceTemporarilyUnavailable
	case CodeNoPermission:
		return ErrServicePermanentlyUnavailable
	}

	if err := p.queryCapabilities(true); err != nil {
		return err
	}

	code, err = p.transact(command{
		line:    "MODE READER",
		allowed: []int{CodePostingAllowed, CodePostingProhibited, CodeNoPermission},
	}, p.scratch)
	if err != nil {
		return fmt.Errorf("mode reader: %w", err)
	}
	if code == CodeNoPermission {
		return ErrNoPermission
	}
	return nil
}

func (p *Protocol) queryCapabilities(withAuth bool) error {
	cmd := command{
		line:    "CAPABILITIES",
		allowed: []int{CodeCapabilities, CodeUnknownCommand, CodeServiceDown},
		body:    []int{CodeCapabilities},
	}
	var code int
	var err error
	if withAuth {
		code, err = p.transact(cmd, p.scratch)
	} else {
		code, err = p.exchange(cmd, p.scratch)
	}
	if err != nil {
		return fmt.Errorf("capabilities: %w", err)
	}
	if code == CodeCapabilities {
		p.caps = ParseCapabilities(p.scratch.Content())
	} else {
		p.caps = Capabilities{}
	}
	return nil
}

// Authenticate runs AUTHINFO USER and, when challenged, AUTHINFO PASS. The
// capabilities are queried again afterwards since servers may advertise a
// different set once the user is known.
func (p *Protocol) Authenticate() error {
	if p.username == "" {
		return fmt.Errorf("%w: server requires credentials", ErrAuthenticationFailed)
	}
	allowed := []int{CodeAuthAccepted, CodePasswordRequired, CodeAuthRejected, CodeAuthOutOfSequence, CodeNoPermission}

	code, err := p.exchange(command{line: "AUTHINFO USER " + p.username, allowed: allowed}, p.scratch)
	if err != nil {
		return err
	}
	if code == CodePasswordRequired {
		code, err = p.exchange(command{line: "AUTHINFO PASS " + p.password, allowed: allowed}, p.scratch)
		if err != nil {
			return err
		}
	}
	switch code {
	case CodeAuthAccepted:
	case CodeNoPermission:
		return ErrNoPermission
	default:
		return ErrAuthenticationFailed
	}
	return p.queryCapabilities(false)
}

// ChangeGroup selects a newsgroup. It is a no-op when the group is already
// the current one. It returns false when the server has no such group.
func (p *Protocol) ChangeGroup(name string) (bool, error) {
	if p.group == name {
		return true, nil
	}
	code, err := p.transact(command{
		line:    "GROUP " + name,
		allowed: []int{CodeGroupSelected, CodeNoSuchGroup},
	}, p.scratch)
	if err != nil {
		return false, err
	}
	if code != CodeGroupSelected {
		return false, nil
	}
	p.group = name
	return true, nil
}

// QueryGroup selects a newsgroup and returns its article range.
func (p *Protocol) QueryGroup(name string) (GroupInfo, bool, error) {
	code, err := p.transact(command{
		line:    "GROUP " + name,
		allowed: []int{CodeGroupSelected, CodeNoSuchGroup},
	}, p.scratch)
	if err != nil {
		return GroupInfo{}, false, err
	}
	if code != CodeGroupSelected {
		return GroupInfo{}, false, nil
	}
	info, err := ParseGroup(p.responseLine(p.scratch))
	if err != nil {
		return GroupInfo{}, false, &ProtocolError{Code: code, Line: err.Error()}
	}
	if info.Name == "" {
		info.Name = name
	}
	p.group = name
	return info, true, nil
}

// DownloadArticle fetches the body of an article into out. Missing and taken
// down articles are reported through the status, not as errors.
func (p *Protocol) DownloadArticle(id string, out *buffer.Buffer) (buffer.Status, error) {
	code, err := p.transact(command{
		line: "BODY " + id,
		allowed: []int{CodeBodyFollows, CodeNoGroupSelected, CodeNoCurrentArticle,
			CodeNoSuchNumber, CodeNoSuchArticle, CodeArticleBlocked},
		body: []int{CodeBodyFollows},
	}, out)
	out.SetContentType(buffer.TypeArticle)
	if err != nil {
		out.SetStatus(buffer.StatusError)
		return buffer.StatusError, err
	}
	status := articleStatus(code, p.responseLine(out))
	out.SetStatus(status)
	return status, nil
}

func articleStatus(code int, line []byte) buffer.Status {
	if code == CodeBodyFollows {
		return buffer.StatusSuccess
	}
	if strings.Contains(strings.ToLower(responseComment(line)), "dmca") {
		return buffer.StatusDmca
	}
	return buffer.StatusUnavailable
}

// DownloadOverview fetches overview lines for the inclusive range. Compressed
// XZVER is used when the server advertised it and gzip compression could be
// switched on.
func (p *Protocol) DownloadOverview(first, last uint64, out *buffer.Buffer) (bool, error) {
	if p.caps.Xzver && !p.compressed {
		code, err := p.transact(command{line: "XFEATURE COMPRESS GZIP", anyCode: true}, p.scratch)
		if err != nil {
			return false, err
		}
		p.compressed = code/100 == 2
	}

	allowed := []int{CodeOverviewFollows, CodeNoGroupSelected, CodeNoCurrentArticle, CodeNoSuchNumber, CodeNoPermission}
	cmd := command{
		line:    fmt.Sprintf("XOVER %d-%d", first, last),
		allowed: allowed,
		body:    []int{CodeOverviewFollows},
	}
	if p.compressed {
		cmd.line = fmt.Sprintf("XZVER %d-%d", first, last)
		cmd.compressed = true
	}
	code, err := p.transact(cmd, out)
	out.SetContentType(buffer.TypeOverview)
	if err != nil {
		out.SetStatus(buffer.StatusError)
		return false, err
	}
	if code != CodeOverviewFollows {
		out.SetStatus(buffer.StatusUnavailable)
		return false, nil
	}
	out.SetStatus(buffer.StatusSuccess)
	return true, nil
}

// DownloadList fetches the list of newsgroups.
func (p *Protocol) DownloadList(out *buffer.Buffer) error {
	_, err := p.transact(command{
		line:    "LIST",
		allowed: []int{CodeListFollows},
		body:    []int{CodeListFollows},
	}, out)
	out.SetContentType(buffer.TypeGroupList)
	if err != nil {
		out.SetStatus(buffer.StatusError)
		return err
	}
	out.SetStatus(buffer.StatusSuccess)
	return nil
}

// Quit says goodbye. Errors are ignored since the connection is closed next.
func (p *Protocol) Quit() {
	_, _ = p.exchange(command{line: "QUIT", anyCode: true}, p.scratch)
}

func (p *Protocol) transact(cmd command, out *buffer.Buffer) (int, error) {
	code, err := p.exchange(cmd, out)
	if err != nil || code != CodeAuthRequired {
		return code, err
	}
	p.log.Debug("%q requires authentication", cmd.line)
	if err := p.Authenticate(); err != nil {
		return 0, err
	}
	code, err = p.exchange(cmd, out)
	if err == nil && code == CodeAuthRequired {
		return code, ErrAuthenticationFailed
	}
	return code, err
}

// exchange sends one request and receives its complete response into out.
func (p *Protocol) exchange(cmd command, out *buffer.Buffer) (int, error) {
	out.Clear()
	if len(p.pending) > 0 {
		out.Append(p.pending)
		p.pending = nil
	}

	p.trace(cmd.line)
	if _, err := io.WriteString(p.rw, cmd.line+"\r\n"); err != nil {
		return 0, fmt.Errorf("send %s: %w", verb(cmd.line), err)
	}

	lineLen, err := p.recvUntil(out, 0, FindResponse)
	if err != nil {
		return 0, err
	}
	line := out.Head()[:lineLen]
	var code int
	if cmd.anyCode {
		code, err = ScanResponse(line)
		var pe *ProtocolError
		if errors.As(err, &pe) && pe.Code != 0 {
			err = nil
		}
	} else {
		code, err = ScanResponse(line, append(slices.Clone(cmd.allowed), CodeAuthRequired)...)
	}
	if err != nil {
		return code, err
	}

	if !slices.Contains(cmd.body, code) {
		p.keep(out, lineLen)
		out.SetContent(lineLen, 0)
		return code, nil
	}

	if cmd.compressed {
		return code, p.recvCompressed(out, lineLen)
	}

	n, err := p.recvUntil(out, lineLen, FindBody)
	if err != nil {
		return code, err
	}
	p.keep(out, lineLen+n)
	length := BodyContentLength(n)
	length = Unstuff(out.Head()[lineLen : lineLen+length])
	out.SetContent(lineLen, length)
	return code, nil
}

func (p *Protocol) recvCompressed(out *buffer.Buffer, lineLen int) error {
	for {
		data, consumed, err := inflateBlock(out.Head()[lineLen:])
		if err == nil {
			p.keep(out, lineLen+consumed)
			out.Truncate(lineLen)
			out.Append(data)
			out.SetContent(lineLen, len(data))
			return nil
		}
		if !errors.Is(err, errIncomplete) {
			return err
		}
		if err := p.recvMore(out); err != nil {
			return err
		}
	}
}

// recvUntil reads until find reports a complete unit starting at offset.
func (p *Protocol) recvUntil(out *buffer.Buffer, offset int, find func([]byte) int) (int, error) {
	for {
		if n := find(out.Head()[offset:]); n > 0 {
			return n, nil
		}
		if err := p.recvMore(out); err != nil {
			return 0, err
		}
	}
}

func (p *Protocol) recvMore(out *buffer.Buffer) error {
	out.Grow(readChunk)
	n, err := p.rw.Read(out.Back())
	out.Commit(n)
	if n > 0 {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("recv: %w", err)
}

// keep stashes bytes past the end of the current response for the next one.
func (p *Protocol) keep(out *buffer.Buffer, end int) {
	if out.Size() > end {
		p.pending = append(p.pending[:0], out.Head()[end:]...)
		out.Truncate(end)
	}
}

func (p *Protocol) responseLine(out *buffer.Buffer) []byte {
	head := out.Head()
	return head[:FindResponse(head)]
}

func (p *Protocol) trace(line string) {
	if strings.HasPrefix(line, "AUTHINFO PASS") {
		line = "AUTHINFO PASS ****"
	}
	p.log.Debug("> %s", line)
}

func verb(line string) string {
	if i := strings.IndexByte(line, ' '); i > 0 {
		return line[:i]
	}
	return line
}
