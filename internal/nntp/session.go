package nntp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/datallboy/newsflow/internal/buffer"
)

// SessionState is the coarse state of a Session.
type SessionState int

const (
	StateNone SessionState = iota
	StateInit
	StateAuthenticate
	StateReady
	StateTransfer
	StateQuitting
	StateError
)

func (s SessionState) String() string {
	return [...]string{"none", "init", "authenticate", "ready", "transfer", "quitting", "error"}[s]
}

// SessionError tells why a Session entered StateError.
type SessionError int

const (
	ErrorNone SessionError = iota
	ErrorProtocol
	ErrorAuthenticationRejected
	ErrorNoPermission
	ErrorServiceUnavailable
)

func (e SessionError) String() string {
	return [...]string{"none", "protocol", "authentication rejected", "no permission", "service unavailable"}[e]
}

type cmdKind int

const (
	kindWelcome cmdKind = iota
	kindCapabilities
	kindModeReader
	kindCompress
	kindAuthUser
	kindAuthPass
	kindGroup
	kindBody
	kindOverview
	kindList
	kindQuit
)

type sessionCmd struct {
	kind     cmdKind
	line     string
	arg      string
	out      *buffer.Buffer
	pipeline bool
	state    SessionState

	authRetried bool
}

// SessionOptions configure a Session.
type SessionOptions struct {
	Username      string
	Password      string
	Pipelining    bool
	Compression   bool
	AuthOnConnect bool
	// NoGroupCache sends GROUP even when the group is already selected.
	NoGroupCache  bool
}

// Session queues NNTP commands and parses their responses incrementally.
// Requests are written to w by SendNext. Responses are fed by the owner of
// the connection through RecvNext, which consumes at most one complete
// response from the front of the receive buffer. With pipelining enabled
// several requests can be in flight and responses are matched in FIFO order.
type Session struct {
	w    io.Writer
	opts SessionOptions
	log  Logger

	send []*sessionCmd
	recv []*sessionCmd

	state SessionState
	err   SessionError
	cause error

	caps       Capabilities
	capsKnown  bool
	compressed bool
	group      string
}

// NewSession returns a session writing requests to w.
func NewSession(w io.Writer, opts SessionOptions) *Session {
	return &Session{w: w, opts: opts, log: nopLogger{}}
}

// SetLogger sets the logger used for command tracing.
func (s *Session) SetLogger(l Logger) {
	if l != nil {
		s.log = l
	}
}

func (s *Session) State() SessionState { return s.state }
func (s *Session) Error() SessionError { return s.err }
func (s *Session) Capabilities() Capabilities { return s.caps }
func (s *Session) CapabilitiesKnown() bool { return s.capsKnown }
func (s *Session) CurrentGroup() string { return s.group }
func (s *Session) Compressed() bool { return s.compressed }
func (s *Session) SetPipelining(on bool) { s.opts.Pipelining = on }
func (s *Session) PendingCommands() int { return len(s.send) + len(s.recv) }
func (s *Session) InFlight() int { return len(s.recv) }

// Start queues the connection handshake.
func (s *Session) Start() {
	s.state = StateInit
	s.err = ErrorNone
	s.cause = nil
	s.caps = Capabilities{}
	s.capsKnown = false
	s.compressed = false
	s.group = ""
	s.send = s.send[:0]
	s.recv = s.recv[:0]

	s.enqueue(&sessionCmd{kind: kindWelcome, state: StateInit})
	s.enqueue(&sessionCmd{kind: kindCapabilities, line: "CAPABILITIES", state: StateInit})
	s.enqueue(&sessionCmd{kind: kindModeReader, line: "MODE READER", state: StateInit})
	if s.opts.Compression {
		s.enqueue(&sessionCmd{kind: kindCompress, line: "XFEATURE COMPRESS GZIP", state: StateInit})
	}
	if s.opts.AuthOnConnect {
		// Most servers only ask for credentials on the first group selection.
		s.enqueue(&sessionCmd{kind: kindGroup, line: "GROUP alt.binaries.test", arg: "alt.binaries.test", state: StateInit})
	}
}

// ChangeGroup selects a newsgroup unless it is already the cached one.
func (s *Session) ChangeGroup(name string) {
	if !s.opts.NoGroupCache && name == s.group {
		return
	}
	s.enqueue(&sessionCmd{kind: kindGroup, line: "GROUP " + name, arg: name, state: StateTransfer})
}

// QueryGroup selects a newsgroup and stores the response line in out.
func (s *Session) QueryGroup(name string, out *buffer.Buffer) {
	s.enqueue(&sessionCmd{kind: kindGroup, line: "GROUP " + name, arg: name, out: out, state: StateTransfer})
}

// RetrieveArticle queues BODY for a message id.
func (s *Session) RetrieveArticle(id string, out *buffer.Buffer) {
	s.enqueue(&sessionCmd{kind: kindBody, line: "BODY " + id, out: out, pipeline: true, state: StateTransfer})
}

// RetrieveOverview queues XOVER for the inclusive range. The response is
// inflated when gzip compression was enabled at start.
func (s *Session) RetrieveOverview(first, last uint64, out *buffer.Buffer) {
	s.enqueue(&sessionCmd{kind: kindOverview, line: fmt.Sprintf("XOVER %d-%d", first, last), out: out, pipeline: true, state: StateTransfer})
}

// RetrieveList queues LIST.
func (s *Session) RetrieveList(out *buffer.Buffer) {
	s.enqueue(&sessionCmd{kind: kindList, line: "LIST", out: out, pipeline: true, state: StateTransfer})
}

// Quit queues QUIT.
func (s *Session) Quit() {
	s.enqueue(&sessionCmd{kind: kindQuit, line: "QUIT", state: StateQuitting})
}

func (s *Session) enqueue(cmd *sessionCmd) { s.send = append(s.send, cmd) }

func (s *Session) pushFront(cmds ...*sessionCmd) {
	s.send = append(slices.Clone(cmds), s.send...)
}

// SendNext writes the next request, or several when pipelining. It returns
// false when nothing could be sent.
func (s *Session) SendNext() (bool, error) {
	if s.state == StateError {
		return false, nil
	}
	var out bytes.Buffer
	sent := false
	for len(s.send) > 0 {
		next := s.send[0]
		if len(s.recv) > 0 {
			last := s.recv[len(s.recv)-1]
			if !s.opts.Pipelining || !last.pipeline || !next.pipeline {
				break
			}
		}
		s.send = s.send[1:]
		s.recv = append(s.recv, next)
		s.state = next.state
		sent = true
		if next.line != "" {
			s.trace(next.line)
			out.WriteString(next.line)
			out.WriteString("\r\n")
		}
	}
	if out.Len() > 0 {
		if _, err := s.w.Write(out.Bytes()); err != nil {
			return sent, fmt.Errorf("send: %w", err)
		}
	}
	return sent, nil
}

// RecvNext parses one response for the oldest in-flight command from in and
// removes it from in. It returns false when the response is incomplete.
func (s *Session) RecvNext(in *buffer.Buffer) (bool, error) {
	if len(s.recv) == 0 {
		return false, nil
	}
	cmd := s.recv[0]

	done, code, err := s.parse(cmd, in)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			s.fail(ErrorProtocol)
		}
		return true, err
	}
	if !done {
		return false, nil
	}
	if len(s.recv) > 0 {
		s.recv = s.recv[1:]
	}

	switch code {
	case CodeAuthRequired:
		if len(s.recv) > 0 {
			s.fail(ErrorProtocol)
			return true, &ProtocolError{Code: code, Line: "authentication requested with pipelined commands in flight"}
		}
		if cmd.authRetried || s.opts.Username == "" {
			s.fail(ErrorAuthenticationRejected)
			return true, ErrAuthenticationFailed
		}
		cmd.authRetried = true
		s.log.Debug("%q requires authentication", cmd.line)
		s.state = StateAuthenticate
		retry := []*sessionCmd{
			{kind: kindAuthUser, line: "AUTHINFO USER " + s.opts.Username, state: StateAuthenticate},
			{kind: kindAuthPass, line: "AUTHINFO PASS " + s.opts.Password, state: StateAuthenticate},
		}
		if cmd.kind != kindCapabilities {
			retry = append(retry, &sessionCmd{kind: kindCapabilities, line: "CAPABILITIES", state: StateInit})
		}
		s.pushFront(append(retry, cmd)...)
		return true, nil
	}

	if s.state == StateError {
		return true, s.stateErr()
	}
	if len(s.recv) == 0 && s.state != StateQuitting {
		s.state = StateReady
	}
	return true, nil
}

// parse consumes a complete response for cmd from in.
func (s *Session) parse(cmd *sessionCmd, in *buffer.Buffer) (bool, int, error) {
	n := FindResponse(in.Head())
	if n == 0 {
		return false, 0, nil
	}
	line := in.Head()[:n]

	var code int
	var err error
	switch cmd.kind {
	case kindWelcome:
		code, err = ScanResponse(line, CodePostingAllowed, CodePostingProhibited, CodeServiceDown, CodeNoPermission)
		if err == nil && (code == CodeServiceDown || code == CodeNoPermission) {
			s.fail(ErrorServiceUnavailable)
			s.cause = ErrServicePermanentlyUnavailable
			if code == CodeServiceDown {
				s.cause = ErrServiceTemporarilyUnavailable
			}
		}
	case kindCapabilities:
		code, err = ScanResponse(line, CodeCapabilities, CodeUnknownCommand, CodeServiceDown, CodeAuthRequired)
	case kindModeReader:
		code, err = ScanResponse(line, CodePostingAllowed, CodePostingProhibited, CodeNoPermission, CodeAuthRequired)
		if err == nil && code == CodeNoPermission {
			s.fail(ErrorNoPermission)
		}
	case kindCompress:
		code, err = ScanResponse(line)
		var pe *ProtocolError
		if errors.As(err, &pe) && pe.Code != 0 {
			err = nil
		}
		if err == nil && code != CodeAuthRequired {
			s.compressed = code/100 == 2
		}
	case kindAuthUser, kindAuthPass:
		code, err = ScanResponse(line, CodeAuthAccepted, CodePasswordRequired, CodeAuthRejected, CodeAuthOutOfSequence, CodeNoPermission)
		if err == nil {
			s.authResponse(cmd, code)
		}
	case kindGroup:
		code, err = ScanResponse(line, CodeGroupSelected, CodeNoSuchGroup, CodeAuthRequired)
		if err == nil {
			s.groupResponse(cmd, code, line)
		}
	case kindBody:
		code, err = ScanResponse(line, CodeBodyFollows, CodeNoGroupSelected, CodeNoCurrentArticle,
			CodeNoSuchNumber, CodeNoSuchArticle, CodeArticleBlocked, CodeAuthRequired)
	case kindOverview:
		code, err = ScanResponse(line, CodeOverviewFollows, CodeNoGroupSelected, CodeNoCurrentArticle,
			CodeNoSuchNumber, CodeNoPermission, CodeAuthRequired)
	case kindList:
		code, err = ScanResponse(line, CodeListFollows, CodeAuthRequired)
	case kindQuit:
		code, err = ScanResponse(line)
		err = nil
	}
	if err != nil {
		return true, code, err
	}

	hasBody := (cmd.kind == kindCapabilities && code == CodeCapabilities) ||
		(cmd.kind == kindBody && code == CodeBodyFollows) ||
		(cmd.kind == kindOverview && code == CodeOverviewFollows) ||
		(cmd.kind == kindList && code == CodeListFollows)
	if !hasBody {
		if cmd.out != nil && code != CodeAuthRequired {
			s.deliver(cmd, in, n, n, 0)
			s.setStatus(cmd, code, line)
		}
		in.Pop(n)
		return true, code, nil
	}

	if cmd.kind == kindOverview && s.compressed {
		data, consumed, err := inflateBlock(in.Head()[n:])
		if errors.Is(err, errIncomplete) {
			return false, 0, nil
		}
		if err != nil {
			cmd.out.Clear()
			cmd.out.SetContentType(buffer.TypeOverview)
			cmd.out.SetStatus(buffer.StatusError)
			return true, code, &ProtocolError{Code: code, Line: err.Error()}
		}
		out := cmd.out
		out.Clear()
		out.Append(in.Head()[:n])
		out.Append(data)
		out.SetContent(n, len(data))
		out.SetContentType(buffer.TypeOverview)
		out.SetStatus(buffer.StatusSuccess)
		in.Pop(n + consumed)
		return true, code, nil
	}

	body := FindBody(in.Head()[n:])
	if body == 0 {
		return false, 0, nil
	}
	if cmd.kind == kindCapabilities {
		s.caps = ParseCapabilities(in.Head()[n : n+BodyContentLength(body)])
		s.capsKnown = true
		in.Pop(n + body)
		return true, code, nil
	}
	s.deliver(cmd, in, n, n+body, BodyContentLength(body))
	s.setStatus(cmd, code, line)
	in.Pop(n + body)
	return true, code, nil
}

// deliver copies the first total bytes of in into the command's output
// buffer and unstuffs the payload.
func (s *Session) deliver(cmd *sessionCmd, in *buffer.Buffer, start, total, length int) {
	out := cmd.out
	out.Clear()
	out.Append(in.Head()[:total])
	length = Unstuff(out.Head()[start : start+length])
	out.SetContent(start, length)
}

func (s *Session) setStatus(cmd *sessionCmd, code int, line []byte) {
	out := cmd.out
	switch cmd.kind {
	case kindBody:
		out.SetContentType(buffer.TypeArticle)
		out.SetStatus(articleStatus(code, line))
	case kindOverview:
		out.SetContentType(buffer.TypeOverview)
		if code == CodeOverviewFollows {
			out.SetStatus(buffer.StatusSuccess)
		} else {
			out.SetStatus(buffer.StatusUnavailable)
		}
	case kindList:
		out.SetContentType(buffer.TypeGroupList)
		out.SetStatus(buffer.StatusSuccess)
	case kindGroup:
		out.SetContentType(buffer.TypeGroupInfo)
		if code == CodeGroupSelected {
			// the payload of a group query is the "count low high name" line
			out.SetContent(0, FindResponse(out.Head()))
			out.SetStatus(buffer.StatusSuccess)
		} else {
			out.SetStatus(buffer.StatusUnavailable)
		}
	}
}

func (s *Session) authResponse(cmd *sessionCmd, code int) {
	switch code {
	case CodeAuthAccepted:
		if cmd.kind == kindAuthUser && len(s.send) > 0 && s.send[0].kind == kindAuthPass {
			s.send = s.send[1:]
		}
	case CodePasswordRequired:
		if cmd.kind == kindAuthPass {
			s.fail(ErrorAuthenticationRejected)
		}
	case CodeNoPermission:
		s.fail(ErrorNoPermission)
	default:
		s.fail(ErrorAuthenticationRejected)
	}
}

func (s *Session) groupResponse(cmd *sessionCmd, code int, line []byte) {
	switch code {
	case CodeGroupSelected:
		s.group = cmd.arg
	case CodeNoSuchGroup:
		if s.group == cmd.arg {
			s.group = ""
		}
	}
}

// fail moves the session into the error state and drops all queued work.
func (s *Session) fail(reason SessionError) {
	s.state = StateError
	s.err = reason
	s.cause = nil
	s.send = nil
	s.recv = nil
}

func (s *Session) stateErr() error {
	if s.cause != nil {
		return s.cause
	}
	switch s.err {
	case ErrorAuthenticationRejected:
		return ErrAuthenticationFailed
	case ErrorNoPermission:
		return ErrNoPermission
	case ErrorServiceUnavailable:
		return ErrServicePermanentlyUnavailable
	default:
		return &ProtocolError{Line: "session error"}
	}
}

func (s *Session) trace(line string) {
	if strings.HasPrefix(line, "AUTHINFO PASS") {
		line = "AUTHINFO PASS ****"
	}
	s.log.Debug("> %s", line)
}
