package nntp

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/datallboy/newsflow/internal/buffer"
)

// sessionHarness feeds canned responses to a Session and records requests.
type sessionHarness struct {
	t   *testing.T
	s   *Session
	out bytes.Buffer
	in  *buffer.Buffer
}

func newHarness(t *testing.T, opts SessionOptions) *sessionHarness {
	h := &sessionHarness{t: t, in: buffer.New(0)}
	h.s = NewSession(&h.out, opts)
	return h
}

// sent returns and clears the request lines written so far.
func (h *sessionHarness) sent() []string {
	lines := strings.Split(strings.TrimSuffix(h.out.String(), "\r\n"), "\r\n")
	h.out.Reset()
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}

// step sends what can be sent, expects the given request lines and answers
// with response, which must complete exactly the responses in flight.
func (h *sessionHarness) step(want []string, response string) {
	h.t.Helper()
	if _, err := h.s.SendNext(); err != nil {
		h.t.Fatal(err)
	}
	if got := h.sent(); strings.Join(got, "|") != strings.Join(want, "|") {
		h.t.Fatalf("sent %q, want %q", got, want)
	}
	h.in.Append([]byte(response))
	h.drain()
}

func (h *sessionHarness) drain() {
	h.t.Helper()
	for {
		done, err := h.s.RecvNext(h.in)
		if err != nil {
			h.t.Fatal(err)
		}
		if !done {
			return
		}
	}
}

func TestSessionAuthenticationFlow(t *testing.T) {
	h := newHarness(t, SessionOptions{Username: "joe", Password: "secret"})
	h.s.Start()

	h.step(nil, "200 welcome\r\n")
	h.step([]string{"CAPABILITIES"}, "500 what?\r\n")
	h.step([]string{"MODE READER"}, "480 authentication required\r\n")
	if h.s.State() != StateAuthenticate {
		t.Fatalf("state = %v, want authenticate", h.s.State())
	}
	h.step([]string{"AUTHINFO USER joe"}, "381 password required\r\n")
	h.step([]string{"AUTHINFO PASS secret"}, "281 ok\r\n")
	h.step([]string{"CAPABILITIES"}, "101 caps\r\nVERSION 2\r\nMODE-READER\r\n.\r\n")
	h.step([]string{"MODE READER"}, "200 posting allowed\r\n")

	if h.s.State() != StateReady {
		t.Fatalf("state = %v, want ready", h.s.State())
	}
	if n := h.s.PendingCommands(); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
	if !h.s.Capabilities().ModeReader || !h.s.CapabilitiesKnown() {
		t.Fatal("capabilities not re-queried after authentication")
	}
}

func TestSessionAuthenticationRejected(t *testing.T) {
	h := newHarness(t, SessionOptions{Username: "joe", Password: "bad"})
	h.s.Start()
	h.step(nil, "200 welcome\r\n")
	h.step([]string{"CAPABILITIES"}, "480 authentication required\r\n")
	h.step([]string{"AUTHINFO USER joe"}, "381 password required\r\n")

	h.s.SendNext()
	h.sent()
	h.in.Append([]byte("482 rejected\r\n"))
	_, err := h.s.RecvNext(h.in)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("err = %v", err)
	}
	if h.s.State() != StateError || h.s.Error() != ErrorAuthenticationRejected {
		t.Fatalf("state=%v error=%v", h.s.State(), h.s.Error())
	}
	if h.s.PendingCommands() != 0 {
		t.Fatal("queues not cleared on error")
	}
}

func TestSessionNoPermission(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	h.s.Start()
	h.step(nil, "200 welcome\r\n")
	h.step([]string{"CAPABILITIES"}, "500 what?\r\n")
	h.s.SendNext()
	h.sent()
	h.in.Append([]byte("502 no permission\r\n"))
	if _, err := h.s.RecvNext(h.in); !errors.Is(err, ErrNoPermission) {
		t.Fatalf("err = %v", err)
	}
	if h.s.Error() != ErrorNoPermission {
		t.Fatalf("error = %v", h.s.Error())
	}
}

func TestSessionWelcomeUnavailable(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	h.s.Start()
	h.s.SendNext()
	h.in.Append([]byte("400 too many connections\r\n"))
	if _, err := h.s.RecvNext(h.in); !errors.Is(err, ErrServiceTemporarilyUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func readySession(t *testing.T, opts SessionOptions) *sessionHarness {
	h := newHarness(t, opts)
	h.s.Start()
	h.step(nil, "200 welcome\r\n")
	h.step([]string{"CAPABILITIES"}, "101 caps\r\nVERSION 2\r\n.\r\n")
	h.step([]string{"MODE READER"}, "200 ok\r\n")
	return h
}

func TestSessionGroupCache(t *testing.T) {
	h := readySession(t, SessionOptions{})
	h.s.ChangeGroup("alt.binaries.foo")
	h.step([]string{"GROUP alt.binaries.foo"}, "211 3 100 102 alt.binaries.foo\r\n")
	if h.s.CurrentGroup() != "alt.binaries.foo" {
		t.Fatalf("group = %q", h.s.CurrentGroup())
	}
	h.s.ChangeGroup("alt.binaries.foo")
	if h.s.PendingCommands() != 0 {
		t.Fatal("GROUP queued for the current group")
	}
	h.s.ChangeGroup("alt.binaries.bar")
	h.step([]string{"GROUP alt.binaries.bar"}, "411 no such group\r\n")
	if h.s.CurrentGroup() != "alt.binaries.foo" {
		t.Fatalf("failed group change replaced current group: %q", h.s.CurrentGroup())
	}
}

func TestSessionWithoutGroupCacheResendsGroup(t *testing.T) {
	h := readySession(t, SessionOptions{NoGroupCache: true})
	h.s.ChangeGroup("alt.binaries.foo")
	h.step([]string{"GROUP alt.binaries.foo"}, "211 3 100 102 alt.binaries.foo\r\n")
	h.s.ChangeGroup("alt.binaries.foo")
	h.step([]string{"GROUP alt.binaries.foo"}, "211 3 100 102 alt.binaries.foo\r\n")
	if h.s.CurrentGroup() != "alt.binaries.foo" {
		t.Fatalf("group = %q", h.s.CurrentGroup())
	}
}

func TestSessionQueryGroup(t *testing.T) {
	h := readySession(t, SessionOptions{})
	buf := buffer.New(0)
	h.s.QueryGroup("alt.binaries.foo", buf)
	h.step([]string{"GROUP alt.binaries.foo"}, "211 3 100 102 alt.binaries.foo\r\n")
	if buf.Status() != buffer.StatusSuccess || buf.ContentType() != buffer.TypeGroupInfo {
		t.Fatalf("status=%v type=%v", buf.Status(), buf.ContentType())
	}
	info, err := ParseGroup(buf.Content())
	if err != nil || info.High != 102 {
		t.Fatalf("info=%+v err=%v", info, err)
	}
}

func TestSessionPipelinedPartialResponses(t *testing.T) {
	h := readySession(t, SessionOptions{Pipelining: true})
	bufs := []*buffer.Buffer{buffer.New(0), buffer.New(0), buffer.New(0)}
	h.s.RetrieveArticle("<1@x>", bufs[0])
	h.s.RetrieveArticle("<2@x>", bufs[1])
	h.s.RetrieveArticle("<3@x>", bufs[2])

	if _, err := h.s.SendNext(); err != nil {
		t.Fatal(err)
	}
	if got := h.sent(); len(got) != 3 {
		t.Fatalf("pipelined send = %q", got)
	}
	if h.s.InFlight() != 3 {
		t.Fatalf("in flight = %d", h.s.InFlight())
	}

	stream := "222 body\r\nfirst\r\n.\r\n430 no such article\r\n222 body\r\n..third\r\n.\r\n"
	for i := 0; i < len(stream); i += 4 {
		end := min(i+4, len(stream))
		h.in.Append([]byte(stream[i:end]))
		h.drain()
	}

	if string(bufs[0].Content()) != "first" || !bufs[0].Succeeded() {
		t.Fatalf("first = %q %v", bufs[0].Content(), bufs[0].Status())
	}
	if bufs[1].Status() != buffer.StatusUnavailable {
		t.Fatalf("second status = %v", bufs[1].Status())
	}
	if string(bufs[2].Content()) != ".third" {
		t.Fatalf("third = %q", bufs[2].Content())
	}
	if h.s.State() != StateReady || h.in.Size() != 0 {
		t.Fatalf("state=%v leftover=%d", h.s.State(), h.in.Size())
	}
}

func TestSessionWithoutPipeliningSendsOneAtATime(t *testing.T) {
	h := readySession(t, SessionOptions{})
	a, b := buffer.New(0), buffer.New(0)
	h.s.RetrieveArticle("<1@x>", a)
	h.s.RetrieveArticle("<2@x>", b)

	h.step([]string{"BODY <1@x>"}, "222 body\r\na\r\n.\r\n")
	h.step([]string{"BODY <2@x>"}, "222 body\r\nb\r\n.\r\n")
	if string(a.Content()) != "a" || string(b.Content()) != "b" {
		t.Fatalf("a=%q b=%q", a.Content(), b.Content())
	}
}

func TestSessionAuthWithPipelinedCommandsIsProtocolError(t *testing.T) {
	h := readySession(t, SessionOptions{Pipelining: true, Username: "joe"})
	h.s.RetrieveArticle("<1@x>", buffer.New(0))
	h.s.RetrieveArticle("<2@x>", buffer.New(0))
	h.s.SendNext()
	h.in.Append([]byte("480 auth required\r\n"))
	_, err := h.s.RecvNext(h.in)
	var pe *ProtocolError
	if !errors.As(err, &pe) || h.s.Error() != ErrorProtocol {
		t.Fatalf("err=%v error=%v", err, h.s.Error())
	}
}

func TestSessionUnexpectedResponse(t *testing.T) {
	h := readySession(t, SessionOptions{})
	h.s.RetrieveList(buffer.New(0))
	h.s.SendNext()
	h.in.Append([]byte("222 what\r\n"))
	if _, err := h.s.RecvNext(h.in); err == nil || h.s.State() != StateError {
		t.Fatalf("err=%v state=%v", err, h.s.State())
	}
	if sent, _ := h.s.SendNext(); sent {
		t.Fatal("session in error state sent a command")
	}
}

func TestSessionCompressedOverview(t *testing.T) {
	h := newHarness(t, SessionOptions{Compression: true, Pipelining: true})
	h.s.Start()
	h.step(nil, "200 welcome\r\n")
	h.step([]string{"CAPABILITIES"}, "101 caps\r\nCOMPRESS GZIP\r\n.\r\n")
	h.step([]string{"MODE READER"}, "200 ok\r\n")
	h.step([]string{"XFEATURE COMPRESS GZIP"}, "290 ok\r\n")
	if !h.s.Compressed() {
		t.Fatal("compression not enabled")
	}

	overview := []byte("1\tsubject\t<a@b>\r\n")
	buf := buffer.New(0)
	h.s.RetrieveOverview(1, 1, buf)
	h.step([]string{"XOVER 1-1"}, "224 ok\r\n"+string(deflate(t, overview))+".\r\n")
	if !bytes.Equal(buf.Content(), overview) || buf.Status() != buffer.StatusSuccess {
		t.Fatalf("content=%q status=%v", buf.Content(), buf.Status())
	}
}

func TestSessionQuit(t *testing.T) {
	h := readySession(t, SessionOptions{})
	h.s.Quit()
	h.step([]string{"QUIT"}, "205 bye\r\n")
	if h.s.State() != StateQuitting {
		t.Fatalf("state = %v", h.s.State())
	}
}
