// Package cmdlist batches NNTP operations into units of work that a single
// connection executes. A CmdList is run by a Session in two steps: the
// session is first configured (a newsgroup selected) and then the data
// commands are submitted, pipelined when the server allows it.
package cmdlist

import (
	"strings"
	"sync/atomic"

	"github.com/datallboy/newsflow/internal/buffer"
	"github.com/datallboy/newsflow/internal/nntp"
)

// Type is the kind of data a CmdList retrieves.
type Type int

const (
	// TypeArticle buffers hold BODY data.
	TypeArticle Type = iota
	// TypeHeader buffers hold XOVER data.
	TypeHeader
	// TypeListing buffers hold LIST data.
	TypeListing
	// TypeGroupInfo buffers hold a GROUP response.
	TypeGroupInfo
)

func (t Type) String() string {
	return [...]string{"article", "header", "listing", "groupinfo"}[t]
}

// Range is an inclusive range of article numbers.
type Range struct {
	First uint64
	Last  uint64
}

var lastID atomic.Uint64

// CmdList is a batch of commands for one connection.
type CmdList struct {
	id     uint64
	kind   Type
	groups []string
	ids    []string
	ranges []Range

	taskID    uint64
	accountID int
	connID    uint64

	cancelled  atomic.Bool
	configured bool
	failed     bool
	buffers    []*buffer.Buffer
}

func newList(kind Type) *CmdList {
	return &CmdList{id: lastID.Add(1), kind: kind}
}

// NewArticles retrieves message ids, looking for them in the groups in order.
func NewArticles(groups, ids []string) *CmdList {
	c := newList(TypeArticle)
	c.groups = groups
	c.ids = ids
	return c
}

// NewHeaders retrieves overview data for ranges of a group.
func NewHeaders(group string, ranges []Range) *CmdList {
	c := newList(TypeHeader)
	c.groups = []string{group}
	c.ranges = ranges
	return c
}

// NewListing retrieves the list of newsgroups.
func NewListing() *CmdList {
	return newList(TypeListing)
}

// NewGroupInfo retrieves the article range of a group.
func NewGroupInfo(group string) *CmdList {
	c := newList(TypeGroupInfo)
	c.groups = []string{group}
	return c
}

func (c *CmdList) ID() uint64            { return c.id }
func (c *CmdList) Type() Type            { return c.kind }
func (c *CmdList) Groups() []string      { return c.groups }
func (c *CmdList) TaskID() uint64        { return c.taskID }
func (c *CmdList) SetTaskID(id uint64)   { c.taskID = id }
func (c *CmdList) AccountID() int        { return c.accountID }
func (c *CmdList) SetAccountID(id int)   { c.accountID = id }
func (c *CmdList) ConnID() uint64        { return c.connID }
func (c *CmdList) SetConnID(id uint64)   { c.connID = id }
func (c *CmdList) Buffers() []*buffer.Buffer { return c.buffers }

// Messages returns the message ids of an article list.
func (c *CmdList) Messages() []string { return c.ids }

// Ranges returns the ranges of a header list.
func (c *CmdList) Ranges() []Range { return c.ranges }

// Cancel marks the list as abandoned by its task. A connection that picks a
// cancelled list up drops it without running it.
func (c *CmdList) Cancel()          { c.cancelled.Store(true) }
func (c *CmdList) Cancelled() bool { return c.cancelled.Load() }

// Good is false when no group carrying the data could be selected.
func (c *CmdList) Good() bool { return !c.failed }

// NumCommands is the number of data commands.
func (c *CmdList) NumCommands() int {
	switch c.kind {
	case TypeArticle:
		return len(c.ids)
	case TypeHeader:
		return len(c.ranges)
	}
	return 1
}

// NeedsConfigure reports whether a group still has to be selected before
// the data commands. Once configured a list never configures again.
func (c *CmdList) NeedsConfigure() bool {
	if c.configured || c.failed {
		return false
	}
	return (c.kind == TypeArticle || c.kind == TypeHeader) && len(c.groups) > 0
}

// SubmitConfigure queues the i-th configure command, selecting the i-th
// group. It returns false when every group has been tried. Nothing is queued
// when the session already has the group selected; out then reports success
// right away.
func (c *CmdList) SubmitConfigure(i int, s *nntp.Session, out *buffer.Buffer) bool {
	if i >= len(c.groups) {
		return false
	}
	out.Clear()
	if s.CurrentGroup() == c.groups[i] {
		out.SetContentType(buffer.TypeGroupInfo)
		out.SetStatus(buffer.StatusSuccess)
		return true
	}
	s.QueryGroup(c.groups[i], out)
	return true
}

// ReceiveConfigure handles the response to the i-th configure command. It
// returns true when the session is configured.
func (c *CmdList) ReceiveConfigure(i int, out *buffer.Buffer) bool {
	if out.Succeeded() {
		c.configured = true
		return true
	}
	if i >= len(c.groups)-1 {
		c.failed = true
	}
	return false
}

// SubmitTransfer queues the data commands that have not succeeded yet.
// Each command has its own buffer, so responses land in submission order.
func (c *CmdList) SubmitTransfer(s *nntp.Session) {
	n := c.NumCommands()
	for len(c.buffers) < n {
		c.buffers = append(c.buffers, buffer.New(0))
	}
	for i := 0; i < n; i++ {
		buf := c.buffers[i]
		if buf.Succeeded() {
			continue
		}
		buf.Clear()
		switch c.kind {
		case TypeArticle:
			s.RetrieveArticle(c.ids[i], buf)
		case TypeHeader:
			s.RetrieveOverview(c.ranges[i].First, c.ranges[i].Last, buf)
		case TypeListing:
			s.RetrieveList(buf)
		case TypeGroupInfo:
			s.QueryGroup(c.groups[0], buf)
		}
	}
}

// Received counts the commands that got a response.
func (c *CmdList) Received() int {
	n := 0
	for _, b := range c.buffers {
		if b.Status() != buffer.StatusNone {
			n++
		}
	}
	return n
}

// Pending returns the message ids that got no response.
func (c *CmdList) Pending() []string {
	if c.kind != TypeArticle {
		return nil
	}
	var ids []string
	for i, id := range c.ids {
		if i >= len(c.buffers) || c.buffers[i].Status() == buffer.StatusNone {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsFillable reports whether the data can be fetched from any server. Only
// articles addressed by message id qualify: numbers are server specific,
// message ids are enclosed in angle brackets and are global.
func (c *CmdList) IsFillable() bool {
	if c.kind != TypeArticle {
		return false
	}
	for _, id := range c.ids {
		if !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, ">") {
			return false
		}
	}
	return true
}

// MarkUnavailable gives every command an unavailable status. A list whose
// groups could not be selected is treated as if no article was found.
func (c *CmdList) MarkUnavailable() {
	n := c.NumCommands()
	for len(c.buffers) < n {
		c.buffers = append(c.buffers, buffer.New(0))
	}
	for _, b := range c.buffers {
		if !b.Succeeded() {
			b.SetStatus(buffer.StatusUnavailable)
		}
	}
}

// HasFailedContent reports whether the server answered any command with
// unavailable or dmca.
func (c *CmdList) HasFailedContent() bool {
	for _, b := range c.buffers {
		if s := b.Status(); s == buffer.StatusUnavailable || s == buffer.StatusDmca {
			return true
		}
	}
	return false
}

// Reroute prepares the list to run again against another account. Commands
// that succeeded are kept and not sent again; a failed configuration may be
// tried anew on the other server.
func (c *CmdList) Reroute(account int) {
	c.accountID = account
	c.connID = 0
	c.failed = false
	for _, b := range c.buffers {
		if !b.Succeeded() {
			b.Clear()
		}
	}
}
