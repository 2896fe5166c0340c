package cmdlist

import (
	"sync"

	"github.com/datallboy/newsflow/internal/buffer"
)

// GroupList downloads the server's list of newsgroups once.
type GroupList struct {
	handle func(*buffer.Buffer)

	mu   sync.Mutex
	done bool
}

// NewGroupList creates a list that passes the LIST response to handle.
func NewGroupList(handle func(*buffer.Buffer)) *GroupList {
	return &GroupList{handle: handle}
}

// Run issues LIST unless it already succeeded or another caller is running
// it. After a transport error the next caller tries again.
func (l *GroupList) Run(c Client) (bool, error) {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return false, nil
	}
	l.done = true
	l.mu.Unlock()

	buf := buffer.New(0)
	if err := c.DownloadList(buf); err != nil {
		l.mu.Lock()
		l.done = false
		l.mu.Unlock()
		return true, err
	}
	l.handle(buf)
	return true, nil
}
