package cmdlist

import (
	"errors"
	"fmt"
	"sync"

	"github.com/datallboy/newsflow/internal/buffer"
	"github.com/datallboy/newsflow/internal/nntp"
)

var errBroken = errors.New("connection reset")

// fakeServer is shared by fakeClients, one per simulated connection.
type fakeServer struct {
	mu           sync.Mutex
	groups       map[string]nntp.GroupInfo
	articles     map[string]map[string]string
	blocked      map[string]map[string]bool
	failQuery    int
	failOverview int
	failArticle  int
	failList     int
	queries      int
	overviews    []Range
	lists        int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		groups:   make(map[string]nntp.GroupInfo),
		articles: make(map[string]map[string]string),
		blocked:  make(map[string]map[string]bool),
	}
}

func (s *fakeServer) addGroup(name string, count, low, high uint64) {
	s.groups[name] = nntp.GroupInfo{Name: name, Count: count, Low: low, High: high}
	s.articles[name] = make(map[string]string)
	s.blocked[name] = make(map[string]bool)
}

type fakeClient struct {
	srv   *fakeServer
	group string
}

func (c *fakeClient) ChangeGroup(name string) (bool, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if _, ok := c.srv.groups[name]; !ok {
		return false, nil
	}
	c.group = name
	return true, nil
}

func (c *fakeClient) QueryGroup(name string) (nntp.GroupInfo, bool, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.queries++
	if c.srv.failQuery > 0 {
		c.srv.failQuery--
		return nntp.GroupInfo{}, false, errBroken
	}
	info, ok := c.srv.groups[name]
	if ok {
		c.group = name
	}
	return info, ok, nil
}

func (c *fakeClient) DownloadArticle(id string, out *buffer.Buffer) (buffer.Status, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.srv.failArticle > 0 {
		c.srv.failArticle--
		return buffer.StatusError, errBroken
	}
	if c.srv.blocked[c.group][id] {
		return buffer.StatusDmca, nil
	}
	body, ok := c.srv.articles[c.group][id]
	if !ok {
		return buffer.StatusUnavailable, nil
	}
	out.Append([]byte(body))
	out.SetContent(0, len(body))
	return buffer.StatusSuccess, nil
}

func (c *fakeClient) DownloadOverview(first, last uint64, out *buffer.Buffer) (bool, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.srv.failOverview > 0 {
		c.srv.failOverview--
		return false, errBroken
	}
	c.srv.overviews = append(c.srv.overviews, Range{First: first, Last: last})
	for n := first; n <= last; n++ {
		out.Append([]byte(fmt.Sprintf("%d\tsubject %d\tposter\tdate\t<%d@test>\t\t100\t2\r\n", n, n, n)))
	}
	out.SetContent(0, out.Size())
	return true, nil
}

func (c *fakeClient) DownloadList(out *buffer.Buffer) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.lists++
	if c.srv.failList > 0 {
		c.srv.failList--
		return errBroken
	}
	out.Append([]byte("alt.binaries.foo 102 100 y\r\nalt.test 5 1 n\r\n"))
	out.SetContent(0, out.Size())
	return nil
}
