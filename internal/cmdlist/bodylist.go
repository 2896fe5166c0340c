package cmdlist

import (
	"sync"

	"github.com/datallboy/newsflow/internal/buffer"
)

// Body is the outcome of fetching one article.
type Body struct {
	ID string
	// Group is the group the article was found in, empty when it was found
	// in none.
	Group  string
	Status buffer.Status
	Buffer *buffer.Buffer
}

// BodyHandler receives each fetched article exactly once.
type BodyHandler interface {
	HandleBody(Body)
}

// BodyHandlerFunc adapts a function to BodyHandler.
type BodyHandlerFunc func(Body)

func (f BodyHandlerFunc) HandleBody(b Body) { f(b) }

// BodyList fetches a queue of articles, one per Run call. Any number of
// goroutines may call Run concurrently, each with its own Client.
type BodyList struct {
	groups  []string
	handler BodyHandler

	mu  sync.Mutex
	ids []string
}

// NewBodyList creates a list that looks for each article in groups, in order.
func NewBodyList(groups, ids []string, handler BodyHandler) *BodyList {
	return &BodyList{groups: groups, ids: append([]string(nil), ids...), handler: handler}
}

// Remaining is the number of articles not yet fetched.
func (l *BodyList) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

func (l *BodyList) next() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ids) == 0 {
		return "", false
	}
	id := l.ids[0]
	l.ids = l.ids[1:]
	return id, true
}

func (l *BodyList) pushFront(id string) {
	l.mu.Lock()
	l.ids = append([]string{id}, l.ids...)
	l.mu.Unlock()
}

// Run fetches the next article. It returns false when the queue is empty.
// The article is tried in every group until one returns it; if none does the
// last status seen is reported. A transport error puts the article back in
// front of the queue for the next caller and is returned.
func (l *BodyList) Run(c Client) (bool, error) {
	id, ok := l.next()
	if !ok {
		return false, nil
	}

	buf := buffer.New(0)
	status := buffer.StatusUnavailable
	found := ""
	var err error
	groups := l.groups
	if len(groups) == 0 {
		// message ids are global, no group needs to be selected
		groups = []string{""}
	}
	for _, group := range groups {
		if group != "" {
			var selected bool
			selected, err = c.ChangeGroup(group)
			if err != nil {
				l.pushFront(id)
				return true, err
			}
			if !selected {
				continue
			}
		}
		buf.Clear()
		status, err = c.DownloadArticle(id, buf)
		if err != nil {
			l.pushFront(id)
			return true, err
		}
		if status == buffer.StatusSuccess {
			found = group
			break
		}
	}
	buf.SetContentType(buffer.TypeArticle)
	buf.SetStatus(status)
	l.handler.HandleBody(Body{ID: id, Group: found, Status: status, Buffer: buf})
	return true, nil
}
