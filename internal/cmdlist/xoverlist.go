package cmdlist

import (
	"errors"
	"sync"

	"github.com/datallboy/newsflow/internal/buffer"
	"github.com/datallboy/newsflow/internal/nntp"
)

// BatchSize is the number of article numbers requested per XOVER.
const BatchSize = 2000

// ErrGroupUnavailable is returned when a connection cannot select the group
// that another connection already configured the list with.
var ErrGroupUnavailable = errors.New("cmdlist: group not available on this connection")

// Overview is the outcome of one XOVER batch.
type Overview struct {
	Group  string
	Range  Range
	Status buffer.Status
	Buffer *buffer.Buffer
}

// OverviewHandler receives each batch exactly once.
type OverviewHandler interface {
	HandleOverview(Overview)
}

// OverviewHandlerFunc adapts a function to OverviewHandler.
type OverviewHandlerFunc func(Overview)

func (f OverviewHandlerFunc) HandleOverview(o Overview) { f(o) }

type configState int

const (
	unconfigured configState = iota
	configuring
	configured
	unavailable
)

// XoverList downloads the overview of a whole newsgroup in batches. The
// first caller of Run queries the group and partitions its article range;
// concurrent callers wait for that and then take one batch each.
type XoverList struct {
	group   string
	batch   uint64
	handler OverviewHandler
	// OnConfigured is called once with the group info and the number of
	// batches the range was split into.
	OnConfigured func(info nntp.GroupInfo, batches int)

	mu     sync.Mutex
	cond   *sync.Cond
	state  configState
	info   nntp.GroupInfo
	ranges []Range
	total  int
	done   int
}

// NewXoverList creates a list for group with the default batch size.
func NewXoverList(group string, handler OverviewHandler) *XoverList {
	return NewXoverListBatch(group, BatchSize, handler)
}

// NewXoverListBatch creates a list with a custom batch size.
func NewXoverListBatch(group string, batch uint64, handler OverviewHandler) *XoverList {
	if batch == 0 {
		batch = BatchSize
	}
	l := &XoverList{group: group, batch: batch, handler: handler}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Partition splits the inclusive range [low, high] into batches. An empty
// group or an inverted range has no batches.
func Partition(info nntp.GroupInfo, batch uint64) []Range {
	if info.Count == 0 || info.High < info.Low {
		return nil
	}
	var ranges []Range
	for first := info.Low; ; first += batch {
		last := first + min(batch-1, info.High-first)
		ranges = append(ranges, Range{First: first, Last: last})
		if last >= info.High {
			break
		}
	}
	return ranges
}

// Info returns the group info once configured.
func (l *XoverList) Info() (nntp.GroupInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info, l.state == configured
}

// Progress returns the number of finished and total batches.
func (l *XoverList) Progress() (done, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done, l.total
}

// Run downloads the next batch. It returns false once every batch was handed
// out or the group is unavailable. A transport error during configuration
// lets the next caller configure again; a transport error during a batch
// puts the batch back for the next caller. Both are returned.
func (l *XoverList) Run(c Client) (bool, error) {
	l.mu.Lock()
	for l.state == configuring {
		l.cond.Wait()
	}
	switch l.state {
	case unavailable:
		l.mu.Unlock()
		return false, nil
	case unconfigured:
		l.state = configuring
		l.mu.Unlock()
		if err := l.configure(c); err != nil {
			return true, err
		}
		l.mu.Lock()
	}
	if len(l.ranges) == 0 {
		l.mu.Unlock()
		return false, nil
	}
	r := l.ranges[0]
	l.ranges = l.ranges[1:]
	l.mu.Unlock()

	selected, err := c.ChangeGroup(l.group)
	if err != nil {
		l.putBack(r)
		return true, err
	}
	if !selected {
		l.putBack(r)
		return false, ErrGroupUnavailable
	}
	buf := buffer.New(0)
	ok, err := c.DownloadOverview(r.First, r.Last, buf)
	if err != nil {
		l.putBack(r)
		return true, err
	}
	status := buffer.StatusSuccess
	if !ok {
		status = buffer.StatusUnavailable
	}
	l.mu.Lock()
	l.done++
	l.mu.Unlock()
	l.handler.HandleOverview(Overview{Group: l.group, Range: r, Status: status, Buffer: buf})
	return true, nil
}

func (l *XoverList) configure(c Client) error {
	info, ok, err := c.QueryGroup(l.group)

	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.cond.Broadcast()
	if err != nil {
		l.state = unconfigured
		return err
	}
	if !ok {
		l.state = unavailable
		return nil
	}
	l.info = info
	l.ranges = Partition(info, l.batch)
	l.total = len(l.ranges)
	l.state = configured
	if l.OnConfigured != nil {
		l.OnConfigured(info, l.total)
	}
	return nil
}

func (l *XoverList) putBack(r Range) {
	l.mu.Lock()
	l.ranges = append([]Range{r}, l.ranges...)
	l.mu.Unlock()
}
