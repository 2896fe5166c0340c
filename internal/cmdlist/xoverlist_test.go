package cmdlist

import (
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/datallboy/newsflow/internal/nntp"
)

func TestPartition(t *testing.T) {
	tests := []struct {
		name  string
		info  nntp.GroupInfo
		batch uint64
		want  []Range
	}{
		{"small group", nntp.GroupInfo{Count: 3, Low: 100, High: 102}, 2000, []Range{{100, 102}}},
		{"empty group", nntp.GroupInfo{Count: 0, Low: 100, High: 102}, 2000, nil},
		{"inverted range", nntp.GroupInfo{Count: 5, Low: 10, High: 9}, 2000, nil},
		{"single article", nntp.GroupInfo{Count: 1, Low: 7, High: 7}, 2000, []Range{{7, 7}}},
		{"exact batches", nntp.GroupInfo{Count: 4000, Low: 1, High: 4000}, 2000, []Range{{1, 2000}, {2001, 4000}}},
		{"partial last batch", nntp.GroupInfo{Count: 4001, Low: 1, High: 4001}, 2000, []Range{{1, 2000}, {2001, 4000}, {4001, 4001}}},
		{"batch of one", nntp.GroupInfo{Count: 3, Low: 5, High: 7}, 1, []Range{{5, 5}, {6, 6}, {7, 7}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Partition(tt.info, tt.batch)
			if !slices.Equal(got, tt.want) {
				t.Fatalf("Partition = %v, want %v", got, tt.want)
			}
		})
	}
}

type overviewSink struct {
	mu     sync.Mutex
	ranges []Range
	lines  int
}

func (s *overviewSink) HandleOverview(o Overview) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges = append(s.ranges, o.Range)
	s.lines += len(ParseOverview(o.Buffer.Content()))
}

func TestXoverListSingleRange(t *testing.T) {
	srv := newFakeServer()
	srv.addGroup("alt.binaries.foo", 3, 100, 102)
	sink := &overviewSink{}
	l := NewXoverList("alt.binaries.foo", sink)

	c := &fakeClient{srv: srv}
	more, err := l.Run(c)
	if !more || err != nil {
		t.Fatalf("first run = %v, %v", more, err)
	}
	if more, _ = l.Run(c); more {
		t.Fatal("second run reported more work")
	}
	if !slices.Equal(srv.overviews, []Range{{100, 102}}) {
		t.Fatalf("requests = %v", srv.overviews)
	}
	if sink.lines != 3 {
		t.Fatalf("lines = %d", sink.lines)
	}
	if done, total := l.Progress(); done != 1 || total != 1 {
		t.Fatalf("progress = %d/%d", done, total)
	}
}

func TestXoverListConcurrentCoverage(t *testing.T) {
	const low, high = 17, 25_432
	srv := newFakeServer()
	srv.addGroup("alt.binaries.foo", high-low+1, low, high)
	srv.failOverview = 4
	srv.failQuery = 1
	sink := &overviewSink{}
	l := NewXoverListBatch("alt.binaries.foo", 500, sink)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &fakeClient{srv: srv}
			for {
				more, err := l.Run(c)
				if err != nil && !errors.Is(err, errBroken) {
					t.Error(err)
					return
				}
				if !more {
					return
				}
			}
		}()
	}
	wg.Wait()

	slices.SortFunc(sink.ranges, func(a, b Range) int { return int(a.First) - int(b.First) })
	next := uint64(low)
	for _, r := range sink.ranges {
		if r.First != next {
			t.Fatalf("range %v does not start at %d", r, next)
		}
		next = r.Last + 1
	}
	if next != high+1 {
		t.Fatalf("coverage ends at %d, want %d", next-1, high)
	}
	if sink.lines != high-low+1 {
		t.Fatalf("lines = %d, want %d", sink.lines, high-low+1)
	}
	if srv.queries != 2 {
		t.Fatalf("group queried %d times, want 2", srv.queries)
	}
}

func TestXoverListConfigureErrorIsRetried(t *testing.T) {
	srv := newFakeServer()
	srv.addGroup("alt.binaries.foo", 3, 100, 102)
	srv.failQuery = 1
	sink := &overviewSink{}
	l := NewXoverList("alt.binaries.foo", sink)
	c := &fakeClient{srv: srv}

	more, err := l.Run(c)
	if !more || !errors.Is(err, errBroken) {
		t.Fatalf("run = %v, %v", more, err)
	}
	if _, ok := l.Info(); ok {
		t.Fatal("configured after a failed query")
	}
	if more, err = l.Run(c); !more || err != nil {
		t.Fatalf("retry = %v, %v", more, err)
	}
	if len(sink.ranges) != 1 {
		t.Fatalf("ranges = %v", sink.ranges)
	}
}

func TestXoverListBatchErrorPutsRangeBack(t *testing.T) {
	srv := newFakeServer()
	srv.addGroup("alt.binaries.foo", 3, 100, 102)
	srv.failOverview = 1
	sink := &overviewSink{}
	l := NewXoverList("alt.binaries.foo", sink)
	c := &fakeClient{srv: srv}

	if _, err := l.Run(c); !errors.Is(err, errBroken) {
		t.Fatalf("err = %v", err)
	}
	if more, err := l.Run(c); !more || err != nil {
		t.Fatalf("retry = %v, %v", more, err)
	}
	if more, _ := l.Run(c); more {
		t.Fatal("range served twice")
	}
	if !slices.Equal(sink.ranges, []Range{{100, 102}}) {
		t.Fatalf("ranges = %v", sink.ranges)
	}
}

func TestXoverListUnavailableGroup(t *testing.T) {
	for _, tt := range []struct {
		name  string
		setup func(*fakeServer)
	}{
		{"no such group", func(*fakeServer) {}},
		{"empty group", func(s *fakeServer) { s.addGroup("alt.binaries.foo", 0, 5, 4) }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer()
			tt.setup(srv)
			sink := &overviewSink{}
			l := NewXoverList("alt.binaries.foo", sink)
			c := &fakeClient{srv: srv}
			for range 3 {
				if more, err := l.Run(c); more || err != nil {
					t.Fatalf("run = %v, %v", more, err)
				}
			}
			if len(sink.ranges) != 0 || srv.queries != 1 {
				t.Fatalf("ranges=%v queries=%d", sink.ranges, srv.queries)
			}
		})
	}
}
