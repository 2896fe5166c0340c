package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/datallboy/newsflow/internal/api/controllers"
	"github.com/datallboy/newsflow/internal/app"
	"github.com/datallboy/newsflow/internal/engine"
	"github.com/datallboy/newsflow/internal/infra/config"
	"github.com/datallboy/newsflow/internal/infra/logger"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"
)

type fakeQueue struct {
	mu     sync.Mutex
	items  []engine.TaskInfo
	added  []engine.Download
	events chan engine.Event
}

func (q *fakeQueue) Add(d engine.Download) (engine.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d.Account != 1 {
		return engine.TaskInfo{}, engine.ErrUnknownAccount
	}
	q.added = append(q.added, d)
	info := engine.TaskInfo{ID: uint64(len(q.added)), Key: "k" + d.Desc, Desc: d.Desc, Articles: d.NumArticles(), State: engine.StateWaiting}
	q.items = append(q.items, info)
	return info, nil
}

func (q *fakeQueue) GetItem(key string) (engine.TaskInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, info := range q.items {
		if info.Key == key {
			return info, true
		}
	}
	return engine.TaskInfo{}, false
}

func (q *fakeQueue) GetAllItems() []engine.TaskInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]engine.TaskInfo(nil), q.items...)
}

func (q *fakeQueue) set(key string, state engine.State) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].Key == key {
			q.items[i].State = state
			return nil
		}
	}
	return engine.ErrUnknownTask
}

func (q *fakeQueue) Pause(key string) error  { return q.set(key, engine.StatePaused) }
func (q *fakeQueue) Resume(key string) error { return q.set(key, engine.StateWaiting) }

func (q *fakeQueue) Cancel(key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].Key == key {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return engine.ErrUnknownTask
}

func (q *fakeQueue) Subscribe() (<-chan engine.Event, func()) { return q.events, func() {} }
func (q *fakeQueue) BytesReceived() uint64                    { return 4096 }

const doc = `<nzb><head><meta type="title">show</meta></head>
<file subject="&quot;a.bin&quot; yEnc (1/2)"><groups><group>alt.binaries.test</group></groups>
<segments><segment number="1" bytes="10">a1@x</segment><segment number="2" bytes="10">a2@x</segment></segments></file></nzb>`

func newServer(t *testing.T) (*echo.Echo, *fakeQueue) {
	t.Helper()
	q := &fakeQueue{events: make(chan engine.Event, 4)}
	ctx := app.NewContext(&config.Config{Servers: []config.ServerConfig{{ID: 1}}}, logger.Discard())
	ctx.Queue = q
	e := echo.New()
	RegisterRoutes(e, ctx)
	return e, q
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestTaskRoutes(t *testing.T) {
	e, q := newServer(t)

	rec := do(e, http.MethodPost, "/api/tasks", doc)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var created controllers.TaskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Key != "kshow" || created.Articles != 2 || created.State != engine.StateWaiting {
		t.Fatalf("created = %+v", created)
	}
	if got := q.added[0].Files[0].Articles[1]; got != "<a2@x>" {
		t.Fatalf("article id %q", got)
	}

	tests := []struct {
		method, target string
		code           int
		state          engine.State
	}{
		{http.MethodGet, "/api/tasks/kshow", http.StatusOK, engine.StateWaiting},
		{http.MethodPost, "/api/tasks/kshow/pause", http.StatusOK, engine.StatePaused},
		{http.MethodPost, "/api/tasks/kshow/resume", http.StatusOK, engine.StateWaiting},
		{http.MethodGet, "/api/tasks/nope", http.StatusNotFound, 0},
		{http.MethodPost, "/api/tasks/nope/pause", http.StatusNotFound, 0},
	}
	for _, tc := range tests {
		rec := do(e, tc.method, tc.target, "")
		if rec.Code != tc.code {
			t.Fatalf("%s %s: %d %s", tc.method, tc.target, rec.Code, rec.Body)
		}
		if tc.code != http.StatusOK {
			continue
		}
		var got controllers.TaskResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		if got.State != tc.state {
			t.Fatalf("%s %s: state %v", tc.method, tc.target, got.State)
		}
	}

	rec = do(e, http.MethodGet, "/api/tasks", "")
	var list []controllers.TaskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("list: %v %s", err, rec.Body)
	}

	if rec := do(e, http.MethodDelete, "/api/tasks/kshow", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := do(e, http.MethodDelete, "/api/tasks/kshow", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", rec.Code)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	e, _ := newServer(t)
	tests := []struct {
		name, target, body string
	}{
		{"not xml", "/api/tasks", "hello"},
		{"bad account", "/api/tasks?account=x", doc},
		{"unknown account", "/api/tasks?account=7", doc},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if rec := do(e, http.MethodPost, tc.target, tc.body); rec.Code != http.StatusBadRequest {
				t.Fatalf("code %d: %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestStats(t *testing.T) {
	e, _ := newServer(t)
	do(e, http.MethodPost, "/api/tasks", doc)
	rec := do(e, http.MethodGet, "/api/stats", "")
	var s controllers.StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatal(err)
	}
	if s.BytesReceived != 4096 || s.Received != "4.0 KiB" || s.Tasks != 1 || s.Active != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestEventStream(t *testing.T) {
	e, q := newServer(t)
	srv := httptest.NewServer(e)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg controllers.WSMessage
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "stats" {
		t.Fatalf("first frame %q: %v", msg.Type, err)
	}

	q.events <- engine.Event{Type: engine.EventError, TaskID: 3, Error: "boom"}
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type == "stats" {
			continue
		}
		var ev engine.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatal(err)
		}
		if msg.Type != "error" || ev.TaskID != 3 || ev.Error != "boom" {
			t.Fatalf("event %s %+v", msg.Type, ev)
		}
		break
	}
}
