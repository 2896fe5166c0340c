package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datallboy/newsflow/internal/cmdlist"
	"github.com/datallboy/newsflow/internal/content"
	"github.com/datallboy/newsflow/internal/infra/config"
	"github.com/datallboy/newsflow/internal/infra/logger"
	"github.com/datallboy/newsflow/internal/nntp"
	"github.com/segmentio/ksuid"
	"github.com/spf13/afero"
)

var (
	ErrUnknownTask    = errors.New("unknown task")
	ErrUnknownAccount = errors.New("unknown account")
	ErrStopped        = errors.New("engine is stopped")
	ErrNotStarted     = errors.New("engine is not started")
)

// maxBackoff bounds the wait before redialing a slot whose connection
// keeps failing.
const maxBackoff = 5 * time.Second

// events posted to the engine loop
type (
	cmdlistStarted struct{ cl *cmdlist.CmdList }
	cmdlistFinished struct {
		cl    *cmdlist.CmdList
		err   error
		bytes uint64
	}
	actionFinished struct{ a *action }
	request        struct {
		fn   func()
		done chan struct{}
	}
)

// Options configure an Engine. Fs defaults to the OS file system and Dial
// to TCP or TLS as configured.
type Options struct {
	Config   *config.Config
	Log      *logger.Logger
	Fs       afero.Fs
	Listener Listener
	Dial     DialFunc
}

// Engine runs downloads. Connections of every account pull cmdlists from
// their account's queue; decoded data goes through the action pool to the
// reconstructors. All task state is owned by a single loop goroutine, which
// the other goroutines talk to through events.
type Engine struct {
	cfg      config.DownloadConfig
	log      *logger.Logger
	fs       afero.Fs
	listener Listener
	dial     DialFunc

	accounts map[int]*Account
	conns    *TaskPool
	actions  *ActionPool

	events  chan any
	done    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stop    sync.Once

	// owned by the loop
	tasks    map[uint64]*DownloadTask
	order    []uint64
	inflight map[int]int
	waiters  map[uint64][]chan TaskInfo
	nextID   uint64

	mu       sync.RWMutex
	infos    map[uint64]TaskInfo
	received atomic.Uint64
}

// New sets the engine up. Nothing runs before Start.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil || len(cfg.Servers) == 0 {
		return nil, errors.New("engine: no servers configured")
	}
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}
	e := &Engine{
		cfg:      cfg.Download,
		log:      log.Named("engine"),
		fs:       opts.Fs,
		listener: opts.Listener,
		dial:     opts.Dial,
		accounts: make(map[int]*Account, len(cfg.Servers)),
		events:   make(chan any, 256),
		done:     make(chan struct{}),
		tasks:    make(map[uint64]*DownloadTask),
		inflight: make(map[int]int),
		waiters:  make(map[uint64][]chan TaskInfo),
		infos:    make(map[uint64]TaskInfo),
	}
	if e.fs == nil {
		e.fs = afero.NewOsFs()
	}
	if e.listener == nil {
		e.listener = nopListener{}
	}
	if e.dial == nil {
		e.dial = Dialer(cfg.Download.PreferSecure, nntp.NewLimiter(cfg.Download.EnableThrottle, cfg.Download.Throttle))
	}

	var slots uint64 = 1
	for _, sc := range cfg.Servers {
		a := newAccount(sc, slots)
		e.accounts[sc.ID] = a
		slots += uint64(sc.MaxConnection)
	}
	e.conns = NewTaskPool(int(slots - 1))
	e.actions = NewActionPool(cfg.Download.DecodeWorkers)
	return e, nil
}

// Start launches the loop and one dispatcher per account. It returns
// immediately; the engine runs until ctx ends or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	for _, a := range e.accounts {
		e.wg.Add(1)
		go e.dispatch(ctx, a)
	}
	go e.run(ctx)
}

// Stop ends the loop, closes every connection and waits for the work in
// progress. Files of unfinished tasks are discarded.
func (e *Engine) Stop() {
	if !e.started.Load() {
		return
	}
	e.stop.Do(func() {
		e.cancel()
		<-e.done
		for _, a := range e.accounts {
			a.close()
		}
		e.wg.Wait()
		e.conns.Close()
		e.actions.Close()
		for _, a := range e.accounts {
			a.closeSlots()
		}
	})
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case ev := <-e.events:
			e.handle(ev)
			e.pump()
		}
	}
}

func (e *Engine) shutdown() {
	for _, t := range e.tasks {
		if !t.State().Terminal() {
			t.cancel()
		}
	}
	for id, ws := range e.waiters {
		for _, w := range ws {
			close(w)
		}
		delete(e.waiters, id)
	}
}

// post hands an event to the loop. Events posted after the loop ended are
// dropped.
func (e *Engine) post(ev any) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// do runs fn on the loop and waits for it.
func (e *Engine) do(fn func()) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	r := request{fn: fn, done: make(chan struct{})}
	select {
	case e.events <- r:
	case <-e.done:
		return ErrStopped
	}
	select {
	case <-r.done:
		return nil
	case <-e.done:
		return ErrStopped
	}
}

func (e *Engine) handle(ev any) {
	switch ev := ev.(type) {
	case cmdlistStarted:
		if t := e.tasks[ev.cl.TaskID()]; t != nil {
			t.cmdlistStarted(ev.cl)
			e.touch(t)
		}

	case cmdlistFinished:
		e.inflight[ev.cl.AccountID()]--
		t := e.tasks[ev.cl.TaskID()]
		if t == nil {
			return
		}
		t.received += ev.bytes
		e.submit(t.cmdlistDone(ev.cl, ev.err))
		e.touch(t)

	case actionFinished:
		t := e.tasks[ev.a.task]
		if t == nil {
			return
		}
		e.submit(t.actionDone(ev.a))
		e.touch(t)

	case request:
		ev.fn()
		close(ev.done)
	}
}

func (e *Engine) submit(actions []*action) {
	for _, a := range actions {
		e.actions.Submit(func() {
			a.perform()
			e.post(actionFinished{a})
		})
	}
}

// pump moves cmdlists from runnable tasks to their accounts, one per task
// per round, as long as the accounts have room.
func (e *Engine) pump() {
	room := func(account int) bool {
		a := e.accounts[account]
		return a != nil && e.inflight[account] < 2*a.Capacity()
	}
	for moved := true; moved; {
		moved = false
		for _, id := range e.order {
			cl, ok := e.tasks[id].next(room)
			if !ok {
				continue
			}
			e.inflight[cl.AccountID()]++
			e.accounts[cl.AccountID()].enqueue(cl)
			moved = true
		}
	}
}

// touch publishes the task's current view and notifies listeners and
// waiters of changes.
func (e *Engine) touch(t *DownloadTask) {
	t.settle()
	info := t.Info()

	e.mu.Lock()
	prev, seen := e.infos[t.id]
	e.infos[t.id] = info
	e.mu.Unlock()

	if !seen || prev.State != info.State || prev.Ready != info.Ready || prev.Flags != info.Flags {
		e.listener.TaskUpdate(info)
	}
	if info.State.Terminal() {
		for _, w := range e.waiters[t.id] {
			w <- info
			close(w)
		}
		delete(e.waiters, t.id)
	}
}

func (e *Engine) dispatch(ctx context.Context, a *Account) {
	defer e.wg.Done()
	for {
		s, ok := a.acquire(ctx)
		if !ok {
			return
		}
		cl, ok := a.next()
		if !ok {
			a.release(s)
			return
		}
		if cl.Cancelled() {
			a.release(s)
			e.post(cmdlistFinished{cl: cl})
			continue
		}
		e.post(cmdlistStarted{cl})
		submitted := e.conns.Submit(s.id, func() {
			defer a.release(s)
			n, err := e.execute(ctx, a, s, cl)
			e.received.Add(n)
			e.post(cmdlistFinished{cl: cl, err: err, bytes: n})
		})
		if !submitted {
			a.release(s)
			return
		}
	}
}

// execute runs cl on the slot's connection, dialing first when the slot
// has none. A connection that fails is closed and the slot redials next
// time.
func (e *Engine) execute(ctx context.Context, a *Account, s *slot, cl *cmdlist.CmdList) (uint64, error) {
	if s.conn == nil {
		if s.failures > 0 {
			wait := min(time.Duration(s.failures)*250*time.Millisecond, maxBackoff)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		c, err := connect(ctx, s.id, a, e.dial, e.log)
		if err != nil {
			s.failures++
			return 0, err
		}
		s.conn = c
	}
	// unblock reads when the engine stops
	nc := s.conn.conn
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	before := s.conn.BytesRead()
	err := s.conn.Execute(cl)
	stop()
	n := s.conn.BytesRead() - before
	if err != nil {
		s.failures++
		e.log.Debug("connection %d: %v", s.id, err)
		s.conn.Close()
		s.conn = nil
		return n, err
	}
	s.failures = 0
	return n, nil
}

func (e *Engine) contentOptions(overwrite bool) content.Options {
	return content.Options{
		Overwrite:     overwrite || e.cfg.OverwriteExisting,
		DiscardText:   e.cfg.DiscardTextContent,
		UseMmap:       e.cfg.UseMmap,
		MmapChunkSize: e.cfg.MmapChunkSize,
		MmapMaxChunks: e.cfg.MmapMaxChunks,
	}
}

func (e *Engine) fillAccount() int {
	if !e.cfg.EnableFillAccount {
		return 0
	}
	return e.cfg.FillAccount
}

func (e *Engine) addTask(key string, d Download, overwrite bool) (*DownloadTask, error) {
	if _, ok := e.accounts[d.Account]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAccount, d.Account)
	}
	if d.Path == "" {
		d.Path = e.cfg.OutDir
	}
	e.nextID++
	t, err := newDownloadTask(e.nextID, key, d, taskOptions{
		fs:          e.fs,
		content:     e.contentOptions(overwrite),
		fillAccount: e.fillAccount(),
		listener:    e.listener,
		log:         e.log,
	})
	if err != nil {
		return nil, err
	}
	e.tasks[t.id] = t
	e.order = append(e.order, t.id)
	return t, nil
}

// Add queues a download and starts it.
func (e *Engine) Add(d Download) (TaskInfo, error) {
	var info TaskInfo
	var err error
	if derr := e.do(func() {
		var t *DownloadTask
		if t, err = e.addTask(ksuid.New().String(), d, false); err != nil {
			return
		}
		t.start()
		e.touch(t)
		info = t.Info()
	}); derr != nil {
		return TaskInfo{}, derr
	}
	return info, err
}

// Restore brings back a task saved by an earlier run. It starts over from
// the first article and overwrites the partial files it left behind. A task
// that was paused stays paused.
func (e *Engine) Restore(s Snapshot) (TaskInfo, error) {
	var info TaskInfo
	var err error
	if derr := e.do(func() {
		var t *DownloadTask
		if t, err = e.addTask(s.Info.Key, s.Download, true); err != nil {
			return
		}
		t.start()
		if s.Info.State == StatePaused {
			t.pause()
		}
		e.touch(t)
		info = t.Info()
	}); derr != nil {
		return TaskInfo{}, derr
	}
	return info, err
}

func (e *Engine) withTask(id uint64, fn func(t *DownloadTask)) error {
	var found bool
	if err := e.do(func() {
		t := e.tasks[id]
		if found = t != nil; found {
			fn(t)
		}
	}); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %d", ErrUnknownTask, id)
	}
	return nil
}

// Pause stops the task from starting new cmdlists. Work in progress
// finishes.
func (e *Engine) Pause(id uint64) error {
	return e.withTask(id, func(t *DownloadTask) {
		t.pause()
		e.touch(t)
	})
}

func (e *Engine) Resume(id uint64) error {
	return e.withTask(id, func(t *DownloadTask) {
		t.resume()
		e.touch(t)
	})
}

// Kill removes the task. Unless it completed, its files are discarded.
func (e *Engine) Kill(id uint64) error {
	return e.withTask(id, func(t *DownloadTask) {
		if t.State() != StateComplete {
			t.cancel()
		}
		delete(e.tasks, id)
		e.order = slices.DeleteFunc(e.order, func(o uint64) bool { return o == id })
		e.mu.Lock()
		delete(e.infos, id)
		e.mu.Unlock()
		for _, w := range e.waiters[id] {
			close(w)
		}
		delete(e.waiters, id)
	})
}

// Wait blocks until the task completes or fails.
func (e *Engine) Wait(ctx context.Context, id uint64) (TaskInfo, error) {
	ch := make(chan TaskInfo, 1)
	if err := e.withTask(id, func(t *DownloadTask) {
		if t.State().Terminal() {
			ch <- t.Info()
			close(ch)
			return
		}
		e.waiters[id] = append(e.waiters[id], ch)
	}); err != nil {
		return TaskInfo{}, err
	}
	select {
	case info, ok := <-ch:
		if !ok {
			return TaskInfo{}, fmt.Errorf("%w: %d", ErrUnknownTask, id)
		}
		return info, nil
	case <-ctx.Done():
		return TaskInfo{}, ctx.Err()
	}
}

// Task returns the latest view of a task.
func (e *Engine) Task(id uint64) (TaskInfo, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	info, ok := e.infos[id]
	return info, ok
}

// Tasks returns every task, oldest first.
func (e *Engine) Tasks() []TaskInfo {
	e.mu.RLock()
	infos := make([]TaskInfo, 0, len(e.infos))
	for _, info := range e.infos {
		infos = append(infos, info)
	}
	e.mu.RUnlock()
	slices.SortFunc(infos, func(a, b TaskInfo) int { return cmp.Compare(a.ID, b.ID) })
	return infos
}

// Snapshots captures every task. After Stop it reads the final state.
func (e *Engine) Snapshots() ([]Snapshot, error) {
	var snaps []Snapshot
	var err error
	collect := func() {
		snaps = snaps[:0]
		for _, id := range e.order {
			var s Snapshot
			if s, err = e.tasks[id].Snapshot(); err != nil {
				return
			}
			snaps = append(snaps, s)
		}
	}
	if derr := e.do(collect); errors.Is(derr, ErrStopped) {
		collect()
	} else if derr != nil {
		return nil, derr
	}
	return snaps, err
}

// Snapshot captures one task.
func (e *Engine) Snapshot(id uint64) (Snapshot, error) {
	var snap Snapshot
	var err error
	if werr := e.withTask(id, func(t *DownloadTask) { snap, err = t.Snapshot() }); werr != nil {
		return Snapshot{}, werr
	}
	return snap, err
}

// BytesReceived counts bytes read from all servers.
func (e *Engine) BytesReceived() uint64 { return e.received.Load() }

// Accounts lists the configured servers.
func (e *Engine) Accounts() []*Account {
	out := make([]*Account, 0, len(e.accounts))
	for _, a := range e.accounts {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b *Account) int { return cmp.Compare(a.Config.ID, b.Config.ID) })
	return out
}
