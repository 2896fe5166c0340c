package engine

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/RoaringBitmap/roaring"
	"github.com/datallboy/newsflow/internal/buffer"
	"github.com/datallboy/newsflow/internal/cmdlist"
	"github.com/datallboy/newsflow/internal/content"
	"github.com/datallboy/newsflow/internal/decoding"
	"github.com/datallboy/newsflow/internal/infra/logger"
	"github.com/datallboy/newsflow/internal/nntp"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
)

const (
	articlesPerCmdlist = 10
	// above this many undecoded and unwritten bytes a task stops taking new
	// cmdlists until the action pool catches up
	maxBytesQueued = 50 << 20
	// a cmdlist whose connection fails this many times fails the task
	maxAttempts = 3
)

// ErrNoArticles is returned for a download without articles.
var ErrNoArticles = errors.New("download has no articles")

type actionKind int

const (
	actionDecode actionKind = iota
	actionWrite
)

// action is a unit of CPU or disk work done off the engine loop. The kind
// tells which fields are in use; the result is filled in by perform.
type action struct {
	kind actionKind
	task uint64
	size int64

	// decode
	index  uint32
	buf    *buffer.Buffer
	result *decoding.Result

	// write
	write *content.Write

	err error
}

func (a *action) perform() {
	switch a.kind {
	case actionDecode:
		a.result, a.err = decoding.Decode(a.buf.Content())
		a.buf = nil
	case actionWrite:
		a.err = a.write.Perform()
	}
}

type taskOptions struct {
	fs          afero.Fs
	content     content.Options
	fillAccount int
	listener    Listener
	log         *logger.Logger
}

// DownloadTask is one download moving through the engine. Its methods are
// called from the engine loop only.
type DownloadTask struct {
	id   uint64
	key  string
	dl   Download
	fill int

	sm    *stateMachine
	flags Flags
	recon *content.Reconstructor

	articles []string
	fileOf   []int
	done     *roaring.Bitmap

	queue    []*cmdlist.CmdList
	batches  map[uint64][]uint32
	inflight map[uint64]*cmdlist.CmdList
	running  map[uint64]bool
	attempts map[uint64]int

	bytesQueued int64
	received    uint64
	files       []FileReport
	finished    bool
	lastErr     string

	listener Listener
	log      *logger.Logger
}

func newDownloadTask(id uint64, key string, d Download, opts taskOptions) (*DownloadTask, error) {
	if d.NumArticles() == 0 {
		return nil, ErrNoArticles
	}
	t := &DownloadTask{
		id:       id,
		key:      key,
		dl:       d,
		fill:     opts.fillAccount,
		sm:       newStateMachine(d.NumArticles()),
		recon:    content.New(opts.fs, d.Path, d.Desc, d.NumArticles(), opts.content),
		done:     roaring.New(),
		batches:  make(map[uint64][]uint32),
		inflight: make(map[uint64]*cmdlist.CmdList),
		running:  make(map[uint64]bool),
		attempts: make(map[uint64]int),
		listener: opts.listener,
		log:      opts.log.Named(fmt.Sprintf("task-%d", id)),
	}
	if t.listener == nil {
		t.listener = nopListener{}
	}
	for fi, f := range d.Files {
		first := uint32(len(t.articles))
		t.articles = append(t.articles, f.Articles...)
		for range f.Articles {
			t.fileOf = append(t.fileOf, fi)
		}
		for beg := 0; beg < len(f.Articles); beg += articlesPerCmdlist {
			end := min(beg+articlesPerCmdlist, len(f.Articles))
			indices := make([]uint32, 0, end-beg)
			for i := beg; i < end; i++ {
				indices = append(indices, first+uint32(i))
			}
			t.push(t.newCmdlist(indices, d.Account))
		}
	}
	return t, nil
}

func (t *DownloadTask) newCmdlist(indices []uint32, account int) *cmdlist.CmdList {
	ids := make([]string, len(indices))
	for i, idx := range indices {
		ids[i] = t.articles[idx]
	}
	cl := cmdlist.NewArticles(t.dl.Files[t.fileOf[indices[0]]].Groups, ids)
	cl.SetTaskID(t.id)
	cl.SetAccountID(account)
	t.batches[cl.ID()] = indices
	return cl
}

func (t *DownloadTask) push(cl *cmdlist.CmdList) { t.queue = append(t.queue, cl) }

func (t *DownloadTask) ID() uint64   { return t.id }
func (t *DownloadTask) State() State { return t.sm.state }

// debuffering reports whether too much data waits for decoding and writing.
func (t *DownloadTask) debuffering() bool { return t.bytesQueued >= maxBytesQueued }

// next hands out the next cmdlist to run, if the task may run one now and
// room says its account can take it.
func (t *DownloadTask) next(room func(account int) bool) (*cmdlist.CmdList, bool) {
	if s := t.sm.state; s != StateWaiting && s != StateActive {
		return nil, false
	}
	if len(t.queue) == 0 || t.debuffering() || !room(t.queue[0].AccountID()) {
		return nil, false
	}
	cl := t.queue[0]
	t.queue[0] = nil
	t.queue = t.queue[1:]
	t.inflight[cl.ID()] = cl
	return cl, true
}

func (t *DownloadTask) start() { t.sm.start() }

func (t *DownloadTask) pause() { t.sm.pause() }

func (t *DownloadTask) resume() { t.sm.resume() }

// cmdlistStarted is called when a connection picks the cmdlist up.
func (t *DownloadTask) cmdlistStarted(cl *cmdlist.CmdList) {
	if _, ok := t.inflight[cl.ID()]; !ok || t.running[cl.ID()] {
		return
	}
	t.running[cl.ID()] = true
	t.sm.activate()
}

// cmdlistDone takes a cmdlist back from a connection. err is non-nil when
// the connection failed before the list ran to the end. The returned
// actions decode the articles that came back.
func (t *DownloadTask) cmdlistDone(cl *cmdlist.CmdList, err error) []*action {
	if _, ok := t.inflight[cl.ID()]; !ok {
		return nil
	}
	delete(t.inflight, cl.ID())
	if t.running[cl.ID()] {
		delete(t.running, cl.ID())
		defer t.sm.deactivate()
	}
	if cl.Cancelled() || t.sm.state.Terminal() {
		return nil
	}

	if err != nil {
		t.attempts[cl.ID()]++
		if fatalForTask(err) || t.attempts[cl.ID()] >= maxAttempts {
			t.fail(fmt.Errorf("account %d: %w", cl.AccountID(), err))
			return nil
		}
		t.log.Warn("cmdlist %d failed on connection %d, retrying: %v", cl.ID(), cl.ConnID(), err)
		cl.SetConnID(0)
		t.push(cl)
		return nil
	}
	delete(t.attempts, cl.ID())

	if !cl.Good() {
		cl.MarkUnavailable()
	}
	if cl.HasFailedContent() && cl.IsFillable() && t.fill != 0 && cl.AccountID() != t.fill {
		t.log.Debug("cmdlist %d set for refill on account %d", cl.ID(), t.fill)
		cl.Reroute(t.fill)
		t.push(cl)
		return nil
	}

	indices := t.batches[cl.ID()]
	delete(t.batches, cl.ID())
	bufs := cl.Buffers()

	var actions []*action
	var missing []uint32
	for i, idx := range indices {
		if i >= len(bufs) {
			missing = append(missing, idx)
			continue
		}
		b := bufs[i]
		switch b.Status() {
		case buffer.StatusSuccess:
			actions = append(actions, t.decodeAction(idx, b))
		case buffer.StatusUnavailable:
			t.flags |= FlagUnavailable
			t.account(idx)
		case buffer.StatusDmca:
			t.flags |= FlagDmca
			t.account(idx)
		default:
			missing = append(missing, idx)
		}
	}
	if len(missing) > 0 {
		t.push(t.newCmdlist(missing, t.dl.Account))
	}
	return actions
}

// fatalForTask reports errors that retrying on another connection of the
// same account cannot fix.
func fatalForTask(err error) bool {
	var pe *nntp.ProtocolError
	return errors.As(err, &pe) ||
		errors.Is(err, nntp.ErrAuthenticationFailed) ||
		errors.Is(err, nntp.ErrNoPermission) ||
		errors.Is(err, nntp.ErrServicePermanentlyUnavailable)
}

func (t *DownloadTask) decodeAction(idx uint32, b *buffer.Buffer) *action {
	size := int64(b.ContentLength())
	t.bytesQueued += size
	t.sm.activate()
	return &action{kind: actionDecode, task: t.id, index: idx, buf: b, size: size}
}

// account marks an article as finished. Delivery to the task is at least
// once; the bitmap makes the count exactly once.
func (t *DownloadTask) account(idx uint32) {
	if t.done.CheckedAdd(idx) {
		t.sm.completeArticles(1)
	}
}

// actionDone takes back a finished decode or write. Decoded data turns into
// writes, which are returned to be run.
func (t *DownloadTask) actionDone(a *action) []*action {
	t.bytesQueued -= a.size
	defer t.sm.deactivate()
	if t.sm.state == StateError {
		return nil
	}

	switch a.kind {
	case actionDecode:
		defer t.account(a.index)
		if a.err != nil {
			// the article is lost, its siblings are not
			t.flags |= FlagDamaged | FlagError
			t.recon.Fail(a.err)
			t.raise(fmt.Errorf("article %s: %w", t.articles[a.index], a.err))
			return nil
		}
		if c := a.result.Chunk; c != nil && c.Damaged() {
			t.flags |= FlagDamaged
		}
		writes, err := t.recon.Accept(a.result)
		if err != nil {
			t.fail(err)
			return nil
		}
		next := make([]*action, 0, len(writes))
		for _, w := range writes {
			size := int64(w.Len())
			t.bytesQueued += size
			t.sm.activate()
			next = append(next, &action{kind: actionWrite, task: t.id, write: w, size: size})
		}
		return next

	case actionWrite:
		if a.err != nil {
			t.fail(fmt.Errorf("write %s: %w", a.write.Path(), a.err))
		}
	}
	return nil
}

// settle finishes the files once the task completed. It returns true when
// it did so.
func (t *DownloadTask) settle() bool {
	if t.sm.state != StateComplete || t.finished {
		return false
	}
	t.finished = true
	files, err := t.recon.Finish()
	for _, f := range files {
		report := FileReport{
			TaskID:  t.id,
			Path:    f.Path,
			Name:    filepath.Base(f.Path),
			Size:    f.Size,
			Binary:  f.Binary,
			Damaged: f.Damaged,
		}
		if f.Damaged {
			t.flags |= FlagDamaged
		}
		t.files = append(t.files, report)
		t.log.Info("file complete %s (%s)", report.Path, humanize.IBytes(uint64(report.Size)))
		t.listener.FileComplete(report)
	}
	// decode failures were reported as they happened
	if err != nil && !errors.Is(err, content.ErrCancelled) && !t.flags.Has(FlagError) {
		t.flags |= FlagError
		t.raise(err)
	}
	return true
}

// raise reports an error without failing the task.
func (t *DownloadTask) raise(err error) {
	t.lastErr = err.Error()
	t.log.Error("%v", err)
	t.listener.TaskError(newError(t.id, t.dl.Desc, err))
}

// fail moves the task to the error state and rolls its files back.
func (t *DownloadTask) fail(err error) {
	if t.sm.state.Terminal() {
		return
	}
	t.flags |= FlagError
	t.raise(err)
	t.sm.fail()
	t.cancel()
}

// cancel abandons the cmdlists in flight and discards the files.
func (t *DownloadTask) cancel() {
	for _, cl := range t.inflight {
		cl.Cancel()
	}
	t.queue = nil
	if err := t.recon.Cancel(); err != nil {
		t.log.Warn("discarding files: %v", err)
	}
}

// Info is a snapshot of the task for display.
func (t *DownloadTask) Info() TaskInfo {
	return TaskInfo{
		ID:          t.id,
		Key:         t.key,
		Desc:        t.dl.Desc,
		Path:        t.dl.Path,
		Account:     t.dl.Account,
		State:       t.sm.state,
		Flags:       t.flags,
		Articles:    len(t.articles),
		Ready:       int(t.done.GetCardinality()),
		Size:        t.dl.Size(),
		Received:    t.received,
		Debuffering: t.debuffering(),
		Files:       append([]FileReport(nil), t.files...),
		Error:       t.lastErr,
	}
}

// Snapshot captures what is needed to show or restart the task later.
func (t *DownloadTask) Snapshot() (Snapshot, error) {
	done, err := t.done.ToBytes()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Info: t.Info(), Download: t.dl, Done: done}, nil
}
